package output

import (
	"encoding/csv"
	"io"

	"github.com/zhaobenny/haikugate/internal/model"
)

// CSVHeaders are the columns written by WriteCSV
var CSVHeaders = []string{
	"quote_id", "category",
	"quote_fr", "author_fr",
	"quote_en", "author_en",
	"haiku_fr", "haiku_en",
}

// Artifacts lists stored artifacts for a key, oldest first
type Artifacts interface {
	All(sourceID, language string) []model.ArtifactRecord
}

// WriteCSV writes one row per catalog item with its most recent haiku
// in each language. Items without any haiku are skipped.
func WriteCSV(w io.Writer, items []model.SourceItem, store Artifacts) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeaders); err != nil {
		return 0, err
	}

	n := 0
	for _, item := range items {
		fr := latest(store.All(item.ID, "fr"))
		en := latest(store.All(item.ID, "en"))
		if fr == "" && en == "" {
			continue
		}
		row := []string{
			item.ID, item.Category,
			item.Text["fr"], item.Author["fr"],
			item.Text["en"], item.Author["en"],
			fr, en,
		}
		if err := cw.Write(row); err != nil {
			return n, err
		}
		n++
	}

	cw.Flush()
	return n, cw.Error()
}

func latest(recs []model.ArtifactRecord) string {
	if len(recs) == 0 {
		return ""
	}
	return recs[len(recs)-1].Text
}
