package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zhaobenny/haikugate/internal/model"
)

const unknownTime = "unknown"

// entry is one stored artifact. Legacy entries were bare strings; they load
// with an unknown model and time and are written back as objects.
type entry struct {
	Text        string `json:"text"`
	GeneratedAt string `json:"generated_at"`
	Model       string `json:"model"`
}

func (e *entry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*e = entry{Text: text, GeneratedAt: unknownTime, Model: model.ModelUnknown}
		return nil
	}

	type plain entry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("artifact entry: %w", err)
	}
	*e = entry(p)
	if e.Model == "" {
		e.Model = model.ModelUnknown
	}
	if e.GeneratedAt == "" {
		e.GeneratedAt = unknownTime
	}
	return nil
}

func (e entry) record(language string) model.ArtifactRecord {
	r := model.ArtifactRecord{Text: e.Text, Language: language, Model: e.Model}
	if t, err := time.Parse(time.RFC3339Nano, e.GeneratedAt); err == nil {
		r.GeneratedAt = t
	}
	return r
}

func newEntry(text, modelID string, at time.Time) entry {
	if modelID == "" {
		modelID = model.ModelUnknown
	}
	generatedAt := unknownTime
	if !at.IsZero() {
		generatedAt = at.UTC().Format(time.RFC3339Nano)
	}
	return entry{Text: text, GeneratedAt: generatedAt, Model: modelID}
}

// document is the persisted shape: sourceID -> language -> entries
type document map[string]map[string][]entry

func decodeDocument(data []byte) (document, error) {
	doc := make(document)
	if len(bytes.TrimSpace(data)) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func encodeDocument(doc document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func contains(entries []entry, text string) bool {
	for _, e := range entries {
		if e.Text == text {
			return true
		}
	}
	return false
}
