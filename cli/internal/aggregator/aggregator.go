package aggregator

import (
	"sort"
	"time"

	"github.com/zhaobenny/haikugate/internal/model"
)

// Unknown groups records without a generation timestamp
const Unknown = "unknown"

// Record is one stored artifact flattened for aggregation
type Record struct {
	SourceID    string
	Language    string
	Model       string
	GeneratedAt time.Time
}

// Walker iterates stored artifacts
type Walker interface {
	Each(fn func(sourceID string, rec model.ArtifactRecord))
}

// Records flattens every stored artifact
func Records(store Walker) []Record {
	var out []Record
	store.Each(func(sourceID string, rec model.ArtifactRecord) {
		out = append(out, Record{
			SourceID:    sourceID,
			Language:    rec.Language,
			Model:       rec.Model,
			GeneratedAt: rec.GeneratedAt,
		})
	})
	return out
}

// Options for aggregation
type Options struct {
	Since    time.Time
	Until    time.Time
	Timezone *time.Location
	Language string
}

// Row is one aggregated group
type Row struct {
	Key     string   `json:"key"`
	Haikus  int      `json:"haikus"`
	Sources int      `json:"sources"` // distinct source items
	Models  []string `json:"models,omitempty"`
}

// FilterRecords filters records by date range and language. Records with
// an unknown timestamp are dropped as soon as a date bound is set.
func FilterRecords(records []Record, opts Options) []Record {
	var filtered []Record
	for _, r := range records {
		if opts.Language != "" && r.Language != opts.Language {
			continue
		}
		if !opts.Since.IsZero() || !opts.Until.IsZero() {
			if r.GeneratedAt.IsZero() {
				continue
			}
			ts := localize(r.GeneratedAt, opts)
			if !opts.Since.IsZero() && ts.Before(opts.Since) {
				continue
			}
			if !opts.Until.IsZero() && ts.After(opts.Until) {
				continue
			}
		}
		filtered = append(filtered, r)
	}
	return filtered
}

func localize(ts time.Time, opts Options) time.Time {
	if opts.Timezone != nil {
		return ts.In(opts.Timezone)
	}
	return ts
}

func timeKey(layout string, opts Options) func(Record) string {
	return func(r Record) string {
		if r.GeneratedAt.IsZero() {
			return Unknown
		}
		return localize(r.GeneratedAt, opts).Format(layout)
	}
}

// ByDay aggregates artifacts by generation day, newest first
func ByDay(records []Record, opts Options) []Row {
	return sortByKeyDesc(group(records, timeKey("2006-01-02", opts)))
}

// ByMonth aggregates artifacts by generation month, newest first
func ByMonth(records []Record, opts Options) []Row {
	return sortByKeyDesc(group(records, timeKey("2006-01", opts)))
}

// ByModel aggregates artifacts by producing model, largest first
func ByModel(records []Record, _ Options) []Row {
	return sortByCount(group(records, func(r Record) string { return r.Model }))
}

// ByLanguage aggregates artifacts by language, largest first
func ByLanguage(records []Record, _ Options) []Row {
	return sortByCount(group(records, func(r Record) string { return r.Language }))
}

func group(records []Record, key func(Record) string) []Row {
	grouped := make(map[string]*Row)
	models := make(map[string]map[string]bool)
	sources := make(map[string]map[string]bool)

	for _, r := range records {
		k := key(r)
		if _, ok := grouped[k]; !ok {
			grouped[k] = &Row{Key: k}
			models[k] = make(map[string]bool)
			sources[k] = make(map[string]bool)
		}
		grouped[k].Haikus++
		models[k][r.Model] = true
		sources[k][r.SourceID] = true
	}

	results := make([]Row, 0, len(grouped))
	for k, row := range grouped {
		for m := range models[k] {
			row.Models = append(row.Models, m)
		}
		sort.Strings(row.Models)
		row.Sources = len(sources[k])
		results = append(results, *row)
	}
	return results
}

// sortByKeyDesc puts newest keys first and Unknown last
func sortByKeyDesc(rows []Row) []Row {
	sort.Slice(rows, func(i, j int) bool {
		if (rows[i].Key == Unknown) != (rows[j].Key == Unknown) {
			return rows[j].Key == Unknown
		}
		return rows[i].Key > rows[j].Key
	})
	return rows
}

func sortByCount(rows []Row) []Row {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Haikus != rows[j].Haikus {
			return rows[i].Haikus > rows[j].Haikus
		}
		return rows[i].Key < rows[j].Key
	})
	return rows
}

// CalculateTotal sums rows. Sources is the distinct count over records,
// since a source can appear in several rows.
func CalculateTotal(records []Record) Row {
	total := Row{Key: "Total"}
	modelsMap := make(map[string]bool)
	sourcesMap := make(map[string]bool)

	for _, r := range records {
		total.Haikus++
		modelsMap[r.Model] = true
		sourcesMap[r.SourceID] = true
	}

	for m := range modelsMap {
		total.Models = append(total.Models, m)
	}
	sort.Strings(total.Models)
	total.Sources = len(sourcesMap)
	return total
}
