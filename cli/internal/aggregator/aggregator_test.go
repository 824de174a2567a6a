package aggregator

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

var sample = []Record{
	{SourceID: "a", Language: "fr", Model: "claude-3-haiku-20240307", GeneratedAt: at("2025-06-01T10:00:00Z")},
	{SourceID: "a", Language: "en", Model: "claude-3-haiku-20240307", GeneratedAt: at("2025-06-01T23:30:00Z")},
	{SourceID: "b", Language: "fr", Model: "claude-3-5-haiku-20241022", GeneratedAt: at("2025-07-02T08:00:00Z")},
	{SourceID: "c", Language: "fr", Model: "unknown"},
}

func TestByDay(t *testing.T) {
	rows := ByDay(sample, Options{})
	want := []Row{
		{Key: "2025-07-02", Haikus: 1, Sources: 1, Models: []string{"claude-3-5-haiku-20241022"}},
		{Key: "2025-06-01", Haikus: 2, Sources: 1, Models: []string{"claude-3-haiku-20240307"}},
		{Key: Unknown, Haikus: 1, Sources: 1, Models: []string{"unknown"}},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("ByDay mismatch (-want +got):\n%s", diff)
	}
}

func TestByDayTimezone(t *testing.T) {
	tz := time.FixedZone("JST", 9*60*60)

	rows := ByDay(sample[:2], Options{Timezone: tz})
	require.Len(t, rows, 2)
	assert.Equal(t, "2025-06-02", rows[0].Key)
	assert.Equal(t, "2025-06-01", rows[1].Key)
}

func TestByMonthModelLanguage(t *testing.T) {
	months := ByMonth(sample, Options{})
	assert.Equal(t, []string{"2025-07", "2025-06", Unknown}, keys(months))

	models := ByModel(sample, Options{})
	assert.Equal(t, []string{"claude-3-haiku-20240307", "claude-3-5-haiku-20241022", "unknown"}, keys(models))

	langs := ByLanguage(sample, Options{})
	assert.Equal(t, []string{"fr", "en"}, keys(langs))
	assert.Equal(t, 3, langs[0].Sources)
}

func TestFilterRecords(t *testing.T) {
	got := FilterRecords(sample, Options{Since: at("2025-06-01T12:00:00Z")})
	assert.Len(t, got, 2)

	got = FilterRecords(sample, Options{Until: at("2025-06-30T00:00:00Z")})
	assert.Len(t, got, 2)

	got = FilterRecords(sample, Options{Language: "fr"})
	assert.Len(t, got, 3)
}

func TestCalculateTotal(t *testing.T) {
	total := CalculateTotal(sample)
	assert.Equal(t, 4, total.Haikus)
	assert.Equal(t, 3, total.Sources)
	assert.Len(t, total.Models, 3)
}

func keys(rows []Row) []string {
	var out []string
	for _, r := range rows {
		out = append(out, r.Key)
	}
	return out
}
