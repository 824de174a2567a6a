package catalog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaobenny/haikugate/internal/model"
)

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)
	assert.Greater(t, c.Len(), 10)

	q, ok := c.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "Better to be a living donkey than a dead philosopher.", q.Text["en"])
	assert.Equal(t, "classic", q.Category)
}

func TestNewDropsInvalidAndDuplicates(t *testing.T) {
	c := New([]model.SourceItem{
		{ID: "a", Text: map[string]string{"fr": "premier"}},
		{ID: ""},
		{ID: "a", Text: map[string]string{"fr": "second"}},
		{ID: "b"},
	})
	assert.Equal(t, []string{"a", "b"}, c.IDs())
	q, _ := c.Get("a")
	assert.Equal(t, "premier", q.Text["fr"])
}

func TestParseJSONLSkipsMalformedLines(t *testing.T) {
	in := strings.Join([]string{
		`{"id":"x1","text":{"en":"one"},"author":{"en":"A"}}`,
		``,
		`{broken`,
		`{"id":"x2","text":{"fr":"deux"},"author":{"fr":"B"}}`,
	}, "\n")

	items, err := ParseJSONL(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "x2", items[1].ID)
}

func TestLoadFromFiles(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "quotes.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"id":"q","text":{"en":"t"},"author":{"en":"a"}}]`), 0644))
	c, err := Load(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	jsonlPath := filepath.Join(dir, "quotes.jsonl")
	require.NoError(t, os.WriteFile(jsonlPath, []byte(`{"id":"q1"}`+"\n"+`{"id":"q2"}`+"\n"), 0644))
	c, err = Load(jsonlPath)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	_, err = Load(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	c, err = Load("")
	require.NoError(t, err)
	assert.Greater(t, c.Len(), 0)
}

func TestTextFallbacks(t *testing.T) {
	q := model.SourceItem{
		Text:   map[string]string{"fr": "bonjour"},
		Author: map[string]string{"en": "Someone"},
	}
	assert.Equal(t, "bonjour", q.TextIn("de"))
	assert.Equal(t, "Someone", q.AuthorIn("fr"))
}
