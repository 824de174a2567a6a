// Package catalog holds the read-only set of source items (quotes).
package catalog

import (
	"bufio"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/zhaobenny/haikugate/internal/model"
)

//go:embed quotes.json
var defaultQuotes []byte

// Catalog is immutable after construction and safe for concurrent reads
type Catalog struct {
	items []model.SourceItem
	byID  map[string]int
}

// Default returns the built-in quote collection
func Default() (*Catalog, error) {
	var items []model.SourceItem
	if err := json.Unmarshal(defaultQuotes, &items); err != nil {
		return nil, fmt.Errorf("embedded quotes: %w", err)
	}
	return New(items), nil
}

// New builds a catalog. Items without an id are dropped and the first
// occurrence of a duplicate id wins.
func New(items []model.SourceItem) *Catalog {
	c := &Catalog{byID: make(map[string]int, len(items))}
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		if _, dup := c.byID[it.ID]; dup {
			slog.Warn("duplicate source id ignored", "id", it.ID)
			continue
		}
		c.byID[it.ID] = len(c.items)
		c.items = append(c.items, it)
	}
	return c
}

// Load reads a catalog from a JSON array file, or a JSONL file when the
// extension is .jsonl. An empty path returns the built-in collection.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if filepath.Ext(path) == ".jsonl" {
		items, err := ParseJSONL(file)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return New(items), nil
	}

	var items []model.SourceItem
	if err := json.NewDecoder(file).Decode(&items); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return New(items), nil
}

// ParseJSONL reads one source item per line, skipping blank and malformed lines
func ParseJSONL(r io.Reader) ([]model.SourceItem, error) {
	var items []model.SourceItem
	scanner := bufio.NewScanner(r)

	// Increase buffer size for large lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var it model.SourceItem
		if err := json.Unmarshal(raw, &it); err != nil {
			slog.Warn("skipping malformed catalog line", "line", line, "error", err)
			continue
		}
		items = append(items, it)
	}

	return items, scanner.Err()
}

// Get returns the item with id
func (c *Catalog) Get(id string) (model.SourceItem, bool) {
	i, ok := c.byID[id]
	if !ok {
		return model.SourceItem{}, false
	}
	return c.items[i], true
}

// Items returns all items in file order
func (c *Catalog) Items() []model.SourceItem {
	out := make([]model.SourceItem, len(c.items))
	copy(out, c.items)
	return out
}

// IDs returns all ids in file order
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.items))
	for i, it := range c.items {
		ids[i] = it.ID
	}
	return ids
}

// Len returns the number of items
func (c *Catalog) Len() int { return len(c.items) }
