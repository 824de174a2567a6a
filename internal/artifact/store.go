// Package artifact persists generated haikus keyed by (source id, language).
//
// The whole collection lives in one JSON document that is rewritten on every
// insert. Entries are append-only and deduplicated by exact text per key.
package artifact

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zhaobenny/haikugate/internal/model"
	"github.com/zhaobenny/haikugate/internal/observability"
)

// ErrEmptyText is returned when adding an artifact without text
var ErrEmptyText = errors.New("artifact text is empty")

// ErrInvalidDocument is returned by ImportAll for blobs that do not decode
var ErrInvalidDocument = errors.New("invalid artifact document")

// StorageError reports a failed read or write of the backing document
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("artifact store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Store is safe for concurrent use. Writes are serialized.
type Store struct {
	mu    sync.RWMutex
	path  string
	doc   document
	dirty bool

	intn    func(n int) int
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics
}

// Option customizes a Store
type Option func(*Store)

// WithRand sets the source used to pick among several artifacts
func WithRand(intn func(n int) int) Option { return func(s *Store) { s.intn = intn } }

// WithClock sets the clock used to stamp new artifacts
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// WithMetrics sets the metrics sink
func WithMetrics(m *observability.Metrics) Option { return func(s *Store) { s.metrics = m } }

// Open loads the document at path. A missing file is an empty store; an
// unreadable or corrupt one is an error so it is never overwritten.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		intn:   rand.IntN,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.doc = make(document)
	case err != nil:
		return nil, &StorageError{Op: "read", Path: path, Err: err}
	default:
		doc, err := decodeDocument(data)
		if err != nil {
			return nil, &StorageError{Op: "decode", Path: path, Err: err}
		}
		s.doc = doc
	}
	return s, nil
}

// Path returns the backing file
func (s *Store) Path() string { return s.path }

// Get returns the text of a uniformly random artifact for the key
func (s *Store) Get(sourceID, language string) (string, bool) {
	r, ok := s.GetWithMetadata(sourceID, language)
	return r.Text, ok
}

// GetWithMetadata returns a uniformly random artifact for the key
func (s *Store) GetWithMetadata(sourceID, language string) (model.ArtifactRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.doc[sourceID][language]
	if len(entries) == 0 {
		return model.ArtifactRecord{}, false
	}
	return entries[s.intn(len(entries))].record(language), true
}

// All returns every artifact for the key in insertion order
func (s *Store) All(sourceID, language string) []model.ArtifactRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.doc[sourceID][language]
	out := make([]model.ArtifactRecord, len(entries))
	for i, e := range entries {
		out[i] = e.record(language)
	}
	return out
}

// Each calls fn for every stored artifact, ordered by source id then
// language. fn must not call back into the store.
func (s *Store) Each(fn func(sourceID string, rec model.ArtifactRecord)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.doc))
	for id := range s.doc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		langs := make([]string, 0, len(s.doc[id]))
		for lang := range s.doc[id] {
			langs = append(langs, lang)
		}
		sort.Strings(langs)
		for _, lang := range langs {
			for _, e := range s.doc[id][lang] {
				fn(id, e.record(lang))
			}
		}
	}
}

// Has reports whether the key has at least one artifact
func (s *Store) Has(sourceID, language string) bool {
	return s.Count(sourceID, language) > 0
}

// Count returns the number of artifacts for the key
func (s *Store) Count(sourceID, language string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.doc[sourceID][language])
}

// Missing returns the ids from sourceIDs that have no artifact in language
func (s *Store) Missing(sourceIDs []string, language string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var missing []string
	for _, id := range sourceIDs {
		if len(s.doc[id][language]) == 0 {
			missing = append(missing, id)
		}
	}
	return missing
}

// Add appends an artifact unless the same text already exists for the key.
// It reports whether a record was added. On a write failure the record is
// kept in memory and a *StorageError is returned alongside added=true.
func (s *Store) Add(sourceID, language, text, modelID string) (bool, error) {
	return s.AddAt(sourceID, language, text, modelID, s.now())
}

// AddAt is Add with the generation time supplied by the caller
func (s *Store) AddAt(sourceID, language, text, modelID string, at time.Time) (bool, error) {
	if text == "" {
		return false, ErrEmptyText
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	langs, ok := s.doc[sourceID]
	if !ok {
		langs = make(map[string][]entry)
		s.doc[sourceID] = langs
	}
	if contains(langs[language], text) {
		return false, nil
	}
	langs[language] = append(langs[language], newEntry(text, modelID, at))

	return true, s.saveLocked()
}

// Flush writes the document if an earlier write failed
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.saveLocked()
}

// saveLocked writes the document atomically. Caller holds s.mu.
func (s *Store) saveLocked() error {
	err := s.writeFile()
	s.metrics.StoreWrite(err == nil)
	if err != nil {
		s.dirty = true
		s.logger.Error("artifact store write failed", "path", s.path, "error", err)
		return &StorageError{Op: "write", Path: s.path, Err: err}
	}
	s.dirty = false
	return nil
}

func (s *Store) writeFile() error {
	data, err := encodeDocument(s.doc)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".haikus-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// ExportAll returns the whole collection in the document format
func (s *Store) ExportAll() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return encodeDocument(s.doc)
}

// ImportAll merges an exported document into the store and returns the number
// of records added. Existing records are never removed and duplicates are
// skipped per key.
func (s *Store) ImportAll(blob []byte) (int, error) {
	incoming, err := decodeDocument(blob)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for sourceID, langs := range incoming {
		for language, entries := range langs {
			for _, e := range entries {
				if e.Text == "" {
					continue
				}
				current, ok := s.doc[sourceID]
				if !ok {
					current = make(map[string][]entry)
					s.doc[sourceID] = current
				}
				if contains(current[language], e.Text) {
					continue
				}
				current[language] = append(current[language], e)
				added++
			}
		}
	}

	if added == 0 {
		return 0, nil
	}
	s.logger.Info("artifacts imported", "added", added)
	return added, s.saveLocked()
}

// Stats summarizes the collection
type Stats struct {
	Sources   int            `json:"sources"`
	Total     int            `json:"total"`
	Languages map[string]int `json:"languages"` // artifacts per language
	Covered   map[string]int `json:"covered"`   // sources with at least one artifact per language
	Bilingual int            `json:"bilingual"` // sources covered in every language present
	Models    map[string]int `json:"models"`
}

// Stats computes collection statistics
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Languages: make(map[string]int),
		Covered:   make(map[string]int),
		Models:    make(map[string]int),
	}
	allLangs := make(map[string]bool)
	for _, langs := range s.doc {
		for lang, entries := range langs {
			if len(entries) > 0 {
				allLangs[lang] = true
			}
		}
	}

	for _, langs := range s.doc {
		covered := 0
		for lang, entries := range langs {
			if len(entries) == 0 {
				continue
			}
			covered++
			st.Covered[lang]++
			st.Languages[lang] += len(entries)
			st.Total += len(entries)
			for _, e := range entries {
				st.Models[e.Model]++
			}
		}
		if covered > 0 {
			st.Sources++
		}
		if len(allLangs) > 1 && covered == len(allLangs) {
			st.Bilingual++
		}
	}
	return st
}

// SourceIDs returns the ids that have any artifact, sorted
func (s *Store) SourceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.doc))
	for id := range s.doc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
