package model

import "time"

// ModelUnknown marks records whose producing model was never recorded
const ModelUnknown = "unknown"

// ModelFallback marks static fallback artifacts
const ModelFallback = "fallback"

// SourceItem is an immutable input entity (a quote) keyed by ID
type SourceItem struct {
	ID       string            `json:"id"`
	Text     map[string]string `json:"text"`
	Author   map[string]string `json:"author"`
	Category string            `json:"category,omitempty"`
	Type     string            `json:"type,omitempty"`
}

// TextIn returns the item text in lang, falling back to any available language
func (s SourceItem) TextIn(lang string) string {
	if t, ok := s.Text[lang]; ok && t != "" {
		return t
	}
	for _, l := range []string{"fr", "en"} {
		if t := s.Text[l]; t != "" {
			return t
		}
	}
	for _, t := range s.Text {
		return t
	}
	return ""
}

// AuthorIn returns the item author in lang, falling back to any available language
func (s SourceItem) AuthorIn(lang string) string {
	if a, ok := s.Author[lang]; ok && a != "" {
		return a
	}
	for _, l := range []string{"fr", "en"} {
		if a := s.Author[l]; a != "" {
			return a
		}
	}
	for _, a := range s.Author {
		return a
	}
	return ""
}

// ArtifactRecord is one generated haiku. Records are never mutated after creation.
type ArtifactRecord struct {
	Text        string
	Language    string
	Model       string
	GeneratedAt time.Time // zero when unknown (legacy entries)
}

// Provenance tells where a served artifact came from
type Provenance string

const (
	ProvenanceCache     Provenance = "cache"
	ProvenanceGenerated Provenance = "generated"
	ProvenanceFallback  Provenance = "fallback"
)

// Result is what callers of the orchestrator receive
type Result struct {
	SourceID     string     `json:"source_id"`
	Text         string     `json:"haiku_text"`
	Language     string     `json:"language"`
	Model        string     `json:"model"`
	Author       string     `json:"author"`
	WasGenerated bool       `json:"was_generated"`
	GeneratedAt  *time.Time `json:"generated_at"`
	Provenance   Provenance `json:"provenance"`
}
