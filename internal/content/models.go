package content

import (
	"time"

	"kbforge/internal/phase"
)

// Item is one bookmarked piece of content and everything derived from it.
type Item struct {
	ID            string      `json:"id"`
	SourceID      string      `json:"source_id"`
	Source        string      `json:"source,omitempty"`
	URL           string      `json:"url,omitempty"`
	SourcePayload string      `json:"source_payload,omitempty"`
	Title         string      `json:"title,omitempty"`
	Flags         phase.Flags `json:"flags"`

	RawPayload     string   `json:"raw_payload,omitempty"`
	MediaURLs      []string `json:"media_urls,omitempty"`
	DerivedText    string   `json:"derived_text,omitempty"`
	MediaAnalysis  string   `json:"media_analysis,omitempty"`
	Understanding  string   `json:"understanding,omitempty"`
	Category       string   `json:"category,omitempty"`
	Subcategory    string   `json:"subcategory,omitempty"`
	KBText         string   `json:"kb_text,omitempty"`
	EmbeddingModel string   `json:"embedding_model,omitempty"`
	EmbeddingCount int      `json:"embedding_count"`
	Synthesis      string   `json:"synthesis,omitempty"`
	PublishedPath  string   `json:"published_path,omitempty"`

	// LastErrors maps phase name to the most recent failure message.
	LastErrors           map[string]string `json:"last_errors,omitempty"`
	RetryCount           int               `json:"retry_count"`
	Reprocess            []phase.Phase     `json:"reprocess,omitempty"`
	ReprocessRequestedAt *time.Time        `json:"reprocess_requested_at,omitempty"`
	Revision             int64             `json:"revision"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// PhaseState implements phase.Stateful.
func (i *Item) PhaseState() phase.State {
	if i == nil {
		return phase.State{}
	}
	return phase.State{Flags: i.Flags, Reprocess: append([]phase.Phase(nil), i.Reprocess...)}
}

// NewItem describes a bookmark being ingested.
type NewItem struct {
	SourceID string
	Source   string
	URL      string
	Title    string
	Payload  string
}

// Artifacts carries the outputs a phase commits alongside its flag. Only the
// fields belonging to the committing phase are written.
type Artifacts struct {
	Title          string
	RawPayload     string
	MediaURLs      []string
	DerivedText    string
	MediaAnalysis  string
	Understanding  string
	Category       string
	Subcategory    string
	KBText         string
	EmbeddingModel string
	Embeddings     []EmbeddingChunk
	Synthesis      string
	PublishedPath  string
}

// EmbeddingChunk is one embedded slice of an item's knowledge-base text.
type EmbeddingChunk struct {
	Index  int       `json:"index"`
	Text   string    `json:"text"`
	Model  string    `json:"model"`
	Vector []float32 `json:"vector"`
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	Category string
	// Pending returns only items that have not completed this phase.
	Pending phase.Phase
	Limit   int
	Offset  int
}

// PhaseCounts summarises how many items have completed each phase.
type PhaseCounts struct {
	Total     int                 `json:"total"`
	Completed map[phase.Phase]int `json:"completed"`
}

// CategoryCount is one row of the category listing.
type CategoryCount struct {
	Category string `json:"category"`
	Items    int    `json:"items"`
}
