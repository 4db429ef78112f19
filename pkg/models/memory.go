package models

import "time"

// MemoryEntry is a stored vector-memory record. Metadata always
// carries the fact type and the originating session key; consolidation
// may add more.
type MemoryEntry struct {
	ID        string         `json:"id"`
	Namespace string         `json:"namespace"`
	Text      string         `json:"text"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Embedding []float32      `json:"-"`
}

// SearchResult pairs a stored entry with its cosine similarity to the
// query embedding.
type SearchResult struct {
	Entry MemoryEntry `json:"entry"`
	Score float32     `json:"score"`
}
