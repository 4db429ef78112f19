// Package vector provides storage backends for embedded memory
// entries. Entries are grouped by namespace and searched by cosine
// similarity against a query embedding.
package vector

import (
	"context"
	"math"
	"time"

	"github.com/meridianhq/conduit/pkg/models"
)

// SearchOptions bounds a similarity search.
type SearchOptions struct {
	// Limit caps the number of results. Zero means the backend
	// default (10).
	Limit int

	// Threshold drops results scoring below it. Zero disables the
	// cutoff.
	Threshold float32

	// Since and Until restrict results by creation time when
	// non-zero. Until is exclusive.
	Since time.Time
	Until time.Time
}

// Store is the interface vector backends implement.
type Store interface {
	// Index stores entries with their embeddings, assigning IDs and
	// timestamps where missing.
	Index(ctx context.Context, entries []*models.MemoryEntry) error

	// Search returns entries in the namespace ranked by cosine
	// similarity to the query embedding, best first.
	Search(ctx context.Context, namespace string, embedding []float32, opts SearchOptions) ([]models.SearchResult, error)

	// Delete removes entries by ID from the namespace.
	Delete(ctx context.Context, namespace string, ids []string) error

	// Count returns the number of entries in the namespace. An empty
	// namespace counts everything.
	Count(ctx context.Context, namespace string) (int64, error)

	// Namespaces lists all namespaces that hold at least one entry.
	Namespaces(ctx context.Context) ([]string, error)

	// Compact optimizes the underlying storage.
	Compact(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// CosineSimilarity computes the cosine of the angle between two
// vectors. Mismatched or zero-length inputs score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
