package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/meridianhq/conduit/internal/memory/vector"
	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/pkg/models"
)

// Searcher answers similarity queries across namespaces. It backs
// both the context builder's recall block and the memory_search tool.
type Searcher struct {
	embedder EmbeddingClient
	store    vector.Store
	logger   *observability.Logger
}

// NewSearcher pairs an embedding client with a vector store.
func NewSearcher(embedder EmbeddingClient, store vector.Store, logger *observability.Logger) *Searcher {
	return &Searcher{embedder: embedder, store: store, logger: logger}
}

// Search embeds the query once and scans the given namespaces,
// merging results by score. An empty namespace list scans every
// namespace in the store.
func (s *Searcher) Search(ctx context.Context, query string, namespaces []string, opts vector.SearchOptions) ([]models.SearchResult, error) {
	query = trimQuery(query)
	if query == "" {
		return nil, nil
	}
	embedding, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	if len(namespaces) == 0 {
		namespaces, err = s.store.Namespaces(ctx)
		if err != nil {
			return nil, fmt.Errorf("list namespaces: %w", err)
		}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	var merged []models.SearchResult
	seen := make(map[string]bool)
	for _, ns := range namespaces {
		if ns == "" || seen[ns] {
			continue
		}
		seen[ns] = true
		results, err := s.store.Search(ctx, ns, embedding[0], opts)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn(ctx, "namespace search failed", "namespace", ns, "error", err)
			}
			continue
		}
		merged = append(merged, results...)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// Store exposes the underlying vector store for maintenance
// operations.
func (s *Searcher) Store() vector.Store { return s.store }

func trimQuery(q string) string {
	const maxQueryLength = 2000
	if len(q) > maxQueryLength {
		q = q[:maxQueryLength]
	}
	return q
}
