package vector

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/meridianhq/conduit/pkg/models"
)

// metadata keys chromem entries carry so search results can be
// rebuilt without a side table. chromem metadata values are strings.
const (
	chromemCreatedAtKey = "_created_at"
)

// ChromemStore keeps embeddings in process with chromem-go, one
// collection per namespace. Suited to zero-dependency deployments;
// everything lives in RAM with optional gob persistence.
type ChromemStore struct {
	mu          sync.RWMutex
	db          *chromem.DB
	collections map[string]*chromem.Collection
	persistPath string
	compress    bool
}

// ChromemConfig configures the chromem store.
type ChromemConfig struct {
	// PersistPath is a directory for gob persistence. Empty keeps
	// entries in memory only.
	PersistPath string

	// Compress gzips the persisted file.
	Compress bool
}

// NewChromemStore builds the store, loading a persisted database when
// one exists at the configured path.
func NewChromemStore(cfg ChromemConfig) (*ChromemStore, error) {
	db := chromem.NewDB()
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0o755); err != nil {
			return nil, fmt.Errorf("create persist directory: %w", err)
		}
		path := chromemFile(cfg.PersistPath, cfg.Compress)
		if _, err := os.Stat(path); err == nil {
			// Import detects gzip from the file itself, so a
			// changed Compress setting still loads old exports.
			if err := db.Import(path, ""); err != nil {
				return nil, fmt.Errorf("load vector database: %w", err)
			}
		}
	}
	return &ChromemStore{
		db:          db,
		collections: make(map[string]*chromem.Collection),
		persistPath: cfg.PersistPath,
		compress:    cfg.Compress,
	}, nil
}

func chromemFile(dir string, compress bool) string {
	name := "memories.gob"
	if compress {
		name += ".gz"
	}
	return filepath.Join(dir, name)
}

// collection returns the namespace's collection, creating it on first
// use. Embeddings are always pre-computed, so the embedding func is a
// guard that fails loudly if chromem ever calls it.
func (s *ChromemStore) collection(namespace string) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[namespace]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[namespace]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(namespace, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("get collection %q: %w", namespace, err)
	}
	s.collections[namespace] = col
	return col, nil
}

func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding requested for %q but vectors are pre-computed", truncate(text, 40))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Index stores entries in their namespace collections.
func (s *ChromemStore) Index(ctx context.Context, entries []*models.MemoryEntry) error {
	byNamespace := make(map[string][]chromem.Document)
	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		meta := make(map[string]string, len(entry.Metadata)+1)
		for k, v := range entry.Metadata {
			meta[k] = fmt.Sprint(v)
		}
		meta[chromemCreatedAtKey] = entry.CreatedAt.UTC().Format(time.RFC3339Nano)
		byNamespace[entry.Namespace] = append(byNamespace[entry.Namespace], chromem.Document{
			ID:        entry.ID,
			Content:   entry.Text,
			Metadata:  meta,
			Embedding: entry.Embedding,
		})
	}

	for namespace, docs := range byNamespace {
		col, err := s.collection(namespace)
		if err != nil {
			return err
		}
		if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("index %d entries in %q: %w", len(docs), namespace, err)
		}
	}
	return s.persist()
}

// Search queries the namespace collection and converts chromem
// results back into memory entries. Time filters are applied after
// the similarity query since chromem only matches metadata exactly.
func (s *ChromemStore) Search(ctx context.Context, namespace string, embedding []float32, opts SearchOptions) ([]models.SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	col, err := s.collection(namespace)
	if err != nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	// Over-fetch when time filters will discard results.
	fetch := limit
	if !opts.Since.IsZero() || !opts.Until.IsZero() {
		fetch = count
	}
	if fetch > count {
		fetch = count
	}

	found, err := col.QueryEmbedding(ctx, embedding, fetch, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", namespace, err)
	}

	results := make([]models.SearchResult, 0, len(found))
	for _, r := range found {
		if opts.Threshold > 0 && r.Similarity < opts.Threshold {
			continue
		}
		entry := models.MemoryEntry{
			ID:        r.ID,
			Namespace: namespace,
			Text:      r.Content,
			Metadata:  make(map[string]any, len(r.Metadata)),
		}
		for k, v := range r.Metadata {
			if k == chromemCreatedAtKey {
				if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
					entry.CreatedAt = ts
				}
				continue
			}
			entry.Metadata[k] = v
		}
		if !opts.Since.IsZero() && entry.CreatedAt.Before(opts.Since) {
			continue
		}
		if !opts.Until.IsZero() && !entry.CreatedAt.Before(opts.Until) {
			continue
		}
		results = append(results, models.SearchResult{Entry: entry, Score: r.Similarity})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes entries by ID from the namespace collection.
func (s *ChromemStore) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := s.collection(namespace)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete from %q: %w", namespace, err)
	}
	return s.persist()
}

// Count returns entries in the namespace, or across all collections
// when namespace is empty.
func (s *ChromemStore) Count(ctx context.Context, namespace string) (int64, error) {
	if namespace != "" {
		s.mu.RLock()
		col, ok := s.collections[namespace]
		s.mu.RUnlock()
		if !ok {
			if col = s.db.GetCollection(namespace, rejectEmbedding); col == nil {
				return 0, nil
			}
		}
		return int64(col.Count()), nil
	}
	var total int64
	for _, col := range s.db.ListCollections() {
		total += int64(col.Count())
	}
	return total, nil
}

// Namespaces lists collections holding at least one entry.
func (s *ChromemStore) Namespaces(ctx context.Context) ([]string, error) {
	var out []string
	for name, col := range s.db.ListCollections() {
		if col.Count() > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Compact persists the database; chromem has no other maintenance.
func (s *ChromemStore) Compact(ctx context.Context) error {
	return s.persist()
}

// Close persists and releases the store.
func (s *ChromemStore) Close() error {
	return s.persist()
}

func (s *ChromemStore) persist() error {
	if s.persistPath == "" {
		return nil
	}
	path := chromemFile(s.persistPath, s.compress)
	if err := s.db.Export(path, s.compress, ""); err != nil {
		return fmt.Errorf("persist vector database: %w", err)
	}
	return nil
}

var _ Store = (*ChromemStore)(nil)
