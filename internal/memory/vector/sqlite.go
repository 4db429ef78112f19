package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/meridianhq/conduit/pkg/models"
)

const defaultSearchLimit = 10

// SQLiteStore persists memory entries in a single SQLite database.
// Embeddings are stored as little-endian float32 blobs and similarity
// is computed in process, which is fine for the entry counts a single
// agent accumulates.
type SQLiteStore struct {
	db *sql.DB
}

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path to the database file. Empty means in-memory.
	Path string
}

// NewSQLiteStore opens (creating if needed) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	// One connection keeps in-memory databases coherent and avoids
	// SQLITE_BUSY on concurrent writes.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set journal mode: %w", err)
	}
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			namespace TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			embedding BLOB,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create memories table: %w", err)
	}
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_memories_namespace ON memories(namespace)",
		"CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Index stores entries, assigning IDs and timestamps where missing.
func (s *SQLiteStore) Index(ctx context.Context, entries []*models.MemoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO memories (id, namespace, content, metadata, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now().UTC()
		}
		metadata, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		_, err = stmt.ExecContext(ctx,
			entry.ID,
			entry.Namespace,
			entry.Text,
			string(metadata),
			encodeEmbedding(entry.Embedding),
			entry.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert entry %s: %w", entry.ID, err)
		}
	}
	return tx.Commit()
}

// Search scans the namespace and ranks entries by cosine similarity.
func (s *SQLiteStore) Search(ctx context.Context, namespace string, embedding []float32, opts SearchOptions) ([]models.SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	query := "SELECT id, namespace, content, metadata, embedding, created_at FROM memories WHERE namespace = ?"
	args := []any{namespace}
	if !opts.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	if !opts.Until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, opts.Until.UTC())
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		entry, blob, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		score := CosineSimilarity(embedding, decodeEmbedding(blob))
		if opts.Threshold > 0 && score < opts.Threshold {
			continue
		}
		results = append(results, models.SearchResult{Entry: entry, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan memories: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes entries by ID. The namespace narrows the delete so a
// stale ID cannot remove an entry that moved elsewhere.
func (s *SQLiteStore) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	stmt, err := tx.PrepareContext(ctx, "DELETE FROM memories WHERE id = ? AND namespace = ?")
	if err != nil {
		return fmt.Errorf("prepare delete: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, namespace); err != nil {
			return fmt.Errorf("delete entry %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of entries in the namespace, or all
// entries when namespace is empty.
func (s *SQLiteStore) Count(ctx context.Context, namespace string) (int64, error) {
	query := "SELECT COUNT(*) FROM memories"
	args := []any{}
	if namespace != "" {
		query += " WHERE namespace = ?"
		args = append(args, namespace)
	}
	var count int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// Namespaces lists distinct namespaces with entries.
func (s *SQLiteStore) Namespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT namespace FROM memories ORDER BY namespace")
	if err != nil {
		return nil, fmt.Errorf("query namespaces: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// Compact vacuums the database.
func (s *SQLiteStore) Compact(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanEntry(rows *sql.Rows) (models.MemoryEntry, []byte, error) {
	var entry models.MemoryEntry
	var metadataJSON sql.NullString
	var blob []byte

	err := rows.Scan(
		&entry.ID,
		&entry.Namespace,
		&entry.Text,
		&metadataJSON,
		&blob,
		&entry.CreatedAt,
	)
	if err != nil {
		return models.MemoryEntry{}, nil, fmt.Errorf("scan row: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
			return models.MemoryEntry{}, nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return entry, blob, nil
}

// encodeEmbedding packs float32s as little-endian bytes.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// decodeEmbedding reverses encodeEmbedding. Truncated blobs decode to
// nil rather than a partial vector.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

var _ Store = (*SQLiteStore)(nil)
