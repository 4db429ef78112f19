package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/meridianhq/conduit/internal/observability"
)

const defaultEntityLimit = 10

// Entity is a named node in the knowledge graph with typed attributes
// and the relations touching it.
type Entity struct {
	Name       string           `json:"name"`
	Type       string           `json:"type"`
	Attributes map[string]any   `json:"attributes,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	Relations  []EntityRelation `json:"relations,omitempty"`
}

// EntityRelation is one edge as seen from an entity. Target names the
// other endpoint regardless of direction; Direction is "outgoing" when
// the entity is the source and "incoming" when it is the target.
type EntityRelation struct {
	Relation  string `json:"relation"`
	Target    string `json:"target"`
	Direction string `json:"direction"`
}

// EntityStore is a lightweight knowledge graph over SQLite: named
// entities with merged JSON attributes, plus directed relations
// deduplicated on (source, relation, target).
type EntityStore struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewEntityStore opens (creating if needed) the graph database at
// path. Empty path keeps the graph in memory.
func NewEntityStore(path string, logger *observability.Logger) (*EntityStore, error) {
	if path == "" {
		path = ":memory:"
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create entity database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open entity database: %w", err)
	}
	// One connection keeps in-memory databases coherent and avoids
	// SQLITE_BUSY on concurrent writes.
	db.SetMaxOpenConns(1)
	s := &EntityStore{db: db, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *EntityStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	schema := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT UNIQUE NOT NULL,
			type TEXT NOT NULL,
			attributes TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS relations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id INTEGER NOT NULL,
			relation TEXT NOT NULL,
			target_id INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(source_id, relation, target_id),
			FOREIGN KEY (source_id) REFERENCES entities(id) ON DELETE CASCADE,
			FOREIGN KEY (target_id) REFERENCES entities(id) ON DELETE CASCADE
		)`,
		"CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id)",
		"CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id)",
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create entity schema: %w", err)
		}
	}
	return nil
}

// Upsert inserts or updates an entity by name. Updates replace the
// type and merge the given attributes over the stored ones.
func (s *EntityStore) Upsert(ctx context.Context, name, entityType string, attributes map[string]any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(tx)

	id, err := upsertInTx(ctx, tx, name, entityType, attributes)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if s.logger != nil {
		s.logger.Debug(ctx, "entity upserted", "name", name, "type", entityType)
	}
	return id, nil
}

func upsertInTx(ctx context.Context, tx *sql.Tx, name, entityType string, attributes map[string]any) (int64, error) {
	now := time.Now().UTC()

	var id int64
	var existingJSON sql.NullString
	err := tx.QueryRowContext(ctx, "SELECT id, attributes FROM entities WHERE name = ?", name).
		Scan(&id, &existingJSON)
	switch {
	case err == nil:
		merged := make(map[string]any)
		if existingJSON.Valid && existingJSON.String != "" {
			if err := json.Unmarshal([]byte(existingJSON.String), &merged); err != nil {
				merged = make(map[string]any)
			}
		}
		for k, v := range attributes {
			merged[k] = v
		}
		payload, err := json.Marshal(merged)
		if err != nil {
			return 0, fmt.Errorf("marshal attributes: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE entities SET type = ?, attributes = ?, updated_at = ? WHERE id = ?",
			entityType, string(payload), now, id)
		if err != nil {
			return 0, fmt.Errorf("update entity %q: %w", name, err)
		}
		return id, nil

	case errors.Is(err, sql.ErrNoRows):
		if attributes == nil {
			attributes = map[string]any{}
		}
		payload, err := json.Marshal(attributes)
		if err != nil {
			return 0, fmt.Errorf("marshal attributes: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO entities (name, type, attributes, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
			name, entityType, string(payload), now, now)
		if err != nil {
			return 0, fmt.Errorf("insert entity %q: %w", name, err)
		}
		return res.LastInsertId()

	default:
		return 0, fmt.Errorf("look up entity %q: %w", name, err)
	}
}

// ensureEntity returns the entity's id, creating it with type
// "unknown" when missing.
func ensureEntity(ctx context.Context, tx *sql.Tx, name string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM entities WHERE name = ?", name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("look up entity %q: %w", name, err)
	}
	return upsertInTx(ctx, tx, name, "unknown", nil)
}

// AddRelation records a directed edge between two entities, creating
// either endpoint when missing. It reports false when the identical
// relation already exists.
func (s *EntityStore) AddRelation(ctx context.Context, source, relation, target string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(tx)

	sourceID, err := ensureEntity(ctx, tx, source)
	if err != nil {
		return false, err
	}
	targetID, err := ensureEntity(ctx, tx, target)
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO relations (source_id, relation, target_id, created_at) VALUES (?, ?, ?, ?)",
		sourceID, relation, targetID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert relation: %w", err)
	}
	added, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if added > 0 && s.logger != nil {
		s.logger.Debug(ctx, "relation added", "source", source, "relation", relation, "target", target)
	}
	return added > 0, nil
}

// Get returns the entity with its relations in both directions, or
// nil when no entity has that name.
func (s *EntityStore) Get(ctx context.Context, name string) (*Entity, error) {
	var (
		id       int64
		entity   Entity
		attrJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, type, attributes, created_at, updated_at FROM entities WHERE name = ?", name).
		Scan(&id, &entity.Name, &entity.Type, &attrJSON, &entity.CreatedAt, &entity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up entity %q: %w", name, err)
	}
	entity.Attributes = decodeAttributes(attrJSON)

	entity.Relations, err = s.relationsFor(ctx, id)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

func (s *EntityStore) relationsFor(ctx context.Context, id int64) ([]EntityRelation, error) {
	queries := []struct {
		sql       string
		direction string
	}{
		{"SELECT r.relation, e.name FROM relations r JOIN entities e ON e.id = r.target_id WHERE r.source_id = ?", "outgoing"},
		{"SELECT r.relation, e.name FROM relations r JOIN entities e ON e.id = r.source_id WHERE r.target_id = ?", "incoming"},
	}

	var out []EntityRelation
	for _, q := range queries {
		rows, err := s.db.QueryContext(ctx, q.sql, id)
		if err != nil {
			return nil, fmt.Errorf("query relations: %w", err)
		}
		for rows.Next() {
			rel := EntityRelation{Direction: q.direction}
			if err := rows.Scan(&rel.Relation, &rel.Target); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan relation: %w", err)
			}
			out = append(out, rel)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan relations: %w", err)
		}
		rows.Close()
	}
	return out, nil
}

// Search returns entities whose name matches the query as a substring
// (LIKE wildcards pass through), most recently updated first.
// Relations are not attached; use Get for the full picture.
func (s *EntityStore) Search(ctx context.Context, query string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = defaultEntityLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, type, attributes, created_at, updated_at FROM entities WHERE name LIKE ? ORDER BY updated_at DESC LIMIT ?",
		"%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		var entity Entity
		var attrJSON sql.NullString
		if err := rows.Scan(&entity.Name, &entity.Type, &attrJSON, &entity.CreatedAt, &entity.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entity.Attributes = decodeAttributes(attrJSON)
		out = append(out, entity)
	}
	return out, rows.Err()
}

// Remove deletes an entity and every relation touching it. It reports
// false when no entity has that name.
func (s *EntityStore) Remove(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(tx)

	var id int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM entities WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up entity %q: %w", name, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM relations WHERE source_id = ? OR target_id = ?", id, id); err != nil {
		return false, fmt.Errorf("delete relations for %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id); err != nil {
		return false, fmt.Errorf("delete entity %q: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if s.logger != nil {
		s.logger.Debug(ctx, "entity removed", "name", name)
	}
	return true, nil
}

// Stats returns the entity and relation counts.
func (s *EntityStore) Stats(ctx context.Context) (entities, relations int64, err error) {
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities").Scan(&entities); err != nil {
		return 0, 0, fmt.Errorf("count entities: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM relations").Scan(&relations); err != nil {
		return 0, 0, fmt.Errorf("count relations: %w", err)
	}
	return entities, relations, nil
}

// Close releases the database handle.
func (s *EntityStore) Close() error {
	return s.db.Close()
}

func decodeAttributes(raw sql.NullString) map[string]any {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var attrs map[string]any
	if err := json.Unmarshal([]byte(raw.String), &attrs); err != nil {
		return nil
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		_ = err
	}
}
