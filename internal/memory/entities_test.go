package memory

import (
	"context"
	"testing"
)

func newTestEntityStore(t *testing.T) *EntityStore {
	t.Helper()
	store, err := NewEntityStore("", nil)
	if err != nil {
		t.Fatalf("NewEntityStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEntityStoreUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestEntityStore(t)

	id, err := store.Upsert(ctx, "Alice", "person", map[string]any{"role": "engineer", "team": "infra"})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if id == 0 {
		t.Fatal("Upsert() id = 0, want nonzero")
	}

	again, err := store.Upsert(ctx, "Alice", "teammate", map[string]any{"team": "platform", "city": "Berlin"})
	if err != nil {
		t.Fatalf("Upsert() update error = %v", err)
	}
	if again != id {
		t.Errorf("Upsert() update id = %d, want %d", again, id)
	}

	entity, err := store.Get(ctx, "Alice")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entity == nil {
		t.Fatal("Get() = nil, want entity")
	}
	if entity.Type != "teammate" {
		t.Errorf("Type = %q, want teammate", entity.Type)
	}
	// Updates merge attributes over the stored ones.
	if entity.Attributes["role"] != "engineer" {
		t.Errorf("Attributes[role] = %v, want engineer", entity.Attributes["role"])
	}
	if entity.Attributes["team"] != "platform" {
		t.Errorf("Attributes[team] = %v, want platform", entity.Attributes["team"])
	}
	if entity.Attributes["city"] != "Berlin" {
		t.Errorf("Attributes[city] = %v, want Berlin", entity.Attributes["city"])
	}
	if entity.UpdatedAt.Before(entity.CreatedAt) {
		t.Errorf("UpdatedAt %v before CreatedAt %v", entity.UpdatedAt, entity.CreatedAt)
	}
}

func TestEntityStoreGetMissing(t *testing.T) {
	store := newTestEntityStore(t)
	entity, err := store.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entity != nil {
		t.Errorf("Get() = %v, want nil", entity)
	}
}

func TestEntityStoreRelations(t *testing.T) {
	ctx := context.Background()
	store := newTestEntityStore(t)

	added, err := store.AddRelation(ctx, "Alice", "works_at", "Acme")
	if err != nil {
		t.Fatalf("AddRelation() error = %v", err)
	}
	if !added {
		t.Error("AddRelation() = false, want true")
	}

	t.Run("duplicate is reported", func(t *testing.T) {
		added, err := store.AddRelation(ctx, "Alice", "works_at", "Acme")
		if err != nil {
			t.Fatalf("AddRelation() error = %v", err)
		}
		if added {
			t.Error("AddRelation() duplicate = true, want false")
		}
	})

	t.Run("endpoints are created", func(t *testing.T) {
		acme, err := store.Get(ctx, "Acme")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if acme == nil {
			t.Fatal("Get(Acme) = nil, want auto-created entity")
		}
		if acme.Type != "unknown" {
			t.Errorf("Type = %q, want unknown", acme.Type)
		}
	})

	t.Run("both directions visible", func(t *testing.T) {
		alice, err := store.Get(ctx, "Alice")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if len(alice.Relations) != 1 {
			t.Fatalf("Alice relations = %v, want 1", alice.Relations)
		}
		rel := alice.Relations[0]
		if rel.Relation != "works_at" || rel.Target != "Acme" || rel.Direction != "outgoing" {
			t.Errorf("relation = %+v, want outgoing works_at Acme", rel)
		}

		acme, err := store.Get(ctx, "Acme")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if len(acme.Relations) != 1 {
			t.Fatalf("Acme relations = %v, want 1", acme.Relations)
		}
		rel = acme.Relations[0]
		if rel.Relation != "works_at" || rel.Target != "Alice" || rel.Direction != "incoming" {
			t.Errorf("relation = %+v, want incoming works_at Alice", rel)
		}
	})
}

func TestEntityStoreSearch(t *testing.T) {
	ctx := context.Background()
	store := newTestEntityStore(t)

	for _, name := range []string{"billing-service", "deploy-docs", "deploy-service"} {
		if _, err := store.Upsert(ctx, name, "project", nil); err != nil {
			t.Fatalf("Upsert(%s) error = %v", name, err)
		}
	}
	// Touch billing-service so recency ordering is observable.
	if _, err := store.Upsert(ctx, "billing-service", "project", map[string]any{"status": "active"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	results, err := store.Search(ctx, "service", 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Search() = %d results, want 2", len(results))
	}
	if results[0].Name != "billing-service" {
		t.Errorf("Search()[0] = %q, want billing-service (most recently updated)", results[0].Name)
	}

	t.Run("limit caps results", func(t *testing.T) {
		results, err := store.Search(ctx, "e", 2)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(results) != 2 {
			t.Errorf("Search() = %d results, want 2", len(results))
		}
	})

	t.Run("no match", func(t *testing.T) {
		results, err := store.Search(ctx, "zzz", 10)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(results) != 0 {
			t.Errorf("Search() = %v, want none", results)
		}
	})
}

func TestEntityStoreRemove(t *testing.T) {
	ctx := context.Background()
	store := newTestEntityStore(t)

	if _, err := store.AddRelation(ctx, "Alice", "works_at", "Acme"); err != nil {
		t.Fatalf("AddRelation() error = %v", err)
	}
	if _, err := store.AddRelation(ctx, "Bob", "knows", "Alice"); err != nil {
		t.Fatalf("AddRelation() error = %v", err)
	}

	removed, err := store.Remove(ctx, "Alice")
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if !removed {
		t.Error("Remove() = false, want true")
	}

	entities, relations, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if entities != 2 {
		t.Errorf("entities = %d, want 2", entities)
	}
	// Relations touching the removed entity go with it.
	if relations != 0 {
		t.Errorf("relations = %d, want 0", relations)
	}

	removed, err = store.Remove(ctx, "Alice")
	if err != nil {
		t.Fatalf("Remove() missing error = %v", err)
	}
	if removed {
		t.Error("Remove() missing = true, want false")
	}
}
