package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridianhq/conduit/internal/memory"
)

const maxEntityResults = 20

// EntityTool maintains the knowledge graph: named entities with typed
// attributes and directed relations between them. It complements
// vector memory with structure the LM can query exactly.
type EntityTool struct {
	store *memory.EntityStore
}

// NewEntityTool creates an entity tool over the given store. A nil
// store leaves the tool registered but unavailable.
func NewEntityTool(store *memory.EntityStore) *EntityTool {
	return &EntityTool{store: store}
}

func (t *EntityTool) Name() string { return "entity" }

func (t *EntityTool) Description() string {
	return "Maintain the knowledge graph of people, projects, and things. " +
		"Use 'upsert' to record an entity with attributes, 'relate' to link two entities, " +
		"'get' to read one entity with its relations, 'search' to find entities by name, " +
		"and 'remove' to delete one."
}

func (t *EntityTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"upsert", "relate", "get", "search", "remove"},
				"description": "The graph operation to perform.",
			},
			"name": map[string]any{
				"type":        "string",
				"description": "Entity name for upsert, get, and remove.",
			},
			"entity_type": map[string]any{
				"type":        "string",
				"description": "Entity type for upsert, e.g. 'person', 'project', 'tool'.",
			},
			"attributes": map[string]any{
				"type":        "object",
				"description": "Attributes merged into the entity on upsert.",
			},
			"source": map[string]any{
				"type":        "string",
				"description": "Source entity name for relate.",
			},
			"relation": map[string]any{
				"type":        "string",
				"description": "Relation verb for relate, e.g. 'works_on', 'depends_on'.",
			},
			"target": map[string]any{
				"type":        "string",
				"description": "Target entity name for relate.",
			},
			"query": map[string]any{
				"type":        "string",
				"description": "Name substring for search.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum search results (default: 10).",
				"minimum":     1,
				"maximum":     maxEntityResults,
			},
		},
		"required": []string{"action"},
	})
}

func (t *EntityTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		Action     string         `json:"action"`
		Name       string         `json:"name"`
		EntityType string         `json:"entity_type"`
		Attributes map[string]any `json:"attributes"`
		Source     string         `json:"source"`
		Relation   string         `json:"relation"`
		Target     string         `json:"target"`
		Query      string         `json:"query"`
		Limit      int            `json:"limit"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}
	if t.store == nil {
		return "Entity graph is not available (memory disabled)", nil
	}

	switch strings.ToLower(strings.TrimSpace(input.Action)) {
	case "upsert":
		name := strings.TrimSpace(input.Name)
		if name == "" {
			return "Error: name is required", nil
		}
		entityType := strings.TrimSpace(input.EntityType)
		if entityType == "" {
			entityType = "unknown"
		}
		if _, err := t.store.Upsert(ctx, name, entityType, input.Attributes); err != nil {
			return fmt.Sprintf("Error: %v", err), nil
		}
		return fmt.Sprintf("Recorded entity '%s' (%s).", name, entityType), nil

	case "relate":
		source := strings.TrimSpace(input.Source)
		relation := strings.TrimSpace(input.Relation)
		target := strings.TrimSpace(input.Target)
		if source == "" || relation == "" || target == "" {
			return "Error: source, relation, and target are required", nil
		}
		added, err := t.store.AddRelation(ctx, source, relation, target)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), nil
		}
		if !added {
			return fmt.Sprintf("Relation already recorded: %s %s %s.", source, relation, target), nil
		}
		return fmt.Sprintf("Recorded relation: %s %s %s.", source, relation, target), nil

	case "get":
		name := strings.TrimSpace(input.Name)
		if name == "" {
			return "Error: name is required", nil
		}
		entity, err := t.store.Get(ctx, name)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), nil
		}
		if entity == nil {
			return "No entity found named: " + name, nil
		}
		return renderEntity(*entity, true), nil

	case "search":
		query := strings.TrimSpace(input.Query)
		if query == "" {
			return "Error: query is required", nil
		}
		limit := input.Limit
		if limit > maxEntityResults {
			limit = maxEntityResults
		}
		entities, err := t.store.Search(ctx, query, limit)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), nil
		}
		if len(entities) == 0 {
			return "No entities found matching: " + query, nil
		}
		parts := []string{fmt.Sprintf("Found %d entities:\n", len(entities))}
		for _, entity := range entities {
			parts = append(parts, renderEntity(entity, false))
		}
		return strings.Join(parts, "\n"), nil

	case "remove":
		name := strings.TrimSpace(input.Name)
		if name == "" {
			return "Error: name is required", nil
		}
		removed, err := t.store.Remove(ctx, name)
		if err != nil {
			return fmt.Sprintf("Error: %v", err), nil
		}
		if !removed {
			return "No entity found named: " + name, nil
		}
		return fmt.Sprintf("Removed entity '%s' and its relations.", name), nil

	default:
		return fmt.Sprintf("Error: unknown action: %s (use upsert, relate, get, search, or remove)", input.Action), nil
	}
}

// renderEntity formats one entity for the LM. Relations are included
// only in the detailed form Get returns.
func renderEntity(entity memory.Entity, detailed bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s (%s)", entity.Name, entity.Type)
	if len(entity.Attributes) > 0 {
		if payload, err := json.Marshal(entity.Attributes); err == nil {
			b.WriteString(" ")
			b.Write(payload)
		}
	}
	if detailed {
		for _, rel := range entity.Relations {
			if rel.Direction == "incoming" {
				fmt.Fprintf(&b, "\n  <- %s %s", rel.Target, rel.Relation)
			} else {
				fmt.Fprintf(&b, "\n  -> %s %s", rel.Relation, rel.Target)
			}
		}
	}
	return b.String()
}
