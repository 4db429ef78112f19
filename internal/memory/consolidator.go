package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/meridianhq/conduit/internal/memory/vector"
	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/pkg/models"
)

// Consolidation actions, recorded per fact.
const (
	ActionAdd    = "add"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionNoop   = "noop"
)

const (
	defaultDuplicateThreshold = 0.93
	defaultCandidateThreshold = 0.80
	defaultConsolidationTopK  = 5
)

const classifySystemPrompt = `You maintain a long-term memory store. Compare a stored memory with a
new fact and answer with exactly one word:
duplicate - they state the same information
update - the new fact refines or extends the stored one
supersede - the new fact contradicts or replaces the stored one
unrelated - they are about different things`

// ConsolidatorConfig tunes the dedup decision.
type ConsolidatorConfig struct {
	// DuplicateThreshold is the similarity at or above which a
	// substring-compatible match is a no-op. Default 0.93.
	DuplicateThreshold float32

	// CandidateThreshold is the similarity at or above which the
	// relation is classified before storing. Default 0.80.
	CandidateThreshold float32

	// TopK is how many neighbors are fetched per fact. Default 5.
	TopK int
}

func (c ConsolidatorConfig) withDefaults() ConsolidatorConfig {
	if c.DuplicateThreshold <= 0 {
		c.DuplicateThreshold = defaultDuplicateThreshold
	}
	if c.CandidateThreshold <= 0 {
		c.CandidateThreshold = defaultCandidateThreshold
	}
	if c.TopK <= 0 {
		c.TopK = defaultConsolidationTopK
	}
	return c
}

// ConsolidationMetrics counts the outcome of one consolidation pass.
type ConsolidationMetrics struct {
	Added   int
	Updated int
	Deleted int
	Noop    int
}

// Consolidator decides, per extracted fact, whether the store gains a
// new entry, refines an existing one, replaces a contradicted one, or
// is left alone. Routing is by fact type; similarity against existing
// neighbors drives the decision.
type Consolidator struct {
	embedder EmbeddingClient
	store    vector.Store
	lm       Completer
	cfg      ConsolidatorConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewConsolidator builds a consolidator. A nil Completer skips
// relation classification; near-duplicates above the candidate
// threshold are then stored as new entries.
func NewConsolidator(embedder EmbeddingClient, store vector.Store, lm Completer, cfg ConsolidatorConfig, logger *observability.Logger, metrics *observability.Metrics) *Consolidator {
	return &Consolidator{
		embedder: embedder,
		store:    store,
		lm:       lm,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
	}
}

// Consolidate routes and stores a batch of facts. The batch is
// embedded in one call; an embedding failure drops the whole batch.
// Per-fact store errors are logged and skipped so one bad entry does
// not lose the rest.
func (c *Consolidator) Consolidate(ctx context.Context, facts []models.Fact, sessionNamespace string) (ConsolidationMetrics, error) {
	var metrics ConsolidationMetrics
	if len(facts) == 0 {
		return metrics, nil
	}

	// The filter already ran at extraction; running it again here
	// keeps the gate closed for callers that construct facts directly.
	kept := make([]models.Fact, 0, len(facts))
	for _, f := range facts {
		content, ok := SanitizeForMemory(ctx, f.Content, c.logger)
		if !ok {
			continue
		}
		f.Content = content
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		return metrics, nil
	}

	texts := make([]string, len(kept))
	for i, f := range kept {
		texts[i] = f.Content
	}
	embeddings, err := c.embedder.Embed(ctx, texts)
	if err != nil {
		return metrics, fmt.Errorf("consolidate: %w", err)
	}

	for i, fact := range kept {
		ns := models.RouteNamespace(fact, sessionNamespace)
		action, err := c.consolidateOne(ctx, fact, embeddings[i], ns, sessionNamespace)
		if err != nil {
			if c.logger != nil {
				c.logger.Warn(ctx, "consolidation skipped fact",
					"namespace", ns, "error", err)
			}
			continue
		}
		switch action {
		case ActionAdd:
			metrics.Added++
		case ActionUpdate:
			metrics.Updated++
		case ActionDelete:
			metrics.Deleted++
			metrics.Added++
		case ActionNoop:
			metrics.Noop++
		}
		if c.metrics != nil {
			c.metrics.RecordConsolidation(action)
		}
	}
	return metrics, nil
}

// consolidateOne decides and applies the action for a single fact.
func (c *Consolidator) consolidateOne(ctx context.Context, fact models.Fact, embedding []float32, ns, sessionNamespace string) (string, error) {
	neighbors, err := c.store.Search(ctx, ns, embedding, vector.SearchOptions{Limit: c.cfg.TopK})
	if err != nil {
		return "", fmt.Errorf("search %s: %w", ns, err)
	}

	entry := c.newEntry(fact, embedding, ns, sessionNamespace)

	if len(neighbors) == 0 || neighbors[0].Score < c.cfg.CandidateThreshold {
		return ActionAdd, c.store.Index(ctx, []*models.MemoryEntry{entry})
	}

	top := neighbors[0]
	if top.Score >= c.cfg.DuplicateThreshold && substringCompatible(top.Entry.Text, fact.Content) {
		return ActionNoop, nil
	}

	switch c.classifyRelation(ctx, top.Entry.Text, fact.Content) {
	case "duplicate":
		return ActionNoop, nil
	case "update":
		entry.ID = top.Entry.ID
		return ActionUpdate, c.store.Index(ctx, []*models.MemoryEntry{entry})
	case "supersede":
		if err := c.store.Delete(ctx, ns, []string{top.Entry.ID}); err != nil {
			return "", fmt.Errorf("delete superseded entry: %w", err)
		}
		return ActionDelete, c.store.Index(ctx, []*models.MemoryEntry{entry})
	default:
		return ActionAdd, c.store.Index(ctx, []*models.MemoryEntry{entry})
	}
}

func (c *Consolidator) newEntry(fact models.Fact, embedding []float32, ns, sessionNamespace string) *models.MemoryEntry {
	meta := map[string]any{
		"type":       string(fact.Type),
		"source":     string(fact.Source),
		"importance": fact.Importance,
		"session":    sessionNamespace,
	}
	for k, v := range fact.Metadata {
		meta[k] = v
	}
	return &models.MemoryEntry{
		Namespace: ns,
		Text:      fact.Content,
		Metadata:  meta,
		Embedding: embedding,
	}
}

// classifyRelation asks the LM how the new fact relates to a stored
// neighbor. Any failure or unexpected answer falls back to "add":
// storing a near-duplicate is recoverable, silently losing a fact is
// not.
func (c *Consolidator) classifyRelation(ctx context.Context, stored, fresh string) string {
	if c.lm == nil {
		return "add"
	}
	user := fmt.Sprintf("Stored memory: %s\nNew fact: %s\nAnswer:", stored, fresh)
	reply, err := c.lm.Complete(ctx, classifySystemPrompt, user)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn(ctx, "relation classification failed, storing as new", "error", err)
		}
		return "add"
	}
	answer := strings.ToLower(strings.TrimSpace(reply))
	if i := strings.IndexAny(answer, " \n\t.,"); i > 0 {
		answer = answer[:i]
	}
	switch answer {
	case "duplicate", "update", "supersede":
		return answer
	default:
		return "add"
	}
}

// substringCompatible reports whether one text contains the other,
// ignoring case. High similarity alone is not proof of duplication;
// containment is.
func substringCompatible(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	return strings.Contains(la, lb) || strings.Contains(lb, la)
}
