package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/pkg/models"
)

// Completer is the single-shot LM surface the memory pipeline uses:
// one system prompt, one user prompt, one text reply.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

const (
	minFactLength = 4
	maxFactLength = 512

	defaultExtractionWindow = 20
	defaultMaxFactsPerRun   = 10
)

const extractSystemPrompt = `You distill durable facts from a conversation transcript.
Reply with a JSON array only, no prose. Each element:
{"content": string, "importance": number between 0 and 1, "fact_type": "generic"|"user"|"preference"|"project", "metadata": object}
Include "project_name" in metadata for project facts. Only keep facts worth
remembering across sessions: identity, preferences, decisions, durable context.
Reply with [] when nothing qualifies.`

const lessonSystemPrompt = `You extract lessons from moments where the assistant was corrected,
contradicted, or shown to be wrong in a conversation transcript.
Reply with a JSON array only, no prose. Each element:
{"content": string, "importance": number between 0 and 1, "fact_type": "lesson", "metadata": object}
Each lesson states what to do differently next time. Reply with [] when
there were no corrections.`

// correctionMarkers signal that a user turn is pushing back on the
// assistant. Used by the heuristic lesson path.
var correctionMarkers = []string{
	"actually",
	"that was wrong",
	"that's wrong",
	"that is wrong",
	"instead",
	"not what i asked",
	"you misunderstood",
	"no, ",
}

// toolFailureMarkers flag a tool turn as a failure worth learning
// from, beyond the "Error" prefix convention.
var toolFailureMarkers = []string{"not found", "failed", "denied"}

// ExtractorConfig bounds a single extraction run.
type ExtractorConfig struct {
	// MaxFacts caps the facts kept per run. Default 10.
	MaxFacts int

	// Window is how many trailing turns are scanned. Default 20.
	Window int
}

func (c ExtractorConfig) withDefaults() ExtractorConfig {
	if c.MaxFacts <= 0 {
		c.MaxFacts = defaultMaxFactsPerRun
	}
	if c.Window <= 0 {
		c.Window = defaultExtractionWindow
	}
	return c
}

// Extractor turns conversation windows into candidate facts. The LM
// path is primary; pattern heuristics take over when it fails or no
// model is configured. Every candidate passes the memory filter before
// it leaves this package.
type Extractor struct {
	lm      Completer
	cfg     ExtractorConfig
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewExtractor builds an extractor. A nil Completer disables the LM
// path entirely.
func NewExtractor(lm Completer, cfg ExtractorConfig, logger *observability.Logger, metrics *observability.Metrics) *Extractor {
	return &Extractor{lm: lm, cfg: cfg.withDefaults(), logger: logger, metrics: metrics}
}

// rawFact is the JSON element shape the LM is asked to emit.
type rawFact struct {
	Content    string         `json:"content"`
	Importance float64        `json:"importance"`
	FactType   string         `json:"fact_type"`
	Metadata   map[string]any `json:"metadata"`
}

// Extract pulls general facts from the trailing window of turns.
func (e *Extractor) Extract(ctx context.Context, turns []models.Turn) []models.Fact {
	return e.extractGeneral(ctx, lastTurns(turns, e.cfg.Window))
}

// ExtractForFlush pulls facts from the whole slice instead of the
// trailing window. The loop runs it right before compaction so facts
// in turns about to be summarized away still reach memory.
func (e *Extractor) ExtractForFlush(ctx context.Context, turns []models.Turn) []models.Fact {
	return e.extractGeneral(ctx, turns)
}

func (e *Extractor) extractGeneral(ctx context.Context, window []models.Turn) []models.Fact {
	transcript := renderTranscript(window)
	if transcript == "" {
		return nil
	}

	if e.lm != nil {
		raw, err := e.completeJSON(ctx, extractSystemPrompt, transcript)
		if err == nil {
			facts := e.validate(ctx, raw, models.SourceLLM, models.FactGeneric)
			e.recordFacts(facts)
			return facts
		}
		if e.logger != nil {
			e.logger.Warn(ctx, "fact extraction fell back to heuristics", "error", err)
		}
		if e.metrics != nil {
			e.metrics.RecordExtraction("heuristic_fallback")
		}
	}

	facts := HeuristicFacts(window, e.cfg.MaxFacts)
	e.recordFacts(facts)
	return facts
}

// ExtractLessons pulls behavioral corrections from the window: places
// where the user pushed back and the assistant should act differently
// next time.
func (e *Extractor) ExtractLessons(ctx context.Context, turns []models.Turn) []models.Fact {
	window := lastTurns(turns, e.cfg.Window)
	transcript := renderTranscript(window)
	if transcript == "" {
		return nil
	}

	if e.lm != nil {
		raw, err := e.completeJSON(ctx, lessonSystemPrompt, transcript)
		if err == nil {
			for i := range raw {
				raw[i].FactType = string(models.FactLesson)
			}
			facts := e.validate(ctx, raw, models.SourceLLMLesson, models.FactLesson)
			e.recordFacts(facts)
			return facts
		}
		if e.logger != nil {
			e.logger.Warn(ctx, "lesson extraction fell back to heuristics", "error", err)
		}
		if e.metrics != nil {
			e.metrics.RecordExtraction("heuristic_fallback")
		}
	}

	facts := heuristicLessons(window, e.cfg.MaxFacts)
	e.recordFacts(facts)
	return facts
}

// ExtractToolLessons scans tool turns for failures and emits one
// lesson per failing turn. This path is rule-based: the error text
// itself is the lesson.
func (e *Extractor) ExtractToolLessons(ctx context.Context, turns []models.Turn) []models.Fact {
	var out []models.Fact
	seen := make(map[string]bool)
	for _, t := range lastTurns(turns, e.cfg.Window) {
		if !isFailingToolTurn(t) {
			continue
		}
		name := t.Name
		if name == "" {
			name = "unknown"
		}
		content := fmt.Sprintf("Tool '%s' failed: %s", name, clipText(collapseWhitespace(t.Content), maxHeuristicFactLength))
		sanitized, ok := SanitizeForMemory(ctx, content, e.logger)
		if !ok || seen[sanitized] {
			continue
		}
		seen[sanitized] = true
		out = append(out, models.Fact{
			Content:    sanitized,
			Importance: 0.6,
			Source:     models.SourceToolFailure,
			Type:       models.FactToolLesson,
			Metadata:   map[string]any{"tool_name": name},
		})
		if len(out) >= e.cfg.MaxFacts {
			break
		}
	}
	e.recordFacts(out)
	return out
}

// completeJSON runs the LM and parses its reply as a fact array.
func (e *Extractor) completeJSON(ctx context.Context, system, transcript string) ([]rawFact, error) {
	if e.metrics != nil {
		e.metrics.RecordExtraction("llm_call")
	}
	user := fmt.Sprintf("Transcript:\n%s\n\nExtract up to %d facts.", transcript, e.cfg.MaxFacts)
	reply, err := e.lm.Complete(ctx, system, user)
	if err == nil {
		var raw []rawFact
		raw, err = parseFactArray(reply)
		if err == nil {
			return raw, nil
		}
	}
	if e.metrics != nil {
		e.metrics.RecordExtraction("llm_failure")
	}
	return nil, err
}

// validate filters, bounds, and dedups raw LM output. Unknown fact
// types collapse to the default for the run.
func (e *Extractor) validate(ctx context.Context, raw []rawFact, source models.FactSource, defaultType models.FactType) []models.Fact {
	var out []models.Fact
	seen := make(map[string]bool)
	for _, rf := range raw {
		content, ok := SanitizeForMemory(ctx, collapseWhitespace(rf.Content), e.logger)
		if !ok {
			continue
		}
		if len(content) < minFactLength || len(content) > maxFactLength {
			continue
		}
		key := strings.ToLower(content)
		if seen[key] {
			continue
		}
		seen[key] = true

		out = append(out, models.Fact{
			Content:    content,
			Importance: clampImportance(rf.Importance),
			Source:     source,
			Type:       parseFactType(rf.FactType, defaultType),
			Metadata:   rf.Metadata,
		})
		if len(out) >= e.cfg.MaxFacts {
			break
		}
	}
	return out
}

func (e *Extractor) recordFacts(facts []models.Fact) {
	if e.metrics == nil {
		return
	}
	for _, f := range facts {
		e.metrics.RecordFact(string(f.Type), string(f.Source))
	}
}

// heuristicLessons finds user turns that carry a correction marker and
// records them verbatim as lessons.
func heuristicLessons(turns []models.Turn, maxFacts int) []models.Fact {
	var out []models.Fact
	seen := make(map[string]bool)
	for _, t := range turns {
		if t.Role != models.RoleUser || t.Content == "" {
			continue
		}
		lower := strings.ToLower(t.Content)
		for _, marker := range correctionMarkers {
			if !strings.Contains(lower, marker) {
				continue
			}
			content := "User correction: " + clipText(collapseWhitespace(t.Content), maxHeuristicFactLength)
			if !seen[content] {
				seen[content] = true
				out = append(out, models.Fact{
					Content:    content,
					Importance: 0.6,
					Source:     models.SourceHeuristic,
					Type:       models.FactLesson,
				})
			}
			break
		}
		if len(out) >= maxFacts {
			break
		}
	}
	return out
}

// isFailingToolTurn reports whether a tool turn carries an error
// result. The "Error" prefix is the tool contract; the markers catch
// tools that report failure in prose.
func isFailingToolTurn(t models.Turn) bool {
	if t.Role != models.RoleTool || t.Content == "" {
		return false
	}
	if strings.HasPrefix(t.Content, "Error") {
		return true
	}
	lower := strings.ToLower(t.Content)
	for _, m := range toolFailureMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// parseFactArray tolerates prose or code fences around the JSON.
func parseFactArray(reply string) ([]rawFact, error) {
	s := strings.TrimSpace(reply)
	if i := strings.Index(s, "["); i >= 0 {
		if j := strings.LastIndex(s, "]"); j > i {
			s = s[i : j+1]
		}
	}
	var out []rawFact
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("parse fact array: %w", err)
	}
	return out, nil
}

func parseFactType(s string, fallback models.FactType) models.FactType {
	switch models.FactType(strings.ToLower(strings.TrimSpace(s))) {
	case models.FactGeneric:
		return models.FactGeneric
	case models.FactUser:
		return models.FactUser
	case models.FactPreference:
		return models.FactPreference
	case models.FactProject:
		return models.FactProject
	case models.FactLesson:
		return models.FactLesson
	case models.FactToolLesson:
		return models.FactToolLesson
	default:
		return fallback
	}
}

func clampImportance(v float64) float64 {
	switch {
	case v <= 0:
		return 0.5
	case v > 1:
		return 1
	default:
		return v
	}
}

// renderTranscript flattens user and assistant turns into "role:
// content" lines. Tool turns are omitted; their lessons flow through
// ExtractToolLessons.
func renderTranscript(turns []models.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		if t.Content == "" || (t.Role != models.RoleUser && t.Role != models.RoleAssistant) {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
	}
	return b.String()
}

func lastTurns(turns []models.Turn, n int) []models.Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

func clipText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
