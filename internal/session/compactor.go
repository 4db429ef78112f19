package session

import (
	"context"
	"strings"

	"github.com/meridianhq/conduit/internal/memory"
	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/pkg/models"
)

// CompactorConfig bounds the layered compaction. Zero values take the
// defaults.
type CompactorConfig struct {
	// Threshold is the turn count at which compaction engages.
	Threshold int

	// RecentTurnsKeep is the number of exchanges kept verbatim; the
	// recent layer holds twice this many turns.
	RecentTurnsKeep int

	// SummaryMaxTurns bounds the exchanges summarized in the middle
	// layer, again twice this many turns.
	SummaryMaxTurns int

	// MaxFacts caps the key facts distilled from the oldest layer.
	MaxFacts int
}

const (
	defaultThreshold       = 50
	defaultRecentTurnsKeep = 8
	defaultSummaryMaxTurns = 15
	defaultMaxFacts        = 10

	minQuestionLength = 20
	minContentLength  = 50
	minSentenceLength = 30
	maxExtractLength  = 150

	recallPrefix = "[Recalling from earlier in our conversation]"
)

func (c CompactorConfig) withDefaults() CompactorConfig {
	if c.Threshold <= 0 {
		c.Threshold = defaultThreshold
	}
	if c.RecentTurnsKeep <= 0 {
		c.RecentTurnsKeep = defaultRecentTurnsKeep
	}
	if c.SummaryMaxTurns <= 0 {
		c.SummaryMaxTurns = defaultSummaryMaxTurns
	}
	if c.MaxFacts <= 0 {
		c.MaxFacts = defaultMaxFacts
	}
	return c
}

// Compactor folds long histories into three layers: the oldest turns
// distilled to key facts, a middle band summarized, and the most
// recent exchanges kept verbatim. The distilled layers collapse into
// one synthetic assistant turn so the result still replays cleanly.
type Compactor struct {
	cfg    CompactorConfig
	logger *observability.Logger
}

// NewCompactor builds a compactor with defaults applied.
func NewCompactor(cfg CompactorConfig, logger *observability.Logger) *Compactor {
	return &Compactor{cfg: cfg.withDefaults(), logger: logger}
}

// Threshold returns the turn count at which compaction engages.
func (c *Compactor) Threshold() int { return c.cfg.Threshold }

// Compact returns the history unchanged below the threshold, otherwise
// the synthetic recall turn followed by the recent layer. A tool
// exchange is never split: when the recent boundary would open on a
// tool turn or orphan an assistant turn's pending calls, the boundary
// widens leftward to the enclosing exchange.
func (c *Compactor) Compact(ctx context.Context, turns []models.Turn) []models.Turn {
	if len(turns) < c.cfg.Threshold {
		return turns
	}

	recentStart := len(turns) - c.cfg.RecentTurnsKeep*2
	if recentStart < 0 {
		recentStart = 0
	}
	for recentStart > 0 &&
		(turns[recentStart].Role == models.RoleTool || turns[recentStart-1].HasToolCalls()) {
		recentStart--
	}
	recent := turns[recentStart:]

	middleStart := recentStart - c.cfg.SummaryMaxTurns*2
	if middleStart < 0 {
		middleStart = 0
	}
	middle := turns[middleStart:recentStart]
	old := turns[:middleStart]

	var recallParts []string
	if len(old) > 0 {
		if facts := memory.FactStrings(old, c.cfg.MaxFacts); len(facts) > 0 {
			var b strings.Builder
			b.WriteString("Key facts:")
			for _, f := range facts {
				b.WriteString("\n- ")
				b.WriteString(f)
			}
			recallParts = append(recallParts, b.String())
		}
	}
	if len(middle) > 0 {
		if summary := summarize(middle); summary != "" {
			recallParts = append(recallParts, "Recent discussion summary:\n"+summary)
		}
	}

	compacted := make([]models.Turn, 0, len(recent)+1)
	if len(recallParts) > 0 {
		compacted = append(compacted, models.Turn{
			Role:    models.RoleAssistant,
			Content: recallPrefix + "\n\n" + strings.Join(recallParts, "\n\n"),
		})
	}
	compacted = append(compacted, recent...)

	if c.logger != nil {
		c.logger.Info(ctx, "compacted session history",
			"before", len(turns),
			"after", len(compacted),
			"old", len(old),
			"middle", len(middle),
			"recent", len(recent))
	}
	return compacted
}

// summarize distills the middle layer: up to three distinct user
// questions and three leading assistant conclusions.
func summarize(turns []models.Turn) string {
	var questions, conclusions []string
	seenQuestions := make(map[string]bool)
	seenConclusions := make(map[string]bool)

	for _, t := range turns {
		if t.Content == "" {
			continue
		}
		switch t.Role {
		case models.RoleUser:
			for _, line := range strings.Split(t.Content, "\n") {
				line = strings.TrimSpace(line)
				if strings.HasSuffix(line, "?") && len(line) > minQuestionLength {
					q := clip(line, maxExtractLength)
					if !seenQuestions[q] {
						seenQuestions[q] = true
						questions = append(questions, q)
					}
				}
			}
		case models.RoleAssistant:
			if len(t.Content) <= minContentLength {
				continue
			}
			sentences := strings.SplitN(t.Content, ".", 4)
			for i, sentence := range sentences {
				if i >= 3 {
					break
				}
				sentence = strings.TrimSpace(sentence)
				if len(sentence) > minSentenceLength {
					conc := clip(sentence, maxExtractLength)
					if !seenConclusions[conc] {
						seenConclusions[conc] = true
						conclusions = append(conclusions, conc)
					}
					break
				}
			}
		}
	}

	var parts []string
	if len(questions) > 0 {
		parts = append(parts, "User asked about:")
		for _, q := range questions[:min(3, len(questions))] {
			parts = append(parts, "  - "+q)
		}
	}
	if len(conclusions) > 0 {
		parts = append(parts, "Assistant responses:")
		for _, conc := range conclusions[:min(3, len(conclusions))] {
			parts = append(parts, "  - "+conc)
		}
	}
	if len(parts) == 0 {
		return "General discussion continued"
	}
	return strings.Join(parts, "\n")
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
