package memory

import (
	"strings"

	"github.com/meridianhq/conduit/pkg/models"
)

// maxHeuristicFactLength bounds a single extracted sentence.
const maxHeuristicFactLength = 150

// factPattern pairs a trigger phrase with the fact type it signals.
// Matching is case-insensitive and sentence-scoped.
type factPattern struct {
	trigger string
	ftype   models.FactType
}

var factPatterns = []factPattern{
	{"my name is", models.FactUser},
	{"i work at", models.FactUser},
	{"i work on", models.FactUser},
	{"i live in", models.FactUser},
	{"i am a ", models.FactUser},
	{"i'm a ", models.FactUser},
	{"i prefer", models.FactPreference},
	{"i like", models.FactPreference},
	{"i use", models.FactPreference},
	{"i always", models.FactPreference},
	{"i usually", models.FactPreference},
	{"we decided", models.FactProject},
	{"we agreed", models.FactProject},
	{"we're using", models.FactProject},
	{"we are using", models.FactProject},
	{"the project uses", models.FactProject},
	{"remember that", models.FactGeneric},
	{"note that", models.FactGeneric},
	{"for the record", models.FactGeneric},
}

// HeuristicFacts scans user turns for declarative statements worth
// remembering. It is the fallback when the LM extraction path fails
// and the source of the compactor's key-facts section. Results carry
// SourceHeuristic and a fixed mid-range importance.
func HeuristicFacts(turns []models.Turn, maxFacts int) []models.Fact {
	if maxFacts <= 0 {
		return nil
	}
	var out []models.Fact
	seen := make(map[string]bool)
	for _, turn := range turns {
		if turn.Role != models.RoleUser || turn.Content == "" {
			continue
		}
		for _, sentence := range splitSentences(turn.Content) {
			lower := strings.ToLower(sentence)
			for _, p := range factPatterns {
				if !strings.Contains(lower, p.trigger) {
					continue
				}
				content := collapseWhitespace(sentence)
				if len(content) > maxHeuristicFactLength {
					content = content[:maxHeuristicFactLength]
				}
				if !seen[content] {
					seen[content] = true
					out = append(out, models.Fact{
						Content:    content,
						Importance: 0.5,
						Source:     models.SourceHeuristic,
						Type:       p.ftype,
					})
				}
				break
			}
			if len(out) >= maxFacts {
				return out
			}
		}
	}
	return out
}

// FactStrings returns just the content of the heuristic facts. The
// session compactor uses it to build the key-facts section of a
// recall turn.
func FactStrings(turns []models.Turn, maxFacts int) []string {
	facts := HeuristicFacts(turns, maxFacts)
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		out = append(out, f.Content)
	}
	return out
}

// splitSentences breaks text on sentence terminators, keeping each
// fragment trimmed. Newlines terminate sentences too so that list
// items are scanned individually.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	for _, r := range text {
		switch r {
		case '.', '!', '?', '\n':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return out
}

// collapseWhitespace squeezes runs of whitespace to single spaces and
// trims the ends.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
