package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/meridianhq/conduit/internal/memory"
	"github.com/meridianhq/conduit/internal/memory/vector"
	"github.com/meridianhq/conduit/internal/tools"
	"github.com/meridianhq/conduit/pkg/models"
)

const (
	defaultMemoryLimit = 5
	maxMemoryLimit     = 20
	memorySnippetLen   = 500
)

var lastDaysPattern = regexp.MustCompile(`^last_(\d+)_days?$`)

// MemorySearchTool queries long-term memory across the current
// session's namespace and the shared ones.
type MemorySearchTool struct {
	searcher *memory.Searcher
	now      func() time.Time
}

// NewMemorySearchTool creates a memory_search tool. A nil searcher
// leaves the tool registered but unavailable.
func NewMemorySearchTool(searcher *memory.Searcher) *MemorySearchTool {
	return &MemorySearchTool{searcher: searcher, now: time.Now}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Description() string {
	return "Search past conversations and extracted facts from memory. " +
		"Use this to recall information discussed in previous sessions, " +
		"user preferences, decisions made, or any other context from the past. " +
		"Supports time-filtered and type-filtered search."
}

func (t *MemorySearchTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query describing what you're looking for. Be specific about the topic or type of information.",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results to return (default: 5).",
				"minimum":     1,
				"maximum":     maxMemoryLimit,
			},
			"time_range": map[string]any{
				"type":        "string",
				"description": "Optional time filter: 'today', 'yesterday', 'this_week', or 'last_N_days' (e.g. 'last_7_days').",
			},
			"type_filter": map[string]any{
				"type":        "string",
				"description": "Filter by memory type: 'fact', 'conversation', or 'all' (default: 'all').",
				"enum":        []string{"fact", "conversation", "all"},
			},
		},
		"required": []string{"query"},
	})
}

func (t *MemorySearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		Query      string `json:"query"`
		Limit      int    `json:"limit"`
		TimeRange  string `json:"time_range"`
		TypeFilter string `json:"type_filter"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}
	if strings.TrimSpace(input.Query) == "" {
		return "Error: query is required", nil
	}
	if t.searcher == nil {
		return "Memory search is not available (vector store not initialized)", nil
	}

	limit := input.Limit
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	if limit > maxMemoryLimit {
		limit = maxMemoryLimit
	}

	opts := vector.SearchOptions{Limit: limit}
	opts.Since, opts.Until = parseTimeRange(input.TimeRange, t.now())

	results, err := t.searcher.Search(ctx, input.Query, t.namespaces(ctx), opts)
	if err != nil {
		return fmt.Sprintf("Error searching memory: %v", err), nil
	}
	if len(results) == 0 {
		return "No memories found matching: " + input.Query, nil
	}

	typeFilter := strings.TrimSpace(input.TypeFilter)
	if typeFilter != "" && typeFilter != "all" {
		filtered := results[:0]
		for _, res := range results {
			if metaString(res.Entry.Metadata, "type") == typeFilter {
				filtered = append(filtered, res)
			}
		}
		results = filtered
	}
	if len(results) == 0 {
		var filters []string
		if strings.TrimSpace(input.TimeRange) != "" {
			filters = append(filters, "time_range="+input.TimeRange)
		}
		if typeFilter != "" && typeFilter != "all" {
			filters = append(filters, "type="+typeFilter)
		}
		suffix := ""
		if len(filters) > 0 {
			suffix = " (filters: " + strings.Join(filters, ", ") + ")"
		}
		return "No memories found matching: " + input.Query + suffix, nil
	}

	parts := []string{fmt.Sprintf("Found %d relevant memories:\n", len(results))}
	for i, res := range results {
		entry := res.Entry
		entryType := metaString(entry.Metadata, "type")
		if entryType == "" {
			entryType = "conversation"
		}
		sessionKey := metaString(entry.Metadata, "session")
		if sessionKey == "" {
			sessionKey = "unknown"
		}

		parts = append(parts, fmt.Sprintf("--- Memory %d (similarity: %.2f) ---", i+1, res.Score))
		parts = append(parts, "Type: "+entryType)
		parts = append(parts, "Session: "+sessionKey)
		if !entry.CreatedAt.IsZero() {
			parts = append(parts, "Date: "+entry.CreatedAt.Format("2006-01-02"))
		}
		text := entry.Text
		suffix := ""
		if len(text) > memorySnippetLen {
			text = text[:memorySnippetLen]
			suffix = "..."
		}
		parts = append(parts, "Content: "+text+suffix)
		parts = append(parts, "")
	}
	return strings.Join(parts, "\n"), nil
}

// namespaces returns the search scope: the current conversation's
// namespace when a route is attached, plus the shared ones.
func (t *MemorySearchTool) namespaces(ctx context.Context) []string {
	shared := []string{models.NamespaceUser, models.NamespaceLearnings, models.NamespaceTools}
	route, ok := tools.RouteFrom(ctx)
	if !ok || route.Channel == "" || route.ChatID == "" {
		return shared
	}
	return append([]string{route.Channel + ":" + route.ChatID}, shared...)
}

// parseTimeRange maps a time_range token to a creation time window.
// Unknown tokens apply no filter.
func parseTimeRange(timeRange string, now time.Time) (since, until time.Time) {
	token := strings.ToLower(strings.TrimSpace(timeRange))
	if token == "" {
		return time.Time{}, time.Time{}
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch token {
	case "today":
		return midnight, time.Time{}
	case "yesterday":
		return midnight.AddDate(0, 0, -1), midnight
	case "this_week":
		// Weeks start on Monday.
		offset := (int(now.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset), time.Time{}
	}
	if m := lastDaysPattern.FindStringSubmatch(token); m != nil {
		days, err := strconv.Atoi(m[1])
		if err == nil && days > 0 {
			return now.AddDate(0, 0, -days), time.Time{}
		}
	}
	return time.Time{}, time.Time{}
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}
