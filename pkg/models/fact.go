package models

// FactType classifies an extracted fact and drives namespace routing.
type FactType string

const (
	FactGeneric    FactType = "generic"
	FactUser       FactType = "user"
	FactPreference FactType = "preference"
	FactProject    FactType = "project"
	FactLesson     FactType = "lesson"
	FactToolLesson FactType = "tool_lesson"
)

// FactSource records which pipeline produced a fact so consolidation
// can weight it.
type FactSource string

const (
	SourceLLM         FactSource = "llm"
	SourceLLMLesson   FactSource = "llm_lesson"
	SourceToolFailure FactSource = "tool_failure"
	SourceHeuristic   FactSource = "heuristic"
)

// Well-known memory namespaces. Project facts land in
// "project:<name>" and generic facts in the per-session namespace.
const (
	NamespaceUser      = "user"
	NamespaceLearnings = "learnings"
	NamespaceTools     = "tools"
	NamespaceProject   = "project"
)

// Fact is a single piece of extracted long-term memory. Content is
// sanitized before a Fact is constructed; the filter is the only gate
// between conversation text and storage.
type Fact struct {
	Content    string         `json:"content"`
	Importance float64        `json:"importance"`
	Source     FactSource     `json:"source"`
	Type       FactType       `json:"fact_type"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ProjectName returns the project_name metadata value, if any.
func (f Fact) ProjectName() string {
	if f.Metadata == nil {
		return ""
	}
	if name, ok := f.Metadata["project_name"].(string); ok {
		return name
	}
	return ""
}

// RouteNamespace maps a fact to its destination namespace. The result
// depends only on the fact's type and metadata plus the given session
// namespace.
func RouteNamespace(f Fact, sessionNamespace string) string {
	switch f.Type {
	case FactUser:
		return NamespaceUser
	case FactLesson:
		return NamespaceLearnings
	case FactToolLesson:
		return NamespaceTools
	case FactProject:
		if name := f.ProjectName(); name != "" {
			return NamespaceProject + ":" + name
		}
		return sessionNamespace
	default:
		return sessionNamespace
	}
}
