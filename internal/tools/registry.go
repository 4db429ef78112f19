package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/pkg/models"
)

// Tool dispatch limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolArgsSize is the maximum serialized size of tool
	// arguments (10MB).
	MaxToolArgsSize = 10 << 20
)

// Registry manages available tools with thread-safe registration and
// dispatch. Arguments are validated against each tool's schema before
// execution; compiled schemas are cached at registration time.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	logger  *observability.Logger
}

// NewRegistry creates an empty registry. The logger may be nil.
func NewRegistry(logger *observability.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
	}
}

// Register adds a tool, indexed by name. Re-registering a name
// replaces the previous tool; the replacement is logged.
func (r *Registry) Register(tool Tool) {
	name := tool.Name()

	r.mu.Lock()
	_, replaced := r.tools[name]
	r.tools[name] = tool
	r.schemas[name] = compileSchema(name, tool.Schema())
	r.mu.Unlock()

	if replaced && r.logger != nil {
		r.logger.Warn(context.Background(), "tool replaced in registry", "tool", name)
	}
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloneWithout returns a new registry sharing the same tool instances
// minus the named exclusions. Subagents run against such a restricted
// view.
func (r *Registry) CloneWithout(exclude ...string) *Registry {
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	clone := NewRegistry(r.logger)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, tool := range r.tools {
		if excluded[name] {
			continue
		}
		clone.tools[name] = tool
		clone.schemas[name] = r.schemas[name]
	}
	return clone
}

// Execute dispatches a tool call. Every failure mode (unknown tool,
// schema-invalid arguments, a tool error) comes back as an error
// string so it round-trips to the LM as a tool result. Execute never
// panics and never returns a Go error to the caller.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) string {
	if len(name) > MaxToolNameLength {
		return fmt.Sprintf("Error: tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return "Error: tool not found: " + name
	}

	if msg := validateArgs(schema, name, args); msg != "" {
		return msg
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return result
}

// Definitions serializes all registered tools for one LM call, sorted
// by name so prompts are deterministic.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]models.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, Definition(r.tools[name]))
	}
	return defs
}

// compileSchema compiles a tool's parameter schema for validation.
// A schema that fails to compile disables validation for that tool
// rather than blocking registration.
func compileSchema(name string, raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil
	}
	return schema
}

// validateArgs checks args against the compiled schema. Arguments are
// round-tripped through JSON first so Go-native values (ints, typed
// slices) normalize to the forms the validator understands.
func validateArgs(schema *jsonschema.Schema, name string, args map[string]any) string {
	if schema == nil {
		return ""
	}
	if args == nil {
		args = map[string]any{}
	}

	encoded, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("Error: invalid arguments for tool '%s': %v", name, err)
	}
	if len(encoded) > MaxToolArgsSize {
		return fmt.Sprintf("Error: tool arguments exceed maximum size of %d bytes", MaxToolArgsSize)
	}

	var normalized any
	if err := json.Unmarshal(encoded, &normalized); err != nil {
		return fmt.Sprintf("Error: invalid arguments for tool '%s': %v", name, err)
	}
	if err := schema.Validate(normalized); err != nil {
		return fmt.Sprintf("Error: invalid arguments for tool '%s': %v", name, err)
	}
	return ""
}
