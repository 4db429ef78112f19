package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	defaultMaxReadBytes = 200000
	maxListEntries      = 500
)

// FilesConfig controls the workspace file tools.
type FilesConfig struct {
	// Workspace is the directory all paths resolve inside. Empty
	// means the process working directory.
	Workspace string

	// MaxReadBytes caps file_read output. Zero means 200000.
	MaxReadBytes int
}

// fileResolver resolves and validates workspace-relative paths.
type fileResolver struct {
	root string
}

// resolve returns an absolute, cleaned path inside the workspace root.
func (r fileResolver) resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	root := strings.TrimSpace(r.root)
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	rel, err := filepath.Rel(rootAbs, target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes workspace")
	}
	return target, nil
}

// FileReadTool reads a workspace file with a byte cap.
type FileReadTool struct {
	resolver fileResolver
	maxBytes int
}

// NewFileReadTool creates a file_read tool scoped to the workspace.
func NewFileReadTool(cfg FilesConfig) *FileReadTool {
	limit := cfg.MaxReadBytes
	if limit <= 0 {
		limit = defaultMaxReadBytes
	}
	return &FileReadTool{resolver: fileResolver{root: cfg.Workspace}, maxBytes: limit}
}

func (t *FileReadTool) Name() string { return "file_read" }

func (t *FileReadTool) Description() string {
	return "Read a file from the workspace with optional offset and byte limit."
}

func (t *FileReadTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"offset": map[string]any{
				"type":        "integer",
				"description": "Byte offset to start reading from (default: 0).",
				"minimum":     0,
			},
			"max_bytes": map[string]any{
				"type":        "integer",
				"description": "Maximum bytes to read (capped by tool default).",
				"minimum":     0,
			},
		},
		"required": []string{"path"},
	})
}

func (t *FileReadTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		Path     string `json:"path"`
		Offset   int    `json:"offset"`
		MaxBytes int    `json:"max_bytes"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}

	resolved, err := t.resolver.resolve(input.Path)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Sprintf("Error: read file: %v", err), nil
	}

	if input.Offset > 0 {
		if input.Offset >= len(data) {
			return "(empty: offset past end of file)", nil
		}
		data = data[input.Offset:]
	}
	limit := t.maxBytes
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}
	truncated := false
	if len(data) > limit {
		data = data[:limit]
		truncated = true
	}
	out := string(data)
	if truncated {
		out += "\n... (truncated)"
	}
	return out, nil
}

// FileWriteTool writes or appends to a workspace file, creating
// parent directories as needed.
type FileWriteTool struct {
	resolver fileResolver
}

// NewFileWriteTool creates a file_write tool scoped to the workspace.
func NewFileWriteTool(cfg FilesConfig) *FileWriteTool {
	return &FileWriteTool{resolver: fileResolver{root: cfg.Workspace}}
}

func (t *FileWriteTool) Name() string { return "file_write" }

func (t *FileWriteTool) Description() string {
	return "Write content to a workspace file, creating parent directories. Overwrites unless append is set."
}

func (t *FileWriteTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write.",
			},
			"append": map[string]any{
				"type":        "boolean",
				"description": "Append instead of overwrite (default: false).",
			},
		},
		"required": []string{"path", "content"},
	})
}

func (t *FileWriteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}

	resolved, err := t.resolver.resolve(input.Path)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Sprintf("Error: create parent directory: %v", err), nil
	}

	if input.Append {
		f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Sprintf("Error: open file: %v", err), nil
		}
		_, err = f.WriteString(input.Content)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Sprintf("Error: append file: %v", err), nil
		}
		return fmt.Sprintf("Appended %d bytes to %s", len(input.Content), input.Path), nil
	}

	if err := os.WriteFile(resolved, []byte(input.Content), 0o644); err != nil {
		return fmt.Sprintf("Error: write file: %v", err), nil
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(input.Content), input.Path), nil
}

// FileEditTool replaces an exact string in a workspace file.
type FileEditTool struct {
	resolver fileResolver
}

// NewFileEditTool creates a file_edit tool scoped to the workspace.
func NewFileEditTool(cfg FilesConfig) *FileEditTool {
	return &FileEditTool{resolver: fileResolver{root: cfg.Workspace}}
}

func (t *FileEditTool) Name() string { return "file_edit" }

func (t *FileEditTool) Description() string {
	return "Replace an exact string in a workspace file. The old text must match exactly, including whitespace."
}

func (t *FileEditTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file (relative to workspace).",
			},
			"old_text": map[string]any{
				"type":        "string",
				"description": "Exact text to replace.",
			},
			"new_text": map[string]any{
				"type":        "string",
				"description": "Replacement text.",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace all occurrences (default: false).",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	})
}

func (t *FileEditTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		Path       string `json:"path"`
		OldText    string `json:"old_text"`
		NewText    string `json:"new_text"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}
	if input.OldText == "" {
		return "Error: old_text is required", nil
	}

	resolved, err := t.resolver.resolve(input.Path)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Sprintf("Error: read file: %v", err), nil
	}
	content := string(data)

	count := strings.Count(content, input.OldText)
	if count == 0 {
		return fmt.Sprintf("Error: old_text not found in %s", input.Path), nil
	}
	if count > 1 && !input.ReplaceAll {
		return fmt.Sprintf("Error: old_text appears %d times in %s; pass replace_all or disambiguate", count, input.Path), nil
	}

	replaced := count
	if input.ReplaceAll {
		content = strings.ReplaceAll(content, input.OldText, input.NewText)
	} else {
		content = strings.Replace(content, input.OldText, input.NewText, 1)
		replaced = 1
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return fmt.Sprintf("Error: write file: %v", err), nil
	}
	return fmt.Sprintf("Edited %s (%d replacement(s))", input.Path, replaced), nil
}

// FileListTool lists a workspace directory.
type FileListTool struct {
	resolver fileResolver
}

// NewFileListTool creates a file_list tool scoped to the workspace.
func NewFileListTool(cfg FilesConfig) *FileListTool {
	return &FileListTool{resolver: fileResolver{root: cfg.Workspace}}
}

func (t *FileListTool) Name() string { return "file_list" }

func (t *FileListTool) Description() string {
	return "List files in a workspace directory. Directories get a trailing slash."
}

func (t *FileListTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list (default: workspace root).",
			},
		},
	})
}

func (t *FileListTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}
	path := input.Path
	if strings.TrimSpace(path) == "" {
		path = "."
	}

	resolved, err := t.resolver.resolve(path)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return fmt.Sprintf("Error: list directory: %v", err), nil
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) > maxListEntries {
		extra := len(names) - maxListEntries
		names = names[:maxListEntries]
		names = append(names, fmt.Sprintf("... (%d more entries)", extra))
	}
	return strings.Join(names, "\n"), nil
}
