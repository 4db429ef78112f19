package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
)

const (
	defaultExecTimeout = 60 * time.Second
	maxExecOutput      = 10000
)

// Destructive command patterns, always active. Matched against the
// lowercased command line.
var execDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\bdel\s+/[fq]\b`),
	regexp.MustCompile(`\brmdir\s+/s\b`),
	regexp.MustCompile(`\b(format|mkfs|diskpart)\b`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
}

// Shell operators cannot work under direct exec. They are rejected up
// front so the LM gets a clear signal instead of a run where the
// operator arrived as a literal argument. `>-` stays allowed.
var shellOperatorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`;\s*\w`),
	regexp.MustCompile(`\|\|?\s*\w`),
	regexp.MustCompile(`&&\s*\w`),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile("`.*`"),
	regexp.MustCompile(`<\s*[^-\s]`),
	regexp.MustCompile(`>\s*[^-\s]`),
	regexp.MustCompile(`\{\s*\w`),
}

var dangerousBinaries = []string{
	"chmod", "chown", "iptables", "useradd", "usermod", "userdel",
	"nc -e", "netcat", "socat", "telnet",
}

// absPathPattern matches absolute path-like tokens in a command line.
var absPathPattern = regexp.MustCompile(`/[^\s"']+`)

// ExecConfig controls the exec tool guard.
type ExecConfig struct {
	// Workspace is the default working directory. Empty means the
	// process working directory.
	Workspace string

	// Timeout is the per-call wall clock limit. Zero means 60s.
	Timeout time.Duration

	// RestrictToWorkspace rejects path arguments that resolve outside
	// the working directory.
	RestrictToWorkspace bool

	// AllowPatterns, when non-empty, requires the command to match at
	// least one pattern.
	AllowPatterns []string

	// DenyPatterns extends the built-in destructive command patterns.
	DenyPatterns []string

	// AllowedCommands, when non-empty, whitelists the binaries that
	// may run.
	AllowedCommands []string
}

// ExecTool runs a single command without a shell interpreter. The
// command line is tokenized shell-style and executed directly, so
// operators like `;` and `$( )` never reach an interpreter; the guard
// rejects them anyway to keep the failure mode explicit.
type ExecTool struct {
	workspace  string
	timeout    time.Duration
	restrict   bool
	allow      []*regexp.Regexp
	deny       []*regexp.Regexp
	allowedCmd map[string]bool
}

// NewExecTool creates an exec tool. Config-supplied patterns are
// compiled here so a bad pattern fails startup, not a tool call.
func NewExecTool(cfg ExecConfig) (*ExecTool, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultExecTimeout
	}
	t := &ExecTool{
		workspace: strings.TrimSpace(cfg.Workspace),
		timeout:   timeout,
		restrict:  cfg.RestrictToWorkspace,
		deny:      append([]*regexp.Regexp{}, execDenyPatterns...),
	}
	for _, pattern := range cfg.DenyPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile deny pattern %q: %w", pattern, err)
		}
		t.deny = append(t.deny, re)
	}
	for _, pattern := range cfg.AllowPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile allow pattern %q: %w", pattern, err)
		}
		t.allow = append(t.allow, re)
	}
	if len(cfg.AllowedCommands) > 0 {
		t.allowedCmd = make(map[string]bool, len(cfg.AllowedCommands))
		for _, name := range cfg.AllowedCommands {
			if name = strings.TrimSpace(name); name != "" {
				t.allowedCmd[name] = true
			}
		}
	}
	return t, nil
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Execute a shell command and return its output. Use with caution."
}

func (t *ExecTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute.",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command.",
			},
		},
		"required": []string{"command"},
	})
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		Command    string `json:"command"`
		WorkingDir string `json:"working_dir"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}

	cwd := strings.TrimSpace(input.WorkingDir)
	if cwd == "" {
		cwd = t.workspace
	}
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Sprintf("Error: resolve working dir: %v", err), nil
		}
		cwd = wd
	}

	if msg := t.guard(input.Command, cwd); msg != "" {
		return msg, nil
	}

	argv, err := shellquote.Split(input.Command)
	if err != nil {
		return fmt.Sprintf("Error: Invalid command syntax - %v", err), nil
	}
	if len(argv) == 0 {
		return "Error: Empty command", nil
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("Error: Command timed out after %d seconds", int(t.timeout.Seconds())), nil
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Sprintf("Error executing command: %v", err), nil
	}

	var parts []string
	if stdout.Len() > 0 {
		parts = append(parts, stdout.String())
	}
	if s := stderr.String(); strings.TrimSpace(s) != "" {
		parts = append(parts, "STDERR:\n"+s)
	}
	if code := cmd.ProcessState.ExitCode(); code != 0 {
		parts = append(parts, fmt.Sprintf("\nExit code: %d", code))
	}

	result := "(no output)"
	if len(parts) > 0 {
		result = strings.Join(parts, "\n")
	}
	if len(result) > maxExecOutput {
		extra := len(result) - maxExecOutput
		result = result[:maxExecOutput] + fmt.Sprintf("\n... (truncated, %d more chars)", extra)
	}
	return result, nil
}

// guard validates a command before execution. It returns an error
// string when the command is rejected, empty when it may run.
func (t *ExecTool) guard(command, cwd string) string {
	cmd := strings.TrimSpace(command)
	lower := strings.ToLower(cmd)

	first := ""
	if fields := strings.Fields(cmd); len(fields) > 0 {
		first = fields[0]
	}

	if t.allowedCmd != nil && !t.allowedCmd[first] {
		allowed := make([]string, 0, len(t.allowedCmd))
		for name := range t.allowedCmd {
			allowed = append(allowed, name)
		}
		sort.Strings(allowed)
		return fmt.Sprintf("Error: Command '%s' is not allowed. Allowed commands: %s",
			first, strings.Join(allowed, ", "))
	}

	for _, re := range shellOperatorPatterns {
		if re.MatchString(cmd) {
			return "Error: Shell operator not allowed. Only simple commands are supported."
		}
	}

	for _, re := range t.deny {
		if re.MatchString(lower) {
			return "Error: Command blocked by safety guard (dangerous pattern detected)"
		}
	}

	for _, bin := range dangerousBinaries {
		if first == bin || strings.HasPrefix(cmd, bin+" ") {
			return fmt.Sprintf("Error: Command '%s' is blocked for security reasons", first)
		}
	}

	if len(t.allow) > 0 {
		matched := false
		for _, re := range t.allow {
			if re.MatchString(lower) {
				matched = true
				break
			}
		}
		if !matched {
			return "Error: Command blocked by safety guard (not in allowlist)"
		}
	}

	if t.restrict {
		if strings.Contains(cmd, "../") || strings.Contains(cmd, "..\\") {
			return "Error: Command blocked by safety guard (path traversal detected)"
		}
		root, err := filepath.Abs(cwd)
		if err == nil {
			for _, raw := range absPathPattern.FindAllString(cmd, -1) {
				rel, err := filepath.Rel(root, filepath.Clean(raw))
				if err != nil {
					continue
				}
				if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
					return "Error: Command blocked by safety guard (path outside working dir)"
				}
			}
		}
	}

	return ""
}
