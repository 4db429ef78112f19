package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
provider:
  name: anthropic
  model: claude-sonnet-4
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Provider.Name != "anthropic" || cfg.Provider.Model != "claude-sonnet-4" {
		t.Errorf("provider = %s/%s, want anthropic/claude-sonnet-4", cfg.Provider.Name, cfg.Provider.Model)
	}
	if cfg.Agent.MaxIterations != 20 {
		t.Errorf("max_iterations = %d, want 20", cfg.Agent.MaxIterations)
	}
	if cfg.Compaction.Threshold != 50 || cfg.Compaction.RecentTurnsKeep != 8 || cfg.Compaction.SummaryMaxTurns != 15 {
		t.Errorf("compaction = %+v, want 50/8/15 defaults", cfg.Compaction)
	}
	if cfg.Memory.CandidateThreshold != 0.80 {
		t.Errorf("candidate_threshold = %v, want 0.80", cfg.Memory.CandidateThreshold)
	}
	if !cfg.Memory.Enabled || !cfg.Memory.EnablePreCompactionFlush || !cfg.Memory.EnableToolLessons {
		t.Errorf("memory flags = %+v, want all enabled by default", cfg.Memory)
	}
	if !cfg.Exec.RestrictToWorkspace {
		t.Error("exec.restrict_to_workspace = false, want true by default")
	}
	if cfg.Vector.Backend != "sqlite" {
		t.Errorf("vector.backend = %q, want sqlite", cfg.Vector.Backend)
	}
	if cfg.Sessions.Dir == "" || cfg.Cron.StorePath == "" || cfg.Memory.CorePath == "" {
		t.Errorf("state paths not defaulted: %+v", cfg)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v, want info/json", cfg.Logging)
	}
}

func TestLoadExplicitFalseSurvives(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
memory:
  enabled: false
  enable_tool_lessons: false
exec:
  restrict_to_workspace: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Memory.Enabled {
		t.Error("memory.enabled = true, want false")
	}
	if cfg.Memory.EnableToolLessons {
		t.Error("memory.enable_tool_lessons = true, want false")
	}
	if !cfg.Memory.EnablePreCompactionFlush {
		t.Error("memory.enable_pre_compaction_flush = false, want default true untouched")
	}
	if cfg.Exec.RestrictToWorkspace {
		t.Error("exec.restrict_to_workspace = true, want false")
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("CONDUIT_TEST_KEY", "sk-test-123")
	path := writeConfig(t, "conduit.yaml", `
provider:
  api_key: ${CONDUIT_TEST_KEY}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.APIKey != "sk-test-123" {
		t.Errorf("api_key = %q, want expanded env value", cfg.Provider.APIKey)
	}
	if cfg.Embedding.APIKey != "sk-test-123" {
		t.Errorf("embedding api_key = %q, want provider fallback", cfg.Embedding.APIKey)
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "conduit.json5", `{
  // comments are fine in json5
  provider: { name: "openai", model: "gpt-4o" },
  agent: { max_iterations: 5 },
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", cfg.Provider.Model)
	}
	if cfg.Agent.MaxIterations != 5 {
		t.Errorf("max_iterations = %d, want 5", cfg.Agent.MaxIterations)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
provider:
  name: openai
  flavor: spicy
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() error = nil, want unknown-field error")
	}
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte(`
provider:
  name: openai
  model: gpt-4o-mini
logging:
  level: debug
`), 0o644); err != nil {
		t.Fatalf("write base: %v", err)
	}
	main := filepath.Join(dir, "conduit.yaml")
	if err := os.WriteFile(main, []byte(`
$include: base.yaml
provider:
  model: gpt-4o
`), 0o644); err != nil {
		t.Fatalf("write main: %v", err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.Model != "gpt-4o" {
		t.Errorf("model = %q, want override from including file", cfg.Provider.Model)
	}
	if cfg.Provider.Name != "openai" {
		t.Errorf("name = %q, want value from included file", cfg.Provider.Name)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug from included file", cfg.Logging.Level)
	}
}

func TestLoadDetectsIncludeCycles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644)
	os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644)

	_, err := Load(a)
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("Load() error = %v, want include cycle error", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Agent.MaxIterations != 20 {
		t.Errorf("max_iterations = %d, want defaults for missing file", cfg.Agent.MaxIterations)
	}
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"bad provider", func(c *Config) { c.Provider.Name = "bard" }, "provider.name"},
		{"bad vector backend", func(c *Config) { c.Vector.Backend = "faiss" }, "vector.backend"},
		{"threshold out of range", func(c *Config) { c.Memory.CandidateThreshold = 1.5 }, "candidate_threshold"},
		{"negative iterations", func(c *Config) { c.Agent.MaxIterations = -1 }, "max_iterations"},
		{"compaction floor", func(c *Config) { c.Compaction.Threshold = 1 }, "compaction.threshold"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad search provider", func(c *Config) { c.Web.Search.Provider = "bing" }, "web.search.provider"},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling_rate"},
		{"mcp server without command", func(c *Config) {
			c.MCPServers = []MCPServerConfig{{Name: "fs"}}
		}, "command is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantSub)
			}
		})
	}
}

func TestEmbeddingModelAlias(t *testing.T) {
	path := writeConfig(t, "conduit.yaml", `
memory:
  embedding_model: text-embedding-3-large
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Embedding.Model != "text-embedding-3-large" {
		t.Errorf("embedding.model = %q, want alias from memory.embedding_model", cfg.Embedding.Model)
	}

	both := writeConfig(t, "conduit2.yaml", `
embedding:
  model: text-embedding-3-small
memory:
  embedding_model: text-embedding-3-large
`)
	cfg, err = Load(both)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Embedding.Model != "text-embedding-3-small" {
		t.Errorf("embedding.model = %q, want explicit value to win", cfg.Embedding.Model)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, want := range []string{"max_iterations", "candidate_threshold", "restrict_to_workspace", "mcp_servers"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %q", want)
		}
	}
}
