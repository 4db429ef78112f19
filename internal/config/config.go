// Package config loads and validates the engine configuration.
// Files are YAML or JSON5 (picked by extension), support ${ENV_VAR}
// expansion and $include composition, and decode strictly: unknown
// keys are errors.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration for the conduit engine.
type Config struct {
	// Workspace is the directory file tools and exec operate in.
	Workspace string `yaml:"workspace"`

	// StateDir holds engine state: sessions, memory, cron jobs, the
	// restart sentinel. Per-component paths default underneath it.
	StateDir string `yaml:"state_dir"`

	// PromptPath points at the system prompt file. serve watches it
	// and reloads on change.
	PromptPath string `yaml:"prompt_path"`

	Agent      AgentConfig       `yaml:"agent"`
	Provider   ProviderConfig    `yaml:"provider"`
	Embedding  EmbeddingConfig   `yaml:"embedding"`
	Memory     MemoryConfig      `yaml:"memory"`
	Compaction CompactionConfig  `yaml:"compaction"`
	Sessions   SessionsConfig    `yaml:"sessions"`
	Vector     VectorConfig      `yaml:"vector"`
	Bus        BusConfig         `yaml:"bus"`
	Subagents  SubagentsConfig   `yaml:"subagents"`
	Exec       ExecConfig        `yaml:"exec"`
	Web        WebConfig         `yaml:"web"`
	Cron       CronConfig        `yaml:"cron"`
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
	Logging    LoggingConfig     `yaml:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Tracing    TracingConfig     `yaml:"tracing"`
}

// AgentConfig tunes the main conversation loop.
type AgentConfig struct {
	// MaxIterations bounds LM round-trips per inbound message.
	MaxIterations int `yaml:"max_iterations"`
}

// ProviderConfig selects the chat model backend.
type ProviderConfig struct {
	// Name is "openai", "anthropic", or "openrouter".
	Name    string `yaml:"name"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// MaxTokens caps each completion. Zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`
}

// EmbeddingConfig configures the embedding client. An empty API key
// falls back to the provider key.
type EmbeddingConfig struct {
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// MemoryConfig controls extraction and consolidation.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// EmbeddingModel is the historical alias for embedding.model;
	// it wins only when embedding.model is unset.
	EmbeddingModel string `yaml:"embedding_model"`

	// ExtractionModel overrides the chat model for fact extraction.
	// Empty uses the provider model.
	ExtractionModel string `yaml:"extraction_model"`

	EnablePreCompactionFlush bool `yaml:"enable_pre_compaction_flush"`
	EnableToolLessons        bool `yaml:"enable_tool_lessons"`

	// ExtractionInterval runs extraction every N user turns.
	ExtractionInterval int `yaml:"extraction_interval"`

	// CandidateThreshold is the similarity floor for treating a new
	// fact as an update candidate of an existing entry.
	CandidateThreshold float64 `yaml:"candidate_threshold"`

	// MaxFacts caps facts kept per extraction run.
	MaxFacts int `yaml:"max_facts"`

	// CorePath is the core-memory scratchpad file.
	CorePath string `yaml:"core_path"`

	// EntitiesPath is the knowledge-graph database file.
	EntitiesPath string `yaml:"entities_path"`
}

// CompactionConfig tunes the layered history compactor.
type CompactionConfig struct {
	Threshold       int `yaml:"threshold"`
	RecentTurnsKeep int `yaml:"recent_turns_keep"`
	SummaryMaxTurns int `yaml:"summary_max_turns"`
	MaxFacts        int `yaml:"max_facts"`
}

// SessionsConfig locates persistent session storage.
type SessionsConfig struct {
	Dir string `yaml:"dir"`
}

// VectorConfig selects the vector store backend.
type VectorConfig struct {
	// Backend is "sqlite" or "chromem".
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// BusConfig sizes the message queues.
type BusConfig struct {
	InboundSize  int `yaml:"inbound_size"`
	OutboundSize int `yaml:"outbound_size"`
}

// SubagentsConfig tunes background task workers.
type SubagentsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`

	// RegistryPath enables the task run-registry when set.
	RegistryPath string `yaml:"registry_path"`
}

// ExecConfig guards the shell tool.
type ExecConfig struct {
	// Timeout is the per-command limit in seconds.
	Timeout             int      `yaml:"timeout"`
	RestrictToWorkspace bool     `yaml:"restrict_to_workspace"`
	AllowPatterns       []string `yaml:"allow_patterns"`
	DenyPatterns        []string `yaml:"deny_patterns"`
	AllowedCommands     []string `yaml:"allowed_commands"`
}

// WebConfig configures the web_search and web_fetch tools.
type WebConfig struct {
	Search WebSearchConfig `yaml:"search"`
	Fetch  WebFetchConfig  `yaml:"fetch"`
}

type WebSearchConfig struct {
	// Provider is "brave" or "duckduckgo". Empty picks brave when an
	// API key is set, duckduckgo otherwise.
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"api_key"`
	MaxResults int    `yaml:"max_results"`
}

type WebFetchConfig struct {
	MaxChars int `yaml:"max_chars"`
}

// CronConfig controls the job scheduler.
type CronConfig struct {
	Enabled   bool   `yaml:"enabled"`
	StorePath string `yaml:"store_path"`
}

// MCPServerConfig describes one MCP server to launch and bridge at
// startup.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// TracingConfig exports OTLP spans. An empty endpoint disables export.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	cfg := seed()
	cfg.applyDefaults()
	return cfg
}

// seed pre-sets the booleans that default to on. Decoding a file over
// the seed lets an explicit false survive while absent keys keep the
// default.
func seed() *Config {
	cfg := &Config{}
	cfg.Memory.Enabled = true
	cfg.Memory.EnablePreCompactionFlush = true
	cfg.Memory.EnableToolLessons = true
	cfg.Exec.RestrictToWorkspace = true
	cfg.Cron.Enabled = true
	cfg.Metrics.Enabled = true
	return cfg
}

func (c *Config) applyDefaults() {
	if c.StateDir == "" {
		c.StateDir = filepath.Join(homeDir(), ".conduit")
	}
	if c.Workspace == "" {
		c.Workspace = filepath.Join(c.StateDir, "workspace")
	}
	if c.PromptPath == "" {
		c.PromptPath = filepath.Join(c.StateDir, "prompt.md")
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 20
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "openai"
	}
	if c.Provider.Model == "" {
		c.Provider.Model = "gpt-4o-mini"
	}
	if c.Embedding.Model == "" {
		if c.Memory.EmbeddingModel != "" {
			c.Embedding.Model = c.Memory.EmbeddingModel
		} else {
			c.Embedding.Model = "text-embedding-3-small"
		}
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = c.Provider.APIKey
	}
	if c.Embedding.BaseURL == "" {
		c.Embedding.BaseURL = c.Provider.BaseURL
	}
	if c.Memory.ExtractionInterval == 0 {
		c.Memory.ExtractionInterval = 10
	}
	if c.Memory.CandidateThreshold == 0 {
		c.Memory.CandidateThreshold = 0.80
	}
	if c.Memory.MaxFacts == 0 {
		c.Memory.MaxFacts = 10
	}
	if c.Memory.CorePath == "" {
		c.Memory.CorePath = filepath.Join(c.StateDir, "memory", "core.md")
	}
	if c.Memory.EntitiesPath == "" {
		c.Memory.EntitiesPath = filepath.Join(c.StateDir, "memory", "entities.db")
	}
	if c.Compaction.Threshold == 0 {
		c.Compaction.Threshold = 50
	}
	if c.Compaction.RecentTurnsKeep == 0 {
		c.Compaction.RecentTurnsKeep = 8
	}
	if c.Compaction.SummaryMaxTurns == 0 {
		c.Compaction.SummaryMaxTurns = 15
	}
	if c.Compaction.MaxFacts == 0 {
		c.Compaction.MaxFacts = 10
	}
	if c.Sessions.Dir == "" {
		c.Sessions.Dir = filepath.Join(c.StateDir, "sessions")
	}
	if c.Vector.Backend == "" {
		c.Vector.Backend = "sqlite"
	}
	if c.Vector.Path == "" {
		name := "vectors.db"
		if c.Vector.Backend == "chromem" {
			name = "chromem"
		}
		c.Vector.Path = filepath.Join(c.StateDir, "memory", name)
	}
	if c.Bus.InboundSize == 0 {
		c.Bus.InboundSize = 100
	}
	if c.Bus.OutboundSize == 0 {
		c.Bus.OutboundSize = 100
	}
	if c.Subagents.MaxConcurrent == 0 {
		c.Subagents.MaxConcurrent = 5
	}
	if c.Exec.Timeout == 0 {
		c.Exec.Timeout = 60
	}
	if c.Web.Search.MaxResults == 0 {
		c.Web.Search.MaxResults = 5
	}
	if c.Web.Fetch.MaxChars == 0 {
		c.Web.Fetch.MaxChars = 10000
	}
	if c.Cron.StorePath == "" {
		c.Cron.StorePath = filepath.Join(c.StateDir, "cron", "jobs.yaml")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9091"
	}
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1.0
	}
}

// Validate checks ranges and enumerations after defaults are applied.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1, got %d", c.Agent.MaxIterations)
	}
	switch c.Provider.Name {
	case "openai", "anthropic", "openrouter":
	default:
		return fmt.Errorf("provider.name must be openai, anthropic, or openrouter, got %q", c.Provider.Name)
	}
	if c.Memory.ExtractionInterval < 1 {
		return fmt.Errorf("memory.extraction_interval must be at least 1, got %d", c.Memory.ExtractionInterval)
	}
	if c.Memory.CandidateThreshold < 0 || c.Memory.CandidateThreshold > 1 {
		return fmt.Errorf("memory.candidate_threshold must be within [0, 1], got %v", c.Memory.CandidateThreshold)
	}
	if c.Compaction.Threshold < 2 {
		return fmt.Errorf("compaction.threshold must be at least 2, got %d", c.Compaction.Threshold)
	}
	if c.Compaction.RecentTurnsKeep < 1 {
		return fmt.Errorf("compaction.recent_turns_keep must be at least 1, got %d", c.Compaction.RecentTurnsKeep)
	}
	switch c.Vector.Backend {
	case "sqlite", "chromem":
	default:
		return fmt.Errorf("vector.backend must be sqlite or chromem, got %q", c.Vector.Backend)
	}
	if c.Bus.InboundSize < 1 || c.Bus.OutboundSize < 1 {
		return fmt.Errorf("bus queue sizes must be at least 1, got inbound=%d outbound=%d", c.Bus.InboundSize, c.Bus.OutboundSize)
	}
	if c.Subagents.MaxConcurrent < 1 {
		return fmt.Errorf("subagents.max_concurrent must be at least 1, got %d", c.Subagents.MaxConcurrent)
	}
	if c.Exec.Timeout < 1 {
		return fmt.Errorf("exec.timeout must be at least 1 second, got %d", c.Exec.Timeout)
	}
	switch c.Web.Search.Provider {
	case "", "brave", "duckduckgo":
	default:
		return fmt.Errorf("web.search.provider must be brave or duckduckgo, got %q", c.Web.Search.Provider)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0, 1], got %v", c.Tracing.SamplingRate)
	}
	for i, srv := range c.MCPServers {
		if srv.Name == "" {
			return fmt.Errorf("mcp_servers[%d]: name is required", i)
		}
		if srv.Command == "" {
			return fmt.Errorf("mcp_servers[%d] (%s): command is required", i, srv.Name)
		}
	}
	return nil
}

// ExecTimeout returns the shell timeout as a duration.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.Exec.Timeout) * time.Second
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return "."
}
