package main

import (
	"context"
	"fmt"
	"os"

	"github.com/meridianhq/conduit/internal/agent"
	"github.com/meridianhq/conduit/internal/agent/providers"
	"github.com/meridianhq/conduit/internal/bus"
	"github.com/meridianhq/conduit/internal/config"
	"github.com/meridianhq/conduit/internal/cron"
	"github.com/meridianhq/conduit/internal/mcp"
	"github.com/meridianhq/conduit/internal/memory"
	"github.com/meridianhq/conduit/internal/memory/vector"
	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/internal/session"
	"github.com/meridianhq/conduit/internal/subagent"
	"github.com/meridianhq/conduit/internal/tools"
	"github.com/meridianhq/conduit/internal/tools/builtin"
)

// engine is the assembled runtime: the loop plus every collaborator
// the commands need a handle on. serve runs the loop against the bus;
// chat drives it directly through ProcessDirect.
type engine struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics

	bus       *bus.Bus
	sessions  *session.FileStore
	registry  *tools.Registry
	builder   *agent.ContextBuilder
	scheduler *cron.Scheduler
	manager   *subagent.Manager
	entities  *memory.EntityStore
	mcp       *mcp.Manager
	loop      *agent.Loop
}

// buildEngine wires the full runtime from configuration. Everything
// optional (memory, cron, MCP, metrics) degrades to nil when disabled.
func buildEngine(cfg *config.Config, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*engine, error) {
	provider, err := providers.New(providers.Config{
		Provider:  cfg.Provider.Name,
		APIKey:    cfg.Provider.APIKey,
		BaseURL:   cfg.Provider.BaseURL,
		MaxTokens: cfg.Provider.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize provider: %w", err)
	}

	b := bus.New(bus.Config{
		InboundSize:  cfg.Bus.InboundSize,
		OutboundSize: cfg.Bus.OutboundSize,
		Metrics:      metrics,
	})

	store, err := session.NewFileStore(cfg.Sessions.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	// The memory pipeline is all-or-nothing: vector store, embedder,
	// searcher, extractor, consolidator, and the entity graph come up
	// together.
	var (
		vecStore     vector.Store
		searcher     *memory.Searcher
		extractor    *memory.Extractor
		consolidator *memory.Consolidator
		entities     *memory.EntityStore
	)
	if cfg.Memory.Enabled {
		vecStore, err = openVectorStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
		embedder := memory.NewEmbedder(memory.EmbedderConfig{
			APIKey:  cfg.Embedding.APIKey,
			BaseURL: cfg.Embedding.BaseURL,
			Model:   cfg.Embedding.Model,
			Logger:  logger,
		})
		extractionModel := cfg.Memory.ExtractionModel
		if extractionModel == "" {
			extractionModel = cfg.Provider.Model
		}
		completer := providers.NewChatCompleter(provider, extractionModel, 0)

		searcher = memory.NewSearcher(embedder, vecStore, logger)
		extractor = memory.NewExtractor(completer, memory.ExtractorConfig{
			MaxFacts: cfg.Memory.MaxFacts,
		}, logger, metrics)
		consolidator = memory.NewConsolidator(embedder, vecStore, completer, memory.ConsolidatorConfig{
			CandidateThreshold: float32(cfg.Memory.CandidateThreshold),
		}, logger, metrics)

		entities, err = memory.NewEntityStore(cfg.Memory.EntitiesPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open entity store: %w", err)
		}
	}

	core, err := memory.NewCoreMemory(cfg.Memory.CorePath)
	if err != nil {
		return nil, fmt.Errorf("load core memory: %w", err)
	}

	builder := agent.NewContextBuilder(agent.ContextConfig{
		Prompt:   loadPrompt(cfg.PromptPath),
		Core:     core,
		Searcher: searcher,
		Logger:   logger,
	})

	var scheduler *cron.Scheduler
	if cfg.Cron.Enabled {
		scheduler, err = cron.NewScheduler(b,
			cron.WithStorePath(cfg.Cron.StorePath),
			cron.WithLogger(logger),
			cron.WithMetrics(metrics),
		)
		if err != nil {
			return nil, fmt.Errorf("initialize scheduler: %w", err)
		}
	}

	registry := tools.NewRegistry(logger)

	var runRegistry *subagent.RunRegistry
	if cfg.Subagents.RegistryPath != "" {
		runRegistry = subagent.NewRunRegistry(subagent.RunRegistryConfig{
			PersistPath: cfg.Subagents.RegistryPath,
			Logger:      logger,
		})
	}
	manager := subagent.NewManager(subagent.Config{
		Provider:      provider,
		Model:         cfg.Provider.Model,
		Bus:           b,
		Tools:         registry,
		Workspace:     cfg.Workspace,
		Registry:      runRegistry,
		MaxConcurrent: cfg.Subagents.MaxConcurrent,
		Logger:        logger,
		Metrics:       metrics,
	})

	if err := registerBuiltins(registry, cfg, b, manager, scheduler, searcher, core, entities); err != nil {
		return nil, err
	}

	var mcpManager *mcp.Manager
	if len(cfg.MCPServers) > 0 {
		mcpManager = mcp.NewManager(mcpServers(cfg), logger)
	}

	loopCfg := agent.Config{
		Provider:  provider,
		Model:     cfg.Provider.Model,
		MaxTokens: cfg.Provider.MaxTokens,

		Bus:      b,
		Sessions: store,
		Tools:    registry,
		Builder:  builder,

		Compactor: session.NewCompactor(session.CompactorConfig{
			Threshold:       cfg.Compaction.Threshold,
			RecentTurnsKeep: cfg.Compaction.RecentTurnsKeep,
			SummaryMaxTurns: cfg.Compaction.SummaryMaxTurns,
			MaxFacts:        cfg.Compaction.MaxFacts,
		}, logger),
		Extractor:    extractor,
		Consolidator: consolidator,
		Vector:       vecStore,
		Scheduler:    scheduler,
		DataDir:      cfg.StateDir,

		MaxIterations:      cfg.Agent.MaxIterations,
		ExtractionInterval: cfg.Memory.ExtractionInterval,
		FlushEnabled:       cfg.Memory.Enabled && cfg.Memory.EnablePreCompactionFlush,
		ToolLessonsEnabled: cfg.Memory.EnableToolLessons,

		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	}
	// A typed nil inside the interface would defeat the loop's nil
	// checks; only set MCP when a manager exists.
	if mcpManager != nil {
		loopCfg.MCP = mcpManager
	}

	loop, err := agent.New(loopCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize agent loop: %w", err)
	}

	return &engine{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		bus:       b,
		sessions:  store,
		registry:  registry,
		builder:   builder,
		scheduler: scheduler,
		manager:   manager,
		entities:  entities,
		mcp:       mcpManager,
		loop:      loop,
	}, nil
}

// shutdown stops the loop and its collaborators in dependency order.
func (e *engine) shutdown(ctx context.Context) error {
	var firstErr error
	if e.scheduler != nil {
		if err := e.scheduler.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop scheduler: %w", err)
		}
	}
	if err := e.loop.Stop(ctx); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("stop loop: %w", err)
	}
	e.manager.Stop()
	if e.entities != nil {
		if err := e.entities.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close entity store: %w", err)
		}
	}
	return firstErr
}

func openVectorStore(cfg *config.Config) (vector.Store, error) {
	switch cfg.Vector.Backend {
	case "chromem":
		return vector.NewChromemStore(vector.ChromemConfig{PersistPath: cfg.Vector.Path})
	default:
		return vector.NewSQLiteStore(vector.SQLiteConfig{Path: cfg.Vector.Path})
	}
}

// loadPrompt reads the agent prompt file. A missing or unreadable
// file falls back to the builder's built-in prompt.
func loadPrompt(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

func registerBuiltins(registry *tools.Registry, cfg *config.Config, b *bus.Bus, manager *subagent.Manager, scheduler *cron.Scheduler, searcher *memory.Searcher, core *memory.CoreMemory, entities *memory.EntityStore) error {
	execTool, err := builtin.NewExecTool(builtin.ExecConfig{
		Workspace:           cfg.Workspace,
		Timeout:             cfg.ExecTimeout(),
		RestrictToWorkspace: cfg.Exec.RestrictToWorkspace,
		AllowPatterns:       cfg.Exec.AllowPatterns,
		DenyPatterns:        cfg.Exec.DenyPatterns,
		AllowedCommands:     cfg.Exec.AllowedCommands,
	})
	if err != nil {
		return fmt.Errorf("initialize exec tool: %w", err)
	}

	files := builtin.FilesConfig{Workspace: cfg.Workspace}

	registry.Register(builtin.NewMessageTool(b))
	registry.Register(builtin.NewSpawnTool(manager))
	registry.Register(builtin.NewSpawnBatchTool(manager))
	registry.Register(builtin.NewSubagentStatusTool(manager))
	registry.Register(execTool)
	registry.Register(builtin.NewFileReadTool(files))
	registry.Register(builtin.NewFileWriteTool(files))
	registry.Register(builtin.NewFileEditTool(files))
	registry.Register(builtin.NewFileListTool(files))
	registry.Register(builtin.NewWebSearchTool(builtin.WebSearchConfig{
		Provider:   cfg.Web.Search.Provider,
		APIKey:     cfg.Web.Search.APIKey,
		MaxResults: cfg.Web.Search.MaxResults,
	}))
	registry.Register(builtin.NewWebFetchTool(cfg.Web.Fetch.MaxChars))
	registry.Register(builtin.NewMemorySearchTool(searcher))
	registry.Register(builtin.NewCoreMemoryTool(core))
	registry.Register(builtin.NewEntityTool(entities))
	if scheduler != nil {
		registry.Register(builtin.NewCronTool(scheduler))
	}
	return nil
}

func mcpServers(cfg *config.Config) []mcp.ServerConfig {
	servers := make([]mcp.ServerConfig, 0, len(cfg.MCPServers))
	for _, s := range cfg.MCPServers {
		servers = append(servers, mcp.ServerConfig{
			Name:    s.Name,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
		})
	}
	return servers
}
