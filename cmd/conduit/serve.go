package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/meridianhq/conduit/internal/agent"
	"github.com/meridianhq/conduit/internal/bus"
	"github.com/meridianhq/conduit/internal/config"
	"github.com/meridianhq/conduit/internal/observability"
)

const shutdownTimeout = 30 * time.Second

// buildServeCmd creates the "serve" command that runs the agent loop.
func buildServeCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the agent loop",
		Long: `Run the agent loop against the message queue.

The server will:
1. Load configuration (built-in defaults when no file is given)
2. Open the session store and, when enabled, the vector memory store
3. Register built-in tools and any configured MCP servers
4. Start the cron scheduler and the Prometheus metrics listener
5. Drain inbound messages until SIGINT/SIGTERM

Replies addressed to the cli channel print to stdout; replies for
channels without a connected adapter are logged and dropped.`,
		Example: `  # Run with defaults (state under ~/.conduit)
  conduit serve

  # Run with a config file and debug logging
  conduit serve --config conduit.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	tracer, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "conduit",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	logger.Info(ctx, "starting conduit",
		"version", version,
		"config", configPath,
		"provider", cfg.Provider.Name,
		"model", cfg.Provider.Model,
		"memory", cfg.Memory.Enabled,
	)

	eng, err := buildEngine(cfg, logger, metrics, tracer)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if eng.scheduler != nil {
		if err := eng.scheduler.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	go runConsoleAdapter(ctx, eng.bus, logger)

	if cfg.PromptPath != "" {
		stopWatch, err := watchPrompt(ctx, cfg.PromptPath, eng.builder, logger)
		if err != nil {
			logger.Warn(ctx, "prompt hot reload unavailable", "path", cfg.PromptPath, "error", err)
		} else {
			defer stopWatch()
		}
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(ctx, cfg.Metrics.Listen, logger)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- eng.loop.Run(ctx)
	}()

	logger.Info(ctx, "conduit started", "tools", len(eng.registry.Names()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	logger.Info(ctx, "shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := eng.shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "metrics listener shutdown failed", "error", err)
		}
	}
	if err := traceShutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "trace exporter shutdown failed", "error", err)
	}

	logger.Info(shutdownCtx, "conduit stopped")
	return nil
}

// runConsoleAdapter drains the outbound queue. Messages for the cli
// channel print to stdout; everything else has no connected adapter
// here, so it is logged and dropped rather than left to fill the
// queue and block the loop.
func runConsoleAdapter(ctx context.Context, b *bus.Bus, logger *observability.Logger) {
	out := b.SubscribeOutbound()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-out:
			if !ok {
				return
			}
			if msg.Channel == "cli" {
				fmt.Printf("[%s] %s\n", msg.ChatID, msg.Content)
				continue
			}
			logger.Info(ctx, "outbound message dropped, no adapter",
				"channel", msg.Channel, "chat_id", msg.ChatID, "length", len(msg.Content))
		}
	}
}

// watchPrompt reloads the agent prompt when the file changes. The
// parent directory is watched because editors replace files by
// rename, which drops a watch placed on the file itself.
func watchPrompt(ctx context.Context, path string, builder *agent.ContextBuilder, logger *observability.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		const debounce = 250 * time.Millisecond
		var timer *time.Timer
		reload := func() {
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				data, err := os.ReadFile(abs)
				if err != nil {
					logger.Warn(ctx, "prompt reload failed", "path", abs, "error", err)
					return
				}
				builder.SetPrompt(string(data))
				logger.Info(ctx, "prompt reloaded", "path", abs, "bytes", len(data))
			})
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn(ctx, "prompt watch error", "error", err)
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

// startMetricsServer serves the Prometheus registry on /metrics.
func startMetricsServer(ctx context.Context, listen string, logger *observability.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}

	go func() {
		logger.Info(ctx, "metrics listener started", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "metrics listener failed", "error", err)
		}
	}()

	return srv
}
