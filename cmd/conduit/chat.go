package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/meridianhq/conduit/internal/config"
	"github.com/meridianhq/conduit/internal/observability"
)

// buildChatCmd creates the "chat" command for talking to the agent
// from the terminal without a running server.
func buildChatCmd() *cobra.Command {
	var sessionKey string

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the agent from the terminal",
		Long: `Chat with the agent. With a message argument the reply prints and the
command exits; without one an interactive session starts.

Conversation state persists in the session store, so consecutive
invocations with the same --session continue one conversation.`,
		Example: `  # One-shot
  conduit chat "what did we decide about the rollout?"

  # Interactive, separate session
  conduit chat --session cli:scratch`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), configPath, sessionKey, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&sessionKey, "session", "s", "cli:direct", "Session key (channel:chat)")

	return cmd
}

func runChat(ctx context.Context, configPath, sessionKey, message string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	// Keep interactive output readable; config-level logging still
	// applies when set below warn.
	if cfg.Logging.Level == "" || cfg.Logging.Level == "info" {
		cfg.Logging.Level = "warn"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	tracer, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "conduit",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	eng, err := buildEngine(cfg, logger, nil, tracer)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ProcessDirect bypasses Run, so external tools register here.
	if eng.mcp != nil {
		if err := eng.mcp.Register(ctx, eng.registry); err != nil {
			logger.Warn(ctx, "mcp registration failed", "error", err)
		}
	}

	// Tool-sent messages still travel the outbound queue; drain it so
	// a send-heavy exchange cannot block on a full queue.
	go runConsoleAdapter(ctx, eng.bus, logger)

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := eng.shutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "shutdown incomplete", "error", err)
		}
		if err := traceShutdown(shutdownCtx); err != nil {
			logger.Warn(shutdownCtx, "trace exporter shutdown failed", "error", err)
		}
	}()

	if message != "" {
		reply, err := eng.loop.ProcessDirect(ctx, message, sessionKey)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}

	return chatREPL(ctx, eng, sessionKey)
}

// chatREPL reads messages line by line until EOF or an exit command.
// Prompts and banners go to stderr so piped stdout stays clean.
func chatREPL(ctx context.Context, eng *engine, sessionKey string) error {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if interactive {
		fmt.Fprintf(os.Stderr, "Conduit chat (model %s)\n", eng.cfg.Provider.Model)
		fmt.Fprintf(os.Stderr, "Session: %s\n", sessionKey)
		fmt.Fprintf(os.Stderr, "Type \"exit\" to quit, \"/new\" for a fresh session\n\n")
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if interactive {
			fmt.Fprint(os.Stderr, "You: ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		if input == "/new" {
			sessionKey = "cli:" + uuid.NewString()[:8]
			fmt.Fprintf(os.Stderr, "New session: %s\n\n", sessionKey)
			continue
		}

		reply, err := eng.loop.ProcessDirect(ctx, input, sessionKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
			continue
		}
		fmt.Printf("\n%s\n\n", reply)
	}
}
