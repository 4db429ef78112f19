// Package main provides the CLI entry point for the Conduit agent.
//
// Conduit runs a single conversational agent that drains messages
// from a shared queue, converses with an LM provider, executes tools,
// and maintains long-term memory across sessions.
//
// # Basic Usage
//
// Start the agent:
//
//	conduit serve --config conduit.yaml
//
// Talk to it from the terminal:
//
//	conduit chat "summarize yesterday's notes"
//	conduit chat
//
// Inspect configuration:
//
//	conduit config schema
//	conduit config validate conduit.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// configPath is the global --config flag. Empty means built-in
// defaults with no file on disk.
var configPath string

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands
// attached. Separated from main to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conduit",
		Short: "Conduit - conversational agent runtime",
		Long: `Conduit runs a single conversational agent: a message queue in front of
an LM-driven tool loop, with layered memory (session history, core
memory, vector recall), subagent delegation, and a cron scheduler.

Channel adapters publish inbound messages to the queue and deliver the
replies; the serve command runs the loop and a console adapter.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONDUIT_CONFIG"),
		"Path to YAML configuration file (or set CONDUIT_CONFIG)")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildChatCmd(),
		buildConfigCmd(),
		buildSessionsCmd(),
		buildVersionCmd(),
	)

	return rootCmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "conduit %s (commit: %s, built: %s)\n", version, commit, date)
			return nil
		},
	}
}
