package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianhq/conduit/internal/config"
	"github.com/meridianhq/conduit/internal/observability"
	"github.com/meridianhq/conduit/internal/session"
)

// buildSessionsCmd creates the "sessions" command group.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored conversations",
	}
	cmd.AddCommand(buildSessionsListCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := observability.NewLogger(observability.LogConfig{Level: "warn", Format: cfg.Logging.Format})
			store, err := session.NewFileStore(cfg.Sessions.Dir, logger)
			if err != nil {
				return fmt.Errorf("open session store: %w", err)
			}

			infos, err := store.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if len(infos) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tTURNS\tCREATED\tUPDATED")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
					info.Key, info.Turns,
					info.CreatedAt.Format(time.RFC3339),
					info.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}
