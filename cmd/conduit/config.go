package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meridianhq/conduit/internal/config"
)

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		Long:  "Print a JSON schema for the YAML configuration file, suitable for editor validation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return fmt.Errorf("generate schema: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if len(args) > 0 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration valid.")
			fmt.Fprintf(out, "  provider: %s (%s)\n", cfg.Provider.Name, cfg.Provider.Model)
			fmt.Fprintf(out, "  state dir: %s\n", cfg.StateDir)
			fmt.Fprintf(out, "  memory: %t (backend %s)\n", cfg.Memory.Enabled, cfg.Vector.Backend)
			fmt.Fprintf(out, "  cron: %t\n", cfg.Cron.Enabled)
			fmt.Fprintf(out, "  mcp servers: %d\n", len(cfg.MCPServers))
			return nil
		},
	}
}
