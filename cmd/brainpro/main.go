// Package main provides the CLI entry point for brainpro: a local,
// vendor-neutral LLM agent orchestration engine with a daemon/gateway
// protocol layered on top.
//
// # Basic Usage
//
// Run a one-shot prompt against the default target:
//
//	brainpro -p "summarize this repo"
//
// Start the agent daemon (NDJSON over a Unix socket):
//
//	brainpro daemon --socket /tmp/brainpro.sock
//
// Start the WebSocket gateway in front of a running daemon:
//
//	brainpro gateway --listen :8787 --daemon-socket /tmp/brainpro.sock
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jgarzik/brainpro/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "brainpro",
		Short:         "brainpro - local LLM agent orchestration engine",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "brainpro.yaml", "path to config file")

	runCmd := buildRunCmd()
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(buildDaemonCmd())
	rootCmd.AddCommand(buildGatewayCmd())
	rootCmd.AddCommand(buildConfigSchemaCmd())

	// `brainpro -p "..."` is direct mode without the run subcommand; the
	// flag set is shared, so both spellings hit the same values.
	rootCmd.Flags().AddFlagSet(runCmd.Flags())
	rootCmd.RunE = runCmd.RunE

	return rootCmd
}

// buildConfigSchemaCmd prints the JSON Schema for the config file, for
// editor integration and config linting.
func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "config-schema",
		Short:  "print the JSON Schema for brainpro.yaml",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			fmt.Println(string(schema))
			return nil
		},
	}
}
