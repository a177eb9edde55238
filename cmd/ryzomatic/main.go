// Package main provides the CLI entry point for the Ryzomatic memory
// subsystem: semantic memory extraction, relationship graph maintenance and
// command-action resolution behind an HTTP gateway.
//
// # Basic Usage
//
// Start the server:
//
//	ryzomatic serve --config ryzomatic.yaml
//
// Inspect storage:
//
//	ryzomatic status
//
// Run the background sweeps once and exit:
//
//	ryzomatic sweep
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ryzomatic",
		Short:         "Semantic memory and relationship graph service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOr("RYZOMATIC_CONFIG", "ryzomatic.yaml"), "Path to configuration file")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildSweepCmd(),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
