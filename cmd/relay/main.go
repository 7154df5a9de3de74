// Package main provides the CLI entry point for relay, a Discord bot that
// answers mentions and replies with a language model.
//
// # Basic Usage
//
// Start the bot:
//
//	relay serve --config relay.yaml
//
// Manage the provider key pool:
//
//	relay keys list
//	relay keys add sk-...
//	relay keys remove sk-...
//
// # Environment Variables
//
// The default configuration expands these:
//
//   - DISCORD_TOKEN: Discord bot token
//   - OPENAI_API_KEY: first key of the provider pool
//   - RELAY_CONFIG: configuration file (default: relay.yaml)
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "relay - Discord to LLM chat bridge",
		Long: `relay answers Discord messages that mention the bot or reply to it.

Each answer is built from the reply chain above the message, streamed back
as an edited reply, and cancelled or rerun when the message is deleted or
edited.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildKeysCmd(),
	)
	return rootCmd
}

// defaultConfigPath honours RELAY_CONFIG.
func defaultConfigPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	return "relay.yaml"
}
