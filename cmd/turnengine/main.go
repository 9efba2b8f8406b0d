// Package main provides the turnengine CLI.
//
// turnengine drives an agent session from the terminal: it streams a model
// response, runs the built-in tools under the configured permission rules and
// persists every part to the session store.
//
// # Basic Usage
//
// Run a prompt in a new session:
//
//	turnengine run "summarize README.md" --config turnengine.yaml
//
// Continue an existing session:
//
//	turnengine run "now the tests" --session ses_...
//
// Inspect and migrate the store:
//
//	turnengine sessions list
//	turnengine migrate up
//
// # Environment Variables
//
//   - TURNENGINE_CONFIG: Path to the configuration file
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY: provider keys used
//     when provider.api_key is not set
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// configEnv names the environment variable holding the default config path.
const configEnv = "TURNENGINE_CONFIG"

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

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "turnengine",
		Short: "turnengine - streaming agent turns with tools and permissions",
		Long: `turnengine runs agent sessions against Anthropic, OpenAI or Gemini models.

Each response is streamed into durable parts, tool calls run under the
configured permission rules, and transient provider failures are retried.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildSessionsCmd(),
		buildMigrateCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath falls back to TURNENGINE_CONFIG when no path is given.
// An empty result means built-in defaults.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	return strings.TrimSpace(os.Getenv(configEnv))
}
