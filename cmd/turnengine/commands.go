package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// configFlag registers the shared --config/-c flag.
func configFlag(cmd *cobra.Command, path *string) {
	cmd.Flags().StringVarP(path, "config", "c", "", "Path to YAML or JSON5 configuration file (or set "+configEnv+")")
}

func buildRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Send a prompt and stream the response",
		Long: `Send a prompt to the configured model and stream the response.

Text is written to stdout as it arrives. Tool transitions, retries and
permission prompts go to stderr. Without a prompt argument the prompt is read
from stdin.`,
		Example: `  turnengine run "list the Go files under internal/"
  turnengine run "explain the failure" -s ses_123 -p openai -m gpt-4o
  turnengine run "audit the config loader" --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrompt(cmd, opts, args)
		},
	}
	configFlag(cmd, &opts.configPath)
	f := cmd.Flags()
	f.StringVarP(&opts.sessionID, "session", "s", "", "Session to continue; created when it does not exist")
	f.StringVarP(&opts.model, "model", "m", "", "Model ID, overriding provider.model")
	f.StringVarP(&opts.provider, "provider", "p", "", "Provider: anthropic, openai, google or bedrock")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.BoolVar(&opts.noWatch, "no-watch", false, "Ignore permission rule changes in the config file")
	return cmd
}

func buildSessionsCmd() *cobra.Command {
	var (
		configPath string
		limit      int
		asJSON     bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSessionsList(cmd, configPath, limit, asJSON)
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, configPath, args[0], asJSON)
		},
	}

	for _, sub := range []*cobra.Command{list, show} {
		configFlag(sub, &configPath)
		sub.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	}
	group := &cobra.Command{Use: "sessions", Short: "Inspect stored sessions"}
	group.AddCommand(list, show)
	return group
}

func buildMigrateCmd() *cobra.Command {
	var configPath string
	step := func(use, short string, def int, run migrateFunc) *cobra.Command {
		var steps int
		cmd := &cobra.Command{
			Use:   use,
			Short: short,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, configPath, func(m migrator) error { return run(cmd, m, steps) })
			},
		}
		configFlag(cmd, &configPath)
		cmd.Flags().IntVar(&steps, "steps", def, "Number of migrations (0 applies all)")
		return cmd
	}
	status := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, configPath, func(m migrator) error { return printMigrationStatus(cmd, m) })
		},
	}
	configFlag(status, &configPath)

	group := &cobra.Command{
		Use:   "migrate",
		Short: "Manage session store migrations",
		Long: `Manage the SQL schema of the session store.

Migrations apply to the postgres, sqlite and sqlite3 drivers. The memory
driver has no schema.`,
	}
	group.AddCommand(
		step("up", "Apply pending migrations", 0, migrateUp),
		step("down", "Roll back migrations", 1, migrateDown),
		status,
	)
	return group
}

func buildConfigCmd() *cobra.Command {
	var configPath string
	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runConfigSchema(cmd) },
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runConfigValidate(cmd, configPath) },
	}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		RunE:  func(cmd *cobra.Command, _ []string) error { return runConfigShow(cmd, configPath) },
	}
	configFlag(validate, &configPath)
	configFlag(show, &configPath)

	group := &cobra.Command{Use: "config", Short: "Configuration helpers"}
	group.AddCommand(schema, validate, show)
	return group
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "turnengine %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
