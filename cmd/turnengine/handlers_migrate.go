package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/turnengine/internal/sessions"
)

type migrator = *sessions.Migrator

type migrateFunc func(cmd *cobra.Command, m migrator, steps int) error

// withMigrator opens the configured store and hands its migrator to fn.
func withMigrator(cmd *cobra.Command, configPath string, fn func(migrator) error) error {
	a, err := newApp(cmd.Context(), configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	m, err := a.migrator()
	if err != nil {
		return err
	}
	slog.Debug("session store schema", "driver", a.cfg.Store.Driver)
	return fn(m)
}

func migrateUp(cmd *cobra.Command, m migrator, steps int) error {
	ids, err := m.Up(cmd.Context(), steps)
	printMigrationIDs(cmd, "applied", "No pending migrations.", ids)
	return err
}

func migrateDown(cmd *cobra.Command, m migrator, steps int) error {
	slog.Warn("rolling back migrations", "steps", steps)
	ids, err := m.Down(cmd.Context(), steps)
	printMigrationIDs(cmd, "rolled back", "No migrations to roll back.", ids)
	return err
}

// printMigrationIDs reports what ran, including the steps that finished
// before a failure.
func printMigrationIDs(cmd *cobra.Command, verb, none string, ids []string) {
	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		fmt.Fprintln(out, none)
		return
	}
	for _, id := range ids {
		fmt.Fprintf(out, "%s %s\n", verb, id)
	}
}

func printMigrationStatus(cmd *cobra.Command, m migrator) error {
	applied, pending, err := m.Status(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	section := func(title string, lines []string) {
		fmt.Fprintln(out, title)
		if len(lines) == 0 {
			fmt.Fprintln(out, "  (none)")
		}
		for _, line := range lines {
			fmt.Fprintf(out, "  - %s\n", line)
		}
	}

	done := make([]string, len(applied))
	for i, a := range applied {
		done[i] = fmt.Sprintf("%s (%s)", a.ID, a.AppliedAt.Format(time.RFC3339))
	}
	todo := make([]string, len(pending))
	for i, p := range pending {
		todo[i] = p.ID
	}
	section("Applied migrations:", done)
	section("Pending migrations:", todo)
	return nil
}
