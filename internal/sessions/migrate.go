package sessions

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// Migrations use only TEXT, BIGINT and DOUBLE PRECISION so the same files
// run on CockroachDB, PostgreSQL and SQLite.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema change, named by its file prefix.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies the embedded migrations in ID order. Each migration runs
// in its own transaction together with its bookkeeping row.
type Migrator struct {
	db         *sql.DB
	dialect    Dialect
	migrations []Migration
	now        func() time.Time
}

// NewMigrator creates a migrator on db.
func NewMigrator(db *sql.DB, dialect Dialect) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, dialect: dialect, migrations: migrations, now: time.Now}, nil
}

// NewStoreMigrator creates a migrator for an open SQL store.
func NewStoreMigrator(store *SQLStore) (*Migrator, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	return NewMigrator(store.DB(), store.Dialect())
}

// EnsureSchema creates the schema_migrations table.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// Up applies up to steps pending migrations, all of them when steps <= 0,
// and returns the IDs it applied.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	_, pending, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	var done []string
	for _, mig := range pending {
		if strings.TrimSpace(mig.UpSQL) == "" {
			return done, fmt.Errorf("migration %s has no up script", mig.ID)
		}
		err := m.inTx(ctx, mig.UpSQL,
			`INSERT INTO schema_migrations (id, applied_at) VALUES ($1, $2)`, mig.ID, m.now().UnixMilli())
		if err != nil {
			return done, fmt.Errorf("apply migration %s: %w", mig.ID, err)
		}
		done = append(done, mig.ID)
	}
	return done, nil
}

// Down rolls back the last steps applied migrations, newest first. Steps
// below one roll back a single migration.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	steps = max(steps, 1)
	applied, _, err := m.Status(ctx)
	if err != nil {
		return nil, err
	}
	if steps > len(applied) {
		steps = len(applied)
	}

	var done []string
	for i := len(applied) - 1; i >= len(applied)-steps; i-- {
		id := applied[i].ID
		mig, ok := m.lookup(id)
		if !ok {
			return done, fmt.Errorf("migration %s is applied but unknown", id)
		}
		if strings.TrimSpace(mig.DownSQL) == "" {
			return done, fmt.Errorf("migration %s has no down script", id)
		}
		if err := m.inTx(ctx, mig.DownSQL, `DELETE FROM schema_migrations WHERE id = $1`, id); err != nil {
			return done, fmt.Errorf("roll back migration %s: %w", id, err)
		}
		done = append(done, id)
	}
	return done, nil
}

// Status returns the applied migrations in ID order and the pending ones.
func (m *Migrator) Status(ctx context.Context) ([]AppliedMigration, []Migration, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, nil, err
	}
	seen := make(map[string]bool, len(applied))
	for _, a := range applied {
		seen[a.ID] = true
	}
	var pending []Migration
	for _, mig := range m.migrations {
		if !seen[mig.ID] {
			pending = append(pending, mig)
		}
	}
	return applied, pending, nil
}

// inTx runs script and the bookkeeping statement atomically.
func (m *Migrator) inTx(ctx context.Context, script, record string, args ...any) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, m.dialect.rebind(record), args...); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record: %w", err)
	}
	return tx.Commit()
}

func (m *Migrator) applied(ctx context.Context) ([]AppliedMigration, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	var out []AppliedMigration
	for rows.Next() {
		var (
			id string
			at int64
		)
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		out = append(out, AppliedMigration{ID: id, AppliedAt: time.UnixMilli(at)})
	}
	return out, rows.Err()
}

func (m *Migrator) lookup(id string) (Migration, bool) {
	i := sort.Search(len(m.migrations), func(i int) bool { return m.migrations[i].ID >= id })
	if i < len(m.migrations) && m.migrations[i].ID == id {
		return m.migrations[i], true
	}
	return Migration{}, false
}

// loadMigrations pairs NNNN_name.up.sql and NNNN_name.down.sql files.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	byID := make(map[string]*Migration)
	for _, entry := range entries {
		name := entry.Name()
		id, direction, ok := strings.Cut(strings.TrimSuffix(name, ".sql"), ".")
		if !ok || path.Ext(name) != ".sql" || (direction != "up" && direction != "down") {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		mig := byID[id]
		if mig == nil {
			mig = &Migration{ID: id}
			byID[id] = mig
		}
		if direction == "up" {
			mig.UpSQL = string(data)
		} else {
			mig.DownSQL = string(data)
		}
	}

	out := make([]Migration, 0, len(byID))
	for _, mig := range byID {
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
