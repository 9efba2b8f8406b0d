package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite driver names registered with database/sql.
const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver, available when built with cgo.
	DriverMattn = "sqlite3"
)

// SQLiteConfig configures a file-backed SQLite store.
type SQLiteConfig struct {
	Path   string `yaml:"path" json:"path,omitempty"`
	Driver string `yaml:"driver" json:"driver,omitempty" jsonschema:"enum=sqlite,enum=sqlite3"`
}

// dsn applies busy timeout, WAL and foreign keys in the syntax each driver
// understands.
func (c SQLiteConfig) dsn() string {
	path := c.Path
	if c.Driver == DriverMattn {
		return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1"
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// NewSQLiteStore opens (creating if needed) a SQLite database file.
func NewSQLiteStore(ctx context.Context, config SQLiteConfig, opts ...SQLOption) (*SQLStore, error) {
	if strings.TrimSpace(config.Path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if config.Driver == "" {
		config.Driver = DriverModernc
	}
	if !slices.Contains(sql.Drivers(), config.Driver) {
		return nil, fmt.Errorf("sqlite driver %q is not available in this build", config.Driver)
	}
	if dir := filepath.Dir(config.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(config.Driver, config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between concurrent turns.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewSQLStore(db, DialectSQLite, opts...), nil
}
