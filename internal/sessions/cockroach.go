package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// CockroachConfig holds configuration for CockroachDB connection.
type CockroachConfig struct {
	Host            string        `yaml:"host" json:"host,omitempty"`
	Port            int           `yaml:"port" json:"port,omitempty"`
	User            string        `yaml:"user" json:"user,omitempty"`
	Password        string        `yaml:"password" json:"password,omitempty"`
	Database        string        `yaml:"database" json:"database,omitempty"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode,omitempty"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns,omitempty"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime,omitempty"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time,omitempty"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout,omitempty"`
	// ConnectAttempts bounds the ping retries made while the database starts.
	ConnectAttempts int `yaml:"connect_attempts" json:"connect_attempts,omitempty"`
}

// DefaultCockroachConfig returns default configuration.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		Host:            "localhost",
		Port:            26257,
		User:            "root",
		Password:        "",
		Database:        "turnengine",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
		ConnectAttempts: 5,
	}
}

// DSN renders the lib/pq connection string for the config.
func (c *CockroachConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		c.Host, c.Port, c.User, c.Password,
		c.Database, c.SSLMode, int(c.ConnectTimeout.Seconds()),
	)
}

// NewCockroachStore connects to CockroachDB (or PostgreSQL) and returns a
// store speaking the postgres dialect.
func NewCockroachStore(ctx context.Context, config *CockroachConfig, opts ...SQLOption) (*SQLStore, error) {
	if config == nil {
		config = DefaultCockroachConfig()
	}
	return newCockroachStoreWithDSN(ctx, config.DSN(), config, opts...)
}

// NewCockroachStoreFromDSN creates a store using a raw DSN/URL.
func NewCockroachStoreFromDSN(ctx context.Context, dsn string, config *CockroachConfig, opts ...SQLOption) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}
	return newCockroachStoreWithDSN(ctx, dsn, config, opts...)
}

func newCockroachStoreWithDSN(ctx context.Context, dsn string, config *CockroachConfig, opts ...SQLOption) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}
	if err := pingWithRetry(ctx, db, config.ConnectAttempts); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewSQLStore(db, DialectPostgres, opts...), nil
}
