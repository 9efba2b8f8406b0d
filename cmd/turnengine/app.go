package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/turnengine/internal/config"
	"github.com/haasonsaas/turnengine/internal/health"
	"github.com/haasonsaas/turnengine/internal/observability"
	"github.com/haasonsaas/turnengine/internal/sessions"
)

// app holds the collaborators shared by the commands.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	store   sessions.Store
	// sql is set when the store is SQL backed.
	sql     *sessions.SQLStore
	closers []func(context.Context) error
}

type appOptions struct {
	// metrics registers Prometheus collectors on the default registry.
	metrics bool
}

// newApp loads the configuration and opens the store.
func newApp(ctx context.Context, configPath string, opts appOptions) (*app, error) {
	cfg, err := config.LoadOrDefault(resolveConfigPath(configPath))
	if err != nil {
		return nil, err
	}
	return newAppFromConfig(ctx, cfg, opts)
}

func newAppFromConfig(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	logger := observability.NewLogger(cfg.Log)
	slog.SetDefault(logger.Slog())

	a := &app{cfg: cfg, logger: logger}
	if opts.metrics {
		a.metrics = observability.NewMetrics()
	}
	tracing := cfg.Tracing
	if tracing.ServiceVersion == "" {
		tracing.ServiceVersion = version
	}
	tracer, shutdown := observability.NewTracer(tracing)
	a.tracer = tracer
	a.closers = append(a.closers, shutdown)

	if err := a.openStore(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// openStore opens the configured session store.
func (a *app) openStore(ctx context.Context) error {
	var sqlOpts []sessions.SQLOption
	if a.metrics != nil {
		sqlOpts = append(sqlOpts, sessions.WithMetrics(a.metrics))
	}
	sqlOpts = append(sqlOpts, sessions.WithTracer(a.tracer))

	sc := a.cfg.Store
	switch sc.Driver {
	case config.DriverMemory, "":
		a.store = sessions.NewMemoryStore()
		return nil
	case config.DriverPostgres:
		pool := sc.Postgres
		var (
			store *sessions.SQLStore
			err   error
		)
		if sc.DSN != "" {
			store, err = sessions.NewCockroachStoreFromDSN(ctx, sc.DSN, &pool, sqlOpts...)
		} else {
			store, err = sessions.NewCockroachStore(ctx, &pool, sqlOpts...)
		}
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		a.setSQL(store)
		return nil
	case config.DriverSQLite, config.DriverSQLite3:
		store, err := sessions.NewSQLiteStore(ctx, sessions.SQLiteConfig{Path: sc.Path, Driver: sc.Driver}, sqlOpts...)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.setSQL(store)
		return nil
	default:
		return fmt.Errorf("unknown store driver %q", sc.Driver)
	}
}

func (a *app) setSQL(store *sessions.SQLStore) {
	a.store = store
	a.sql = store
	a.closers = append(a.closers, func(context.Context) error { return store.Close() })
}

// sessionLocker returns a lease locker for SQL stores so that processes
// sharing a database do not run the same session concurrently. Memory stores
// use the runner's in-process default.
func (a *app) sessionLocker() (sessions.Locker, error) {
	if a.sql == nil {
		return nil, nil
	}
	host, _ := os.Hostname()
	locker, err := sessions.NewDBLocker(a.sql, sessions.DBLockerConfig{
		OwnerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return locker.Close() })
	return locker, nil
}

// migrator returns a migrator for SQL stores.
func (a *app) migrator() (*sessions.Migrator, error) {
	if a.sql == nil {
		return nil, fmt.Errorf("store driver %q has no schema to migrate", a.cfg.Store.Driver)
	}
	return sessions.NewStoreMigrator(a.sql)
}

// ensureSchema applies pending migrations so a fresh sqlite file is usable
// without a separate migrate step.
func (a *app) ensureSchema(ctx context.Context) error {
	if a.sql == nil || a.sql.Dialect() != sessions.DialectSQLite {
		return nil
	}
	m, err := a.migrator()
	if err != nil {
		return err
	}
	applied, err := m.Up(ctx, 0)
	if err != nil {
		return fmt.Errorf("migrate sqlite store: %w", err)
	}
	for _, id := range applied {
		a.logger.Info(ctx, "applied migration", "id", id)
	}
	return nil
}

// Close releases the store and flushes traces in reverse order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// serveMetrics exposes /metrics and /healthz until ctx is done.
func serveMetrics(ctx context.Context, addr string, turns *health.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":       "ok",
			"active_turns": turns.Active(),
		})
	})

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	logger.Info("serving metrics", "addr", listener.Addr().String())
	return nil
}
