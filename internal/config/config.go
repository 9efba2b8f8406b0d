// Package config loads turnengine configuration from YAML or JSON5 files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/turnengine/internal/backoff"
	"github.com/haasonsaas/turnengine/internal/compaction"
	"github.com/haasonsaas/turnengine/internal/health"
	"github.com/haasonsaas/turnengine/internal/llm"
	"github.com/haasonsaas/turnengine/internal/observability"
	"github.com/haasonsaas/turnengine/internal/permission"
	"github.com/haasonsaas/turnengine/internal/sessions"
	"github.com/haasonsaas/turnengine/internal/snapshot"
	"github.com/haasonsaas/turnengine/internal/turn"
	"github.com/haasonsaas/turnengine/internal/usage"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
)

// Config is the top-level configuration.
type Config struct {
	Version    int                       `yaml:"version"`
	Workspace  string                    `yaml:"workspace" jsonschema:"description=Directory the built-in tools operate in"`
	Log        observability.LogConfig   `yaml:"log"`
	Metrics    MetricsConfig             `yaml:"metrics"`
	Tracing    observability.TraceConfig `yaml:"tracing"`
	Store      StoreConfig               `yaml:"store"`
	Provider   llm.Config                `yaml:"provider"`
	Engine     EngineConfig              `yaml:"engine"`
	Permission PermissionConfig          `yaml:"permission"`
	Models     []usage.Model             `yaml:"models"`
	Snapshot   snapshot.Config           `yaml:"snapshot"`
	Compaction compaction.Config         `yaml:"compaction"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StoreConfig selects the session store.
type StoreConfig struct {
	Driver string `yaml:"driver" jsonschema:"enum=memory,enum=postgres,enum=sqlite,enum=sqlite3"`
	// DSN is the postgres connection URL.
	DSN string `yaml:"dsn"`
	// Path is the sqlite database file.
	Path     string                   `yaml:"path"`
	Postgres sessions.CockroachConfig `yaml:"postgres"`
}

// EngineConfig holds the turn engine tunables.
type EngineConfig struct {
	StreamStartTimeout  time.Duration  `yaml:"stream_start_timeout"`
	StallTimeout        time.Duration  `yaml:"stall_timeout"`
	HealthCheckInterval time.Duration  `yaml:"health_check_interval"`
	DoomLoopThreshold   int            `yaml:"doom_loop_threshold"`
	ContinueLoopOnDeny  bool           `yaml:"continue_loop_on_deny"`
	MaxSteps            int            `yaml:"max_steps"`
	MaxOutputTokens     int64          `yaml:"max_output_tokens"`
	Temperature         *float64       `yaml:"temperature"`
	System              []string       `yaml:"system"`
	Retry               backoff.Policy `yaml:"retry"`
	RetryHintCeiling    time.Duration  `yaml:"retry_hint_ceiling"`
}

// PermissionConfig holds permission rules. Rules are evaluated after the
// default action and the last matching rule wins.
type PermissionConfig struct {
	Default permission.Action  `yaml:"default" jsonschema:"enum=allow,enum=deny,enum=ask"`
	Rules   permission.Ruleset `yaml:"rules"`
	// Interactive prompts on the terminal for "ask" decisions. When false
	// asks are answered with Fallback.
	Interactive bool              `yaml:"interactive"`
	Fallback    permission.Action `yaml:"fallback" jsonschema:"enum=allow,enum=deny"`
}

// Default returns the configuration used when a field is not set.
func Default() Config {
	engine := turn.DefaultConfig()
	return Config{
		Version:   CurrentVersion,
		Workspace: ".",
		Log: observability.LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{Addr: ":9090"},
		Tracing: observability.TraceConfig{
			ServiceName:  "turnengine",
			SamplingRate: 1.0,
		},
		Store: StoreConfig{
			Driver:   DriverMemory,
			Postgres: *sessions.DefaultCockroachConfig(),
		},
		Provider: llm.Config{Name: llm.ProviderAnthropic},
		Engine: EngineConfig{
			StreamStartTimeout:  engine.StreamStartTimeout,
			StallTimeout:        engine.Health.StallTimeout,
			HealthCheckInterval: engine.Health.CheckInterval,
			DoomLoopThreshold:   engine.DoomLoopThreshold,
			MaxSteps:            50,
			Retry:               engine.Retry,
			RetryHintCeiling:    engine.RetryHintCeiling,
		},
		Permission: PermissionConfig{
			Default:  permission.ActionAllow,
			Fallback: permission.ActionDeny,
		},
		Snapshot:   snapshot.Config{Backend: snapshot.BackendHash},
		Compaction: compaction.DefaultConfig(),
	}
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
	case DriverSQLite, DriverSQLite3:
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, fmt.Errorf("store.path is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	switch strings.ToLower(c.Provider.Name) {
	case llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderGoogle, llm.ProviderBedrock, "gemini":
	default:
		errs = append(errs, fmt.Errorf("provider.name: unknown provider %q", c.Provider.Name))
	}
	if c.Engine.StreamStartTimeout < 0 || c.Engine.StallTimeout < 0 || c.Engine.HealthCheckInterval < 0 {
		errs = append(errs, errors.New("engine: timeouts must not be negative"))
	}
	if c.Engine.DoomLoopThreshold < 0 {
		errs = append(errs, errors.New("engine.doom_loop_threshold must not be negative"))
	}
	if c.Engine.MaxSteps < 0 {
		errs = append(errs, errors.New("engine.max_steps must not be negative"))
	}
	if r := c.Engine.Retry; r.InitialMs < 0 || r.MaxMs < 0 || (r.Factor != 0 && r.Factor < 1) || r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, fmt.Errorf("engine.retry: invalid policy %+v", r))
	}
	if !validAction(c.Permission.Default) {
		errs = append(errs, fmt.Errorf("permission.default: unknown action %q", c.Permission.Default))
	}
	if c.Permission.Fallback != permission.ActionAllow && c.Permission.Fallback != permission.ActionDeny {
		errs = append(errs, fmt.Errorf("permission.fallback must be allow or deny, got %q", c.Permission.Fallback))
	}
	for i, rule := range c.Permission.Rules {
		if strings.TrimSpace(rule.Permission) == "" {
			errs = append(errs, fmt.Errorf("permission.rules[%d]: permission is required", i))
		}
		if !validAction(rule.Action) {
			errs = append(errs, fmt.Errorf("permission.rules[%d]: unknown action %q", i, rule.Action))
		}
	}
	for i, m := range c.Models {
		if m.ID == "" || m.Provider == "" {
			errs = append(errs, fmt.Errorf("models[%d]: id and provider are required", i))
		}
	}
	switch c.Snapshot.Backend {
	case "", snapshot.BackendGit, snapshot.BackendHash:
	default:
		errs = append(errs, fmt.Errorf("snapshot.backend: unknown backend %q", c.Snapshot.Backend))
	}
	return errors.Join(errs...)
}

func validAction(a permission.Action) bool {
	switch a {
	case permission.ActionAllow, permission.ActionDeny, permission.ActionAsk:
		return true
	}
	return false
}

// TurnConfig converts the engine section for turn.New.
func (c EngineConfig) TurnConfig() turn.Config {
	return turn.Config{
		StreamStartTimeout: c.StreamStartTimeout,
		Health: health.Config{
			StallTimeout:  c.StallTimeout,
			CheckInterval: c.HealthCheckInterval,
		},
		DoomLoopThreshold:  c.DoomLoopThreshold,
		ContinueLoopOnDeny: c.ContinueLoopOnDeny,
		Retry:              c.Retry,
		RetryHintCeiling:   c.RetryHintCeiling,
	}
}

// Ruleset builds the permission rules: the default action for everything,
// an ask for doom-loop confirmation, then the configured rules.
func (c PermissionConfig) Ruleset() permission.Ruleset {
	def := c.Default
	if def == "" {
		def = permission.ActionAllow
	}
	base := permission.Ruleset{
		{Permission: "*", Pattern: "*", Action: def},
		{Permission: permission.DoomLoop, Pattern: "*", Action: permission.ActionAsk},
	}
	return permission.Merge(base, c.Rules)
}

// Catalog returns the built-in model catalog extended with configured models.
func (c *Config) Catalog() *usage.Catalog {
	catalog := usage.DefaultCatalog()
	for _, m := range c.Models {
		catalog.Register(m)
	}
	return catalog
}
