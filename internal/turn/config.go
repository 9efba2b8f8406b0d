package turn

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/turnengine/internal/backoff"
	"github.com/haasonsaas/turnengine/internal/bus"
	"github.com/haasonsaas/turnengine/internal/compaction"
	"github.com/haasonsaas/turnengine/internal/health"
	"github.com/haasonsaas/turnengine/internal/observability"
	"github.com/haasonsaas/turnengine/internal/permission"
	"github.com/haasonsaas/turnengine/internal/usage"
	"github.com/haasonsaas/turnengine/pkg/models"
)

// Store is the subset of the session store the engine writes through.
type Store interface {
	UpdateMessage(ctx context.Context, msg *models.Message) error
	UpdatePart(ctx context.Context, part *models.Part) error
	// UpdatePartDelta persists part and lets observers see only the appended text.
	UpdatePartDelta(ctx context.Context, part *models.Part, delta string) error
	ListParts(ctx context.Context, messageID string) ([]*models.Part, error)
	AddUsage(ctx context.Context, sessionID string, cost float64, tokens models.TokenUsage) error
}

// Snapshotter captures the working tree at step boundaries.
type Snapshotter interface {
	Track(ctx context.Context) (string, error)
	Patch(ctx context.Context, hash string) (models.PatchPart, error)
}

// Summarizer refreshes session-level summaries after each step.
type Summarizer interface {
	Summarize(ctx context.Context, sessionID, messageID string) error
}

// Config holds the engine's tunables.
type Config struct {
	// StreamStartTimeout bounds the wait for the first event of an attempt.
	// Zero disables it.
	StreamStartTimeout time.Duration
	Health             health.Config
	DoomLoopThreshold  int
	// ContinueLoopOnDeny keeps the turn going after a tool's permission was denied.
	ContinueLoopOnDeny bool
	Retry              backoff.Policy
	RetryHintCeiling   time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		StreamStartTimeout: 60 * time.Second,
		Health:             health.DefaultConfig(),
		DoomLoopThreshold:  DefaultDoomLoopThreshold,
		Retry:              backoff.TurnPolicy(),
		RetryHintCeiling:   5 * time.Minute,
	}
}

// Options configures an Engine. Provider and Store are required.
type Options struct {
	Provider    Provider
	Store       Store
	Bus         *bus.Bus
	Permissions permission.Asker
	Snapshots   Snapshotter
	Summarizer  Summarizer
	Health      *health.Registry
	Usage       *usage.Tracker
	Compaction  compaction.Config
	Config      Config
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
	PostProcess PostProcessFunc
	Now         func() time.Time
}
