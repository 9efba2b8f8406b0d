// Package loop runs a session until the model stops asking for tools.
//
// Each step is one assistant message produced by the turn engine. The runner
// builds the request from the stored history, repeats while the model
// finishes with tool calls, and compacts the session when the engine reports
// that the context window is exhausted.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/turnengine/internal/bus"
	"github.com/haasonsaas/turnengine/internal/compaction"
	"github.com/haasonsaas/turnengine/internal/sessions"
	"github.com/haasonsaas/turnengine/internal/turn"
	"github.com/haasonsaas/turnengine/internal/usage"
	"github.com/haasonsaas/turnengine/pkg/models"
)

const (
	// DefaultMaxSteps bounds the assistant messages produced by one Run.
	DefaultMaxSteps = 50

	// maxCompactions bounds compaction passes within one Run.
	maxCompactions = 2

	finishToolCalls = "tool-calls"
)

const summaryPrompt = "Provide a detailed summary of the conversation so far. " +
	"Focus on what was done, which files were involved, what is in progress " +
	"and what should happen next, so the work can continue from the summary alone."

// ErrCompactionFailed is returned when the session still overflows after
// compaction or the summary could not be produced.
var ErrCompactionFailed = errors.New("compaction failed")

// Processor produces one assistant message. *turn.Engine implements it.
type Processor interface {
	Process(ctx context.Context, in turn.Input) (turn.Outcome, error)
}

// ToolSource lists the tools offered to the model.
type ToolSource interface {
	Definitions() []turn.ToolDefinition
}

// Config tunes the runner.
type Config struct {
	// MaxSteps bounds the assistant messages per Run. Zero uses DefaultMaxSteps.
	MaxSteps        int
	System          []string
	MaxOutputTokens int64
	Temperature     *float64
	Compaction      compaction.Config
}

// Options configures a Runner. Processor and Store are required.
type Options struct {
	Processor Processor
	Store     sessions.Store
	Tools     ToolSource
	Bus       *bus.Bus
	// Locker serializes runs of the same session. Nil uses an in-process
	// locker that fails fast.
	Locker sessions.Locker
	Config Config
	Logger *slog.Logger
	Now    func() time.Time
}

// Runner drives sessions step by step.
type Runner struct {
	processor Processor
	store     sessions.Store
	tools     ToolSource
	bus       *bus.Bus
	locker    sessions.Locker
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// Result summarizes a Run.
type Result struct {
	// Outcome of the last step.
	Outcome turn.Outcome
	// Messages are the assistant messages produced, summaries included.
	Messages    []*models.Message
	Steps       int
	Compactions int
	// MaxStepsReached is set when the run stopped on the step bound while the
	// model still wanted to call tools.
	MaxStepsReached bool
}

// Last returns the last assistant message produced, or nil.
func (r *Result) Last() *models.Message {
	if len(r.Messages) == 0 {
		return nil
	}
	return r.Messages[len(r.Messages)-1]
}

// New creates a runner.
func New(opts Options) (*Runner, error) {
	if opts.Processor == nil {
		return nil, fmt.Errorf("loop: processor is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("loop: store is required")
	}
	cfg := opts.Config
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	locker := opts.Locker
	if locker == nil {
		locker = sessions.NewLocalLocker(0)
	}
	return &Runner{
		processor: opts.Processor,
		store:     opts.Store,
		tools:     opts.Tools,
		bus:       opts.Bus,
		locker:    locker,
		config:    cfg,
		logger:    logger.With("component", "loop"),
		now:       now,
	}, nil
}

// Prompt records a user message and runs the session.
func (r *Runner) Prompt(ctx context.Context, sessionID string, model usage.Model, text string) (*Result, error) {
	unlock, err := r.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if _, err := r.appendUser(ctx, sessionID, text); err != nil {
		return nil, err
	}
	return r.run(ctx, sessionID, model)
}

// Run produces assistant messages until the model stops calling tools, a
// step fails, or the step bound is reached. The session is reported idle on
// return. Concurrent runs of one session fail with sessions.ErrSessionBusy.
func (r *Runner) Run(ctx context.Context, sessionID string, model usage.Model) (*Result, error) {
	unlock, err := r.lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.run(ctx, sessionID, model)
}

func (r *Runner) lock(ctx context.Context, sessionID string) (func(), error) {
	if _, err := r.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if err := r.locker.Lock(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	return func() { r.locker.Unlock(sessionID) }, nil
}

func (r *Runner) run(ctx context.Context, sessionID string, model usage.Model) (*Result, error) {
	defer r.bus.Status(sessionID, models.SessionStatus{Type: models.StatusIdle})

	logger := r.logger.With("session_id", sessionID, "provider", model.Provider, "model", model.ID)
	result := &Result{}
	for {
		if result.Steps >= r.config.MaxSteps {
			logger.Warn("max steps reached", "steps", result.Steps)
			result.MaxStepsReached = true
			return result, nil
		}

		history, err := r.history(ctx, sessionID)
		if err != nil {
			return result, err
		}
		msg, outcome, err := r.step(ctx, sessionID, model, history, r.definitions(), r.config.System, false)
		if err != nil {
			return result, err
		}
		result.Steps++
		result.Messages = append(result.Messages, msg)
		result.Outcome = outcome
		logger.Debug("step finished", "message_id", msg.ID, "outcome", outcome, "finish", msg.Finish)

		switch outcome {
		case turn.OutcomeStop:
			return result, nil
		case turn.OutcomeCompact:
			if result.Compactions >= maxCompactions {
				return result, fmt.Errorf("%w: context still exceeds the model window after %d passes", ErrCompactionFailed, result.Compactions)
			}
			summary, err := r.compact(ctx, sessionID, model)
			result.Compactions++
			if summary != nil {
				result.Messages = append(result.Messages, summary)
			}
			if err != nil {
				return result, err
			}
			if msg.Finish != finishToolCalls {
				return result, nil
			}
		default:
			if msg.Finish != finishToolCalls {
				return result, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return result, context.Cause(ctx)
		}
	}
}

// step creates an assistant message shell and lets the processor fill it.
func (r *Runner) step(ctx context.Context, sessionID string, model usage.Model, history []models.MessageWithParts, tools []turn.ToolDefinition, system []string, summary bool) (*models.Message, turn.Outcome, error) {
	msg := &models.Message{
		ID:         models.NewMessageID(),
		SessionID:  sessionID,
		Role:       models.RoleAssistant,
		ParentID:   lastUserID(history),
		ProviderID: model.Provider,
		ModelID:    model.ID,
		Summary:    summary,
		CreatedAt:  r.now(),
	}
	if err := r.store.UpdateMessage(ctx, msg); err != nil {
		return nil, turn.OutcomeStop, fmt.Errorf("create assistant message: %w", err)
	}
	req := &turn.Request{
		SessionID:       sessionID,
		MessageID:       msg.ID,
		Model:           model,
		System:          system,
		History:         history,
		Tools:           tools,
		MaxOutputTokens: r.config.MaxOutputTokens,
		Temperature:     r.config.Temperature,
	}
	outcome, err := r.processor.Process(ctx, turn.Input{Message: msg, Model: model, Request: req})
	if err != nil {
		return msg, outcome, fmt.Errorf("process message %s: %w", msg.ID, err)
	}
	return msg, outcome, nil
}

// compact prunes old tool output and asks the model for a summary that
// replaces the history before it.
func (r *Runner) compact(ctx context.Context, sessionID string, model usage.Model) (*models.Message, error) {
	logger := r.logger.With("session_id", sessionID)
	pruned, err := compaction.Prune(ctx, r.store, sessionID, r.config.Compaction, r.now())
	if err != nil {
		return nil, fmt.Errorf("prune: %w", err)
	}
	if pruned.Parts > 0 {
		logger.Info("pruned tool output", "parts", pruned.Parts, "tokens", pruned.Tokens)
	}

	if _, err := r.appendUser(ctx, sessionID, summaryPrompt); err != nil {
		return nil, err
	}
	history, err := r.history(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msg, outcome, err := r.step(ctx, sessionID, model, history, nil, []string{summaryPrompt}, true)
	if err != nil {
		return msg, err
	}
	if outcome != turn.OutcomeContinue || msg.Error != nil {
		return msg, fmt.Errorf("%w: summary turn ended with %s", ErrCompactionFailed, outcome)
	}
	logger.Info("session compacted", "summary_message_id", msg.ID)
	return msg, nil
}

func (r *Runner) appendUser(ctx context.Context, sessionID, text string) (*models.Message, error) {
	now := r.now()
	msg := &models.Message{
		ID:          models.NewMessageID(),
		SessionID:   sessionID,
		Role:        models.RoleUser,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if err := r.store.UpdateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create user message: %w", err)
	}
	part := &models.Part{
		ID:        models.NewPartID(),
		MessageID: msg.ID,
		SessionID: sessionID,
		Type:      models.PartText,
		Text:      &models.TextPart{Text: text},
	}
	if err := r.store.UpdatePart(ctx, part); err != nil {
		return nil, fmt.Errorf("create user part: %w", err)
	}
	return msg, nil
}

// history loads the session from the latest completed summary onward.
func (r *Runner) history(ctx context.Context, sessionID string) ([]models.MessageWithParts, error) {
	all, err := sessions.History(ctx, r.store, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return FilterCompacted(all), nil
}

func (r *Runner) definitions() []turn.ToolDefinition {
	if r.tools == nil {
		return nil
	}
	return r.tools.Definitions()
}

// FilterCompacted drops everything before the user message that requested
// the most recent successful summary.
func FilterCompacted(history []models.MessageWithParts) []models.MessageWithParts {
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i].Message
		if msg == nil || msg.Role != models.RoleAssistant || !msg.Summary || msg.Error != nil || !msg.Completed() {
			continue
		}
		for j := i - 1; j >= 0; j-- {
			if history[j].Message != nil && history[j].Message.ID == msg.ParentID {
				return history[j:]
			}
		}
		return history[i:]
	}
	return history
}

func lastUserID(history []models.MessageWithParts) string {
	for i := len(history) - 1; i >= 0; i-- {
		if msg := history[i].Message; msg != nil && msg.Role == models.RoleUser {
			return msg.ID
		}
	}
	return ""
}
