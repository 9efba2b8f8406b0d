// Package turn drives a single assistant response: it consumes one provider
// stream, materializes it into persisted parts, supervises tool calls and
// liveness, retries transient failures, and reports what the caller should
// do next.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
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

// Outcome tells the caller how to proceed after a turn.
type Outcome string

const (
	// OutcomeContinue means the turn ended normally.
	OutcomeContinue Outcome = "continue"
	// OutcomeCompact means the session must be compacted before continuing.
	OutcomeCompact Outcome = "compact"
	// OutcomeStop means the turn failed, was aborted or was blocked.
	OutcomeStop Outcome = "stop"
)

// abortedToolError is recorded on tool calls left in flight when a turn or
// stream attempt ends.
const abortedToolError = "execution aborted"

// Input identifies the assistant message to produce.
type Input struct {
	// Message is the assistant message shell. The engine mutates and persists it.
	Message *models.Message
	Model   usage.Model
	Request *Request
}

// Engine processes turns. A single Engine may run turns for many sessions
// concurrently; per-turn state lives on the call stack.
type Engine struct {
	provider    Provider
	store       Store
	bus         *bus.Bus
	permissions permission.Asker
	snapshots   Snapshotter
	summarizer  Summarizer
	health      *health.Registry
	usage       *usage.Tracker
	compaction  compaction.Config
	config      Config
	retry       RetryPolicy
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	postProcess PostProcessFunc
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates an engine from opts.
func New(opts Options) (*Engine, error) {
	if opts.Provider == nil {
		return nil, ErrNoProvider
	}
	if opts.Store == nil {
		return nil, ErrNoStore
	}

	cfg := opts.Config
	if cfg.DoomLoopThreshold < 0 {
		cfg.DoomLoopThreshold = 0
	}
	if cfg.StreamStartTimeout < 0 {
		cfg.StreamStartTimeout = 0
	}
	registry := opts.Health
	if registry == nil {
		registry = health.NewRegistry(cfg.Health)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		provider:    opts.Provider,
		store:       opts.Store,
		bus:         opts.Bus,
		permissions: opts.Permissions,
		snapshots:   opts.Snapshots,
		summarizer:  opts.Summarizer,
		health:      registry,
		usage:       opts.Usage,
		compaction:  opts.Compaction,
		config:      cfg,
		retry:       NewRetryPolicy(cfg.Retry, cfg.RetryHintCeiling),
		logger:      logger.With("component", "turn"),
		metrics:     opts.Metrics,
		tracer:      opts.Tracer,
		postProcess: opts.PostProcess,
		now:         now,
		sleep:       backoff.Sleep,
	}, nil
}

// Health returns the registry tracking in-flight turns. Abort a running turn
// with Health().Abort(sessionID, messageID, cause).
func (e *Engine) Health() *health.Registry {
	return e.health
}

// turnState is owned by the goroutine running Process.
type turnState struct {
	msg        *models.Message
	model      usage.Model
	req        *Request
	monitor    *health.Monitor
	acc        *Accumulator
	logger     *slog.Logger
	cancelTurn context.CancelCauseFunc

	tools    map[string]*models.Part
	held     map[string]bool
	snapshot string
	attempt  int
	started  time.Time

	needsCompaction bool
	blocked         bool
	aborted         bool
}

func (st *turnState) outcome() Outcome {
	switch {
	case st.needsCompaction:
		return OutcomeCompact
	case st.blocked, st.aborted:
		return OutcomeStop
	case st.msg.Error != nil:
		return OutcomeStop
	default:
		return OutcomeContinue
	}
}

// Process streams one assistant message and returns the turn outcome.
// Provider and tool failures are recorded on the message rather than
// returned; the error result is reserved for invalid input or a turn already
// in flight for the same message.
func (e *Engine) Process(ctx context.Context, in Input) (Outcome, error) {
	if in.Message == nil || in.Request == nil {
		return OutcomeStop, ErrInvalidInput
	}
	msg := in.Message

	monitor, err := e.health.StartWithConfig(msg.SessionID, msg.ID, e.config.Health)
	if err != nil {
		return OutcomeStop, fmt.Errorf("start stream monitor: %w", err)
	}

	ctx = observability.AddSessionID(ctx, msg.SessionID)
	ctx = observability.AddMessageID(ctx, msg.ID)
	turnCtx, cancelTurn := context.WithCancelCause(ctx)
	defer cancelTurn(nil)
	monitor.BindAbort(func(cause error) {
		if cause == nil {
			cause = &AbortedError{}
		}
		cancelTurn(cause)
	})

	turnCtx, span := e.tracer.TraceTurn(turnCtx, msg.SessionID, msg.ID, in.Model.Provider, in.Model.ID)
	defer span.End()

	st := &turnState{
		msg:        msg,
		model:      in.Model,
		req:        in.Request,
		monitor:    monitor,
		acc:        NewAccumulator(e.store, msg, e.postProcess, e.now),
		logger:     e.logger.With("session_id", msg.SessionID, "message_id", msg.ID, "provider", in.Model.Provider, "model", in.Model.ID),
		cancelTurn: cancelTurn,
		tools:      map[string]*models.Part{},
		held:       map[string]bool{},
		started:    e.now(),
	}

	e.metrics.TurnStarted()
	e.run(turnCtx, st)
	e.cleanup(turnCtx, st)

	outcome := st.outcome()
	if st.msg.Error != nil {
		e.tracer.RecordError(span, st.msg.Error)
	}
	e.tracer.SetAttributes(span, "turn.outcome", string(outcome), "turn.attempts", st.attempt)
	e.metrics.TurnFinished(in.Model.Provider, in.Model.ID, string(outcome), e.now().Sub(st.started).Seconds())
	st.logger.Debug("turn finished", "outcome", outcome, "attempts", st.attempt)
	return outcome, nil
}

// run is the retry loop. Each pass opens a fresh provider stream; parts
// accumulated by earlier attempts are kept.
func (e *Engine) run(ctx context.Context, st *turnState) {
	for {
		st.attempt++
		err := e.attempt(ctx, st)
		if err == nil {
			st.monitor.Complete()
			return
		}
		st.monitor.Fail(err)

		bg := context.WithoutCancel(ctx)
		if ferr := st.acc.FinalizeAll(bg); ferr != nil {
			st.logger.Warn("failed to finalize parts after stream error", "error", ferr)
		}
		e.abortTools(bg, st)

		if ctx.Err() != nil {
			cause := context.Cause(ctx)
			if errors.Is(cause, ErrStreamStartTimeout) {
				e.fail(ctx, st, cause)
				return
			}
			st.aborted = true
			st.logger.Info("turn aborted", "cause", cause)
			return
		}

		var overflow *ContextOverflowError
		if errors.As(err, &overflow) {
			st.logger.Info("context window exceeded, compaction required", "error", err)
			st.needsCompaction = true
			return
		}

		delay, ok := e.retry.Delay(err, st.attempt)
		if !ok {
			e.fail(ctx, st, err)
			return
		}

		next := e.now().Add(delay)
		st.logger.Warn("stream attempt failed, retrying",
			"attempt", st.attempt,
			"delay", delay,
			"error", err,
		)
		e.metrics.RetryScheduled(st.model.Provider, delay.Seconds())
		e.tracer.AddEvent(ctx, "retry.scheduled", "attempt", st.attempt, "delay", delay, "error", err.Error())
		e.bus.Status(st.msg.SessionID, models.SessionStatus{
			Type:    models.StatusRetry,
			Attempt: st.attempt,
			Message: err.Error(),
			Next:    next,
		})

		if err := e.sleep(ctx, delay); err != nil {
			cause := context.Cause(ctx)
			if cause == nil {
				cause = err
			}
			st.aborted = true
			st.logger.Info("turn aborted during retry backoff", "cause", cause)
			return
		}
	}
}

// fail attaches a fatal error to the message and reports it to observers.
func (e *Engine) fail(ctx context.Context, st *turnState, err error) {
	st.msg.Error = Normalize(err)
	st.logger.Error("turn failed", "error", err, "attempt", st.attempt)
	e.metrics.RecordError("turn", st.msg.Error.Name)
	e.bus.SessionError(st.msg.SessionID, st.msg.Error)
	if uerr := e.store.UpdateMessage(context.WithoutCancel(ctx), st.msg); uerr != nil {
		st.logger.Error("failed to persist message error", "error", uerr)
	}
}

// attempt consumes one provider stream. It returns nil when the stream ends
// or the turn is blocked, and otherwise the error that ended the attempt.
func (e *Engine) attempt(turnCtx context.Context, st *turnState) (err error) {
	attemptCtx, cancelAttempt := context.WithCancelCause(turnCtx)

	ctx, span := e.tracer.TraceAttempt(attemptCtx, st.model.Provider, st.model.ID, st.attempt)
	defer func() {
		e.tracer.RecordError(span, err)
		span.End()
	}()
	st.logger.Debug("opening provider stream", "attempt", st.attempt)

	st.monitor.Rearm()
	clear(st.held)

	// Until the first event only the start timeout applies.
	firstEvent := func() {}
	if timeout := e.config.StreamStartTimeout; timeout > 0 {
		st.monitor.Hold()
		timer := time.AfterFunc(timeout, func() {
			st.cancelTurn(fmt.Errorf("%w within %s", ErrStreamStartTimeout, timeout))
		})
		firstEvent = sync.OnceFunc(func() {
			timer.Stop()
			st.monitor.Release()
		})
		defer firstEvent()
	}

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-attemptCtx.Done():
		case stall := <-st.monitor.Stalled():
			st.logger.Warn("provider stream stalled, cancelling attempt",
				"elapsed", stall.Elapsed,
				"events", stall.EventCount,
				"last_event", stall.LastEvent,
			)
			e.metrics.StreamStalled(st.model.Provider, st.model.ID)
			cancelAttempt(&StallError{Elapsed: stall.Elapsed, EventCount: stall.EventCount})
		}
	}()
	defer func() {
		cancelAttempt(nil)
		<-watchDone
	}()

	result := "ok"
	defer func() {
		e.metrics.StreamAttempt(st.model.Provider, st.model.ID, result)
	}()
	fail := func(err error) error {
		if attemptCtx.Err() != nil {
			if cause := context.Cause(attemptCtx); cause != nil {
				err = cause
			}
		}
		var stall *StallError
		switch {
		case errors.As(err, &stall):
			result = "stalled"
		case turnCtx.Err() != nil:
			result = "aborted"
		default:
			result = "error"
		}
		return err
	}

	stream, err := e.provider.Stream(ctx, st.req)
	if err != nil {
		return fail(err)
	}
	defer stream.Close()
	reader := newEventReader(stream)
	defer reader.stop()

	for {
		evt, err := reader.next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fail(err)
		}
		firstEvent()
		st.monitor.RecordEvent(string(evt.Type), evt.ID, evt.size())

		done, err := e.handle(ctx, st, evt)
		if err != nil {
			return fail(err)
		}
		if done {
			return nil
		}
	}
}

// handle applies one stream event. It reports true when the turn must stop
// reading the stream.
func (e *Engine) handle(ctx context.Context, st *turnState, evt StreamEvent) (bool, error) {
	switch evt.Type {
	case EventStart:
		e.bus.Status(st.msg.SessionID, models.SessionStatus{Type: models.StatusBusy})
	case EventReasoningStart:
		return false, st.acc.StartReasoning(ctx, evt.ID, evt.Metadata)
	case EventReasoningDelta:
		return false, st.acc.AppendReasoning(ctx, evt.ID, evt.Text, evt.Metadata)
	case EventReasoningEnd:
		return false, st.acc.FinalizeReasoning(ctx, evt.ID)
	case EventTextStart:
		return false, st.acc.StartText(ctx, evt.Metadata)
	case EventTextDelta:
		return false, st.acc.AppendText(ctx, evt.Text, evt.Metadata)
	case EventTextEnd:
		return false, st.acc.FinalizeText(ctx)
	case EventToolInputStart:
		return false, e.toolInputStart(ctx, st, evt)
	case EventToolInputDelta:
		return false, e.toolInputDelta(ctx, st, evt)
	case EventToolCall:
		return e.toolCall(ctx, st, evt)
	case EventToolResult:
		return false, e.toolResult(ctx, st, evt)
	case EventToolError:
		return e.toolError(ctx, st, evt)
	case EventStartStep:
		return false, e.startStep(ctx, st)
	case EventFinishStep:
		return e.finishStep(ctx, st, evt)
	case EventFinish:
		if st.msg.Finish == "" {
			_, tokens := usage.GetUsage(st.model, evt.Usage)
			st.msg.Finish = finishReason(evt.FinishReason, tokens)
		}
	case EventError:
		if evt.Err == nil {
			return false, errors.New("provider reported a stream error without details")
		}
		return false, evt.Err
	default:
		st.logger.Warn("skipping unknown stream event", "type", evt.Type)
	}
	return false, nil
}

// finishReason compensates for providers that omit the finish reason: a
// step that produced output is treated as a normal stop.
func finishReason(reason string, tokens models.TokenUsage) string {
	switch {
	case reason != "":
		return reason
	case tokens.Output > 0:
		return "stop"
	default:
		return "unknown"
	}
}

func (e *Engine) newToolPart(st *turnState, callID, tool string) *models.Part {
	return &models.Part{
		ID:        models.NewPartID(),
		SessionID: st.msg.SessionID,
		MessageID: st.msg.ID,
		Type:      models.PartTool,
		Tool: &models.ToolPart{
			CallID: callID,
			Tool:   tool,
			State:  models.ToolState{Status: models.ToolPending},
		},
	}
}

func (e *Engine) toolInputStart(ctx context.Context, st *turnState, evt StreamEvent) error {
	if _, ok := st.tools[evt.CallID]; ok {
		st.logger.Warn("duplicate tool input start", "call_id", evt.CallID)
		return nil
	}
	part := e.newToolPart(st, evt.CallID, evt.ToolName)
	part.Tool.State.Raw = evt.Text
	if err := e.store.UpdatePart(ctx, part); err != nil {
		return err
	}
	st.tools[evt.CallID] = part
	return nil
}

func (e *Engine) toolInputDelta(ctx context.Context, st *turnState, evt StreamEvent) error {
	part, ok := st.tools[evt.CallID]
	if !ok || part.Tool.State.Status != models.ToolPending || evt.Text == "" {
		return nil
	}
	part.Tool.State.Raw += evt.Text
	return e.store.UpdatePart(ctx, part)
}

func (e *Engine) toolCall(ctx context.Context, st *turnState, evt StreamEvent) (bool, error) {
	part, ok := st.tools[evt.CallID]
	if !ok {
		part = e.newToolPart(st, evt.CallID, evt.ToolName)
		st.tools[evt.CallID] = part
	}
	if !transition(st, part, models.ToolRunning) {
		return false, nil
	}

	started := e.now()
	if evt.ToolName != "" {
		part.Tool.Tool = evt.ToolName
	}
	part.Tool.State.Input = append(json.RawMessage(nil), evt.Input...)
	part.Tool.State.Raw = ""
	part.Tool.State.StartedAt = &started
	if err := e.store.UpdatePart(ctx, part); err != nil {
		return false, err
	}

	blocked, err := e.guardDoomLoop(ctx, st, part)
	if err != nil || blocked {
		return blocked, err
	}

	// Tool execution is not provider silence.
	hold(st, evt.CallID)
	return false, nil
}

// guardDoomLoop asks for doom_loop permission when the call repeats the
// preceding identical calls. It reports true when the call was denied.
func (e *Engine) guardDoomLoop(ctx context.Context, st *turnState, part *models.Part) (bool, error) {
	threshold := e.config.DoomLoopThreshold
	if threshold <= 0 {
		return false, nil
	}
	parts, err := e.store.ListParts(ctx, st.msg.ID)
	if err != nil {
		return false, fmt.Errorf("list parts: %w", err)
	}
	tool := part.Tool
	if !DetectDoomLoop(parts, tool.CallID, tool.Tool, tool.State.Input, threshold) {
		return false, nil
	}

	st.logger.Warn("doom loop detected", "tool", tool.Tool, "call_id", tool.CallID, "repeats", threshold)
	if e.permissions == nil {
		e.metrics.DoomLoopDetected(tool.Tool, true)
		return false, nil
	}

	st.monitor.Hold()
	err = e.permissions.Ask(ctx, models.PermissionRequest{
		SessionID:  st.msg.SessionID,
		Permission: permission.DoomLoop,
		Patterns:   []string{tool.Tool},
		Always:     []string{tool.Tool},
		Metadata: map[string]any{
			"tool":  tool.Tool,
			"input": json.RawMessage(tool.State.Input),
		},
		Tool: &models.PermissionToolRef{MessageID: st.msg.ID, CallID: tool.CallID},
	})
	st.monitor.Release()
	e.metrics.DoomLoopDetected(tool.Tool, err == nil)

	switch {
	case err == nil:
		return false, nil
	case permission.IsRejected(err):
		if ferr := e.finishTool(ctx, st, part, models.ToolError, func(s *models.ToolState) {
			s.Error = err.Error()
		}); ferr != nil {
			return false, ferr
		}
		st.blocked = true
		return true, nil
	default:
		return false, err
	}
}

func (e *Engine) toolResult(ctx context.Context, st *turnState, evt StreamEvent) error {
	part, ok := st.tools[evt.CallID]
	if !ok {
		st.logger.Warn("tool result for unknown call", "call_id", evt.CallID)
		return nil
	}
	result := evt.Result
	if result == nil {
		result = &ToolResult{}
	}
	return e.finishTool(ctx, st, part, models.ToolCompleted, func(s *models.ToolState) {
		s.Output = result.Output
		s.Title = result.Title
		s.Metadata = result.Metadata
		s.Attachments = result.Attachments
	})
}

func (e *Engine) toolError(ctx context.Context, st *turnState, evt StreamEvent) (bool, error) {
	part, ok := st.tools[evt.CallID]
	if !ok {
		st.logger.Warn("tool error for unknown call", "call_id", evt.CallID)
		return false, nil
	}
	message := "tool execution failed"
	if evt.Err != nil {
		message = evt.Err.Error()
	}
	if err := e.finishTool(ctx, st, part, models.ToolError, func(s *models.ToolState) {
		s.Error = message
	}); err != nil {
		return false, err
	}

	if permission.IsRejected(evt.Err) && !e.config.ContinueLoopOnDeny {
		st.logger.Info("tool permission denied, stopping turn", "tool", part.Tool.Tool, "call_id", evt.CallID)
		st.blocked = true
		return true, nil
	}
	return false, nil
}

// finishTool moves a tool part to a terminal state, persists it and forgets it.
func (e *Engine) finishTool(ctx context.Context, st *turnState, part *models.Part, status models.ToolStatus, apply func(*models.ToolState)) error {
	if !transition(st, part, status) {
		return nil
	}
	ended := e.now()
	apply(&part.Tool.State)
	part.Tool.State.EndedAt = &ended

	callID := part.Tool.CallID
	delete(st.tools, callID)
	release(st, callID)

	duration := 0.0
	if started := part.Tool.State.StartedAt; started != nil {
		duration = ended.Sub(*started).Seconds()
	}
	e.metrics.RecordToolExecution(part.Tool.Tool, string(status), duration)
	return e.store.UpdatePart(ctx, part)
}

// abortTools fails every tool call still in flight.
func (e *Engine) abortTools(ctx context.Context, st *turnState) {
	callIDs := make([]string, 0, len(st.tools))
	for callID := range st.tools {
		callIDs = append(callIDs, callID)
	}
	sort.Strings(callIDs)

	for _, callID := range callIDs {
		part := st.tools[callID]
		if err := e.finishTool(ctx, st, part, models.ToolError, func(s *models.ToolState) {
			s.Error = abortedToolError
		}); err != nil {
			st.logger.Error("failed to persist aborted tool", "call_id", callID, "error", err)
		}
		delete(st.tools, callID)
		release(st, callID)
	}
}

func (e *Engine) startStep(ctx context.Context, st *turnState) error {
	if e.snapshots != nil {
		hash, err := e.snapshots.Track(ctx)
		if err != nil {
			st.logger.Warn("snapshot failed", "error", err)
		}
		st.snapshot = hash
	}
	return e.store.UpdatePart(ctx, &models.Part{
		ID:        models.NewPartID(),
		SessionID: st.msg.SessionID,
		MessageID: st.msg.ID,
		Type:      models.PartStepStart,
		StepStart: &models.StepStartPart{Snapshot: st.snapshot},
	})
}

func (e *Engine) finishStep(ctx context.Context, st *turnState, evt StreamEvent) (bool, error) {
	if err := st.acc.FinalizeAll(ctx); err != nil {
		return false, err
	}

	cost, tokens := usage.GetUsage(st.model, evt.Usage)
	reason := finishReason(evt.FinishReason, tokens)
	st.msg.Finish = reason
	st.msg.Cost += cost
	st.msg.Tokens = tokens
	if err := e.store.AddUsage(ctx, st.msg.SessionID, cost, tokens); err != nil {
		return false, fmt.Errorf("add usage: %w", err)
	}

	var after string
	if e.snapshots != nil {
		hash, err := e.snapshots.Track(ctx)
		if err != nil {
			st.logger.Warn("snapshot failed", "error", err)
		}
		after = hash
	}
	if err := e.store.UpdatePart(ctx, &models.Part{
		ID:        models.NewPartID(),
		SessionID: st.msg.SessionID,
		MessageID: st.msg.ID,
		Type:      models.PartStepFinish,
		StepFinish: &models.StepFinishPart{
			Reason:   reason,
			Snapshot: after,
			Cost:     cost,
			Tokens:   tokens,
		},
	}); err != nil {
		return false, err
	}

	e.usage.Record(usage.Record{
		SessionID: st.msg.SessionID,
		MessageID: st.msg.ID,
		Provider:  st.model.Provider,
		Model:     st.model.ID,
		Tokens:    tokens,
		Cost:      cost,
		Timestamp: e.now(),
	})
	e.metrics.RecordUsage(st.model.Provider, st.model.ID,
		tokens.Input, tokens.Output, tokens.Reasoning, tokens.CacheRead, tokens.CacheWrite, cost)

	if err := e.flushPatch(ctx, st); err != nil {
		return false, err
	}
	if err := e.store.UpdateMessage(ctx, st.msg); err != nil {
		return false, err
	}

	if e.summarizer != nil {
		if err := e.summarizer.Summarize(ctx, st.msg.SessionID, st.msg.ID); err != nil {
			st.logger.Warn("session summary failed", "error", err)
		}
	}

	if compaction.IsOverflow(tokens, st.model, e.compaction) {
		st.logger.Info("context threshold reached", "tokens", tokens.Total(), "limit", st.model.ContextLimit)
		st.needsCompaction = true
		return true, nil
	}
	return false, nil
}

// flushPatch records the files changed since the step's snapshot.
func (e *Engine) flushPatch(ctx context.Context, st *turnState) error {
	if e.snapshots == nil || st.snapshot == "" {
		return nil
	}
	hash := st.snapshot
	st.snapshot = ""
	patch, err := e.snapshots.Patch(ctx, hash)
	if err != nil {
		st.logger.Warn("snapshot diff failed", "error", err)
		return nil
	}
	if len(patch.Files) == 0 {
		return nil
	}
	return e.store.UpdatePart(ctx, &models.Part{
		ID:        models.NewPartID(),
		SessionID: st.msg.SessionID,
		MessageID: st.msg.ID,
		Type:      models.PartPatch,
		Patch:     &patch,
	})
}

// cleanup runs on every exit path. It must not be cancelled by the turn
// context, which is usually done by now.
func (e *Engine) cleanup(ctx context.Context, st *turnState) {
	ctx = context.WithoutCancel(ctx)

	if err := st.acc.FinalizeAll(ctx); err != nil {
		st.logger.Error("failed to finalize parts", "error", err)
	}
	e.abortTools(ctx, st)
	if err := e.flushPatch(ctx, st); err != nil {
		st.logger.Error("failed to persist patch", "error", err)
	}

	if st.msg.CompletedAt == nil {
		completed := e.now()
		st.msg.CompletedAt = &completed
	}
	if err := e.store.UpdateMessage(ctx, st.msg); err != nil {
		st.logger.Error("failed to persist message", "error", err)
	}

	if report, ok := e.health.Remove(st.msg.SessionID, st.msg.ID); ok {
		st.logger.Debug("stream health",
			"status", report.Status,
			"duration", report.Duration,
			"events", report.EventCount,
			"stall_warnings", report.StallWarnings,
			"stalls", report.Stalls,
		)
	}
}

// transition validates a forward tool state change.
func transition(st *turnState, part *models.Part, next models.ToolStatus) bool {
	current := part.Tool.State.Status
	if !current.CanTransition(next) {
		st.logger.Warn("ignoring invalid tool transition",
			"call_id", part.Tool.CallID,
			"from", current,
			"to", next,
		)
		return false
	}
	part.Tool.State.Status = next
	return true
}

func hold(st *turnState, callID string) {
	if st.held[callID] {
		return
	}
	st.held[callID] = true
	st.monitor.Hold()
}

func release(st *turnState, callID string) {
	if !st.held[callID] {
		return
	}
	delete(st.held, callID)
	st.monitor.Release()
}
