package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/turnengine/internal/observability"
	"github.com/haasonsaas/turnengine/internal/permission"
	"github.com/haasonsaas/turnengine/internal/turn"
	"github.com/haasonsaas/turnengine/pkg/models"
)

// Executor runs tool calls found in a provider stream and injects their
// outcome as tool-result or tool-error events.
//
// A call runs when the consumer asks for the event after its tool-call, so a
// consumer that stops reading (for example after a doom-loop denial) prevents
// the call from running at all.
type Executor struct {
	registry    *Registry
	permissions permission.Asker
	logger      *slog.Logger
	tracer      *observability.Tracer
}

// ExecutorOption customizes an Executor.
type ExecutorOption func(*Executor)

// WithPermissions gates every call through asker before it runs.
func WithPermissions(asker permission.Asker) ExecutorOption {
	return func(e *Executor) { e.permissions = asker }
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithTracer records a span per tool execution.
func WithTracer(tracer *observability.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = tracer }
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{registry: registry, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Registry returns the executor's tool registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Wrap returns a provider whose streams carry tool outcomes.
func (e *Executor) Wrap(provider turn.Provider) turn.Provider {
	return turn.ProviderFunc(func(ctx context.Context, req *turn.Request) (turn.Stream, error) {
		inner, err := provider.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		runCtx, cancel := context.WithCancel(ctx)
		return &execStream{
			exec:   e,
			inner:  inner,
			ctx:    runCtx,
			cancel: cancel,
			req:    req,
		}, nil
	})
}

type execStream struct {
	exec   *Executor
	inner  turn.Stream
	ctx    context.Context
	cancel context.CancelFunc
	req    *turn.Request

	due       []turn.StreamEvent
	closeOnce sync.Once
	closeErr  error
}

func (s *execStream) Recv() (turn.StreamEvent, error) {
	if len(s.due) > 0 {
		call := s.due[0]
		s.due = s.due[1:]
		evt, err := s.exec.run(s.ctx, s.req, call)
		if err != nil {
			return turn.StreamEvent{}, err
		}
		return evt, nil
	}

	evt, err := s.inner.Recv()
	if err != nil {
		return evt, err
	}
	if evt.Type == turn.EventToolCall {
		s.due = append(s.due, evt)
	}
	return evt, nil
}

func (s *execStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.inner.Close()
	})
	return s.closeErr
}

// run executes one call. Context cancellation is returned as a stream error
// so the consumer aborts the turn; every other failure becomes a tool-error.
func (e *Executor) run(ctx context.Context, req *turn.Request, call turn.StreamEvent) (turn.StreamEvent, error) {
	logger := e.logger.With("session_id", req.SessionID, "tool", call.ToolName, "call_id", call.CallID)
	result, err := e.execute(ctx, req, call)
	if err != nil {
		if ctx.Err() != nil {
			return turn.StreamEvent{}, context.Cause(ctx)
		}
		if permission.IsRejected(err) {
			logger.Info("tool call rejected", "error", err)
		} else {
			logger.Warn("tool call failed", "error", err)
		}
		return turn.StreamEvent{Type: turn.EventToolError, CallID: call.CallID, ToolName: call.ToolName, Err: err}, nil
	}
	logger.Debug("tool call completed", "output_bytes", len(result.Output))
	return turn.StreamEvent{Type: turn.EventToolResult, CallID: call.CallID, ToolName: call.ToolName, Result: result}, nil
}

func (e *Executor) execute(ctx context.Context, req *turn.Request, call turn.StreamEvent) (*turn.ToolResult, error) {
	tool, ok := e.registry.Get(call.ToolName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, call.ToolName)
	}
	input := call.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if err := ValidateInput(tool.Schema(), input); err != nil {
		var inputErr *InputError
		if errors.As(err, &inputErr) {
			inputErr.Tool = tool.Name()
		}
		return nil, err
	}

	if e.permissions != nil {
		name, patterns, err := permissionFor(tool, input)
		if err != nil {
			return nil, err
		}
		err = e.permissions.Ask(ctx, models.PermissionRequest{
			SessionID:  req.SessionID,
			Permission: name,
			Patterns:   patterns,
			Always:     patterns,
			Metadata: map[string]any{
				"tool":  tool.Name(),
				"input": input,
			},
			Tool: &models.PermissionToolRef{MessageID: req.MessageID, CallID: call.CallID},
		})
		if err != nil {
			return nil, err
		}
	}

	ctx, span := e.tracer.TraceToolExecution(ctx, tool.Name())
	defer span.End()
	result, err := e.registry.Execute(ctx, tool.Name(), Call{
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		CallID:    call.CallID,
		Input:     input,
	})
	if err != nil {
		e.tracer.RecordError(span, err)
		return nil, err
	}
	if result == nil {
		result = &turn.ToolResult{}
	}
	return result, nil
}
