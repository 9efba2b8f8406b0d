package loop

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/turnengine/internal/sessions"
	"github.com/haasonsaas/turnengine/internal/turn"
	"github.com/haasonsaas/turnengine/internal/usage"
	"github.com/haasonsaas/turnengine/pkg/models"
)

type stepFunc func(in turn.Input) turn.Outcome

// scriptedProcessor plays one step function per Process call and records the
// requests it saw.
type scriptedProcessor struct {
	store    sessions.Store
	steps    []stepFunc
	requests []*turn.Request
}

func (p *scriptedProcessor) Process(ctx context.Context, in turn.Input) (turn.Outcome, error) {
	p.requests = append(p.requests, in.Request)
	if len(p.steps) == 0 {
		return turn.OutcomeStop, errors.New("unexpected step")
	}
	step := p.steps[0]
	p.steps = p.steps[1:]
	outcome := step(in)
	completed := in.Message.CreatedAt
	in.Message.CompletedAt = &completed
	if err := p.store.UpdateMessage(ctx, in.Message); err != nil {
		return turn.OutcomeStop, err
	}
	return outcome, nil
}

func finish(reason string, outcome turn.Outcome) stepFunc {
	return func(in turn.Input) turn.Outcome {
		in.Message.Finish = reason
		return outcome
	}
}

type staticTools []turn.ToolDefinition

func (s staticTools) Definitions() []turn.ToolDefinition { return s }

func newRunner(t *testing.T, cfg Config, steps ...stepFunc) (*Runner, *scriptedProcessor, sessions.Store) {
	t.Helper()
	store := sessions.NewMemoryStore()
	if err := store.CreateSession(context.Background(), &models.Session{ID: "ses_1"}); err != nil {
		t.Fatal(err)
	}
	proc := &scriptedProcessor{store: store, steps: steps}
	runner, err := New(Options{
		Processor: proc,
		Store:     store,
		Tools:     staticTools{{Name: "read"}},
		Config:    cfg,
	})
	if err != nil {
		t.Fatal(err)
	}
	return runner, proc, store
}

var testModel = usage.Model{Provider: "anthropic", ID: "claude"}

func TestRunRepeatsWhileToolCalls(t *testing.T) {
	runner, proc, store := newRunner(t, Config{System: []string{"sys"}},
		finish("tool-calls", turn.OutcomeContinue),
		finish("tool-calls", turn.OutcomeContinue),
		finish("stop", turn.OutcomeContinue),
	)

	result, err := runner.Prompt(context.Background(), "ses_1", testModel, "hello")
	if err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}
	if result.Steps != 3 || result.Outcome != turn.OutcomeContinue || result.MaxStepsReached {
		t.Errorf("result = %+v", result)
	}
	if result.Last().Finish != "stop" {
		t.Errorf("last finish = %q", result.Last().Finish)
	}

	first := proc.requests[0]
	if len(first.History) != 1 || first.History[0].Message.Role != models.RoleUser {
		t.Errorf("first history = %+v", first.History)
	}
	if len(first.Tools) != 1 || first.System[0] != "sys" {
		t.Errorf("first request = %+v", first)
	}
	if len(proc.requests[2].History) != 3 {
		t.Errorf("third history = %d messages, want 3", len(proc.requests[2].History))
	}

	messages, err := store.ListMessages(context.Background(), "ses_1")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 4 {
		t.Fatalf("messages = %d, want 4", len(messages))
	}
	for _, msg := range messages[1:] {
		if msg.ParentID != messages[0].ID {
			t.Errorf("assistant %s parent = %q, want %q", msg.ID, msg.ParentID, messages[0].ID)
		}
	}
}

func TestRunStopsOnStopOutcome(t *testing.T) {
	runner, _, _ := newRunner(t, Config{},
		finish("tool-calls", turn.OutcomeStop),
	)
	result, err := runner.Prompt(context.Background(), "ses_1", testModel, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if result.Steps != 1 || result.Outcome != turn.OutcomeStop {
		t.Errorf("result = %+v", result)
	}
}

func TestRunMaxSteps(t *testing.T) {
	runner, _, _ := newRunner(t, Config{MaxSteps: 2},
		finish("tool-calls", turn.OutcomeContinue),
		finish("tool-calls", turn.OutcomeContinue),
	)
	result, err := runner.Prompt(context.Background(), "ses_1", testModel, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if result.Steps != 2 || !result.MaxStepsReached {
		t.Errorf("result = %+v", result)
	}
}

func TestRunCompacts(t *testing.T) {
	runner, proc, _ := newRunner(t, Config{},
		finish("tool-calls", turn.OutcomeCompact),
		// Summary turn.
		func(in turn.Input) turn.Outcome {
			if !in.Message.Summary {
				t.Error("summary turn message not flagged")
			}
			if len(in.Request.Tools) != 0 {
				t.Error("summary turn must not offer tools")
			}
			in.Message.Finish = "stop"
			return turn.OutcomeContinue
		},
		finish("stop", turn.OutcomeContinue),
	)

	result, err := runner.Prompt(context.Background(), "ses_1", testModel, "hi")
	if err != nil {
		t.Fatalf("Prompt() error = %v", err)
	}
	if result.Compactions != 1 || result.Steps != 2 || len(result.Messages) != 3 {
		t.Errorf("result = %+v", result)
	}

	// After compaction the history starts at the summary request.
	last := proc.requests[2].History
	if len(last) != 2 {
		t.Fatalf("history after compaction = %d messages, want 2", len(last))
	}
	if last[0].Message.Role != models.RoleUser || last[0].Parts[0].Text.Text != summaryPrompt {
		t.Errorf("first message after compaction = %+v", last[0].Message)
	}
	if !last[1].Message.Summary {
		t.Error("second message should be the summary")
	}
}

func TestRunCompactionFailure(t *testing.T) {
	runner, _, _ := newRunner(t, Config{},
		finish("stop", turn.OutcomeCompact),
		finish("length", turn.OutcomeStop),
	)
	_, err := runner.Prompt(context.Background(), "ses_1", testModel, "hi")
	if !errors.Is(err, ErrCompactionFailed) {
		t.Fatalf("err = %v, want ErrCompactionFailed", err)
	}
}

func TestRunUnknownSession(t *testing.T) {
	runner, _, _ := newRunner(t, Config{})
	if _, err := runner.Run(context.Background(), "ses_missing", testModel); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	runner, _, _ := newRunner(t, Config{}, func(in turn.Input) turn.Outcome {
		close(entered)
		<-release
		in.Message.Finish = "stop"
		return turn.OutcomeContinue
	})

	done := make(chan error, 1)
	go func() {
		_, err := runner.Prompt(context.Background(), "ses_1", testModel, "first")
		done <- err
	}()
	<-entered

	if _, err := runner.Run(context.Background(), "ses_1", testModel); !errors.Is(err, sessions.ErrSessionBusy) {
		t.Fatalf("concurrent Run() error = %v, want ErrSessionBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Prompt() error = %v", err)
	}
}

func TestFilterCompacted(t *testing.T) {
	msg := func(id string, role models.Role, summary bool, parent string) models.MessageWithParts {
		m := &models.Message{ID: id, Role: role, Summary: summary, ParentID: parent}
		if role == models.RoleAssistant {
			now := m.CreatedAt
			m.CompletedAt = &now
		}
		return models.MessageWithParts{Message: m}
	}
	history := []models.MessageWithParts{
		msg("m1", models.RoleUser, false, ""),
		msg("m2", models.RoleAssistant, false, "m1"),
		msg("m3", models.RoleUser, false, ""),
		msg("m4", models.RoleAssistant, true, "m3"),
		msg("m5", models.RoleUser, false, ""),
	}
	got := FilterCompacted(history)
	if len(got) != 3 || got[0].Message.ID != "m3" {
		t.Errorf("FilterCompacted() starts at %s with %d messages", got[0].Message.ID, len(got))
	}

	history[3].Message.Error = &models.MessageError{Name: models.ErrorNameAPI}
	if got := FilterCompacted(history); len(got) != len(history) {
		t.Errorf("failed summary should not filter, got %d messages", len(got))
	}
}
