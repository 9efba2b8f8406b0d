package summary

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/turnengine/internal/sessions"
	"github.com/haasonsaas/turnengine/pkg/models"
)

type fakeDiffer struct {
	from, to string
	diffs    []models.FileDiff
	err      error
}

func (f *fakeDiffer) Diff(_ context.Context, from, to string) ([]models.FileDiff, error) {
	f.from, f.to = from, to
	return f.diffs, f.err
}

func seed(t *testing.T, store sessions.Store, steps ...[2]string) {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateSession(ctx, &models.Session{ID: "ses_1"}); err != nil {
		t.Fatal(err)
	}
	for _, step := range steps {
		msg := &models.Message{ID: models.NewMessageID(), SessionID: "ses_1", Role: models.RoleAssistant}
		if err := store.UpdateMessage(ctx, msg); err != nil {
			t.Fatal(err)
		}
		parts := []*models.Part{
			{ID: models.NewPartID(), SessionID: "ses_1", MessageID: msg.ID, Type: models.PartStepStart, StepStart: &models.StepStartPart{Snapshot: step[0]}},
			{ID: models.NewPartID(), SessionID: "ses_1", MessageID: msg.ID, Type: models.PartStepFinish, StepFinish: &models.StepFinishPart{Reason: "stop", Snapshot: step[1]}},
		}
		for _, p := range parts {
			if err := store.UpdatePart(ctx, p); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestSummarizeUsesOuterSnapshots(t *testing.T) {
	store := sessions.NewMemoryStore()
	seed(t, store, [2]string{"s0", "s1"}, [2]string{"s1", "s2"})
	differ := &fakeDiffer{diffs: []models.FileDiff{
		{File: "a.go", Additions: 4, Deletions: 1},
		{File: "b.go", Additions: 2},
	}}

	if err := New(store, differ, nil).Summarize(context.Background(), "ses_1", "msg"); err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if differ.from != "s0" || differ.to != "s2" {
		t.Errorf("diffed %s..%s, want s0..s2", differ.from, differ.to)
	}
	session, _ := store.GetSession(context.Background(), "ses_1")
	want := models.SessionSummary{Files: 2, Additions: 6, Deletions: 1}
	if session.Summary == nil || session.Summary.Files != want.Files || session.Summary.Additions != want.Additions || session.Summary.Deletions != want.Deletions {
		t.Errorf("summary = %+v, want %+v", session.Summary, want)
	}
}

func TestSummarizeWithoutSnapshotsIsNoop(t *testing.T) {
	store := sessions.NewMemoryStore()
	seed(t, store, [2]string{"", ""})
	differ := &fakeDiffer{err: errors.New("should not be called")}

	if err := New(store, differ, nil).Summarize(context.Background(), "ses_1", "msg"); err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	session, _ := store.GetSession(context.Background(), "ses_1")
	if session.Summary != nil {
		t.Errorf("summary = %+v, want nil", session.Summary)
	}
}

func TestSummarizePropagatesDiffErrors(t *testing.T) {
	store := sessions.NewMemoryStore()
	seed(t, store, [2]string{"s0", "s1"})
	differ := &fakeDiffer{err: errors.New("boom")}

	if err := New(store, differ, nil).Summarize(context.Background(), "ses_1", "msg"); err == nil {
		t.Fatal("Summarize() expected error")
	}
}
