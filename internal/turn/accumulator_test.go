package turn

import (
	"context"
	"maps"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/turnengine/pkg/models"
)

func newTestAccumulator(store *memStore, post PostProcessFunc) *Accumulator {
	msg := &models.Message{ID: "msg_1", SessionID: "ses_1"}
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return NewAccumulator(store, msg, post, func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	})
}

func TestAccumulatorFinalizeIsIdempotent(t *testing.T) {
	store := newMemStore()
	calls := 0
	acc := newTestAccumulator(store, func(_ models.PartType, text string) string {
		calls++
		return strings.ToUpper(text)
	})
	ctx := context.Background()

	if err := acc.AppendText(ctx, "hello  ", nil); err != nil {
		t.Fatalf("AppendText() error = %v", err)
	}
	part := acc.text
	if err := acc.FinalizeText(ctx); err != nil {
		t.Fatalf("FinalizeText() error = %v", err)
	}
	writes := store.writes
	ended := *part.Text.EndedAt

	if err := acc.FinalizeText(ctx); err != nil {
		t.Fatalf("second FinalizeText() error = %v", err)
	}
	if err := acc.finalize(ctx, part); err != nil {
		t.Fatalf("finalize() on finalized part error = %v", err)
	}

	if part.Text.Text != "HELLO" {
		t.Errorf("text = %q, want %q", part.Text.Text, "HELLO")
	}
	if calls != 1 {
		t.Errorf("post-process calls = %d, want 1", calls)
	}
	if !part.Text.EndedAt.Equal(ended) {
		t.Errorf("end time changed from %v to %v", ended, *part.Text.EndedAt)
	}
	if got := store.writes; got != writes {
		t.Errorf("writes after repeated finalize = %d, want %d", got, writes)
	}
}

func TestAccumulatorReasoningStreams(t *testing.T) {
	store := newMemStore()
	acc := newTestAccumulator(store, nil)
	ctx := context.Background()

	steps := []func() error{
		func() error { return acc.StartReasoning(ctx, "a", map[string]any{"signature": "x"}) },
		func() error { return acc.AppendReasoning(ctx, "a", "first", nil) },
		func() error { return acc.AppendReasoning(ctx, "b", "second", nil) },
		func() error { return acc.StartReasoning(ctx, "a", nil) },
		func() error { return acc.FinalizeReasoning(ctx, "missing") },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d error = %v", i, err)
		}
	}

	text, reasoning := acc.OpenCount()
	if text != 0 || reasoning != 2 {
		t.Errorf("open buffers = (%d, %d), want (0, 2)", text, reasoning)
	}
	if err := acc.FinalizeAll(ctx); err != nil {
		t.Fatalf("FinalizeAll() error = %v", err)
	}
	if text, reasoning := acc.OpenCount(); text != 0 || reasoning != 0 {
		t.Errorf("open buffers after FinalizeAll = (%d, %d)", text, reasoning)
	}

	parts := store.partsOfType(models.PartReasoning)
	if len(parts) != 3 {
		t.Fatalf("reasoning parts = %d, want 3", len(parts))
	}
	if parts[0].Text.Text != "first" || parts[0].Text.Metadata["signature"] != "x" {
		t.Errorf("first part = %+v", parts[0].Text)
	}
	for _, p := range parts {
		if !p.Text.Finalized() {
			t.Errorf("part %s left open", p.ID)
		}
		if p.MessageID != "msg_1" || p.SessionID != "ses_1" {
			t.Errorf("part %s has wrong owner %s/%s", p.ID, p.SessionID, p.MessageID)
		}
	}
}

func TestAccumulatorSkipsEmptyDeltas(t *testing.T) {
	store := newMemStore()
	acc := newTestAccumulator(store, nil)
	ctx := context.Background()

	if err := acc.AppendText(ctx, "", nil); err != nil {
		t.Fatalf("AppendText() error = %v", err)
	}
	if len(store.deltas) != 0 {
		t.Errorf("empty delta was persisted")
	}
	if text, _ := acc.OpenCount(); text != 1 {
		t.Errorf("text buffer not opened")
	}
}

func TestAccumulatorKeepsMetadataOnlyDeltas(t *testing.T) {
	store := newMemStore()
	acc := newTestAccumulator(store, nil)
	ctx := context.Background()

	if err := acc.StartReasoning(ctx, "r1", map[string]any{"provider": "anthropic"}); err != nil {
		t.Fatalf("StartReasoning() error = %v", err)
	}
	if err := acc.AppendReasoning(ctx, "r1", "think", nil); err != nil {
		t.Fatalf("AppendReasoning() error = %v", err)
	}
	if err := acc.AppendReasoning(ctx, "r1", "", map[string]any{"signature": "sig-abc"}); err != nil {
		t.Fatalf("AppendReasoning(signature) error = %v", err)
	}

	parts := store.partsOfType(models.PartReasoning)
	if len(parts) != 1 {
		t.Fatalf("reasoning parts = %d, want 1", len(parts))
	}
	if got := parts[0].Text.Metadata["signature"]; got != "sig-abc" {
		t.Errorf("stored signature before finalize = %v, want sig-abc", got)
	}
	if len(store.deltas) != 1 {
		t.Errorf("deltas = %q, want only the text delta", store.deltas)
	}

	if err := acc.FinalizeReasoning(ctx, "r1"); err != nil {
		t.Fatalf("FinalizeReasoning() error = %v", err)
	}
	got := store.partsOfType(models.PartReasoning)[0]
	if got.Text.Text != "think" {
		t.Errorf("text = %q, want think", got.Text.Text)
	}
	want := map[string]any{"provider": "anthropic", "signature": "sig-abc"}
	if !maps.Equal(got.Text.Metadata, want) {
		t.Errorf("metadata = %v, want %v", got.Text.Metadata, want)
	}
}
