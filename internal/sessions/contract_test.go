package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/turnengine/pkg/models"
)

// runStoreContract exercises the behavior every Store implementation shares.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("session lifecycle", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		session := &models.Session{Title: "first", Directory: "/work"}
		if err := store.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
		if session.ID == "" {
			t.Fatal("expected session id to be assigned")
		}

		loaded, err := store.GetSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if loaded.Title != "first" || loaded.Directory != "/work" {
			t.Errorf("loaded = %+v", loaded)
		}

		loaded.Title = "renamed"
		loaded.Summary = &models.SessionSummary{Files: 2, Additions: 5}
		if err := store.UpdateSession(ctx, loaded); err != nil {
			t.Fatalf("UpdateSession() error = %v", err)
		}
		reloaded, err := store.GetSession(ctx, session.ID)
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if reloaded.Title != "renamed" || reloaded.Summary == nil || reloaded.Summary.Files != 2 {
			t.Errorf("reloaded = %+v", reloaded)
		}

		if err := store.DeleteSession(ctx, session.ID); err != nil {
			t.Fatalf("DeleteSession() error = %v", err)
		}
		if _, err := store.GetSession(ctx, session.ID); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("GetSession() after delete error = %v", err)
		}
		if err := store.DeleteSession(ctx, session.ID); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("second DeleteSession() error = %v", err)
		}
	})

	t.Run("usage accumulates without clobbering", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		session := &models.Session{ID: "ses_usage"}
		if err := store.CreateSession(ctx, session); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
		for range 3 {
			if err := store.AddUsage(ctx, "ses_usage", 0.5, models.TokenUsage{Input: 10, Output: 2, CacheRead: 1}); err != nil {
				t.Fatalf("AddUsage() error = %v", err)
			}
		}
		// Updating other fields must not reset the totals.
		session.Title = "titled"
		if err := store.UpdateSession(ctx, session); err != nil {
			t.Fatalf("UpdateSession() error = %v", err)
		}

		loaded, err := store.GetSession(ctx, "ses_usage")
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if loaded.Cost != 1.5 {
			t.Errorf("Cost = %v, want 1.5", loaded.Cost)
		}
		want := models.TokenUsage{Input: 30, Output: 6, CacheRead: 3}
		if loaded.Tokens != want {
			t.Errorf("Tokens = %+v, want %+v", loaded.Tokens, want)
		}
		if err := store.AddUsage(ctx, "missing", 1, models.TokenUsage{}); !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("AddUsage() on missing session error = %v", err)
		}
	})

	t.Run("list filters children and paginates", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for _, s := range []*models.Session{
			{ID: "ses_root"},
			{ID: "ses_child_a", ParentID: "ses_root"},
			{ID: "ses_child_b", ParentID: "ses_root"},
		} {
			if err := store.CreateSession(ctx, s); err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}
		}

		all, err := store.ListSessions(ctx, ListOptions{})
		if err != nil {
			t.Fatalf("ListSessions() error = %v", err)
		}
		if len(all) != 3 {
			t.Errorf("len(all) = %d, want 3", len(all))
		}
		children, err := store.ListSessions(ctx, ListOptions{ParentID: "ses_root"})
		if err != nil {
			t.Fatalf("ListSessions() error = %v", err)
		}
		if len(children) != 2 {
			t.Errorf("len(children) = %d, want 2", len(children))
		}
		page, err := store.ListSessions(ctx, ListOptions{Limit: 2, Offset: 2})
		if err != nil {
			t.Fatalf("ListSessions() error = %v", err)
		}
		if len(page) != 1 {
			t.Errorf("len(page) = %d, want 1", len(page))
		}
	})

	t.Run("messages and streamed parts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		if err := store.CreateSession(ctx, &models.Session{ID: "ses_msg"}); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
		user := &models.Message{ID: models.NewMessageID(), SessionID: "ses_msg", Role: models.RoleUser}
		assistant := &models.Message{ID: models.NewMessageID(), SessionID: "ses_msg", Role: models.RoleAssistant, ParentID: user.ID}
		for _, msg := range []*models.Message{assistant, user} {
			if err := store.UpdateMessage(ctx, msg); err != nil {
				t.Fatalf("UpdateMessage() error = %v", err)
			}
		}

		text := &models.Part{ID: models.NewPartID(), SessionID: "ses_msg", MessageID: assistant.ID, Type: models.PartText, Text: &models.TextPart{}}
		tool := &models.Part{
			ID:        models.NewPartID(),
			SessionID: "ses_msg",
			MessageID: assistant.ID,
			Type:      models.PartTool,
			Tool:      &models.ToolPart{CallID: "c1", Tool: "read", State: models.ToolState{Status: models.ToolPending}},
		}
		if err := store.UpdatePart(ctx, text); err != nil {
			t.Fatalf("UpdatePart(text) error = %v", err)
		}
		for i, delta := range []string{"Hel", "lo", " there"} {
			text.Text.Text += delta
			if i == 1 {
				text.Text.Metadata = map[string]any{"signature": "sig-abc"}
			}
			if err := store.UpdatePartDelta(ctx, text, delta); err != nil {
				t.Fatalf("UpdatePartDelta() error = %v", err)
			}
		}
		if err := store.UpdatePart(ctx, tool); err != nil {
			t.Fatalf("UpdatePart(tool) error = %v", err)
		}
		tool.Tool.State.Status = models.ToolRunning
		if err := store.UpdatePart(ctx, tool); err != nil {
			t.Fatalf("UpdatePart(tool running) error = %v", err)
		}
		if err := store.UpdatePartDelta(ctx, &models.Part{ID: "prt_missing", MessageID: assistant.ID, Type: models.PartText, Text: &models.TextPart{}}, "x"); !errors.Is(err, ErrPartNotFound) {
			t.Errorf("UpdatePartDelta() on missing part error = %v", err)
		}

		assistant.Finish = "stop"
		if err := store.UpdateMessage(ctx, assistant); err != nil {
			t.Fatalf("UpdateMessage() error = %v", err)
		}

		history, err := History(ctx, store, "ses_msg")
		if err != nil {
			t.Fatalf("History() error = %v", err)
		}
		if len(history) != 2 {
			t.Fatalf("len(history) = %d, want 2", len(history))
		}
		if history[0].Message.ID != user.ID || history[1].Message.Finish != "stop" {
			t.Errorf("history order or content wrong: %+v", history)
		}
		parts := history[1].Parts
		if len(parts) != 2 {
			t.Fatalf("len(parts) = %d, want 2", len(parts))
		}
		if parts[0].Text.Text != "Hello there" {
			t.Errorf("text = %q, want %q", parts[0].Text.Text, "Hello there")
		}
		if got := parts[0].Text.Metadata["signature"]; got != "sig-abc" {
			t.Errorf("signature = %v, want sig-abc", got)
		}
		if parts[1].Tool.State.Status != models.ToolRunning {
			t.Errorf("tool status = %s", parts[1].Tool.State.Status)
		}

		if err := store.DeleteMessage(ctx, "ses_msg", assistant.ID); err != nil {
			t.Fatalf("DeleteMessage() error = %v", err)
		}
		if _, err := store.GetMessage(ctx, "ses_msg", assistant.ID); !errors.Is(err, ErrMessageNotFound) {
			t.Errorf("GetMessage() after delete error = %v", err)
		}
		remaining, err := store.ListParts(ctx, assistant.ID)
		if err != nil {
			t.Fatalf("ListParts() error = %v", err)
		}
		if len(remaining) != 0 {
			t.Errorf("parts survived message delete: %d", len(remaining))
		}
	})
}
