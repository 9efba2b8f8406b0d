package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/turnengine/internal/bus"
	"github.com/haasonsaas/turnengine/pkg/models"
)

func TestEventedStorePublishesWrites(t *testing.T) {
	b := bus.New()
	defer b.Close()
	events, unsubscribe := b.Subscribe(bus.Filter{})
	defer unsubscribe()

	store := NewEventedStore(NewMemoryStore(), b)
	ctx := context.Background()

	session := &models.Session{ID: "ses_1"}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	msg := &models.Message{ID: models.NewMessageID(), SessionID: "ses_1", Role: models.RoleAssistant}
	if err := store.UpdateMessage(ctx, msg); err != nil {
		t.Fatalf("UpdateMessage() error = %v", err)
	}
	part := &models.Part{ID: models.NewPartID(), SessionID: "ses_1", MessageID: msg.ID, Type: models.PartText, Text: &models.TextPart{}}
	if err := store.UpdatePart(ctx, part); err != nil {
		t.Fatalf("UpdatePart() error = %v", err)
	}
	part.Text.Text = "hi"
	if err := store.UpdatePartDelta(ctx, part, "hi"); err != nil {
		t.Fatalf("UpdatePartDelta() error = %v", err)
	}
	if err := store.AddUsage(ctx, "ses_1", 0.5, models.TokenUsage{Input: 3}); err != nil {
		t.Fatalf("AddUsage() error = %v", err)
	}
	if err := store.DeleteMessage(ctx, "ses_1", msg.ID); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}

	want := []models.EventType{
		models.EventSessionUpdated,
		models.EventMessageUpdated,
		models.EventPartUpdated,
		models.EventPartUpdated,
		models.EventSessionUpdated,
		models.EventMessageRemoved,
	}
	var got []models.Event
	timeout := time.After(time.Second)
	for len(got) < len(want) {
		select {
		case evt := <-events:
			got = append(got, evt)
		case <-timeout:
			t.Fatalf("received %d events, want %d", len(got), len(want))
		}
	}
	for i, evt := range got {
		if evt.Type != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, evt.Type, want[i])
		}
	}
	if got[3].Delta != "hi" || got[3].Part.Text.Text != "hi" {
		t.Errorf("delta event = %+v", got[3])
	}
	if got[4].Session.Cost != 0.5 || got[4].Session.Tokens.Input != 3 {
		t.Errorf("usage event session = %+v", got[4].Session)
	}
}

func TestEventedStoreSkipsFailedWrites(t *testing.T) {
	b := bus.New()
	defer b.Close()
	events, unsubscribe := b.Subscribe(bus.Filter{})
	defer unsubscribe()

	store := NewEventedStore(NewMemoryStore(), b)
	err := store.UpdateMessage(context.Background(), &models.Message{ID: "msg_1", SessionID: "missing"})
	if err == nil {
		t.Fatal("UpdateMessage() expected error for unknown session")
	}
	select {
	case evt := <-events:
		t.Fatalf("unexpected event %s", evt.Type)
	default:
	}
}
