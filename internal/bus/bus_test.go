package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/turnengine/pkg/models"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(Filter{})
	defer unsubscribe()

	b.Status("ses_1", models.SessionStatus{Type: models.StatusBusy})

	select {
	case evt := <-ch:
		if evt.Type != models.EventSessionStatus {
			t.Errorf("Type = %s", evt.Type)
		}
		if evt.Sequence != 1 {
			t.Errorf("Sequence = %d, want 1", evt.Sequence)
		}
		if evt.Status == nil || evt.Status.Type != models.StatusBusy {
			t.Errorf("Status = %+v", evt.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSubscribeFilters(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(Filter{
		SessionID: "ses_a",
		Types:     []models.EventType{models.EventSessionError},
	})
	defer unsubscribe()

	b.Status("ses_a", models.SessionStatus{Type: models.StatusIdle})
	b.SessionError("ses_b", &models.MessageError{Name: "x"})
	b.SessionError("ses_a", &models.MessageError{Name: "y"})

	select {
	case evt := <-ch:
		if evt.Error == nil || evt.Error.Name != "y" {
			t.Errorf("unexpected event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected extra event %+v", evt)
	default:
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsubscribe := b.Subscribe(Filter{Buffer: 1})
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		b.Status("ses", models.SessionStatus{Type: models.StatusBusy})
	}
	if got := b.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(Filter{})
	unsubscribe()
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	b.Status("ses", models.SessionStatus{Type: models.StatusIdle})
}

func TestConcurrentPublish(t *testing.T) {
	b := New()
	ch, unsubscribe := b.Subscribe(Filter{Buffer: 1000})
	defer unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Status("ses", models.SessionStatus{Type: models.StatusBusy})
			}
		}()
	}
	wg.Wait()

	if len(ch) != 500 {
		t.Errorf("received %d events, want 500", len(ch))
	}
}

func TestClose(t *testing.T) {
	b := New()
	ch, _ := b.Subscribe(Filter{})
	b.Close()
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Close")
	}
	late, _ := b.Subscribe(Filter{})
	if _, ok := <-late; ok {
		t.Error("subscribe after Close should return a closed channel")
	}
}
