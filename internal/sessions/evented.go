package sessions

import (
	"context"

	"github.com/haasonsaas/turnengine/internal/bus"
	"github.com/haasonsaas/turnengine/pkg/models"
)

// EventedStore publishes a bus event after every successful write to the
// wrapped store.
type EventedStore struct {
	Store
	bus *bus.Bus
}

// NewEventedStore decorates store with bus notifications.
func NewEventedStore(store Store, b *bus.Bus) *EventedStore {
	return &EventedStore{Store: store, bus: b}
}

func (s *EventedStore) CreateSession(ctx context.Context, session *models.Session) error {
	if err := s.Store.CreateSession(ctx, session); err != nil {
		return err
	}
	s.publishSession(session)
	return nil
}

func (s *EventedStore) UpdateSession(ctx context.Context, session *models.Session) error {
	if err := s.Store.UpdateSession(ctx, session); err != nil {
		return err
	}
	s.publishSession(session)
	return nil
}

func (s *EventedStore) AddUsage(ctx context.Context, sessionID string, cost float64, tokens models.TokenUsage) error {
	if err := s.Store.AddUsage(ctx, sessionID, cost, tokens); err != nil {
		return err
	}
	session, err := s.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil
	}
	s.publishSession(session)
	return nil
}

func (s *EventedStore) UpdateMessage(ctx context.Context, msg *models.Message) error {
	if err := s.Store.UpdateMessage(ctx, msg); err != nil {
		return err
	}
	copied := *msg
	s.bus.Publish(models.Event{Type: models.EventMessageUpdated, SessionID: msg.SessionID, Message: &copied})
	return nil
}

func (s *EventedStore) DeleteMessage(ctx context.Context, sessionID, messageID string) error {
	if err := s.Store.DeleteMessage(ctx, sessionID, messageID); err != nil {
		return err
	}
	s.bus.Publish(models.Event{
		Type:      models.EventMessageRemoved,
		SessionID: sessionID,
		Message:   &models.Message{ID: messageID, SessionID: sessionID},
	})
	return nil
}

func (s *EventedStore) UpdatePart(ctx context.Context, part *models.Part) error {
	if err := s.Store.UpdatePart(ctx, part); err != nil {
		return err
	}
	s.bus.Publish(models.Event{Type: models.EventPartUpdated, SessionID: part.SessionID, Part: part.Clone()})
	return nil
}

func (s *EventedStore) UpdatePartDelta(ctx context.Context, part *models.Part, delta string) error {
	if err := s.Store.UpdatePartDelta(ctx, part, delta); err != nil {
		return err
	}
	s.bus.Publish(models.Event{Type: models.EventPartUpdated, SessionID: part.SessionID, Part: part.Clone(), Delta: delta})
	return nil
}

func (s *EventedStore) publishSession(session *models.Session) {
	copied := *session
	s.bus.Publish(models.Event{Type: models.EventSessionUpdated, SessionID: session.ID, Session: &copied})
}
