// Package sessions persists sessions, messages and their parts.
package sessions

import (
	"context"
	"errors"

	"github.com/haasonsaas/turnengine/pkg/models"
)

var (
	// ErrSessionNotFound is returned when a session does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMessageNotFound is returned when a message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrPartNotFound is returned when a part does not exist.
	ErrPartNotFound = errors.New("part not found")
)

// Store is the interface for session persistence. Implementations must be
// safe for concurrent use by many turns.
type Store interface {
	// Session CRUD
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, opts ListOptions) ([]*models.Session, error)

	// Messages are upserted by ID and listed in ID order.
	UpdateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	// DeleteMessage removes a message and its parts.
	DeleteMessage(ctx context.Context, sessionID, messageID string) error

	// Parts are upserted by ID and listed in ID order.
	UpdatePart(ctx context.Context, part *models.Part) error
	// UpdatePartDelta appends delta to the stored text of a text or
	// reasoning part. The part must already exist.
	UpdatePartDelta(ctx context.Context, part *models.Part, delta string) error
	ListParts(ctx context.Context, messageID string) ([]*models.Part, error)

	// AddUsage rolls a step's cost and tokens into the session totals.
	AddUsage(ctx context.Context, sessionID string, cost float64, tokens models.TokenUsage) error
}

// ListOptions configures session listing.
type ListOptions struct {
	// ParentID restricts the listing to child sessions of a parent.
	ParentID string
	Limit    int
	Offset   int
}

// History loads every message of a session with its parts.
func History(ctx context.Context, store Store, sessionID string) ([]models.MessageWithParts, error) {
	messages, err := store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	history := make([]models.MessageWithParts, 0, len(messages))
	for _, msg := range messages {
		parts, err := store.ListParts(ctx, msg.ID)
		if err != nil {
			return nil, err
		}
		history = append(history, models.MessageWithParts{Message: msg, Parts: parts})
	}
	return history, nil
}

func isTextPart(part *models.Part) bool {
	return part != nil && part.Text != nil &&
		(part.Type == models.PartText || part.Type == models.PartReasoning)
}
