package sessions

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/haasonsaas/turnengine/pkg/models"
)

// MemoryStore keeps sessions in process memory. It backs tests and
// throwaway runs; everything is lost on exit. Values cross the API as
// copies so callers never alias stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	// byMessage indexes every stored message for part lookups.
	byMessage map[string]*memMessage
	now       func() time.Time
}

type memSession struct {
	info     *models.Session
	messages map[string]*memMessage
}

type memMessage struct {
	info  *models.Message
	parts map[string]*models.Part
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*memSession),
		byMessage: make(map[string]*memMessage),
		now:       time.Now,
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if session.ID == "" {
		session.ID = models.NewSessionID()
	}
	if m.sessions[session.ID] != nil {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = m.now()
	}
	session.UpdatedAt = session.CreatedAt
	m.sessions[session.ID] = &memSession{info: cloneSession(session), messages: make(map[string]*memMessage)}
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.session(id)
	if err != nil {
		return nil, err
	}
	return cloneSession(s.info), nil
}

// UpdateSession replaces the stored session but keeps its usage totals,
// which only AddUsage changes.
func (m *MemoryStore) UpdateSession(_ context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(session.ID)
	if err != nil {
		return err
	}
	session.UpdatedAt = m.now()
	next := cloneSession(session)
	next.Cost, next.Tokens = s.info.Cost, s.info.Tokens
	s.info = next
	return nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(id)
	if err != nil {
		return err
	}
	for msgID := range s.messages {
		delete(m.byMessage, msgID)
	}
	delete(m.sessions, id)
	return nil
}

// ListSessions returns sessions most recently updated first.
func (m *MemoryStore) ListSessions(_ context.Context, opts ListOptions) ([]*models.Session, error) {
	m.mu.RLock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if opts.ParentID == "" || s.info.ParentID == opts.ParentID {
			out = append(out, cloneSession(s.info))
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *models.Session) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

func (m *MemoryStore) UpdateMessage(_ context.Context, msg *models.Message) error {
	if msg == nil || msg.ID == "" {
		return errors.New("message id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(msg.SessionID)
	if err != nil {
		return err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	if existing := s.messages[msg.ID]; existing != nil {
		existing.info = cloneMessage(msg)
		return nil
	}
	entry := &memMessage{info: cloneMessage(msg), parts: make(map[string]*models.Part)}
	s.messages[msg.ID] = entry
	m.byMessage[msg.ID] = entry
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, sessionID, messageID string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, err := m.message(sessionID, messageID)
	if err != nil {
		return nil, err
	}
	return cloneMessage(entry.info), nil
}

func (m *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.session(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Message, 0, len(s.messages))
	for _, id := range slices.Sorted(maps.Keys(s.messages)) {
		out = append(out, cloneMessage(s.messages[id].info))
	}
	return out, nil
}

func (m *MemoryStore) DeleteMessage(_ context.Context, sessionID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.message(sessionID, messageID); err != nil {
		return err
	}
	delete(m.sessions[sessionID].messages, messageID)
	delete(m.byMessage, messageID)
	return nil
}

func (m *MemoryStore) UpdatePart(_ context.Context, part *models.Part) error {
	if part == nil || part.ID == "" {
		return errors.New("part id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.message(part.SessionID, part.MessageID)
	if err != nil {
		return err
	}
	entry.parts[part.ID] = part.Clone()
	return nil
}

func (m *MemoryStore) UpdatePartDelta(_ context.Context, part *models.Part, delta string) error {
	if !isTextPart(part) {
		return fmt.Errorf("delta update on %s part", part.Type)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var stored *models.Part
	if entry := m.byMessage[part.MessageID]; entry != nil {
		stored = entry.parts[part.ID]
	}
	if stored == nil || stored.Text == nil {
		return fmt.Errorf("%w: %s", ErrPartNotFound, part.ID)
	}
	stored.Text.Text += delta
	if len(part.Text.Metadata) > 0 {
		stored.Text.Metadata = maps.Clone(part.Text.Metadata)
	}
	return nil
}

// ListParts returns the parts of a message in ID order; an unknown message
// has none.
func (m *MemoryStore) ListParts(_ context.Context, messageID string) ([]*models.Part, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry := m.byMessage[messageID]
	if entry == nil {
		return []*models.Part{}, nil
	}
	out := make([]*models.Part, 0, len(entry.parts))
	for _, id := range slices.Sorted(maps.Keys(entry.parts)) {
		out = append(out, entry.parts[id].Clone())
	}
	return out, nil
}

func (m *MemoryStore) AddUsage(_ context.Context, sessionID string, cost float64, tokens models.TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(sessionID)
	if err != nil {
		return err
	}
	s.info.Cost += cost
	s.info.Tokens.Add(tokens)
	s.info.UpdatedAt = m.now()
	return nil
}

// session and message expect m.mu to be held.
func (m *MemoryStore) session(id string) (*memSession, error) {
	if s := m.sessions[id]; s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

func (m *MemoryStore) message(sessionID, messageID string) (*memMessage, error) {
	if s := m.sessions[sessionID]; s != nil {
		if entry := s.messages[messageID]; entry != nil {
			return entry, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) && offset > 0 {
		return nil
	}
	items = items[max(offset, 0):]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func cloneSession(s *models.Session) *models.Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	if s.Summary != nil {
		summary := *s.Summary
		summary.Diffs = slices.Clone(s.Summary.Diffs)
		c.Summary = &summary
	}
	return &c
}

func cloneMessage(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	c := *msg
	if msg.Error != nil {
		e := *msg.Error
		c.Error = &e
	}
	if msg.CompletedAt != nil {
		t := *msg.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
