// Package bus provides an in-process publish/subscribe hub for session events.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/turnengine/pkg/models"
)

// DefaultBuffer is the per-subscriber channel capacity used when none is given.
const DefaultBuffer = 256

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
// Bus is safe for concurrent use by many turns.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	seq     atomic.Uint64
	dropped atomic.Uint64
	closed  bool
}

type subscription struct {
	ch        chan models.Event
	sessionID string
	types     map[models.EventType]bool
}

func (s *subscription) matches(evt models.Event) bool {
	if s.sessionID != "" && evt.SessionID != s.sessionID {
		return false
	}
	if len(s.types) > 0 && !s.types[evt.Type] {
		return false
	}
	return true
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: map[uint64]*subscription{}}
}

// Filter narrows a subscription.
type Filter struct {
	// SessionID restricts delivery to one session when set.
	SessionID string
	// Types restricts delivery to the listed event types when non-empty.
	Types []models.EventType
	// Buffer overrides DefaultBuffer.
	Buffer int
}

// Subscribe registers a subscriber and returns its channel together with an
// unsubscribe function. Unsubscribe closes the channel and is idempotent.
func (b *Bus) Subscribe(filter Filter) (<-chan models.Event, func()) {
	size := filter.Buffer
	if size <= 0 {
		size = DefaultBuffer
	}
	sub := &subscription{
		ch:        make(chan models.Event, size),
		sessionID: filter.SessionID,
	}
	if len(filter.Types) > 0 {
		sub.types = make(map[models.EventType]bool, len(filter.Types))
		for _, t := range filter.Types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
}

// Publish stamps evt with a sequence number and time, then delivers it to
// every matching subscriber.
func (b *Bus) Publish(evt models.Event) {
	if b == nil {
		return
	}
	evt.Sequence = b.seq.Add(1)
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.matches(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost to full subscriber buffers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Status publishes a session.status event.
func (b *Bus) Status(sessionID string, status models.SessionStatus) {
	b.Publish(models.Event{Type: models.EventSessionStatus, SessionID: sessionID, Status: &status})
}

// SessionError publishes a session.error event.
func (b *Bus) SessionError(sessionID string, err *models.MessageError) {
	b.Publish(models.Event{Type: models.EventSessionError, SessionID: sessionID, Error: err})
}
