package health

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrActive is returned when a monitor already exists for the key.
var ErrActive = errors.New("stream monitor already active")

// Key identifies the stream of one assistant message.
type Key struct {
	SessionID string
	MessageID string
}

// Registry owns the monitors of all in-flight turns. It is passed to the
// engines that share it rather than held as package state.
type Registry struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	monitors map[Key]*Monitor
}

// NewRegistry creates a registry whose monitors use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		now:      time.Now,
		monitors: map[Key]*Monitor{},
	}
}

// Start creates and registers a monitor for the message.
func (r *Registry) Start(sessionID, messageID string) (*Monitor, error) {
	return r.StartWithConfig(sessionID, messageID, r.cfg)
}

// StartWithConfig is Start with per-turn settings.
func (r *Registry) StartWithConfig(sessionID, messageID string, cfg Config) (*Monitor, error) {
	key := Key{SessionID: sessionID, MessageID: messageID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.monitors[key]; ok {
		return nil, ErrActive
	}
	m := newMonitor(key, cfg, r.now)
	r.monitors[key] = m
	return m, nil
}

// Get returns the monitor for the message, if any.
func (r *Registry) Get(sessionID, messageID string) (*Monitor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.monitors[Key{SessionID: sessionID, MessageID: messageID}]
	return m, ok
}

// Remove stops and forgets the monitor, returning its final report.
func (r *Registry) Remove(sessionID, messageID string) (Report, bool) {
	key := Key{SessionID: sessionID, MessageID: messageID}
	r.mu.Lock()
	m, ok := r.monitors[key]
	delete(r.monitors, key)
	r.mu.Unlock()
	if !ok {
		return Report{}, false
	}
	m.Stop()
	return m.Report(), true
}

// Abort cancels the turn streaming the message. It reports false when no
// such turn is registered.
func (r *Registry) Abort(sessionID, messageID string, cause error) bool {
	m, ok := r.Get(sessionID, messageID)
	if !ok {
		return false
	}
	return m.abortTurn(cause)
}

// AbortSession cancels every turn of the session and returns how many were found.
func (r *Registry) AbortSession(sessionID string, cause error) int {
	r.mu.Lock()
	targets := make([]*Monitor, 0)
	for key, m := range r.monitors {
		if key.SessionID == sessionID {
			targets = append(targets, m)
		}
	}
	r.mu.Unlock()

	count := 0
	for _, m := range targets {
		if m.abortTurn(cause) {
			count++
		}
	}
	return count
}

// Active lists the keys of registered monitors in a stable order.
func (r *Registry) Active() []Key {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.monitors))
	for key := range r.monitors {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SessionID != keys[j].SessionID {
			return keys[i].SessionID < keys[j].SessionID
		}
		return keys[i].MessageID < keys[j].MessageID
	})
	return keys
}
