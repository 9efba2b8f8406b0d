// Package health tracks the liveness of in-flight provider streams.
package health

import (
	"sync"
	"time"
)

// Status is the lifecycle state reported by a Monitor.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusStalled   Status = "stalled"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Liveness classifies how long a stream has been silent.
type Liveness string

const (
	LivenessHealthy Liveness = "healthy"
	LivenessStalled Liveness = "stalled"
	LivenessDead    Liveness = "dead"
)

// Config controls stall detection.
type Config struct {
	// StallTimeout is the silence after which the stream is reported stalled.
	StallTimeout time.Duration
	// WarnAfter is the silence after which a stall warning is counted.
	// Defaults to half of StallTimeout.
	WarnAfter time.Duration
	// CheckInterval is the period of the liveness check.
	CheckInterval time.Duration
}

// DefaultConfig returns the default stall detection settings.
func DefaultConfig() Config {
	return Config{
		StallTimeout:  90 * time.Second,
		WarnAfter:     45 * time.Second,
		CheckInterval: time.Second,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.StallTimeout <= 0 {
		c.StallTimeout = def.StallTimeout
	}
	if c.WarnAfter <= 0 || c.WarnAfter > c.StallTimeout {
		c.WarnAfter = c.StallTimeout / 2
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = min(def.CheckInterval, c.StallTimeout/4)
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = time.Millisecond
	}
	return c
}

// Timeout describes a detected stall.
type Timeout struct {
	Elapsed    time.Duration
	EventCount int
	LastEvent  string
}

// Report is the telemetry snapshot of a monitored stream.
type Report struct {
	Status        Status         `json:"status"`
	Duration      time.Duration  `json:"duration"`
	EventCount    int            `json:"event_count"`
	DeltaChars    int            `json:"delta_chars"`
	StallWarnings int            `json:"stall_warnings"`
	Stalls        int            `json:"stalls"`
	Events        map[string]int `json:"events"`
	LastEventAt   time.Time      `json:"last_event_at"`
	Error         string         `json:"error,omitempty"`
}

// Monitor watches one (session, message) stream. A background check runs
// until Complete, Fail or Stop is called.
type Monitor struct {
	key Key
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	started   time.Time
	last      time.Time
	lastType  string
	events    int
	chars     int
	histogram map[string]int
	warnings  int
	warned    bool
	stalls    int
	notified  bool
	held      int
	status    Status
	err       error
	abort     func(error)

	stalled  chan Timeout
	done     chan struct{}
	stopOnce sync.Once
}

func newMonitor(key Key, cfg Config, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	start := now()
	m := &Monitor{
		key:       key,
		cfg:       cfg.normalize(),
		now:       now,
		started:   start,
		last:      start,
		histogram: map[string]int{},
		status:    StatusHealthy,
		stalled:   make(chan Timeout, 1),
		done:      make(chan struct{}),
	}
	go m.run()
	return m
}

// Key returns the (session, message) pair this monitor watches.
func (m *Monitor) Key() Key {
	return m.key
}

// Stalled delivers at most one Timeout per armed period. Call Rearm after
// handling a stall to watch the next stream attempt.
func (m *Monitor) Stalled() <-chan Timeout {
	return m.stalled
}

// RecordEvent notes a stream event of the given type and payload size.
func (m *Monitor) RecordEvent(eventType, id string, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finishedLocked() {
		return
	}
	m.last = m.now()
	m.lastType = eventType
	m.events++
	m.chars += size
	m.histogram[eventType]++
	m.warned = false
	if m.status == StatusStalled && !m.notified {
		m.status = StatusHealthy
	}
}

// Hold suspends stall detection, e.g. while a tool executes between events.
// Every Hold must be paired with Release.
func (m *Monitor) Hold() {
	m.mu.Lock()
	m.held++
	m.mu.Unlock()
}

// Release resumes stall detection and restarts the silence window.
func (m *Monitor) Release() {
	m.mu.Lock()
	if m.held > 0 {
		m.held--
	}
	m.last = m.now()
	m.mu.Unlock()
}

// Rearm resets the silence window and re-enables stall notification.
func (m *Monitor) Rearm() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finishedLocked() {
		return
	}
	m.last = m.now()
	m.notified = false
	m.warned = false
	m.held = 0
	m.status = StatusHealthy
	select {
	case <-m.stalled:
	default:
	}
}

// BindAbort registers the function used by Registry.Abort to cancel the turn.
func (m *Monitor) BindAbort(abort func(error)) {
	m.mu.Lock()
	m.abort = abort
	m.mu.Unlock()
}

func (m *Monitor) abortTurn(cause error) bool {
	m.mu.Lock()
	abort := m.abort
	m.mu.Unlock()
	if abort == nil {
		return false
	}
	abort(cause)
	return true
}

// Liveness classifies the current silence. A stream silent for twice the
// stall timeout is considered dead.
func (m *Monitor) Liveness() Liveness {
	m.mu.Lock()
	defer m.mu.Unlock()
	silence := m.now().Sub(m.last)
	switch {
	case m.held > 0 || silence < m.cfg.StallTimeout:
		return LivenessHealthy
	case silence < 2*m.cfg.StallTimeout:
		return LivenessStalled
	default:
		return LivenessDead
	}
}

// Complete marks the stream as finished successfully and stops the check.
func (m *Monitor) Complete() {
	m.mu.Lock()
	if !m.finishedLocked() {
		m.status = StatusCompleted
	}
	m.mu.Unlock()
	m.Stop()
}

// Fail records a stream failure. The monitor keeps running so that a retry
// attempt can be watched; call Stop when the turn ends.
func (m *Monitor) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == StatusCompleted {
		return
	}
	m.status = StatusFailed
	m.err = err
}

// Report returns a snapshot of the collected telemetry.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := make(map[string]int, len(m.histogram))
	for k, v := range m.histogram {
		events[k] = v
	}
	report := Report{
		Status:        m.status,
		Duration:      m.now().Sub(m.started),
		EventCount:    m.events,
		DeltaChars:    m.chars,
		StallWarnings: m.warnings,
		Stalls:        m.stalls,
		Events:        events,
		LastEventAt:   m.last,
	}
	if m.err != nil {
		report.Error = m.err.Error()
	}
	return report
}

// Stop ends the background check. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
}

func (m *Monitor) finishedLocked() bool {
	return m.status == StatusCompleted
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finishedLocked() || m.held > 0 || m.notified {
		return
	}

	silence := m.now().Sub(m.last)
	if silence >= m.cfg.WarnAfter && !m.warned {
		m.warned = true
		m.warnings++
	}
	if silence < m.cfg.StallTimeout {
		return
	}

	m.notified = true
	m.stalls++
	m.status = StatusStalled
	select {
	case m.stalled <- Timeout{Elapsed: silence, EventCount: m.events, LastEvent: m.lastType}:
	default:
	}
}
