// Package usage computes token usage and cost for model responses.
package usage

import (
	"math"
	"sync"
	"time"

	"github.com/haasonsaas/turnengine/pkg/models"
)

// Raw is the usage reported by a provider for one step.
type Raw struct {
	InputTokens      int64
	OutputTokens     int64
	ReasoningTokens  int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	// InputIncludesCache is set by providers whose input count already
	// contains cached tokens (OpenAI, Gemini). Anthropic reports them apart.
	InputIncludesCache bool
}

// GetUsage normalizes provider usage into TokenUsage and computes its cost.
func GetUsage(model Model, raw Raw) (float64, models.TokenUsage) {
	input := raw.InputTokens
	if raw.InputIncludesCache {
		input -= raw.CacheReadTokens + raw.CacheWriteTokens
	}
	tokens := models.TokenUsage{
		Input:      max(input, 0),
		Output:     max(raw.OutputTokens, 0),
		Reasoning:  max(raw.ReasoningTokens, 0),
		CacheRead:  max(raw.CacheReadTokens, 0),
		CacheWrite: max(raw.CacheWriteTokens, 0),
	}
	return Estimate(model.Cost, tokens), tokens
}

// Estimate returns the cost of tokens at the given price. Reasoning tokens
// are billed at the output rate.
func Estimate(cost Cost, tokens models.TokenUsage) float64 {
	total := float64(tokens.Input)*cost.Input +
		float64(tokens.Output)*cost.Output +
		float64(tokens.Reasoning)*cost.Output +
		float64(tokens.CacheRead)*cost.CacheRead +
		float64(tokens.CacheWrite)*cost.CacheWrite
	total /= 1_000_000
	if math.IsNaN(total) || math.IsInf(total, 0) || total < 0 {
		return 0
	}
	return total
}

// Record is one finished step's accounting.
type Record struct {
	SessionID string            `json:"session_id"`
	MessageID string            `json:"message_id"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Tokens    models.TokenUsage `json:"tokens"`
	Cost      float64           `json:"cost"`
	Timestamp time.Time         `json:"timestamp"`
}

// Totals aggregates records.
type Totals struct {
	Tokens models.TokenUsage `json:"tokens"`
	Cost   float64           `json:"cost"`
	Steps  int               `json:"steps"`
}

// Tracker keeps recent usage records and per-model and per-session totals
// for the lifetime of the process.
type Tracker struct {
	mu        sync.RWMutex
	records   []Record
	byModel   map[string]*Totals
	bySession map[string]*Totals
	maxAge    time.Duration
	maxCount  int
}

// TrackerConfig configures the usage tracker.
type TrackerConfig struct {
	MaxAge   time.Duration
	MaxCount int
}

// DefaultTrackerConfig returns default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxAge:   24 * time.Hour,
		MaxCount: 10000,
	}
}

// NewTracker creates a new usage tracker.
func NewTracker(config TrackerConfig) *Tracker {
	def := DefaultTrackerConfig()
	if config.MaxAge <= 0 {
		config.MaxAge = def.MaxAge
	}
	if config.MaxCount <= 0 {
		config.MaxCount = def.MaxCount
	}
	return &Tracker{
		byModel:   make(map[string]*Totals),
		bySession: make(map[string]*Totals),
		maxAge:    config.MaxAge,
		maxCount:  config.MaxCount,
	}
}

// Record adds a usage record. It is safe on a nil tracker.
func (t *Tracker) Record(r Record) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	t.records = append(t.records, r)
	addTotals(t.byModel, r.Provider+":"+r.Model, r)
	if r.SessionID != "" {
		addTotals(t.bySession, r.SessionID, r)
	}
	t.pruneOld()
}

func addTotals(m map[string]*Totals, key string, r Record) {
	totals := m[key]
	if totals == nil {
		totals = &Totals{}
		m[key] = totals
	}
	totals.Tokens.Add(r.Tokens)
	totals.Cost += r.Cost
	totals.Steps++
}

// pruneOld removes records older than maxAge and beyond maxCount.
// Totals are not affected.
func (t *Tracker) pruneOld() {
	cutoff := time.Now().Add(-t.maxAge)
	start := 0
	for start < len(t.records) && !t.records[start].Timestamp.After(cutoff) {
		start++
	}
	if start > 0 {
		t.records = t.records[start:]
	}
	if len(t.records) > t.maxCount {
		t.records = t.records[len(t.records)-t.maxCount:]
	}
}

// ModelTotals returns totals for a provider and model.
func (t *Tracker) ModelTotals(provider, model string) (Totals, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	totals, ok := t.byModel[provider+":"+model]
	if !ok {
		return Totals{}, false
	}
	return *totals, true
}

// SessionTotals returns totals for a session.
func (t *Tracker) SessionTotals(sessionID string) (Totals, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	totals, ok := t.bySession[sessionID]
	if !ok {
		return Totals{}, false
	}
	return *totals, true
}

// Recent returns up to limit of the most recent records, oldest first.
func (t *Tracker) Recent(limit int) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}
	out := make([]Record, limit)
	copy(out, t.records[len(t.records)-limit:])
	return out
}
