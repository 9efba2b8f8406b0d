package usage

import (
	"math"
	"testing"
	"time"

	"github.com/haasonsaas/turnengine/pkg/models"
)

func TestGetUsage(t *testing.T) {
	model := Model{ID: "m", Cost: Cost{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75}}

	tests := []struct {
		name       string
		raw        Raw
		wantTokens models.TokenUsage
		wantCost   float64
	}{
		{
			name:       "separate cache counts",
			raw:        Raw{InputTokens: 1000, OutputTokens: 500, CacheReadTokens: 2000},
			wantTokens: models.TokenUsage{Input: 1000, Output: 500, CacheRead: 2000},
			wantCost:   (1000*3 + 500*15 + 2000*0.3) / 1e6,
		},
		{
			name:       "input includes cache",
			raw:        Raw{InputTokens: 3000, OutputTokens: 100, CacheReadTokens: 2000, InputIncludesCache: true},
			wantTokens: models.TokenUsage{Input: 1000, Output: 100, CacheRead: 2000},
			wantCost:   (1000*3 + 100*15 + 2000*0.3) / 1e6,
		},
		{
			name:       "reasoning billed as output",
			raw:        Raw{OutputTokens: 10, ReasoningTokens: 90},
			wantTokens: models.TokenUsage{Output: 10, Reasoning: 90},
			wantCost:   100 * 15 / 1e6,
		},
		{
			name:       "negative input clamps",
			raw:        Raw{InputTokens: 5, CacheReadTokens: 10, InputIncludesCache: true},
			wantTokens: models.TokenUsage{CacheRead: 10},
			wantCost:   10 * 0.3 / 1e6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, tokens := GetUsage(model, tt.raw)
			if tokens != tt.wantTokens {
				t.Errorf("tokens = %+v, want %+v", tokens, tt.wantTokens)
			}
			if math.Abs(cost-tt.wantCost) > 1e-12 {
				t.Errorf("cost = %v, want %v", cost, tt.wantCost)
			}
		})
	}
}

func TestEstimateGuardsInvalidPricing(t *testing.T) {
	if got := Estimate(Cost{Input: math.Inf(1)}, models.TokenUsage{Input: 1}); got != 0 {
		t.Errorf("Estimate() = %v, want 0", got)
	}
}

func TestCatalogLookup(t *testing.T) {
	c := DefaultCatalog()

	m, ok := c.Lookup("anthropic", "claude-sonnet-4-20250514")
	if !ok || m.ContextLimit != 200_000 {
		t.Fatalf("exact lookup = %+v, %v", m, ok)
	}

	m, ok = c.Lookup("openai", "gpt-4o-mini-2024-07-18")
	if !ok || m.Cost.Input != 0.15 {
		t.Errorf("prefix lookup should prefer gpt-4o-mini, got %+v", m)
	}
	if m.ID != "gpt-4o-mini-2024-07-18" {
		t.Errorf("resolved id = %q", m.ID)
	}

	m, ok = c.Lookup("openai", "unknown-model")
	if ok || m.ContextLimit != 0 || m.ID != "unknown-model" {
		t.Errorf("unknown lookup = %+v, %v", m, ok)
	}

	c.Register(Model{ID: "local", Provider: "openai", ContextLimit: 8000})
	if m, ok := c.Lookup("OpenAI", "local"); !ok || m.ContextLimit != 8000 {
		t.Errorf("registered lookup = %+v, %v", m, ok)
	}
	if len(c.List()) != len(defaultModels)+1 {
		t.Errorf("List() = %d models", len(c.List()))
	}
}

func TestTracker(t *testing.T) {
	tr := NewTracker(TrackerConfig{MaxCount: 2})

	for i := 0; i < 3; i++ {
		tr.Record(Record{
			SessionID: "ses_1",
			Provider:  "anthropic",
			Model:     "claude",
			Tokens:    models.TokenUsage{Input: 10, Output: 5},
			Cost:      0.5,
		})
	}

	totals, ok := tr.ModelTotals("anthropic", "claude")
	if !ok || totals.Steps != 3 || totals.Tokens.Input != 30 || totals.Cost != 1.5 {
		t.Errorf("model totals = %+v", totals)
	}
	if s, ok := tr.SessionTotals("ses_1"); !ok || s.Tokens.Output != 15 {
		t.Errorf("session totals = %+v", s)
	}
	if got := len(tr.Recent(0)); got != 2 {
		t.Errorf("records kept = %d, want 2", got)
	}
	if _, ok := tr.SessionTotals("missing"); ok {
		t.Error("unexpected totals for missing session")
	}

	var nilTracker *Tracker
	nilTracker.Record(Record{})
}

func TestTrackerPrunesByAge(t *testing.T) {
	tr := NewTracker(TrackerConfig{MaxAge: time.Minute})
	tr.Record(Record{Timestamp: time.Now().Add(-time.Hour)})
	tr.Record(Record{})
	if got := len(tr.Recent(10)); got != 1 {
		t.Errorf("records = %d, want 1", got)
	}
}

func TestFormatting(t *testing.T) {
	tests := []struct {
		count int64
		want  string
	}{
		{0, "0"}, {999, "999"}, {1500, "1.5k"}, {25_000, "25k"}, {2_500_000, "2.5m"},
	}
	for _, tt := range tests {
		if got := FormatTokenCount(tt.count); got != tt.want {
			t.Errorf("FormatTokenCount(%d) = %q, want %q", tt.count, got, tt.want)
		}
	}
	if got := FormatUSD(0.005); got != "$0.0050" {
		t.Errorf("FormatUSD = %q", got)
	}
	if got := FormatUSD(1.234); got != "$1.23" {
		t.Errorf("FormatUSD = %q", got)
	}
	if got := FormatTokens(models.TokenUsage{Input: 1000, Output: 500}); got != "1.5k tokens (in: 1.0k, out: 500)" {
		t.Errorf("FormatTokens = %q", got)
	}
	if got := FormatTokens(models.TokenUsage{}); got != "0 tokens" {
		t.Errorf("FormatTokens(empty) = %q", got)
	}
}
