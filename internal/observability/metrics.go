package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "turnengine"

// Metrics holds the Prometheus collectors of the turn engine. All recording
// methods are safe on a nil *Metrics.
type Metrics struct {
	TurnCounter  *prometheus.CounterVec   // provider, model, outcome
	TurnDuration *prometheus.HistogramVec // provider, model
	ActiveTurns  prometheus.Gauge

	StreamAttempts *prometheus.CounterVec   // provider, model, result
	RetryDelay     *prometheus.HistogramVec // provider
	StreamStalls   *prometheus.CounterVec   // provider, model

	TokensUsed *prometheus.CounterVec // provider, model, type
	CostUSD    *prometheus.CounterVec // provider, model

	ToolExecutionCounter  *prometheus.CounterVec   // tool_name, status
	ToolExecutionDuration *prometheus.HistogramVec // tool_name
	DoomLoops             *prometheus.CounterVec   // tool_name, decision

	ErrorCounter          *prometheus.CounterVec   // component, error_type
	DatabaseQueryDuration *prometheus.HistogramVec // operation, table
	DatabaseQueryCounter  *prometheus.CounterVec   // operation, table, status
}

// NewMetrics registers the collectors on the default registry. It panics if
// called twice in one process.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the collectors on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}

	return &Metrics{
		TurnCounter: counter("turns_total",
			"Total number of finished turns by provider, model and outcome",
			"provider", "model", "outcome"),
		TurnDuration: histogram("turn_duration_seconds",
			"Duration of turns in seconds",
			[]float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			"provider", "model"),
		ActiveTurns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Number of turns currently in progress",
		}),

		StreamAttempts: counter("stream_attempts_total",
			"Total number of provider stream attempts by result",
			"provider", "model", "result"),
		RetryDelay: histogram("retry_delay_seconds",
			"Backoff delay applied before retrying a provider stream",
			[]float64{0.5, 1, 2, 4, 8, 16, 30, 60, 300},
			"provider"),
		StreamStalls: counter("stream_stalls_total",
			"Total number of provider streams cancelled for inactivity",
			"provider", "model"),

		TokensUsed: counter("tokens_total",
			"Total number of tokens used by provider, model and type",
			"provider", "model", "type"),
		CostUSD: counter("cost_usd_total",
			"Accumulated cost of finished steps in US dollars",
			"provider", "model"),

		ToolExecutionCounter: counter("tool_executions_total",
			"Total number of tool executions by tool name and status",
			"tool_name", "status"),
		ToolExecutionDuration: histogram("tool_execution_duration_seconds",
			"Duration of tool executions in seconds",
			[]float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			"tool_name"),
		DoomLoops: counter("doom_loops_total",
			"Total number of repeated identical tool calls detected",
			"tool_name", "decision"),

		ErrorCounter: counter("errors_total",
			"Total number of errors by component and error type",
			"component", "error_type"),
		DatabaseQueryDuration: histogram("database_query_duration_seconds",
			"Duration of session store queries in seconds",
			[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			"operation", "table"),
		DatabaseQueryCounter: counter("database_queries_total",
			"Total number of session store queries",
			"operation", "table", "status"),
	}
}

func (m *Metrics) TurnStarted() {
	if m != nil {
		m.ActiveTurns.Inc()
	}
}

// TurnFinished records the outcome (continue, compact or stop) of a turn.
func (m *Metrics) TurnFinished(provider, model, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.ActiveTurns.Dec()
	m.TurnCounter.WithLabelValues(provider, model, outcome).Inc()
	m.TurnDuration.WithLabelValues(provider, model).Observe(seconds)
}

func (m *Metrics) StreamAttempt(provider, model, result string) {
	if m != nil {
		m.StreamAttempts.WithLabelValues(provider, model, result).Inc()
	}
}

func (m *Metrics) RetryScheduled(provider string, seconds float64) {
	if m != nil {
		m.RetryDelay.WithLabelValues(provider).Observe(seconds)
	}
}

func (m *Metrics) StreamStalled(provider, model string) {
	if m != nil {
		m.StreamStalls.WithLabelValues(provider, model).Inc()
	}
}

// RecordUsage adds the token counts and cost of a finished step. Zero counts
// create no series.
func (m *Metrics) RecordUsage(provider, model string, input, output, reasoning, cacheRead, cacheWrite int64, cost float64) {
	if m == nil {
		return
	}
	counts := [...]struct {
		kind string
		n    int64
	}{
		{"input", input}, {"output", output}, {"reasoning", reasoning},
		{"cache_read", cacheRead}, {"cache_write", cacheWrite},
	}
	for _, c := range counts {
		if c.n > 0 {
			m.TokensUsed.WithLabelValues(provider, model, c.kind).Add(float64(c.n))
		}
	}
	if cost > 0 {
		m.CostUSD.WithLabelValues(provider, model).Add(cost)
	}
}

func (m *Metrics) RecordToolExecution(tool, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

// DoomLoopDetected counts a repeated identical tool call and whether the
// user let it proceed.
func (m *Metrics) DoomLoopDetected(tool string, allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.DoomLoops.WithLabelValues(tool, decision).Inc()
}

func (m *Metrics) RecordError(component, errorType string) {
	if m != nil {
		m.ErrorCounter.WithLabelValues(component, errorType).Inc()
	}
}

func (m *Metrics) RecordDatabaseQuery(operation, table, status string, seconds float64) {
	if m == nil {
		return
	}
	m.DatabaseQueryCounter.WithLabelValues(operation, table, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(operation, table).Observe(seconds)
}
