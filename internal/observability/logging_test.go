package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer, level string) *Logger {
	return NewLogger(LogConfig{Level: level, Format: "json", Output: buf})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LogConfig
	}{
		{name: "json format", config: LogConfig{Level: "info", Format: "json"}},
		{name: "text format", config: LogConfig{Level: "debug", Format: "text"}},
		{name: "defaults", config: LogConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil || logger.Slog() == nil {
				t.Fatal("NewLogger() returned nil logger")
			}
		})
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, "warn")
	ctx := context.Background()

	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	output := buf.String()
	if strings.Contains(output, "debug message") || strings.Contains(output, "info message") {
		t.Errorf("records below warn should be dropped: %s", output)
	}
	if !strings.Contains(output, "warn message") || !strings.Contains(output, "error message") {
		t.Errorf("expected warn and error records: %s", output)
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, "info")

	ctx := AddRequestID(context.Background(), "req-123")
	ctx = AddSessionID(ctx, "ses-456")
	ctx = AddMessageID(ctx, "msg-789")

	logger.Slog().InfoContext(ctx, "turn started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("invalid json output: %v", err)
	}
	for key, want := range map[string]string{"request_id": "req-123", "session_id": "ses-456", "message_id": "msg-789"} {
		if record[key] != want {
			t.Errorf("%s = %v, want %s", key, record[key], want)
		}
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, "info").WithFields("component", "turn")
	logger.Info(context.Background(), "hello")

	if !strings.Contains(buf.String(), `"component":"turn"`) {
		t.Errorf("expected component field: %s", buf.String())
	}
}

func TestRedaction(t *testing.T) {
	anthropicKey := "sk-ant-" + strings.Repeat("a", 100)
	openaiKey := "sk-" + strings.Repeat("b", 48)

	tests := []struct {
		name   string
		log    func(l *slog.Logger)
		secret string
	}{
		{
			name:   "anthropic key in message",
			log:    func(l *slog.Logger) { l.Info("using key " + anthropicKey) },
			secret: anthropicKey,
		},
		{
			name:   "openai key in attribute",
			log:    func(l *slog.Logger) { l.Info("provider configured", "detail", "key="+openaiKey) },
			secret: openaiKey,
		},
		{
			name:   "sensitive attribute key",
			log:    func(l *slog.Logger) { l.Info("provider configured", "api_key", "plain-value") },
			secret: "plain-value",
		},
		{
			name: "error value",
			log: func(l *slog.Logger) {
				l.Error("request failed", "error", errors.New("bearer abcdefghijklmnopqrstuvwxyz"))
			},
			secret: "abcdefghijklmnopqrstuvwxyz",
		},
		{
			name: "map value",
			log: func(l *slog.Logger) {
				l.Info("headers", "headers", map[string]string{"Authorization": "secret-header"})
			},
			secret: "secret-header",
		},
		{
			name:   "group value",
			log:    func(l *slog.Logger) { l.Info("cfg", slog.Group("provider", slog.String("token", "tok-value"))) },
			secret: "tok-value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(newTestLogger(&buf, "info").Slog())
			output := buf.String()
			if strings.Contains(output, tt.secret) {
				t.Errorf("secret leaked: %s", output)
			}
			if !strings.Contains(output, "[REDACTED]") {
				t.Errorf("expected [REDACTED] marker: %s", output)
			}
		})
	}
}

func TestRedactionWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, "info").Slog().With("password", "hunter22hunter")
	logger.Info("login")
	if strings.Contains(buf.String(), "hunter22hunter") {
		t.Errorf("secret leaked through With: %s", buf.String())
	}
}

func TestRedactCustomPatterns(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Output: &buf, RedactPatterns: []string{`internal-[0-9]+`}})
	logger.Info(context.Background(), "host internal-4242 reached")
	if strings.Contains(buf.String(), "internal-4242") {
		t.Errorf("custom pattern not applied: %s", buf.String())
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestContextGetters(t *testing.T) {
	ctx := context.Background()
	if GetSessionID(ctx) != "" || GetMessageID(ctx) != "" || GetRequestID(ctx) != "" {
		t.Fatal("expected empty values on bare context")
	}
	ctx = AddMessageID(AddSessionID(AddRequestID(ctx, "r"), "s"), "m")
	if GetRequestID(ctx) != "r" || GetSessionID(ctx) != "s" || GetMessageID(ctx) != "m" {
		t.Error("context getters returned wrong values")
	}
}
