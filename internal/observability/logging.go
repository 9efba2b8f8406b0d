package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

const redacted = "[REDACTED]"

// Logger wraps slog with turn correlation and secret redaction. Every record
// picks up the request, session and message IDs stored on its context, and
// the active trace and span IDs when a span is recording.
type Logger struct {
	logger *slog.Logger
	config LogConfig
}

// LogConfig selects the level, format and sink of the logger.
type LogConfig struct {
	// Level is one of debug, info, warn or error. Anything else means info.
	Level string `yaml:"level" json:"level"`
	// Format is json (default) or text.
	Format    string    `yaml:"format" json:"format"`
	Output    io.Writer `yaml:"-" json:"-"`
	AddSource bool      `yaml:"add_source" json:"add_source"`
	// RedactPatterns extend DefaultRedactPatterns.
	RedactPatterns []string `yaml:"redact_patterns" json:"redact_patterns,omitempty"`
}

// ContextKey keys the correlation values a Logger reads from a context.
type ContextKey string

const (
	RequestIDKey ContextKey = "request_id"
	SessionIDKey ContextKey = "session_id"
	MessageIDKey ContextKey = "message_id"
)

var contextKeys = []ContextKey{RequestIDKey, SessionIDKey, MessageIDKey}

// DefaultRedactPatterns match provider credentials and common secret
// assignments anywhere in a message or string value.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	`sk-ant-[a-zA-Z0-9_-]{95,}`,
	`sk-[a-zA-Z0-9]{48,}`,
	`AIza[0-9A-Za-z_\-]{35}`,
	`AKIA[0-9A-Z]{16}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// Attribute and map keys whose values are never logged.
var sensitiveKeys = map[string]struct{}{
	"password": {}, "passwd": {}, "secret": {}, "token": {},
	"api_key": {}, "apikey": {}, "private_key": {}, "auth": {},
	"authorization": {}, "x_api_key": {}, "secret_access_key": {}, "session_token": {},
}

// NewLogger builds a logger writing to config.Output, or stderr.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: LogLevelFromString(config.Level), AddSource: config.AddSource}

	var sink slog.Handler
	if strings.EqualFold(config.Format, "text") {
		sink = slog.NewTextHandler(config.Output, opts)
	} else {
		config.Format = "json"
		sink = slog.NewJSONHandler(config.Output, opts)
	}

	scrub := newRedactor(append(append([]string(nil), DefaultRedactPatterns...), config.RedactPatterns...))
	return &Logger{
		logger: slog.New(&correlatingHandler{next: sink, scrub: scrub}),
		config: config,
	}
}

// Slog exposes the underlying *slog.Logger for components that take one.
// Redaction and correlation still apply.
func (l *Logger) Slog() *slog.Logger { return l.logger }

// WithFields returns a child logger carrying args on every record.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{logger: l.logger.With(args...), config: l.config}
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.logger.Log(ctx, slog.LevelDebug, msg, args...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.logger.Log(ctx, slog.LevelInfo, msg, args...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.logger.Log(ctx, slog.LevelWarn, msg, args...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.logger.Log(ctx, slog.LevelError, msg, args...)
}

// correlatingHandler adds context IDs and scrubs every attribute before
// handing the record to next.
type correlatingHandler struct {
	next  slog.Handler
	scrub *redactor
}

func (h *correlatingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *correlatingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, h.scrub.text(r.Message), r.PC)
	clean.AddAttrs(correlation(ctx)...)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.scrub.attr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *correlatingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, h.scrub.attr(a))
	}
	return &correlatingHandler{next: h.next.WithAttrs(clean), scrub: h.scrub}
}

func (h *correlatingHandler) WithGroup(name string) slog.Handler {
	return &correlatingHandler{next: h.next.WithGroup(name), scrub: h.scrub}
}

func correlation(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var attrs []slog.Attr
	for _, key := range contextKeys {
		if v, _ := ctx.Value(key).(string); v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()))
	}
	return attrs
}

// redactor replaces secrets in strings, attributes and structured values.
type redactor struct {
	patterns []*regexp.Regexp
}

// newRedactor compiles patterns, skipping any that fail to compile.
func newRedactor(patterns []string) *redactor {
	r := &redactor{}
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			r.patterns = append(r.patterns, re)
		}
	}
	return r
}

func (r *redactor) text(s string) string {
	for _, re := range r.patterns {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}

func (r *redactor) attr(a slog.Attr) slog.Attr {
	if isSensitive(a.Key) {
		return slog.String(a.Key, redacted)
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, r.text(v.String()))
	case slog.KindGroup:
		members := v.Group()
		clean := make([]any, len(members))
		for i, m := range members {
			clean[i] = r.attr(m)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindAny:
		return slog.Any(a.Key, r.value(v.Any()))
	}
	return slog.Attr{Key: a.Key, Value: v}
}

func (r *redactor) value(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return r.text(val)
	case error:
		return r.text(val.Error())
	case []byte:
		return r.text(string(val))
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, s := range val {
			out[k] = s
		}
		return r.fields(out)
	case map[string]any:
		return r.fields(val)
	}
	// Other values are logged as-is unless their JSON form holds a secret.
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	if clean := r.text(string(raw)); clean != string(raw) {
		return clean
	}
	return v
}

func (r *redactor) fields(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitive(k) {
			out[k] = redacted
			continue
		}
		out[k] = r.value(v)
	}
	return out
}

func isSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.ReplaceAll(key, "-", "_"))]
	return ok
}

func AddRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func AddSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

func AddMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, MessageIDKey, id)
}

func GetRequestID(ctx context.Context) string { return stringValue(ctx, RequestIDKey) }
func GetSessionID(ctx context.Context) string { return stringValue(ctx, SessionIDKey) }
func GetMessageID(ctx context.Context) string { return stringValue(ctx, MessageIDKey) }

func stringValue(ctx context.Context, key ContextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// GetTraceID returns the hex trace ID of the span on ctx, or "".
func GetTraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// GetSpanID returns the hex span ID of the span on ctx, or "".
func GetSpanID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// LogLevelFromString maps a level name to a slog.Level, defaulting to info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
