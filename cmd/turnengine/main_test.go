package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/turnengine/internal/config"
	"github.com/haasonsaas/turnengine/internal/permission"
	"github.com/haasonsaas/turnengine/internal/sessions"
	"github.com/haasonsaas/turnengine/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "sessions", "migrate", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestConfigSchemaCommand(t *testing.T) {
	out, err := execute(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	var schema map[string]any
	if err := json.Unmarshal([]byte(out), &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if schema["$id"] != config.SchemaID {
		t.Errorf("$id = %v", schema["$id"])
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "turnengine.yaml")
	content := "provider:\n  api_key: sk-secret\nstore:\n  driver: postgres\n  dsn: postgres://app:hunter2@db:5432/turnengine\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "config", "show", "--config", path)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "sk-secret") || strings.Contains(out, "hunter2") {
		t.Fatalf("secrets leaked:\n%s", out)
	}
	if !strings.Contains(out, "stall_timeout:") {
		t.Errorf("defaults missing from output:\n%s", out)
	}
}

func TestMigrateRequiresSQLStore(t *testing.T) {
	t.Setenv(configEnv, "")
	_, err := execute(t, "migrate", "status")
	if err == nil || !strings.Contains(err.Error(), "no schema") {
		t.Fatalf("migrate status on memory store: err = %v", err)
	}
}

func TestSessionsCommandsSQLite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "turnengine.yaml")
	content := "store:\n  driver: sqlite\n  path: " + filepath.Join(dir, "sessions.db") + "\nlog:\n  level: error\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "migrate", "up", "--config", path)
	if err != nil {
		t.Fatalf("migrate up: %v\n%s", err, out)
	}
	if !strings.Contains(out, "applied") {
		t.Errorf("migrate up output = %q", out)
	}

	ctx := context.Background()
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	a, err := newAppFromConfig(ctx, cfg, appOptions{})
	if err != nil {
		t.Fatal(err)
	}
	session, err := ensureSession(ctx, a.store, "", dir)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	msg := &models.Message{ID: models.NewMessageID(), SessionID: session.ID, Role: models.RoleUser, CreatedAt: now}
	if err := a.store.UpdateMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}
	part := &models.Part{
		ID: models.NewPartID(), SessionID: session.ID, MessageID: msg.ID, Type: models.PartText,
		Text: &models.TextPart{Text: "hello from the transcript", StartedAt: now},
	}
	if err := a.store.UpdatePart(ctx, part); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(ctx); err != nil {
		t.Fatal(err)
	}

	out, err = execute(t, "sessions", "list", "--config", path)
	if err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	if !strings.Contains(out, session.ID) {
		t.Errorf("sessions list missing %s:\n%s", session.ID, out)
	}

	out, err = execute(t, "sessions", "show", session.ID, "--config", path)
	if err != nil {
		t.Fatalf("sessions show: %v", err)
	}
	if !strings.Contains(out, "hello from the transcript") || !strings.Contains(out, "[user]") {
		t.Errorf("sessions show output:\n%s", out)
	}
}

func TestEnsureSession(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewMemoryStore()

	created, err := ensureSession(ctx, store, "", "/work")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(created.ID, models.PrefixSession) {
		t.Errorf("generated id = %q", created.ID)
	}

	named, err := ensureSession(ctx, store, "ses_named", "/work")
	if err != nil {
		t.Fatal(err)
	}
	again, err := ensureSession(ctx, store, "ses_named", "/elsewhere")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != named.ID || again.Directory != "/work" {
		t.Errorf("existing session not reused: %+v", again)
	}
}

func TestReadPrompt(t *testing.T) {
	got, err := readPrompt(nil, []string{"list", "files"})
	if err != nil || got != "list files" {
		t.Fatalf("readPrompt(args) = %q, %v", got, err)
	}
	got, err = readPrompt(strings.NewReader("  from stdin\n"), nil)
	if err != nil || got != "from stdin" {
		t.Fatalf("readPrompt(stdin) = %q, %v", got, err)
	}
	if _, err := readPrompt(strings.NewReader(""), nil); err == nil {
		t.Fatal("expected error for empty prompt")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingReplier struct {
	replies map[string]models.PermissionReply
}

func (r *recordingReplier) Reply(id string, reply models.PermissionReply) error {
	r.replies[id] = reply
	return nil
}

func asked(id, perm string, patterns ...string) models.Event {
	return models.Event{
		Type:       models.EventPermissionAsked,
		SessionID:  "ses_1",
		Permission: &models.PermissionRequest{ID: id, SessionID: "ses_1", Permission: perm, Patterns: patterns},
	}
}

func TestPermissionResponder(t *testing.T) {
	tests := []struct {
		name   string
		cfg    config.PermissionConfig
		prompt promptFunc
		want   models.PermissionReply
	}{
		{"fallback deny", config.PermissionConfig{Fallback: permission.ActionDeny}, nil, models.PermissionReject},
		{"fallback allow", config.PermissionConfig{Fallback: permission.ActionAllow}, nil, models.PermissionAllow},
		{
			"prompt answers",
			config.PermissionConfig{Fallback: permission.ActionDeny},
			func(models.PermissionRequest) (models.PermissionReply, error) { return models.PermissionAlways, nil },
			models.PermissionAlways,
		},
		{
			"prompt failure falls back",
			config.PermissionConfig{Fallback: permission.ActionAllow},
			func(models.PermissionRequest) (models.PermissionReply, error) { return "", os.ErrClosed },
			models.PermissionAllow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingReplier{replies: map[string]models.PermissionReply{}}
			var notice bytes.Buffer
			r := newPermissionResponder(rec, tt.cfg, &notice, discardLogger())
			r.prompt = tt.prompt

			events := make(chan models.Event, 2)
			events <- asked("per_1", "read", "secrets.env")
			events <- models.Event{Type: models.EventSessionStatus}
			close(events)
			r.run(events)

			if got := rec.replies["per_1"]; got != tt.want {
				t.Errorf("reply = %q, want %q", got, tt.want)
			}
			if len(rec.replies) != 1 {
				t.Errorf("replies = %v", rec.replies)
			}
		})
	}
}

func TestTerminalPrompt(t *testing.T) {
	var out bytes.Buffer
	prompt := newTerminalPrompt(strings.NewReader("maybe\nA\n"), &out)
	reply, err := prompt(models.PermissionRequest{Permission: "read", Patterns: []string{"a.txt"}})
	if err != nil {
		t.Fatal(err)
	}
	if reply != models.PermissionAlways {
		t.Errorf("reply = %q", reply)
	}
	if strings.Count(out.String(), "Allow read a.txt?") != 2 {
		t.Errorf("prompt output = %q", out.String())
	}

	doom := describeRequest(models.PermissionRequest{Permission: permission.DoomLoop, Patterns: []string{"glob"}})
	if !strings.Contains(doom, "glob") || !strings.Contains(doom, "repeat") {
		t.Errorf("doom loop description = %q", doom)
	}
}

func TestRenderer(t *testing.T) {
	var out, status bytes.Buffer
	r := newRenderer(&out, &status)

	text := &models.Part{ID: "prt_1", Type: models.PartText, Text: &models.TextPart{}}
	r.handle(models.Event{Type: models.EventPartUpdated, Part: text, Delta: "Reading"})
	r.handle(models.Event{Type: models.EventPartUpdated, Part: text, Delta: " the file"})

	tool := &models.Part{ID: "prt_2", Type: models.PartTool, Tool: &models.ToolPart{
		CallID: "call_1", Tool: "read",
		State: models.ToolState{Status: models.ToolRunning, Input: json.RawMessage(`{"path":"a.txt"}`)},
	}}
	r.handle(models.Event{Type: models.EventPartUpdated, Part: tool})
	r.handle(models.Event{Type: models.EventPartUpdated, Part: tool})
	done := tool.Clone()
	done.Tool.State.Status = models.ToolCompleted
	r.handle(models.Event{Type: models.EventPartUpdated, Part: done})
	r.handle(models.Event{Type: models.EventSessionStatus, Status: &models.SessionStatus{
		Type: models.StatusRetry, Attempt: 2, Message: "overloaded",
	}})
	r.finish()

	if out.String() != "Reading the file\n" {
		t.Errorf("stdout = %q", out.String())
	}
	lines := strings.Split(strings.TrimSpace(status.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("status lines = %q", lines)
	}
	if !strings.HasPrefix(lines[0], "…") || !strings.HasPrefix(lines[1], "✓") {
		t.Errorf("tool transitions = %q", lines[:2])
	}
	if !strings.Contains(lines[2], "attempt 2") || !strings.Contains(lines[2], "overloaded") {
		t.Errorf("retry line = %q", lines[2])
	}
}

func TestMaskDSN(t *testing.T) {
	if got := maskDSN("postgres://app:hunter2@db/turnengine"); strings.Contains(got, "hunter2") {
		t.Errorf("maskDSN leaked password: %q", got)
	}
	if got := maskDSN("host=db user=app"); got != "host=db user=app" {
		t.Errorf("maskDSN(keyword dsn) = %q", got)
	}
}
