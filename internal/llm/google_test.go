package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/turnengine/internal/turn"
	"github.com/haasonsaas/turnengine/internal/usage"
)

func TestGeminiStreamConversion(t *testing.T) {
	responses := []*genai.GenerateContentResponse{
		{Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{{Text: "planning", Thought: true}}}}}},
		{Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{{Text: "Let me "}, {Text: "look"}}}}}},
		{
			Candidates: []*genai.Candidate{{
				Content:      &genai.Content{Parts: []*genai.Part{{FunctionCall: &genai.FunctionCall{Name: "glob", Args: map[string]any{"pattern": "*.go"}}}}},
				FinishReason: genai.FinishReasonStop,
			}},
			UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
				PromptTokenCount:        50,
				CandidatesTokenCount:    12,
				CachedContentTokenCount: 20,
				ThoughtsTokenCount:      5,
			},
		},
	}

	items := make(chan geminiItem, len(responses))
	for _, r := range responses {
		items <- geminiItem{resp: r}
	}
	close(items)
	s := &geminiStream{ctx: context.Background(), items: items, model: "gemini"}

	events, err := collect(t, &pump{pull: s.pull})
	if err != nil {
		t.Fatalf("collect() error = %v", err)
	}
	want := []string{
		"start", "start-step",
		"reasoning-start", "reasoning-delta", "reasoning-end",
		"text-start", "text-delta", "text-delta", "text-end",
		"tool-input-start", "tool-call",
		"finish-step", "finish",
	}
	if got := eventTypes(events); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event types = %v, want %v", got, want)
	}

	call := events[10]
	if !strings.HasPrefix(call.CallID, "call_") || call.ToolName != "glob" {
		t.Errorf("tool call = %+v", call)
	}
	var input map[string]string
	if err := json.Unmarshal(call.Input, &input); err != nil || input["pattern"] != "*.go" {
		t.Errorf("tool input = %s", call.Input)
	}

	finish := events[11]
	if finish.FinishReason != FinishToolCalls {
		t.Errorf("finish reason = %q, want tool-calls", finish.FinishReason)
	}
	wantUsage := usage.Raw{InputTokens: 50, OutputTokens: 12, ReasoningTokens: 5, CacheReadTokens: 20, InputIncludesCache: true}
	if finish.Usage != wantUsage {
		t.Errorf("usage = %+v, want %+v", finish.Usage, wantUsage)
	}
}

func TestGeminiStreamError(t *testing.T) {
	items := make(chan geminiItem, 1)
	items <- geminiItem{err: errors.New("Error 429, Message: Resource exhausted, Status: RESOURCE_EXHAUSTED")}
	close(items)
	s := &geminiStream{ctx: context.Background(), items: items, model: "gemini"}

	_, err := collect(t, &pump{pull: s.pull})
	var apiErr *turn.APIError
	if !errors.As(err, &apiErr) || !apiErr.Retryable {
		t.Fatalf("error = %T %v, want retryable *turn.APIError", err, err)
	}
}

func TestGeminiStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &geminiStream{ctx: ctx, items: make(chan geminiItem), model: "gemini"}
	if _, err := collect(t, &pump{pull: s.pull}); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestToGeminiSchema(t *testing.T) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "file path"},
			"limit": {"type": ["integer", "null"]},
			"tags": {"type": "array", "items": {"type": "string", "enum": ["a", "b"]}}
		},
		"required": ["path", "ghost"]
	}`), &raw); err != nil {
		t.Fatal(err)
	}

	schema := toGeminiSchema(raw)
	if schema.Type != genai.TypeObject {
		t.Errorf("type = %q", schema.Type)
	}
	if got := schema.Properties["path"]; got.Type != genai.TypeString || got.Description != "file path" {
		t.Errorf("path = %+v", got)
	}
	limit := schema.Properties["limit"]
	if limit.Type != genai.TypeInteger || limit.Nullable == nil || !*limit.Nullable {
		t.Errorf("limit = %+v", limit)
	}
	if items := schema.Properties["tags"].Items; items == nil || len(items.Enum) != 2 {
		t.Errorf("tags items = %+v", items)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "path" {
		t.Errorf("required = %v, want [path]", schema.Required)
	}
}

func TestConvertGeminiContents(t *testing.T) {
	transcript := []message{
		{Role: roleUser, Text: "go"},
		{Role: roleAssistant, ToolCalls: []toolCall{{ID: "c1", Name: "read", Input: json.RawMessage(`{"path":"a"}`)}}},
		{Role: roleTool, ToolResults: []toolResult{{CallID: "c1", Name: "read", Output: "nope", IsError: true}}},
	}
	contents := convertGeminiContents(transcript)
	if len(contents) != 3 {
		t.Fatalf("contents = %d", len(contents))
	}
	if contents[1].Role != genai.RoleModel || contents[1].Parts[0].FunctionCall.Args["path"] != "a" {
		t.Errorf("model content = %+v", contents[1].Parts[0])
	}
	resp := contents[2].Parts[0].FunctionResponse
	if contents[2].Role != genai.RoleUser || resp.Name != "read" || resp.Response["error"] != "nope" {
		t.Errorf("function response = %+v", resp)
	}
}
