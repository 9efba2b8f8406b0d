package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/turnengine/internal/turn"
	"github.com/haasonsaas/turnengine/internal/usage"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// Anthropic streams responses from the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	thinking  int64
}

// NewAnthropic creates an Anthropic adapter. SDK retries are disabled; the
// engine owns the retry loop.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: cfg.MaxOutputTokens,
		thinking:  cfg.ThinkingBudget,
	}, nil
}

// Stream implements turn.Provider.
func (p *Anthropic) Stream(ctx context.Context, req *turn.Request) (turn.Stream, error) {
	model := modelID(req, p.model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, &turn.ValidationError{Field: "request", Message: err.Error()}
	}

	s := &anthropicStream{
		sdk:    p.client.Messages.NewStreaming(ctx, params),
		model:  model,
		blocks: make(map[int64]*anthropicBlock),
	}
	return &pump{pull: s.pull, close: s.sdk.Close}, nil
}

func (p *Anthropic) buildParams(req *turn.Request, model string) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(buildTranscript(req.History))
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: maxTokens(req, p.maxTokens),
	}
	if system := systemPrompt(req); system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if p.thinking >= 1024 {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(p.thinking)
	}
	return params, nil
}

// convertAnthropicMessages merges adjacent messages of the same role since
// the API requires strict user/assistant alternation. Tool results travel in
// user messages.
func convertAnthropicMessages(transcript []message) ([]anthropic.MessageParam, error) {
	type turnBlocks struct {
		assistant bool
		blocks    []anthropic.ContentBlockParamUnion
	}
	var merged []turnBlocks
	for _, msg := range transcript {
		var blocks []anthropic.ContentBlockParamUnion
		if msg.Text != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Text))
		}
		for _, call := range msg.ToolCalls {
			var input any
			if err := json.Unmarshal(call.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", call.Name, err)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		for _, result := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(result.CallID, result.Output, result.IsError))
		}
		if len(blocks) == 0 {
			continue
		}
		assistant := msg.Role == roleAssistant
		if n := len(merged); n > 0 && merged[n-1].assistant == assistant {
			merged[n-1].blocks = append(merged[n-1].blocks, blocks...)
			continue
		}
		merged = append(merged, turnBlocks{assistant: assistant, blocks: blocks})
	}

	out := make([]anthropic.MessageParam, 0, len(merged))
	for _, m := range merged {
		if m.assistant {
			out = append(out, anthropic.NewAssistantMessage(m.blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(m.blocks...))
		}
	}
	return out, nil
}

func convertAnthropicTools(defs []turn.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema anthropic.ToolInputSchemaParam
		raw := def.InputSchema
		if len(raw) == 0 {
			raw = json.RawMessage(`{"type":"object"}`)
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", def.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", def.Name)
		}
		if def.Description != "" {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		out = append(out, tool)
	}
	return out, nil
}

type anthropicBlock struct {
	kind  string
	id    string
	name  string
	input strings.Builder
}

type anthropicStream struct {
	sdk    *ssestream.Stream[anthropic.MessageStreamEventUnion]
	model  string
	blocks map[int64]*anthropicBlock
	usage  usage.Raw
	reason string
	done   bool
}

func (s *anthropicStream) pull() ([]turn.StreamEvent, error) {
	if s.done {
		return nil, io.EOF
	}
	if !s.sdk.Next() {
		if err := s.sdk.Err(); err != nil {
			return nil, toTurnError(wrapAnthropicError(err, s.model))
		}
		// The connection closed before message_stop.
		return nil, io.ErrUnexpectedEOF
	}

	event := s.sdk.Current()
	switch event.Type {
	case "message_start":
		start := event.AsMessageStart()
		u := start.Message.Usage
		s.usage.InputTokens = u.InputTokens
		s.usage.CacheReadTokens = u.CacheReadInputTokens
		s.usage.CacheWriteTokens = u.CacheCreationInputTokens
		s.usage.OutputTokens = u.OutputTokens
		return []turn.StreamEvent{{Type: turn.EventStart}, {Type: turn.EventStartStep}}, nil

	case "content_block_start":
		start := event.AsContentBlockStart()
		block := &anthropicBlock{kind: start.ContentBlock.Type}
		s.blocks[start.Index] = block
		switch block.kind {
		case "text":
			return []turn.StreamEvent{{Type: turn.EventTextStart}}, nil
		case "thinking", "redacted_thinking":
			block.id = reasoningID(int(start.Index))
			return []turn.StreamEvent{{Type: turn.EventReasoningStart, ID: block.id}}, nil
		case "tool_use":
			toolUse := start.ContentBlock.AsToolUse()
			block.id = toolUse.ID
			block.name = toolUse.Name
			return []turn.StreamEvent{{Type: turn.EventToolInputStart, CallID: block.id, ToolName: block.name}}, nil
		}

	case "content_block_delta":
		delta := event.AsContentBlockDelta()
		block := s.blocks[delta.Index]
		if block == nil {
			return nil, nil
		}
		switch delta.Delta.Type {
		case "text_delta":
			if delta.Delta.Text != "" {
				return []turn.StreamEvent{{Type: turn.EventTextDelta, Text: delta.Delta.Text}}, nil
			}
		case "thinking_delta":
			if delta.Delta.Thinking != "" {
				return []turn.StreamEvent{{Type: turn.EventReasoningDelta, ID: block.id, Text: delta.Delta.Thinking}}, nil
			}
		case "signature_delta":
			return []turn.StreamEvent{{
				Type:     turn.EventReasoningDelta,
				ID:       block.id,
				Metadata: map[string]any{"signature": delta.Delta.Signature},
			}}, nil
		case "input_json_delta":
			if delta.Delta.PartialJSON != "" {
				block.input.WriteString(delta.Delta.PartialJSON)
				return []turn.StreamEvent{{
					Type:     turn.EventToolInputDelta,
					CallID:   block.id,
					ToolName: block.name,
					Text:     delta.Delta.PartialJSON,
				}}, nil
			}
		}

	case "content_block_stop":
		stop := event.AsContentBlockStop()
		block := s.blocks[stop.Index]
		delete(s.blocks, stop.Index)
		if block == nil {
			return nil, nil
		}
		switch block.kind {
		case "text":
			return []turn.StreamEvent{{Type: turn.EventTextEnd}}, nil
		case "thinking", "redacted_thinking":
			return []turn.StreamEvent{{Type: turn.EventReasoningEnd, ID: block.id}}, nil
		case "tool_use":
			input := json.RawMessage(block.input.String())
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			return []turn.StreamEvent{{Type: turn.EventToolCall, CallID: block.id, ToolName: block.name, Input: input}}, nil
		}

	case "message_delta":
		delta := event.AsMessageDelta()
		if delta.Usage.OutputTokens > 0 {
			s.usage.OutputTokens = delta.Usage.OutputTokens
		}
		if reason := string(delta.Delta.StopReason); reason != "" {
			s.reason = anthropicFinishReason(reason)
		}

	case "message_stop":
		s.done = true
		return []turn.StreamEvent{
			{Type: turn.EventFinishStep, FinishReason: s.reason, Usage: s.usage},
			{Type: turn.EventFinish, FinishReason: s.reason, Usage: s.usage},
		}, nil
	}
	return nil, nil
}

func anthropicFinishReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence", "pause_turn":
		return FinishStop
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	case "refusal":
		return FinishContentFilter
	default:
		return FinishOther
	}
}

type anthropicErrorPayload struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func wrapAnthropicError(err error, model string) error {
	if err == nil {
		return nil
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutError(ProviderAnthropic, model, err)
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return wrapAnthropicStreamError(err, model)
	}

	providerErr = (&ProviderError{
		Provider: ProviderAnthropic,
		Model:    model,
		Cause:    err,
		Reason:   FailoverUnknown,
		Message:  "anthropic request failed",
	}).WithStatus(apiErr.StatusCode)
	if apiErr.StatusCode == 529 {
		providerErr.Reason = FailoverServerError
	}

	raw := apiErr.RawJSON()
	requestID := apiErr.RequestID
	if raw != "" {
		var payload anthropicErrorPayload
		if json.Unmarshal([]byte(raw), &payload) == nil {
			providerErr = providerErr.WithMessage(payload.Error.Message)
			if payload.Error.Type != "" {
				providerErr = providerErr.WithCode(payload.Error.Type)
			}
			if payload.RequestID != "" {
				requestID = payload.RequestID
			}
		}
	}
	if apiErr.Response != nil {
		providerErr = providerErr.WithResponse(apiErr.Response.Header, raw)
	}
	if requestID != "" {
		providerErr = providerErr.WithRequestID(requestID)
	}
	return providerErr
}

// streamErrorPrefix starts the error the SDK reports for an SSE error event;
// the event's JSON payload follows it.
const streamErrorPrefix = "received error while streaming: "

// wrapAnthropicStreamError classifies an error event received mid-stream
// by the error type in its payload.
func wrapAnthropicStreamError(err error, model string) *ProviderError {
	providerErr := NewProviderError(ProviderAnthropic, model, err)
	msg := err.Error()
	i := strings.Index(msg, streamErrorPrefix)
	if i < 0 {
		return providerErr
	}
	var payload anthropicErrorPayload
	if json.Unmarshal([]byte(msg[i+len(streamErrorPrefix):]), &payload) != nil {
		return providerErr
	}
	providerErr = providerErr.WithMessage(payload.Error.Message)
	if payload.Error.Type != "" {
		providerErr = providerErr.WithCode(payload.Error.Type)
	}
	if payload.RequestID != "" {
		providerErr = providerErr.WithRequestID(payload.RequestID)
	}
	return providerErr
}
