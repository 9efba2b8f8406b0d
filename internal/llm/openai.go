package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/turnengine/internal/turn"
	"github.com/haasonsaas/turnengine/internal/usage"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAI streams responses from the Chat Completions API.
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int64
}

// NewOpenAI creates an OpenAI adapter. BaseURL allows any compatible
// endpoint.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     model,
		maxTokens: cfg.MaxOutputTokens,
	}, nil
}

// Stream implements turn.Provider.
func (p *OpenAI) Stream(ctx context.Context, req *turn.Request) (turn.Stream, error) {
	model := modelID(req, p.model)
	request := openai.ChatCompletionRequest{
		Model:               model,
		Messages:            convertOpenAIMessages(systemPrompt(req), buildTranscript(req.History)),
		MaxCompletionTokens: int(maxTokens(req, p.maxTokens)),
		Stream:              true,
		StreamOptions:       &openai.StreamOptions{IncludeUsage: true},
	}
	if len(req.Tools) > 0 {
		request.Tools = convertOpenAITools(req.Tools)
	}
	if req.Temperature != nil {
		request.Temperature = float32(*req.Temperature)
	}

	sdk, err := p.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, toTurnError(wrapOpenAIError(err, model))
	}
	s := &openAIStream{sdk: sdk, model: model, calls: make(map[int]*openAIToolCall)}
	return &pump{pull: s.pull, close: func() error { return sdk.Close() }}, nil
}

// convertOpenAIMessages puts the system prompt first and gives every tool
// result its own message.
func convertOpenAIMessages(system string, transcript []message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(transcript)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range transcript {
		switch msg.Role {
		case roleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Text})
		case roleAssistant:
			oai := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Text}
			for _, call := range msg.ToolCalls {
				oai.ToolCalls = append(oai.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				})
			}
			out = append(out, oai)
		case roleTool:
			for _, result := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    result.Output,
					ToolCallID: result.CallID,
				})
			}
		}
	}
	return out
}

func convertOpenAITools(defs []turn.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, len(defs))
	for i, def := range defs {
		var schema map[string]any
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

type openAIToolCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

type openAIStream struct {
	sdk    *openai.ChatCompletionStream
	model  string
	emit   emitter
	calls  map[int]*openAIToolCall
	usage  usage.Raw
	reason string
	done   bool
}

func (s *openAIStream) pull() ([]turn.StreamEvent, error) {
	if s.done {
		return nil, io.EOF
	}
	response, err := s.sdk.Recv()
	if errors.Is(err, io.EOF) {
		s.done = true
		s.flushToolCalls()
		s.emit.finish(s.reason, s.usage)
		return s.emit.flush(), nil
	}
	if err != nil {
		return nil, toTurnError(wrapOpenAIError(err, s.model))
	}

	s.emit.begin()
	if u := response.Usage; u != nil {
		s.usage = usage.Raw{
			InputTokens:        int64(u.PromptTokens),
			OutputTokens:       int64(u.CompletionTokens),
			InputIncludesCache: true,
		}
		if d := u.PromptTokensDetails; d != nil {
			s.usage.CacheReadTokens = int64(d.CachedTokens)
		}
		if d := u.CompletionTokensDetails; d != nil {
			s.usage.ReasoningTokens = int64(d.ReasoningTokens)
			s.usage.OutputTokens = max(s.usage.OutputTokens-s.usage.ReasoningTokens, 0)
		}
	}
	if len(response.Choices) == 0 {
		return s.emit.flush(), nil
	}

	choice := response.Choices[0]
	s.emit.thinking(choice.Delta.ReasoningContent)
	s.emit.text(choice.Delta.Content)
	for _, tc := range choice.Delta.ToolCalls {
		s.toolDelta(tc)
	}
	if choice.FinishReason != "" {
		s.reason = openAIFinishReason(string(choice.FinishReason))
		s.flushToolCalls()
	}
	return s.emit.flush(), nil
}

func (s *openAIStream) toolDelta(tc openai.ToolCall) {
	index := 0
	if tc.Index != nil {
		index = *tc.Index
	}
	call := s.calls[index]
	if call == nil {
		call = &openAIToolCall{}
		s.calls[index] = call
	}
	if tc.ID != "" {
		call.id = tc.ID
	}
	if tc.Function.Name != "" {
		call.name = tc.Function.Name
	}
	if !call.started && call.id != "" && call.name != "" {
		call.started = true
		s.emit.closeText()
		s.emit.closeReasoning()
		s.emit.out = append(s.emit.out, turn.StreamEvent{Type: turn.EventToolInputStart, CallID: call.id, ToolName: call.name})
	}
	if tc.Function.Arguments != "" {
		call.args.WriteString(tc.Function.Arguments)
		if call.started {
			s.emit.out = append(s.emit.out, turn.StreamEvent{
				Type:     turn.EventToolInputDelta,
				CallID:   call.id,
				ToolName: call.name,
				Text:     tc.Function.Arguments,
			})
		}
	}
}

// flushToolCalls emits a tool-call for every accumulated call in index order.
func (s *openAIStream) flushToolCalls() {
	indexes := make([]int, 0, len(s.calls))
	for i, call := range s.calls {
		if call.id != "" && call.name != "" {
			indexes = append(indexes, i)
		}
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		call := s.calls[i]
		input := json.RawMessage(call.args.String())
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		s.emit.closeText()
		s.emit.closeReasoning()
		if !call.started {
			s.emit.out = append(s.emit.out, turn.StreamEvent{Type: turn.EventToolInputStart, CallID: call.id, ToolName: call.name})
		}
		s.emit.out = append(s.emit.out, turn.StreamEvent{Type: turn.EventToolCall, CallID: call.id, ToolName: call.name, Input: input})
	}
	if len(indexes) > 0 {
		s.reason = FinishToolCalls
	}
	clear(s.calls)
}

func openAIFinishReason(reason string) string {
	switch reason {
	case "stop":
		return FinishStop
	case "length":
		return FinishLength
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "content_filter":
		return FinishContentFilter
	default:
		return FinishOther
	}
}

func wrapOpenAIError(err error, model string) error {
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
		return timeoutError(ProviderOpenAI, model, err)
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr = NewProviderError(ProviderOpenAI, model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code := fmt.Sprint(apiErr.Code); apiErr.Code != nil && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr = NewProviderError(ProviderOpenAI, model, err).WithStatus(reqErr.HTTPStatusCode)
		providerErr.Body = string(reqErr.Body)
		return providerErr
	}

	return NewProviderError(ProviderOpenAI, model, err)
}
