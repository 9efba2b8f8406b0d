package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/turnengine/internal/turn"
	"github.com/haasonsaas/turnengine/internal/usage"
)

const defaultGoogleModel = "gemini-2.5-flash"

// Google streams responses from the Gemini API.
type Google struct {
	client    *genai.Client
	model     string
	maxTokens int64
	thinking  int64
}

// NewGoogle creates a Gemini adapter.
func NewGoogle(cfg Config) (*Google, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, NewProviderError(ProviderGoogle, cfg.Model, err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGoogleModel
	}
	return &Google{client: client, model: model, maxTokens: cfg.MaxOutputTokens, thinking: cfg.ThinkingBudget}, nil
}

// Stream implements turn.Provider. The SDK iterator runs on its own
// goroutine so Close can stop it while Recv is blocked.
func (p *Google) Stream(ctx context.Context, req *turn.Request) (turn.Stream, error) {
	model := modelID(req, p.model)
	contents := convertGeminiContents(buildTranscript(req.History))
	config := p.buildConfig(req)

	ctx, cancel := context.WithCancel(ctx)
	items := make(chan geminiItem)
	go func() {
		defer close(items)
		for resp, err := range p.client.Models.GenerateContentStream(ctx, model, contents, config) {
			select {
			case items <- geminiItem{resp: resp, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	s := &geminiStream{ctx: ctx, items: items, model: model}
	return &pump{pull: s.pull, close: func() error { cancel(); return nil }}, nil
}

func (p *Google) buildConfig(req *turn.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system := systemPrompt(req); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	limit := min(maxTokens(req, p.maxTokens), math.MaxInt32)
	// #nosec G115 -- bounded by min above
	config.MaxOutputTokens = int32(limit)
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if len(req.Tools) > 0 {
		config.Tools = toGeminiTools(req.Tools)
	}
	if p.thinking > 0 {
		budget := int32(min(p.thinking, math.MaxInt32))
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: &budget}
	}
	return config
}

// convertGeminiContents maps assistant messages to the model role and tool
// results to function responses on the user side.
func convertGeminiContents(transcript []message) []*genai.Content {
	var out []*genai.Content
	for _, msg := range transcript {
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == roleAssistant {
			content.Role = genai.RoleModel
		}
		if msg.Text != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Text})
		}
		for _, call := range msg.ToolCalls {
			var args map[string]any
			if err := json.Unmarshal(call.Input, &args); err != nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args},
			})
		}
		for _, result := range msg.ToolResults {
			response := map[string]any{"output": result.Output}
			if result.IsError {
				response = map[string]any{"error": result.Output}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{ID: result.CallID, Name: result.Name, Response: response},
			})
		}
		if len(content.Parts) > 0 {
			out = append(out, content)
		}
	}
	return out
}

type geminiItem struct {
	resp *genai.GenerateContentResponse
	err  error
}

type geminiStream struct {
	ctx    context.Context
	items  <-chan geminiItem
	model  string
	emit   emitter
	usage  usage.Raw
	reason string
	calls  bool
	done   bool
}

func (s *geminiStream) pull() ([]turn.StreamEvent, error) {
	if s.done {
		return nil, io.EOF
	}
	var (
		item geminiItem
		ok   bool
	)
	select {
	case item, ok = <-s.items:
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
	if !ok {
		if err := s.ctx.Err(); err != nil {
			return nil, err
		}
		s.done = true
		reason := s.reason
		if s.calls && (reason == "" || reason == FinishStop) {
			reason = FinishToolCalls
		}
		s.emit.finish(reason, s.usage)
		return s.emit.flush(), nil
	}
	if item.err != nil {
		return nil, toTurnError(wrapGoogleError(item.err, s.model))
	}
	s.apply(item.resp)
	return s.emit.flush(), nil
}

func (s *geminiStream) apply(resp *genai.GenerateContentResponse) {
	s.emit.begin()
	if resp == nil {
		return
	}
	if u := resp.UsageMetadata; u != nil {
		s.usage = usage.Raw{
			InputTokens:        int64(u.PromptTokenCount),
			OutputTokens:       int64(u.CandidatesTokenCount),
			ReasoningTokens:    int64(u.ThoughtsTokenCount),
			CacheReadTokens:    int64(u.CachedContentTokenCount),
			InputIncludesCache: true,
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return
	}
	candidate := resp.Candidates[0]
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			switch {
			case part == nil:
			case part.FunctionCall != nil:
				s.calls = true
				s.emit.toolCall(geminiToolCall(part.FunctionCall))
			case part.Thought:
				s.emit.thinking(part.Text)
			default:
				s.emit.text(part.Text)
			}
		}
	}
	if candidate.FinishReason != "" {
		s.reason = geminiFinishReason(candidate.FinishReason)
	}
}

func geminiToolCall(fc *genai.FunctionCall) toolCall {
	id := fc.ID
	if id == "" {
		// Gemini may omit call ids.
		id = "call_" + uuid.NewString()
	}
	input, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		input = []byte(`{}`)
	}
	return toolCall{ID: id, Name: fc.Name, Input: input}
}

func geminiFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return FinishStop
	case genai.FinishReasonMaxTokens:
		return FinishLength
	case genai.FinishReasonSafety, genai.FinishReasonRecitation:
		return FinishContentFilter
	default:
		return FinishOther
	}
}

func wrapGoogleError(err error, model string) error {
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
		return timeoutError(ProviderGoogle, model, err)
	}

	providerErr = NewProviderError(ProviderGoogle, model, err)

	var apiErr *genai.APIError
	if errors.As(err, &apiErr) {
		return providerErr.WithStatus(apiErr.Code).WithMessage(apiErr.Message).WithCode(apiErr.Status)
	}

	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "401") || strings.Contains(errMsg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "403") || strings.Contains(errMsg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "429") || strings.Contains(errMsg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "400") || strings.Contains(errMsg, "invalid_argument"):
		providerErr = providerErr.WithStatus(http.StatusBadRequest)
	case strings.Contains(errMsg, "500"):
		providerErr = providerErr.WithStatus(http.StatusInternalServerError)
	case strings.Contains(errMsg, "503"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	}
	return providerErr
}
