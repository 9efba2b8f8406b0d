package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/turnengine/internal/turn"
	"github.com/haasonsaas/turnengine/internal/usage"
)

const (
	defaultBedrockModel  = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	defaultBedrockRegion = "us-east-1"
)

// Bedrock streams responses from the AWS Bedrock Converse API. Credentials
// come from the default AWS chain unless an access key pair is configured.
type Bedrock struct {
	client    *bedrockruntime.Client
	model     string
	maxTokens int64
}

// NewBedrock creates a Bedrock adapter.
func NewBedrock(cfg Config) (*Bedrock, error) {
	region := cfg.Region
	if region == "" {
		region = defaultBedrockRegion
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, NewProviderError(ProviderBedrock, cfg.Model, err)
	}
	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if endpoint := strings.TrimSpace(cfg.BaseURL); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	model := cfg.Model
	if model == "" {
		model = defaultBedrockModel
	}
	return &Bedrock{client: client, model: model, maxTokens: cfg.MaxOutputTokens}, nil
}

// Stream implements turn.Provider.
func (p *Bedrock) Stream(ctx context.Context, req *turn.Request) (turn.Stream, error) {
	model := modelID(req, p.model)
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(model),
		Messages:        convertBedrockMessages(buildTranscript(req.History)),
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(min(maxTokens(req, p.maxTokens), math.MaxInt32)))},
	}
	if system := systemPrompt(req); system != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: system}}
	}
	if req.Temperature != nil {
		input.InferenceConfig.Temperature = aws.Float32(float32(*req.Temperature))
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = convertBedrockTools(req.Tools)
	}

	out, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, toTurnError(wrapBedrockError(err, model))
	}
	events := out.GetStream()
	s := &bedrockStream{ctx: ctx, events: events.Events(), err: events.Err, model: model}
	return &pump{pull: s.pull, close: events.Close}, nil
}

// convertBedrockMessages maps the transcript onto Converse messages. Tool
// results travel in a user message, as with Anthropic.
func convertBedrockMessages(transcript []message) []types.Message {
	out := make([]types.Message, 0, len(transcript))
	for _, msg := range transcript {
		var content []types.ContentBlock
		role := types.ConversationRoleUser
		switch msg.Role {
		case roleUser:
			content = append(content, &types.ContentBlockMemberText{Value: msg.Text})
		case roleAssistant:
			role = types.ConversationRoleAssistant
			if msg.Text != "" {
				content = append(content, &types.ContentBlockMemberText{Value: msg.Text})
			}
			for _, call := range msg.ToolCalls {
				var args any
				if err := json.Unmarshal(call.Input, &args); err != nil || args == nil {
					args = map[string]any{}
				}
				content = append(content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(call.ID),
					Name:      aws.String(call.Name),
					Input:     document.NewLazyDocument(args),
				}})
			}
		case roleTool:
			for _, result := range msg.ToolResults {
				block := types.ToolResultBlock{
					ToolUseId: aws.String(result.CallID),
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: result.Output}},
				}
				if result.IsError {
					block.Status = types.ToolResultStatusError
				}
				content = append(content, &types.ContentBlockMemberToolResult{Value: block})
			}
		}
		if len(content) > 0 {
			out = append(out, types.Message{Role: role, Content: content})
		}
	}
	return out
}

func convertBedrockTools(defs []turn.ToolDefinition) *types.ToolConfiguration {
	tools := make([]types.Tool, len(defs))
	for i, def := range defs {
		var schema map[string]any
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil || schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools[i] = &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(def.Name),
			Description: aws.String(def.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}}
	}
	return &types.ToolConfiguration{Tools: tools}
}

type bedrockStream struct {
	ctx    context.Context
	events <-chan types.ConverseStreamOutput
	err    func() error
	model  string
	emit   emitter

	// current tool-use block, if any
	call *toolCall
	args strings.Builder

	usage  usage.Raw
	reason string
	done   bool
}

func (s *bedrockStream) pull() ([]turn.StreamEvent, error) {
	if s.done {
		return nil, io.EOF
	}
	var (
		event types.ConverseStreamOutput
		ok    bool
	)
	select {
	case event, ok = <-s.events:
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
	if !ok {
		if s.err != nil {
			if err := s.err(); err != nil {
				return nil, toTurnError(wrapBedrockError(err, s.model))
			}
		}
		s.done = true
		s.closeToolCall()
		s.emit.finish(s.reason, s.usage)
		return s.emit.flush(), nil
	}

	s.emit.begin()
	switch ev := event.(type) {
	case *types.ConverseStreamOutputMemberContentBlockStart:
		if start, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
			s.closeToolCall()
			s.call = &toolCall{ID: aws.ToString(start.Value.ToolUseId), Name: aws.ToString(start.Value.Name)}
			s.args.Reset()
			s.emit.closeText()
			s.emit.closeReasoning()
			s.emit.out = append(s.emit.out, turn.StreamEvent{Type: turn.EventToolInputStart, CallID: s.call.ID, ToolName: s.call.Name})
		}
	case *types.ConverseStreamOutputMemberContentBlockDelta:
		switch delta := ev.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			s.emit.text(delta.Value)
		case *types.ContentBlockDeltaMemberReasoningContent:
			if text, ok := delta.Value.(*types.ReasoningContentBlockDeltaMemberText); ok {
				s.emit.thinking(text.Value)
			}
		case *types.ContentBlockDeltaMemberToolUse:
			if s.call != nil && delta.Value.Input != nil {
				s.args.WriteString(*delta.Value.Input)
				s.emit.out = append(s.emit.out, turn.StreamEvent{
					Type:     turn.EventToolInputDelta,
					CallID:   s.call.ID,
					ToolName: s.call.Name,
					Text:     *delta.Value.Input,
				})
			}
		}
	case *types.ConverseStreamOutputMemberContentBlockStop:
		s.closeToolCall()
	case *types.ConverseStreamOutputMemberMessageStop:
		s.closeToolCall()
		s.reason = bedrockFinishReason(ev.Value.StopReason)
	case *types.ConverseStreamOutputMemberMetadata:
		if u := ev.Value.Usage; u != nil {
			s.usage = usage.Raw{
				InputTokens:      int64(aws.ToInt32(u.InputTokens)),
				OutputTokens:     int64(aws.ToInt32(u.OutputTokens)),
				CacheReadTokens:  int64(aws.ToInt32(u.CacheReadInputTokens)),
				CacheWriteTokens: int64(aws.ToInt32(u.CacheWriteInputTokens)),
			}
		}
	}
	return s.emit.flush(), nil
}

// closeToolCall emits the tool-call for the open tool-use block.
func (s *bedrockStream) closeToolCall() {
	if s.call == nil {
		return
	}
	input := json.RawMessage(s.args.String())
	if len(input) == 0 || !json.Valid(input) {
		input = json.RawMessage(`{}`)
	}
	s.emit.out = append(s.emit.out, turn.StreamEvent{Type: turn.EventToolCall, CallID: s.call.ID, ToolName: s.call.Name, Input: input})
	s.call = nil
	s.args.Reset()
}

func bedrockFinishReason(reason types.StopReason) string {
	switch reason {
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return FinishStop
	case types.StopReasonMaxTokens:
		return FinishLength
	case types.StopReasonToolUse:
		return FinishToolCalls
	case types.StopReasonGuardrailIntervened, types.StopReasonContentFiltered:
		return FinishContentFilter
	default:
		return FinishOther
	}
}

func wrapBedrockError(err error, model string) error {
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
		return timeoutError(ProviderBedrock, model, err)
	}

	providerErr = NewProviderError(ProviderBedrock, model, err)
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		providerErr = providerErr.WithStatus(respErr.HTTPStatusCode()).WithRequestID(respErr.ServiceRequestID())
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithMessage(apiErr.ErrorMessage())
		providerErr.Code = apiErr.ErrorCode()
		if providerErr.Status == 0 {
			providerErr = providerErr.WithStatus(bedrockStatus(apiErr.ErrorCode()))
		}
	}
	return providerErr
}

// bedrockStatus maps Bedrock exception names for errors that arrive on the
// event stream without an HTTP response.
func bedrockStatus(code string) int {
	switch code {
	case "ThrottlingException", "ServiceQuotaExceededException":
		return http.StatusTooManyRequests
	case "AccessDeniedException", "UnrecognizedClientException":
		return http.StatusForbidden
	case "ValidationException":
		return http.StatusBadRequest
	case "ResourceNotFoundException":
		return http.StatusNotFound
	case "ModelTimeoutException":
		return http.StatusRequestTimeout
	case "InternalServerException", "ServiceUnavailableException", "ModelNotReadyException", "ModelStreamErrorException":
		return http.StatusServiceUnavailable
	}
	return 0
}
