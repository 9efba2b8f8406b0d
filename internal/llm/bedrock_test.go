package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/turnengine/internal/turn"
	"github.com/haasonsaas/turnengine/internal/usage"
)

func bedrockEvents(events ...types.ConverseStreamOutput) <-chan types.ConverseStreamOutput {
	ch := make(chan types.ConverseStreamOutput, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return ch
}

func bedrockDelta(delta types.ContentBlockDelta) *types.ConverseStreamOutputMemberContentBlockDelta {
	return &types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{Delta: delta}}
}

func TestBedrockStream(t *testing.T) {
	events := bedrockEvents(
		&types.ConverseStreamOutputMemberMessageStart{Value: types.MessageStartEvent{Role: types.ConversationRoleAssistant}},
		bedrockDelta(&types.ContentBlockDeltaMemberReasoningContent{Value: &types.ReasoningContentBlockDeltaMemberText{Value: "plan"}}),
		bedrockDelta(&types.ContentBlockDeltaMemberText{Value: "Let me look"}),
		&types.ConverseStreamOutputMemberContentBlockStop{},
		&types.ConverseStreamOutputMemberContentBlockStart{Value: types.ContentBlockStartEvent{
			Start: &types.ContentBlockStartMemberToolUse{Value: types.ToolUseBlockStart{ToolUseId: aws.String("tooluse_1"), Name: aws.String("glob")}},
		}},
		bedrockDelta(&types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`{"pattern":`)}}),
		bedrockDelta(&types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`"*.go"}`)}}),
		&types.ConverseStreamOutputMemberContentBlockStop{},
		&types.ConverseStreamOutputMemberMessageStop{Value: types.MessageStopEvent{StopReason: types.StopReasonToolUse}},
		&types.ConverseStreamOutputMemberMetadata{Value: types.ConverseStreamMetadataEvent{Usage: &types.TokenUsage{
			InputTokens:          aws.Int32(40),
			OutputTokens:         aws.Int32(9),
			CacheReadInputTokens: aws.Int32(100),
		}}},
	)
	s := &bedrockStream{ctx: context.Background(), events: events, model: "claude"}

	got, err := collect(t, &pump{pull: s.pull})
	if err != nil {
		t.Fatalf("collect() error = %v", err)
	}
	want := []string{
		"start", "start-step",
		"reasoning-start", "reasoning-delta", "reasoning-end",
		"text-start", "text-delta", "text-end",
		"tool-input-start", "tool-input-delta", "tool-input-delta", "tool-call",
		"finish-step", "finish",
	}
	if names := eventTypes(got); strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("event types = %v, want %v", names, want)
	}

	call := got[11]
	if call.CallID != "tooluse_1" || call.ToolName != "glob" {
		t.Errorf("tool call = %+v", call)
	}
	var input map[string]string
	if err := json.Unmarshal(call.Input, &input); err != nil || input["pattern"] != "*.go" {
		t.Errorf("tool input = %s", call.Input)
	}

	finish := got[12]
	if finish.FinishReason != FinishToolCalls {
		t.Errorf("finish reason = %q", finish.FinishReason)
	}
	wantUsage := usage.Raw{InputTokens: 40, OutputTokens: 9, CacheReadTokens: 100}
	if finish.Usage != wantUsage {
		t.Errorf("usage = %+v, want %+v", finish.Usage, wantUsage)
	}
}

func TestBedrockStreamError(t *testing.T) {
	s := &bedrockStream{
		ctx:    context.Background(),
		events: bedrockEvents(),
		err: func() error {
			return &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Too many requests"}
		},
		model: "claude",
	}
	_, err := collect(t, &pump{pull: s.pull})
	var apiErr *turn.APIError
	if !errors.As(err, &apiErr) || !apiErr.Retryable {
		t.Fatalf("error = %T %v, want retryable *turn.APIError", err, err)
	}
}

func TestWrapBedrockError(t *testing.T) {
	err := wrapBedrockError(&smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no model access"}, "claude")
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("error = %T", err)
	}
	if providerErr.Reason != FailoverAuth || providerErr.Code != "AccessDeniedException" || providerErr.Provider != ProviderBedrock {
		t.Errorf("provider error = %+v", providerErr)
	}
	if got := wrapBedrockError(context.Canceled, "claude"); !errors.Is(got, context.Canceled) {
		t.Errorf("cancellation wrapped: %v", got)
	}
}

func TestConvertBedrockMessages(t *testing.T) {
	transcript := []message{
		{Role: roleUser, Text: "go"},
		{Role: roleAssistant, Text: "checking", ToolCalls: []toolCall{{ID: "c1", Name: "read", Input: json.RawMessage(`{"path":"a"}`)}}},
		{Role: roleTool, ToolResults: []toolResult{{CallID: "c1", Name: "read", Output: "nope", IsError: true}}},
	}
	msgs := convertBedrockMessages(transcript)
	if len(msgs) != 3 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[1].Role != types.ConversationRoleAssistant || len(msgs[1].Content) != 2 {
		t.Fatalf("assistant message = %+v", msgs[1])
	}
	use, ok := msgs[1].Content[1].(*types.ContentBlockMemberToolUse)
	if !ok || aws.ToString(use.Value.ToolUseId) != "c1" {
		t.Errorf("tool use = %#v", msgs[1].Content[1])
	}
	result, ok := msgs[2].Content[0].(*types.ContentBlockMemberToolResult)
	if msgs[2].Role != types.ConversationRoleUser || !ok || result.Value.Status != types.ToolResultStatusError {
		t.Errorf("tool result = %#v", msgs[2].Content[0])
	}
}

func TestBedrockFinishReason(t *testing.T) {
	tests := map[types.StopReason]string{
		types.StopReasonEndTurn:             FinishStop,
		types.StopReasonMaxTokens:           FinishLength,
		types.StopReasonToolUse:             FinishToolCalls,
		types.StopReasonGuardrailIntervened: FinishContentFilter,
		"something_new":                     FinishOther,
	}
	for in, want := range tests {
		if got := bedrockFinishReason(in); got != want {
			t.Errorf("bedrockFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
