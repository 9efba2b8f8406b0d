package turn

import (
	"encoding/json"

	"github.com/haasonsaas/turnengine/internal/usage"
	"github.com/haasonsaas/turnengine/pkg/models"
)

// EventType identifies a stream event.
type EventType string

const (
	EventStart          EventType = "start"
	EventReasoningStart EventType = "reasoning-start"
	EventReasoningDelta EventType = "reasoning-delta"
	EventReasoningEnd   EventType = "reasoning-end"
	EventTextStart      EventType = "text-start"
	EventTextDelta      EventType = "text-delta"
	EventTextEnd        EventType = "text-end"
	EventToolInputStart EventType = "tool-input-start"
	EventToolInputDelta EventType = "tool-input-delta"
	EventToolCall       EventType = "tool-call"
	EventToolResult     EventType = "tool-result"
	EventToolError      EventType = "tool-error"
	EventStartStep      EventType = "start-step"
	EventFinishStep     EventType = "finish-step"
	EventFinish         EventType = "finish"
	EventError          EventType = "error"
)

// StreamEvent is one element of a provider stream. Which fields are set
// depends on Type:
//
//   - reasoning-*: ID (reasoning stream id), Text for deltas, Metadata
//   - text-*: Text for deltas, Metadata
//   - tool-input-start, tool-input-delta: CallID, ToolName, Text (raw input)
//   - tool-call: CallID, ToolName, Input
//   - tool-result: CallID, Result
//   - tool-error: CallID, Err
//   - finish-step: FinishReason, Usage, Metadata
//   - finish: FinishReason, Usage (totals)
//   - error: Err
type StreamEvent struct {
	Type         EventType
	ID           string
	Text         string
	CallID       string
	ToolName     string
	Input        json.RawMessage
	Result       *ToolResult
	Err          error
	FinishReason string
	Usage        usage.Raw
	Metadata     map[string]any
}

// ToolResult is the outcome of a successful tool execution.
type ToolResult struct {
	Output      string
	Title       string
	Metadata    map[string]any
	Attachments []models.Attachment
}

// size is the payload size recorded by the health monitor.
func (e StreamEvent) size() int {
	switch e.Type {
	case EventTextDelta, EventReasoningDelta, EventToolInputDelta:
		return len(e.Text)
	case EventToolCall:
		return len(e.Input)
	case EventToolResult:
		if e.Result != nil {
			return len(e.Result.Output)
		}
	}
	return 0
}
