package models

import (
	"encoding/json"
	"maps"
	"time"
)

// PartType discriminates the Part union.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartTool       PartType = "tool"
	PartStepStart  PartType = "step-start"
	PartStepFinish PartType = "step-finish"
	PartPatch      PartType = "patch"
)

// Part is an independently persisted fragment of a message.
//
// Exactly one payload pointer is non-nil for a given Type: Text for text and
// reasoning parts, Tool for tool parts, StepStart, StepFinish and Patch for
// the remaining variants.
type Part struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	MessageID string   `json:"message_id"`
	Type      PartType `json:"type"`

	Text       *TextPart       `json:"text,omitempty"`
	Tool       *ToolPart       `json:"tool,omitempty"`
	StepStart  *StepStartPart  `json:"step_start,omitempty"`
	StepFinish *StepFinishPart `json:"step_finish,omitempty"`
	Patch      *PatchPart      `json:"patch,omitempty"`
}

// TextPart holds streamed text or reasoning content.
type TextPart struct {
	Text      string         `json:"text"`
	Synthetic bool           `json:"synthetic,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Finalized reports whether the part has been closed.
func (t *TextPart) Finalized() bool {
	return t != nil && t.EndedAt != nil
}

// ToolStatus is the lifecycle state of a tool call.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Terminal reports whether no further transitions are possible.
func (s ToolStatus) Terminal() bool {
	return s == ToolCompleted || s == ToolError
}

// rank orders the states; terminal states share the highest rank.
func (s ToolStatus) rank() int {
	switch s {
	case ToolPending:
		return 0
	case ToolRunning:
		return 1
	case ToolCompleted, ToolError:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next is a forward step.
// A pending call may fail directly without ever running.
func (s ToolStatus) CanTransition(next ToolStatus) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 || s.Terminal() {
		return false
	}
	if next == ToolCompleted {
		return s == ToolRunning
	}
	return to > from
}

// ToolPart records one tool invocation keyed by the provider's call id.
type ToolPart struct {
	CallID   string         `json:"call_id"`
	Tool     string         `json:"tool"`
	State    ToolState      `json:"state"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolState carries the fields relevant to the current ToolStatus.
type ToolState struct {
	Status      ToolStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Raw         string          `json:"raw,omitempty"`
	Output      string          `json:"output,omitempty"`
	Title       string          `json:"title,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	EndedAt     *time.Time      `json:"ended_at,omitempty"`
	CompactedAt *time.Time      `json:"compacted_at,omitempty"`
}

// StepStartPart marks the beginning of a model step.
type StepStartPart struct {
	Snapshot string `json:"snapshot,omitempty"`
}

// StepFinishPart marks the end of a model step with its accounting.
type StepFinishPart struct {
	Reason   string     `json:"reason"`
	Snapshot string     `json:"snapshot,omitempty"`
	Cost     float64    `json:"cost"`
	Tokens   TokenUsage `json:"tokens"`
}

// PatchPart lists files changed during a step.
type PatchPart struct {
	Hash  string   `json:"hash"`
	Files []string `json:"files"`
}

// Clone returns a deep copy of the part so callers can mutate freely.
func (p *Part) Clone() *Part {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Text != nil {
		text := *p.Text
		text.EndedAt = cloneTime(p.Text.EndedAt)
		text.Metadata = maps.Clone(p.Text.Metadata)
		clone.Text = &text
	}
	if p.Tool != nil {
		tool := *p.Tool
		tool.Metadata = maps.Clone(p.Tool.Metadata)
		tool.State.Input = append(json.RawMessage(nil), p.Tool.State.Input...)
		tool.State.Metadata = maps.Clone(p.Tool.State.Metadata)
		tool.State.Attachments = append([]Attachment(nil), p.Tool.State.Attachments...)
		tool.State.StartedAt = cloneTime(p.Tool.State.StartedAt)
		tool.State.EndedAt = cloneTime(p.Tool.State.EndedAt)
		tool.State.CompactedAt = cloneTime(p.Tool.State.CompactedAt)
		clone.Tool = &tool
	}
	if p.StepStart != nil {
		step := *p.StepStart
		clone.StepStart = &step
	}
	if p.StepFinish != nil {
		step := *p.StepFinish
		clone.StepFinish = &step
	}
	if p.Patch != nil {
		patch := *p.Patch
		patch.Files = append([]string(nil), p.Patch.Files...)
		clone.Patch = &patch
	}
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
