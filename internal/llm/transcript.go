package llm

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/turnengine/pkg/models"
)

const (
	interruptedToolOutput = "Tool execution was interrupted"
	compactedToolOutput   = "[Old tool result content cleared]"
)

type role string

const (
	roleUser      role = "user"
	roleAssistant role = "assistant"
	roleTool      role = "tool"
)

// message is the provider-neutral shape every adapter converts from.
type message struct {
	Role        role
	Text        string
	ToolCalls   []toolCall
	ToolResults []toolResult
}

type toolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type toolResult struct {
	CallID  string
	Name    string
	Output  string
	IsError bool
}

// buildTranscript flattens persisted history into alternating user,
// assistant and tool messages. Tool calls that never reached a terminal
// state are reported to the model as interrupted so every call has a result.
func buildTranscript(history []models.MessageWithParts) []message {
	var out []message
	for _, entry := range history {
		if entry.Message == nil {
			continue
		}
		switch entry.Message.Role {
		case models.RoleUser:
			if text := joinText(entry.Parts); text != "" {
				out = append(out, message{Role: roleUser, Text: text})
			}
		case models.RoleAssistant:
			out = append(out, assistantMessages(entry)...)
		}
	}
	return out
}

func assistantMessages(entry models.MessageWithParts) []message {
	msg := message{Role: roleAssistant, Text: joinText(entry.Parts)}
	var results []toolResult
	for _, part := range entry.Parts {
		if part.Type != models.PartTool || part.Tool == nil {
			continue
		}
		tool := part.Tool
		input := tool.State.Input
		if len(input) == 0 || !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		msg.ToolCalls = append(msg.ToolCalls, toolCall{ID: tool.CallID, Name: tool.Tool, Input: input})

		result := toolResult{CallID: tool.CallID, Name: tool.Tool}
		switch tool.State.Status {
		case models.ToolCompleted:
			result.Output = tool.State.Output
			if tool.State.CompactedAt != nil {
				result.Output = compactedToolOutput
			}
		case models.ToolError:
			result.Output = tool.State.Error
			result.IsError = true
		default:
			result.Output = interruptedToolOutput
			result.IsError = true
		}
		results = append(results, result)
	}

	// A failed message with nothing to show is dropped entirely.
	if msg.Text == "" && len(msg.ToolCalls) == 0 {
		return nil
	}
	out := []message{msg}
	if len(results) > 0 {
		out = append(out, message{Role: roleTool, ToolResults: results})
	}
	return out
}

func joinText(parts []*models.Part) string {
	var b strings.Builder
	for _, part := range parts {
		if part.Type != models.PartText || part.Text == nil || part.Text.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(part.Text.Text)
	}
	return b.String()
}
