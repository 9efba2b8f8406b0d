package turn

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/turnengine/internal/usage"
	"github.com/haasonsaas/turnengine/pkg/models"
)

// Provider opens model response streams.
type Provider interface {
	// Stream starts a response. The returned stream must stop promptly once
	// ctx is cancelled.
	Stream(ctx context.Context, req *Request) (Stream, error)
}

// Stream yields events until Recv returns io.EOF or an error.
// Close releases the underlying connection and unblocks a pending Recv.
type Stream interface {
	Recv() (StreamEvent, error)
	Close() error
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req *Request) (Stream, error)

// Stream implements Provider.
func (f ProviderFunc) Stream(ctx context.Context, req *Request) (Stream, error) {
	return f(ctx, req)
}

// Request is everything a provider needs to produce one assistant message.
type Request struct {
	SessionID       string
	MessageID       string
	Model           usage.Model
	System          []string
	History         []models.MessageWithParts
	Tools           []ToolDefinition
	MaxOutputTokens int64
	Temperature     *float64
}

// ToolDefinition advertises a tool to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}
