// Package tools runs model-requested tool calls between the provider stream
// and the turn engine.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/turnengine/internal/turn"
)

const (
	// MaxToolNameLength bounds registered and requested tool names.
	MaxToolNameLength = 256
	// MaxToolInputSize bounds the JSON input accepted for one call.
	MaxToolInputSize = 10 << 20
)

var (
	// ErrToolNotFound is returned for calls naming an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInputTooLarge is returned when a call's input exceeds MaxToolInputSize.
	ErrInputTooLarge = errors.New("tool input too large")
)

// Call is a single tool invocation requested by the model.
type Call struct {
	SessionID string
	MessageID string
	CallID    string
	Input     json.RawMessage
}

// Tool is a capability the model can invoke.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON schema of the tool input.
	Schema() json.RawMessage
	Execute(ctx context.Context, call Call) (*turn.ToolResult, error)
}

// Permissioned tools declare the permission and patterns a call needs.
// Tools that do not implement it run under their own name with pattern "*".
type Permissioned interface {
	Permission(input json.RawMessage) (permission string, patterns []string, err error)
}

// Registry holds the tools offered to the model.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, tool := range tools {
		r.Register(tool)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions lists the registered tools sorted by name.
func (r *Registry) Definitions() []turn.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]turn.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, turn.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute validates the call input against the tool schema and runs it.
func (r *Registry) Execute(ctx context.Context, name string, call Call) (*turn.ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return nil, fmt.Errorf("tool name exceeds %d characters", MaxToolNameLength)
	}
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if len(call.Input) > MaxToolInputSize {
		return nil, ErrInputTooLarge
	}
	if len(strings.TrimSpace(string(call.Input))) == 0 {
		call.Input = json.RawMessage(`{}`)
	}
	if err := ValidateInput(tool.Schema(), call.Input); err != nil {
		return nil, err
	}
	return tool.Execute(ctx, call)
}

// permissionFor resolves the permission a call must be granted.
func permissionFor(tool Tool, input json.RawMessage) (string, []string, error) {
	if p, ok := tool.(Permissioned); ok {
		return p.Permission(input)
	}
	return tool.Name(), []string{"*"}, nil
}
