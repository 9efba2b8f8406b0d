package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/turnengine/internal/turn"
)

const (
	defaultReadLimit = 2000
	maxLineLength    = 2000
)

// ReadInput is the input of the read tool.
type ReadInput struct {
	Path   string `json:"path" jsonschema:"description=File path relative to the workspace"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=Zero-based line to start from,minimum=0"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of lines to return,minimum=0"`
}

// ReadTool returns line-numbered file contents from the workspace.
type ReadTool struct {
	workspace Workspace
	schema    json.RawMessage
}

// NewReadTool creates a read tool confined to root.
func NewReadTool(root string) *ReadTool {
	return &ReadTool{workspace: Workspace{Root: root}, schema: SchemaFor[ReadInput]()}
}

func (t *ReadTool) Name() string { return "read" }

func (t *ReadTool) Description() string {
	return "Read a text file from the workspace. Lines are numbered; use offset and limit to page through large files."
}

func (t *ReadTool) Schema() json.RawMessage { return t.schema }

// Permission implements Permissioned.
func (t *ReadTool) Permission(input json.RawMessage) (string, []string, error) {
	var in ReadInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", nil, &InputError{Tool: t.Name(), Cause: err}
	}
	_, rel, err := t.workspace.Resolve(in.Path)
	if err != nil {
		return "", nil, err
	}
	return "read", []string{rel}, nil
}

func (t *ReadTool) Execute(ctx context.Context, call Call) (*turn.ToolResult, error) {
	var in ReadInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return nil, &InputError{Tool: t.Name(), Cause: err}
	}
	abs, rel, err := t.workspace.Resolve(in.Path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", rel)
	}

	limit := in.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}

	file, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rel, err)
	}
	defer file.Close()

	var b strings.Builder
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	line, shown := 0, 0
	more := false
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if line < in.Offset {
			line++
			continue
		}
		if shown == limit {
			more = true
			break
		}
		text := scanner.Text()
		if !utf8.ValidString(text) {
			return nil, fmt.Errorf("%s is not a text file", rel)
		}
		if len(text) > maxLineLength {
			text = text[:maxLineLength] + "..."
		}
		fmt.Fprintf(&b, "%05d| %s\n", line+1, text)
		line++
		shown++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	if more {
		fmt.Fprintf(&b, "\n(file has more lines, use offset %d to continue)\n", line)
	}

	return &turn.ToolResult{
		Output: b.String(),
		Title:  rel,
		Metadata: map[string]any{
			"lines":     shown,
			"truncated": more,
		},
	}, nil
}
