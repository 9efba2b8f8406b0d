package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/haasonsaas/turnengine/internal/turn"
)

const defaultGlobLimit = 100

// GlobInput is the input of the glob tool.
type GlobInput struct {
	Pattern string `json:"pattern" jsonschema:"description=Glob pattern such as **/*.go"`
	Path    string `json:"path,omitempty" jsonschema:"description=Directory to search relative to the workspace"`
}

// GlobTool lists workspace files matching a doublestar pattern.
type GlobTool struct {
	workspace Workspace
	limit     int
	schema    json.RawMessage
}

// NewGlobTool creates a glob tool confined to root.
func NewGlobTool(root string) *GlobTool {
	return &GlobTool{workspace: Workspace{Root: root}, limit: defaultGlobLimit, schema: SchemaFor[GlobInput]()}
}

func (t *GlobTool) Name() string { return "glob" }

func (t *GlobTool) Description() string {
	return "Find files in the workspace by glob pattern. Supports ** for recursive matches."
}

func (t *GlobTool) Schema() json.RawMessage { return t.schema }

// Permission implements Permissioned.
func (t *GlobTool) Permission(input json.RawMessage) (string, []string, error) {
	var in GlobInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", nil, &InputError{Tool: t.Name(), Cause: err}
	}
	return "glob", []string{in.Pattern}, nil
}

func (t *GlobTool) Execute(ctx context.Context, call Call) (*turn.ToolResult, error) {
	var in GlobInput
	if err := json.Unmarshal(call.Input, &in); err != nil {
		return nil, &InputError{Tool: t.Name(), Cause: err}
	}
	pattern := strings.TrimPrefix(strings.TrimSpace(in.Pattern), "./")
	if !doublestar.ValidatePattern(pattern) {
		return nil, &InputError{Tool: t.Name(), Cause: fmt.Errorf("invalid pattern %q", in.Pattern)}
	}
	dir := in.Path
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	abs, rel, err := t.workspace.Resolve(dir)
	if err != nil {
		return nil, err
	}

	matches, err := doublestar.Glob(os.DirFS(abs), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob %s: %w", in.Pattern, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Strings(matches)

	truncated := len(matches) > t.limit
	if truncated {
		matches = matches[:t.limit]
	}
	var b strings.Builder
	for _, m := range matches {
		if rel != "." {
			m = path.Join(rel, m)
		}
		b.WriteString(m)
		b.WriteByte('\n')
	}
	switch {
	case len(matches) == 0:
		b.WriteString("No files found\n")
	case truncated:
		fmt.Fprintf(&b, "\n(results truncated to %d files, use a more specific pattern)\n", t.limit)
	}

	return &turn.ToolResult{
		Output: b.String(),
		Title:  in.Pattern,
		Metadata: map[string]any{
			"count":     len(matches),
			"truncated": truncated,
		},
	}, nil
}
