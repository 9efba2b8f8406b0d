package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/turnengine/pkg/models"
)

// Display is a human-readable rendering of a tool call.
type Display struct {
	Name   string
	Label  string
	Detail string
}

// displaySpec configures how a tool's input is summarized.
type displaySpec struct {
	label      string
	detailKeys []string
}

var displaySpecs = map[string]displaySpec{
	"read":  {label: "Reading", detailKeys: []string{"path"}},
	"glob":  {label: "Finding", detailKeys: []string{"pattern", "path"}},
	"write": {label: "Writing", detailKeys: []string{"path"}},
	"edit":  {label: "Editing", detailKeys: []string{"path"}},
	"bash":  {label: "Running", detailKeys: []string{"command"}},
	"grep":  {label: "Searching", detailKeys: []string{"pattern", "path"}},
}

// maxDetailLength bounds the detail shown for a single call.
const maxDetailLength = 120

// Describe renders a tool call for terminal output.
func Describe(name string, input json.RawMessage) Display {
	normalized := normalizeToolName(name)
	spec, ok := displaySpecs[normalized]
	if !ok {
		spec = displaySpec{label: defaultTitle(name)}
	}
	var args map[string]any
	_ = json.Unmarshal(input, &args)

	d := Display{Name: name, Label: spec.label}
	if normalized == "read" {
		d.Detail = readDetail(args)
	} else {
		d.Detail = detailFromKeys(args, spec.detailKeys)
	}
	if len(d.Detail) > maxDetailLength {
		d.Detail = d.Detail[:maxDetailLength-3] + "..."
	}
	return d
}

// String formats the display as "Label: detail".
func (d Display) String() string {
	if d.Detail == "" {
		return d.Label
	}
	return d.Label + ": " + d.Detail
}

// DescribePart renders a tool part including its state.
func DescribePart(part *models.Part) string {
	if part == nil || part.Tool == nil {
		return ""
	}
	tool := part.Tool
	line := Describe(tool.Tool, tool.State.Input).String()
	switch tool.State.Status {
	case models.ToolCompleted:
		if tool.State.Title != "" && !strings.Contains(line, tool.State.Title) {
			line += " (" + tool.State.Title + ")"
		}
		return "✓ " + line
	case models.ToolError:
		return "✗ " + line + ": " + tool.State.Error
	default:
		return "… " + line
	}
}

// normalizeToolName strips namespaces such as "mcp__server__read" or
// "server.read" and a trailing "_tool".
func normalizeToolName(name string) string {
	normalized := strings.ToLower(name)
	if i := strings.LastIndex(normalized, "__"); i >= 0 {
		normalized = normalized[i+2:]
	}
	if i := strings.LastIndex(normalized, "."); i >= 0 {
		normalized = normalized[i+1:]
	}
	return strings.TrimSuffix(normalized, "_tool")
}

func defaultTitle(name string) string {
	words := strings.FieldsFunc(normalizeToolName(name), func(r rune) bool {
		return r == '_' || r == '-'
	})
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	if len(words) == 0 {
		return "Tool"
	}
	return strings.Join(words, " ")
}

func detailFromKeys(args map[string]any, keys []string) string {
	details := make([]string, 0, len(keys))
	for _, key := range keys {
		value := displayValue(args[key])
		if value == "" {
			continue
		}
		details = append(details, shortenHomePath(value))
	}
	return strings.Join(details, " · ")
}

func readDetail(args map[string]any) string {
	p, _ := args["path"].(string)
	if p == "" {
		return ""
	}
	detail := shortenHomePath(p)
	offset := displayValue(args["offset"])
	limit := displayValue(args["limit"])
	switch {
	case offset != "" && limit != "":
		detail += fmt.Sprintf(" (%s+%s)", offset, limit)
	case offset != "":
		detail += fmt.Sprintf(" (from %s)", offset)
	case limit != "":
		detail += fmt.Sprintf(" (%s lines)", limit)
	}
	return detail
}

func displayValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		return fmt.Sprintf("%t", v)
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			if s := displayValue(item); s != "" {
				items = append(items, s)
			}
		}
		return strings.Join(items, ", ")
	default:
		return ""
	}
}

func shortenHomePath(p string) string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return p
	}
	clean := filepath.Clean(p)
	if clean == home || strings.HasPrefix(clean, home+string(os.PathSeparator)) {
		return "~" + clean[len(home):]
	}
	return p
}
