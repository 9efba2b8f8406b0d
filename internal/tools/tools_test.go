package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/turnengine/pkg/models"
)

func TestRegistryDefinitionsSorted(t *testing.T) {
	r := NewRegistry(NewReadTool("."), NewGlobTool("."), &countingTool{})
	defs := r.Definitions()
	var names []string
	for _, d := range defs {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "count,glob,read" {
		t.Errorf("names = %v", names)
	}
	r.Unregister("count")
	if _, ok := r.Get("count"); ok {
		t.Error("count still registered")
	}
}

func TestSchemaForReadInput(t *testing.T) {
	var schema struct {
		Type       string                     `json:"type"`
		Properties map[string]json.RawMessage `json:"properties"`
		Required   []string                   `json:"required"`
	}
	if err := json.Unmarshal(SchemaFor[ReadInput](), &schema); err != nil {
		t.Fatal(err)
	}
	if schema.Type != "object" {
		t.Errorf("type = %q", schema.Type)
	}
	for _, key := range []string{"path", "offset", "limit"} {
		if _, ok := schema.Properties[key]; !ok {
			t.Errorf("missing property %q", key)
		}
	}
	if len(schema.Required) != 1 || schema.Required[0] != "path" {
		t.Errorf("required = %v", schema.Required)
	}
}

func TestValidateInput(t *testing.T) {
	schema := SchemaFor[GlobInput]()
	tests := []struct {
		input string
		ok    bool
	}{
		{`{"pattern":"*.go"}`, true},
		{`{"pattern":"*.go","path":"src"}`, true},
		{`{}`, false},
		{`{"pattern":3}`, false},
		{`not json`, false},
	}
	for _, tt := range tests {
		err := ValidateInput(schema, json.RawMessage(tt.input))
		if (err == nil) != tt.ok {
			t.Errorf("ValidateInput(%s) = %v, want ok=%v", tt.input, err, tt.ok)
		}
	}
}

func TestReadTool(t *testing.T) {
	root := t.TempDir()
	var lines []string
	for i := 1; i <= 5; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte(strings.Join(lines, "\n")), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := NewReadTool(root)

	result, err := tool.Execute(context.Background(), Call{Input: json.RawMessage(`{"path":"f.txt","offset":1,"limit":2}`)})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.HasPrefix(result.Output, "00002| line 2\n00003| line 3\n") {
		t.Errorf("output = %q", result.Output)
	}
	if !strings.Contains(result.Output, "use offset 3") {
		t.Errorf("missing continuation hint: %q", result.Output)
	}
	if result.Title != "f.txt" || result.Metadata["truncated"] != true {
		t.Errorf("result = %+v", result)
	}

	if _, err := tool.Execute(context.Background(), Call{Input: json.RawMessage(`{"path":"missing.txt"}`)}); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file err = %v", err)
	}
	if _, err := tool.Execute(context.Background(), Call{Input: json.RawMessage(`{"path":"."}`)}); err == nil {
		t.Error("expected error reading a directory")
	}
}

func TestGlobTool(t *testing.T) {
	root := t.TempDir()
	for _, p := range []string{"a.go", "sub/b.go", "sub/deep/c.go", "sub/readme.md"} {
		full := filepath.Join(root, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	tool := NewGlobTool(root)

	tests := []struct {
		input string
		want  string
	}{
		{`{"pattern":"**/*.go"}`, "a.go\nsub/b.go\nsub/deep/c.go\n"},
		{`{"pattern":"*.go","path":"sub"}`, "sub/b.go\n"},
		{`{"pattern":"*.rs"}`, "No files found\n"},
	}
	for _, tt := range tests {
		result, err := tool.Execute(context.Background(), Call{Input: json.RawMessage(tt.input)})
		if err != nil {
			t.Fatalf("Execute(%s) error = %v", tt.input, err)
		}
		if result.Output != tt.want {
			t.Errorf("Execute(%s) = %q, want %q", tt.input, result.Output, tt.want)
		}
	}

	if _, err := tool.Execute(context.Background(), Call{Input: json.RawMessage(`{"pattern":"[a-"}`)}); err == nil {
		t.Error("expected invalid pattern error")
	}
}

func TestWorkspaceResolve(t *testing.T) {
	root := t.TempDir()
	w := Workspace{Root: root}
	abs, rel, err := w.Resolve("dir/../file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if rel != "file.txt" || abs != filepath.Join(root, "file.txt") {
		t.Errorf("Resolve = %q, %q", abs, rel)
	}
	if _, _, err := w.Resolve("../outside"); err == nil {
		t.Error("expected escape to be rejected")
	}
	if _, _, err := w.Resolve(" "); err == nil {
		t.Error("expected empty path to be rejected")
	}
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"read", `{"path":"main.go","offset":10,"limit":20}`, "Reading: main.go (10+20)"},
		{"mcp__fs__read", `{"path":"x"}`, "Reading: x"},
		{"glob", `{"pattern":"**/*.go"}`, "Finding: **/*.go"},
		{"web_fetch", `{"url":"https://example.com"}`, "Web Fetch"},
	}
	for _, tt := range tests {
		if got := Describe(tt.name, json.RawMessage(tt.input)).String(); got != tt.want {
			t.Errorf("Describe(%s) = %q, want %q", tt.name, got, tt.want)
		}
	}

	part := &models.Part{Type: models.PartTool, Tool: &models.ToolPart{
		Tool:  "read",
		State: models.ToolState{Status: models.ToolError, Input: json.RawMessage(`{"path":"a"}`), Error: "denied"},
	}}
	if got := DescribePart(part); got != "✗ Reading: a: denied" {
		t.Errorf("DescribePart() = %q", got)
	}
}
