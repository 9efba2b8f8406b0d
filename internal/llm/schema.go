package llm

import (
	"encoding/json"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/turnengine/internal/turn"
)

// toGeminiTools converts tool definitions to a single Gemini tool carrying
// every function declaration. Definitions with unparsable schemas are
// declared without parameters.
func toGeminiTools(defs []turn.ToolDefinition) []*genai.Tool {
	if len(defs) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, def := range defs {
		decl := &genai.FunctionDeclaration{Name: def.Name, Description: def.Description}
		var schemaMap map[string]any
		if err := json.Unmarshal(def.InputSchema, &schemaMap); err == nil {
			decl.Parameters = toGeminiSchema(schemaMap)
		}
		declarations = append(declarations, decl)
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema converts a JSON Schema map to Gemini's Schema type. Keywords
// Gemini does not understand are dropped; a nullable type union such as
// ["string","null"] becomes a nullable string.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	switch t := schemaMap["type"].(type) {
	case string:
		schema.Type = genai.Type(strings.ToUpper(t))
	case []any:
		for _, v := range t {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if s == "null" {
				nullable := true
				schema.Nullable = &nullable
				continue
			}
			if schema.Type == "" {
				schema.Type = genai.Type(strings.ToUpper(s))
			}
		}
	}

	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			name, ok := r.(string)
			if !ok {
				continue
			}
			// Gemini rejects required names that are not declared properties.
			if _, declared := schema.Properties[name]; declared {
				schema.Required = append(schema.Required, name)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	if schema.Type == "" && len(schema.Properties) > 0 {
		schema.Type = genai.TypeObject
	}
	return schema
}
