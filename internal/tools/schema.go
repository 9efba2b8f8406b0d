package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// InputError reports tool input that does not satisfy the tool schema.
type InputError struct {
	Tool  string
	Cause error
}

func (e *InputError) Error() string {
	if e.Tool == "" {
		return fmt.Sprintf("invalid tool input: %v", e.Cause)
	}
	return fmt.Sprintf("invalid input for %s: %v", e.Tool, e.Cause)
}

func (e *InputError) Unwrap() error { return e.Cause }

// SchemaFor reflects the JSON schema of an input struct. Fields use their
// json tags and are required unless tagged omitempty.
func SchemaFor[T any]() json.RawMessage {
	r := &invopop.Reflector{
		Anonymous:      true,
		DoNotReference: true,
	}
	var v T
	schema := r.Reflect(&v)
	schema.Version = ""
	schema.ID = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// ValidateInput checks raw tool input against a JSON schema.
func ValidateInput(schema, input json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("compile tool schema: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return &InputError{Cause: err}
	}
	if err := compiled.Validate(decoded); err != nil {
		return &InputError{Cause: err}
	}
	return nil
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
