package config

import (
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
)

// SchemaID identifies the exported schema.
const SchemaID = "https://github.com/haasonsaas/turnengine/config.schema.json"

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema of the configuration file. Every field
// is optional because Load starts from Default.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			RequiredFromJSONSchemaTags: true,
			Mapper:                     durationAsString,
		}
		schema := r.Reflect(&Config{})
		schema.ID = SchemaID
		schema.Title = "turnengine configuration"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

// durationAsString documents durations in their YAML form ("90s", "2m").
func durationAsString(t reflect.Type) *jsonschema.Schema {
	if t == reflect.TypeOf(time.Duration(0)) {
		return &jsonschema.Schema{
			Type:        "string",
			Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
			Description: "Go duration such as 500ms, 90s or 2m",
		}
	}
	return nil
}
