package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema for the Config struct.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		// Inline every definition: $defs are keyed by bare type name, so
		// ratelimit.Config would otherwise overwrite Config itself.
		r := &jsonschema.Reflector{
			FieldNameTag:              "yaml",
			AllowAdditionalProperties: false,
			DoNotReference:            true,
		}
		schema := r.Reflect(&Config{})
		schema.Title = "fingate configuration"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}
