package hitl

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidatePayload validates a confirmation payload against a JSON Schema.
// schema may be a map, a struct, or raw JSON bytes; nil skips validation.
func ValidatePayload(payload map[string]any, schema any) error {
	if schema == nil {
		return nil
	}
	var doc any
	switch v := schema.(type) {
	case json.RawMessage:
		if err := json.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("unmarshal schema: %w", err)
		}
	case []byte:
		if err := json.Unmarshal(v, &doc); err != nil {
			return fmt.Errorf("unmarshal schema: %w", err)
		}
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal schema: %w", err)
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("unmarshal schema: %w", err)
		}
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	// The validator requires plain JSON values; round-trip the payload so
	// typed values (ints, structs) normalize the same way they would on the
	// wire.
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var norm any
	if err := json.Unmarshal(data, &norm); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return compiled.Validate(norm)
}
