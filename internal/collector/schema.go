package collector

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const batchSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["user_id", "session_id", "events"],
  "properties": {
    "user_id": {"type": "string", "minLength": 1},
    "session_id": {"type": "string", "minLength": 1},
    "device": {"type": "string"},
    "global_metadata": {"type": "object"},
    "events": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type", "timestamp"],
        "properties": {
          "type": {
            "type": "string",
            "enum": ["session_start", "session_end", "page_view", "click", "scroll", "custom", "web_vitals"]
          },
          "timestamp": {"type": "integer", "minimum": 1},
          "page_url": {"type": "string"},
          "click_data": {"type": "object"},
          "scroll_data": {"type": "object"},
          "page_view": {"type": "object"},
          "custom_event": {"type": "object"},
          "web_vitals": {"type": "object"},
          "session_end_reason": {"type": "string"}
        }
      }
    }
  }
}`

// compileBatchSchema builds the validator applied to every ingested
// batch before it touches storage.
func compileBatchSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(batchSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse batch schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("batch.schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to register batch schema: %w", err)
	}
	schema, err := compiler.Compile("batch.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile batch schema: %w", err)
	}
	return schema, nil
}
