package streams

import "fmt"

// Event types carried on Redis.
const (
	EventTaskEvent  = "task.event"
	EventTaskCancel = "task.cancel"
	VersionV1       = "v1"
)

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventTaskEvent,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["kind"],
  "properties": {
    "kind": {"type": "string", "enum": ["text", "step", "artifact", "error", "complete"]},
    "text": {"type": "string"},
    "message": {"type": "string"},
    "step": {
      "type": "object",
      "required": ["phase"],
      "properties": {
        "phase": {"type": "string"},
        "index": {"type": "integer", "minimum": -1},
        "total": {"type": "integer", "minimum": 0},
        "tool_name": {"type": "string"},
        "call_id": {"type": "string"}
      }
    },
    "artifact": {"type": "object"},
    "state": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventTaskCancel,
		Version:   VersionV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "requested_by": {"type": "string"},
    "origin": {"type": "string"}
  },
  "additionalProperties": false
}`),
	},
}

// RegisterBaseSchemas loads the built-in schemas into reg.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s/%s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}
