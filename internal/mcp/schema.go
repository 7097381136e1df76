package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaProperties returns the sorted top-level property names of a JSON
// Schema object. Schemas without properties yield nil.
func SchemaProperties(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var doc struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil
	}
	out := make([]string, 0, len(doc.Properties))
	for name := range doc.Properties {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CompileSchema compiles a tool schema for validation.
func CompileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("schema %s is empty", name)
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://tools/" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// ValidateArguments checks encoded arguments against a tool's input schema.
func ValidateArguments(desc ToolDescriptor, args json.RawMessage) error {
	if len(bytes.TrimSpace(desc.InputSchema)) == 0 {
		return nil
	}
	schema, err := CompileSchema(desc.Name, desc.InputSchema)
	if err != nil {
		return err
	}
	var doc interface{}
	if len(bytes.TrimSpace(args)) == 0 {
		doc = map[string]interface{}{}
	} else if err := json.Unmarshal(args, &doc); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("arguments do not match %s input schema: %w", desc.Name, err)
	}
	return nil
}
