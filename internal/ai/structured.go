package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

func compileSchema(s Schema) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(s.Schema)) == 0 {
		return nil, fmt.Errorf("schema %q is empty", s.Name)
	}
	name := s.Name
	if name == "" {
		name = "structured"
	}
	url := "mem://ai/" + name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(s.Schema)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// decodeStructured extracts, repairs and validates a JSON document from
// model output.
func decodeStructured(text string, schema *jsonschema.Schema) (json.RawMessage, error) {
	candidate := extractJSON(text)
	if candidate == "" {
		return nil, fmt.Errorf("reply contains no JSON")
	}
	var doc any
	if err := json.Unmarshal([]byte(candidate), &doc); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(candidate)
		if rerr != nil {
			return nil, fmt.Errorf("malformed JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
			return nil, fmt.Errorf("malformed JSON after repair: %w", err)
		}
		candidate = repaired
	}
	if err := schema.Validate(doc); err != nil {
		return nil, err
	}
	return json.RawMessage(candidate), nil
}

// extractJSON strips code fences and surrounding prose.
func extractJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	if s == "" || s[0] == '{' || s[0] == '[' {
		return s
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	return strings.TrimSpace(s[start:])
}
