package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	"github.com/mohammad-safakhou/agentcore/internal/ids"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed plan_schema.json
var planSchemaJSON string

// PlanResponse is the document a model returns in structured planning mode.
type PlanResponse struct {
	Reasoning string        `json:"reasoning"`
	Answer    string        `json:"answer,omitempty"`
	Calls     []PlannedCall `json:"calls"`
}

var (
	compileOnce sync.Once
	planSchema  *jsonschema.Schema
	compileErr  error
)

// PlanSchemaJSON returns the raw schema for structured planning requests.
func PlanSchemaJSON() json.RawMessage {
	return json.RawMessage(planSchemaJSON)
}

// PlanSchema returns the compiled plan response schema.
func PlanSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("plan_schema.json", strings.NewReader(planSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("plan_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile plan schema: %w", err)
			return
		}
		planSchema = schema
	})
	return planSchema, compileErr
}

// DecodePlanResponse validates data against the plan schema and decodes it.
// Calls without an ID are given one.
func DecodePlanResponse(data []byte) (PlanResponse, error) {
	schema, err := PlanSchema()
	if err != nil {
		return PlanResponse{}, err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return PlanResponse{}, fmt.Errorf("plan is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return PlanResponse{}, fmt.Errorf("plan does not match schema: %w", err)
	}
	var resp PlanResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return PlanResponse{}, fmt.Errorf("decode plan: %w", err)
	}
	for i := range resp.Calls {
		if resp.Calls[i].ID == "" {
			resp.Calls[i].ID = ids.NewAIToolCallID()
		}
	}
	return resp, nil
}
