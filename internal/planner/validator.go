package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/agentcore/internal/mcp"
)

// ErrorKind tags a plan validation failure.
type ErrorKind string

const (
	InvalidTemplateSyntax ErrorKind = "InvalidTemplateSyntax"
	SelfReference         ErrorKind = "SelfReference"
	ForwardReference      ErrorKind = "ForwardReference"
	IndexOutOfBounds      ErrorKind = "IndexOutOfBounds"
	NoOutputSchema        ErrorKind = "NoOutputSchema"
	FieldNotFound         ErrorKind = "FieldNotFound"
	UnknownTool           ErrorKind = "UnknownTool"
	InvalidArguments      ErrorKind = "InvalidArguments"
)

// ValidationError describes one failing argument of one call.
type ValidationError struct {
	Kind      ErrorKind `json:"kind"`
	CallIndex int       `json:"call_index"`
	ToolName  string    `json:"tool_name"`
	Argument  string    `json:"argument,omitempty"`
	Template  string    `json:"template,omitempty"`
	// IndexOutOfBounds
	Referenced int `json:"referenced,omitempty"`
	MaxValid   int `json:"max_valid,omitempty"`
	// NoOutputSchema and FieldNotFound name the referenced tool.
	RefToolName     string   `json:"ref_tool_name,omitempty"`
	Field           string   `json:"field,omitempty"`
	AvailableFields []string `json:"available_fields,omitempty"`
	Detail          string   `json:"detail,omitempty"`
}

func (e ValidationError) Error() string {
	where := fmt.Sprintf("call %d (%s)", e.CallIndex, e.ToolName)
	if e.Argument != "" {
		where += " argument " + e.Argument
	}
	switch e.Kind {
	case SelfReference:
		return fmt.Sprintf("%s: %s references its own output", where, e.Template)
	case ForwardReference:
		return fmt.Sprintf("%s: %s references a later call", where, e.Template)
	case IndexOutOfBounds:
		return fmt.Sprintf("%s: %s references call %d, highest valid index is %d", where, e.Template, e.Referenced, e.MaxValid)
	case NoOutputSchema:
		return fmt.Sprintf("%s: %s reads from %s which declares no output schema", where, e.Template, e.RefToolName)
	case FieldNotFound:
		return fmt.Sprintf("%s: %s reads field %q not declared by %s (available: %s)",
			where, e.Template, e.Field, e.RefToolName, strings.Join(e.AvailableFields, ", "))
	case UnknownTool:
		return fmt.Sprintf("%s: no loaded tool has this name", where)
	case InvalidArguments:
		return fmt.Sprintf("%s: arguments are not a JSON object: %s", where, e.Detail)
	default:
		return fmt.Sprintf("%s: invalid template %q: %s", where, e.Template, e.Detail)
	}
}

// ValidationErrors is the full list of problems found in a plan.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "plan validation failed"
	}
	parts := make([]string, len(v))
	for i, e := range v {
		parts[i] = e.Error()
	}
	return "plan validation failed: " + strings.Join(parts, "; ")
}

// Kinds returns the kind of every error in order.
func (v ValidationErrors) Kinds() []ErrorKind {
	out := make([]ErrorKind, len(v))
	for i, e := range v {
		out[i] = e.Kind
	}
	return out
}

// Align returns the descriptor for every call position, looked up by tool
// name in available. Calls naming no tool yield UnknownTool and a zero
// descriptor carrying only the name.
func Align(calls []PlannedCall, available []mcp.ToolDescriptor) ([]mcp.ToolDescriptor, ValidationErrors) {
	byName := make(map[string]mcp.ToolDescriptor, len(available))
	for _, d := range available {
		if _, dup := byName[d.Name]; !dup {
			byName[d.Name] = d
		}
	}
	out := make([]mcp.ToolDescriptor, len(calls))
	var errs ValidationErrors
	for i, call := range calls {
		d, ok := byName[call.ToolName]
		if !ok {
			errs = append(errs, ValidationError{Kind: UnknownTool, CallIndex: i, ToolName: call.ToolName})
			d = mcp.ToolDescriptor{Name: call.ToolName}
		}
		out[i] = d
	}
	return out, errs
}

// Validate checks every template reference in every argument of every call.
// tools is aligned with calls by position. It returns nil or ValidationErrors.
func Validate(calls []PlannedCall, tools []mcp.ToolDescriptor) error {
	var errs ValidationErrors
	for i, call := range calls {
		args, err := call.ArgumentsMap()
		if err != nil {
			errs = append(errs, ValidationError{Kind: InvalidArguments, CallIndex: i, ToolName: call.ToolName, Detail: err.Error()})
			continue
		}
		walkStrings(args, "", func(path, value string) {
			if e, bad := checkTemplate(i, call.ToolName, path, value, len(calls), tools); bad {
				errs = append(errs, e)
			}
		})
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidatePlan aligns calls with the loaded tools and validates them. The
// aligned descriptors are returned even when validation fails.
func ValidatePlan(calls []PlannedCall, available []mcp.ToolDescriptor) ([]mcp.ToolDescriptor, error) {
	aligned, errs := Align(calls, available)
	if err := Validate(calls, aligned); err != nil {
		errs = append(errs, err.(ValidationErrors)...)
	}
	if len(errs) > 0 {
		sort.SliceStable(errs, func(a, b int) bool { return errs[a].CallIndex < errs[b].CallIndex })
		return aligned, errs
	}
	return aligned, nil
}

func checkTemplate(pos int, tool, argPath, value string, planLen int, tools []mcp.ToolDescriptor) (ValidationError, bool) {
	tmpl, ok, err := ParseTemplate(value)
	if !ok {
		return ValidationError{}, false
	}
	base := ValidationError{CallIndex: pos, ToolName: tool, Argument: argPath, Template: value}
	if err != nil {
		base.Kind = InvalidTemplateSyntax
		base.Detail = err.Error()
		return base, true
	}
	switch {
	case tmpl.Index == pos:
		base.Kind = SelfReference
		return base, true
	case tmpl.Index >= planLen:
		base.Kind = IndexOutOfBounds
		base.Referenced = tmpl.Index
		base.MaxValid = pos - 1
		return base, true
	case tmpl.Index > pos:
		base.Kind = ForwardReference
		return base, true
	}
	ref := tools[tmpl.Index]
	base.RefToolName = ref.Name
	if !ref.HasOutputSchema() {
		base.Kind = NoOutputSchema
		return base, true
	}
	props := ref.OutputProperties()
	field := tmpl.Field()
	for _, p := range props {
		if p == field {
			return ValidationError{}, false
		}
	}
	base.Kind = FieldNotFound
	base.Field = field
	base.AvailableFields = props
	return base, true
}

// walkStrings visits every string leaf in deterministic order.
func walkStrings(v any, path string, fn func(path, value string)) {
	switch t := v.(type) {
	case string:
		fn(path, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := k
			if path != "" {
				child = path + "." + k
			}
			walkStrings(t[k], child, fn)
		}
	case []any:
		for i, item := range t {
			walkStrings(item, path+"["+strconv.Itoa(i)+"]", fn)
		}
	case json.Number, bool, nil:
	}
}
