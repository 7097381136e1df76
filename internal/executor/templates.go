package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/agentcore/internal/planner"
)

// ResolveArguments replaces every template reference in args with the value
// it names in prior results. A reference that cannot be satisfied yields a
// RuntimeFieldMissing StepError.
func ResolveArguments(args json.RawMessage, prior []ToolResult) (json.RawMessage, error) {
	if len(bytes.TrimSpace(args)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	doc, err := decodeNumber(args)
	if err != nil {
		return nil, &StepError{Kind: RuntimeFieldMissing, Message: "arguments are not valid JSON", Err: err}
	}
	outputs := make(map[int]any)
	resolved, err := substitute(doc, prior, outputs)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, &StepError{Kind: RuntimeFieldMissing, Message: "encode resolved arguments", Err: err}
	}
	return out, nil
}

func substitute(v any, prior []ToolResult, outputs map[int]any) (any, error) {
	switch t := v.(type) {
	case string:
		tmpl, ok, err := planner.ParseTemplate(t)
		if !ok {
			return t, nil
		}
		if err != nil {
			return nil, &StepError{Kind: RuntimeFieldMissing, Message: err.Error(), Err: err}
		}
		return lookup(tmpl, prior, outputs)
	case map[string]any:
		for k, child := range t {
			r, err := substitute(child, prior, outputs)
			if err != nil {
				return nil, err
			}
			t[k] = r
		}
		return t, nil
	case []any:
		for i, child := range t {
			r, err := substitute(child, prior, outputs)
			if err != nil {
				return nil, err
			}
			t[i] = r
		}
		return t, nil
	default:
		return v, nil
	}
}

func lookup(tmpl planner.Template, prior []ToolResult, outputs map[int]any) (any, error) {
	missing := func(format string, args ...any) error {
		return &StepError{Kind: RuntimeFieldMissing, Message: tmpl.String() + ": " + fmt.Sprintf(format, args...)}
	}
	if tmpl.Index < 0 || tmpl.Index >= len(prior) {
		return nil, missing("call %d has not run", tmpl.Index)
	}
	src := prior[tmpl.Index]
	if src.Failed() {
		return nil, missing("call %d failed", tmpl.Index)
	}
	if !src.HasOutput() {
		return nil, missing("call %d returned no structured output", tmpl.Index)
	}
	cur, ok := outputs[tmpl.Index]
	if !ok {
		doc, err := decodeNumber(src.Output)
		if err != nil {
			return nil, missing("call %d output is not JSON", tmpl.Index)
		}
		outputs[tmpl.Index] = doc
		cur = doc
	}
	for depth, seg := range tmpl.Path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, missing("field %q not present", strings.Join(tmpl.Path[:depth+1], "."))
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, missing("index %q out of range", strings.Join(tmpl.Path[:depth+1], "."))
			}
			cur = node[i]
		default:
			return nil, missing("field %q is not an object", strings.Join(tmpl.Path[:depth], "."))
		}
	}
	return deepCopy(cur), nil
}

// deepCopy detaches a value from the cached output so later substitution
// cannot mutate it.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = deepCopy(c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = deepCopy(c)
		}
		return out
	default:
		return v
	}
}

func decodeNumber(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
