// Package planner holds planned tool calls and the static checks run on
// them before any tool executes.
package planner

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/agentcore/internal/ids"
)

// PlannedCall is one step of a tool-use plan. Arguments may contain
// template references of the form $<index>.output.<field>[.<field>...].
type PlannedCall struct {
	ID        ids.AIToolCallID `json:"id,omitempty"`
	ToolName  string           `json:"tool_name"`
	Arguments json.RawMessage  `json:"arguments"`
}

// ArgumentsMap decodes the call arguments. Empty arguments decode to an empty map.
func (c PlannedCall) ArgumentsMap() (map[string]any, error) {
	out := map[string]any{}
	if len(strings.TrimSpace(string(c.Arguments))) == 0 {
		return out, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(c.Arguments)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode arguments for %s: %w", c.ToolName, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

const templateMarker = ".output."

// Template is a parsed reference to a prior call's output.
type Template struct {
	Index int
	Path  []string
}

// Field returns the top-level output field the template reads.
func (t Template) Field() string {
	if len(t.Path) == 0 {
		return ""
	}
	return t.Path[0]
}

func (t Template) String() string {
	return "$" + strconv.Itoa(t.Index) + templateMarker + strings.Join(t.Path, ".")
}

// IsTemplate reports whether s has the shape of a template reference.
func IsTemplate(s string) bool {
	return strings.HasPrefix(s, "$") && strings.Contains(s, templateMarker)
}

// ParseTemplate parses s. The bool is false when s is not a template
// candidate at all; the error is set when it is one but malformed.
func ParseTemplate(s string) (Template, bool, error) {
	if !IsTemplate(s) {
		return Template{}, false, nil
	}
	head, tail, _ := strings.Cut(s[1:], templateMarker)
	if head == "" {
		return Template{}, true, fmt.Errorf("template %q has no index", s)
	}
	for _, r := range head {
		if r < '0' || r > '9' {
			return Template{}, true, fmt.Errorf("template %q has a non-numeric index", s)
		}
	}
	index, err := strconv.Atoi(head)
	if err != nil {
		return Template{}, true, fmt.Errorf("template %q index: %w", s, err)
	}
	if tail == "" {
		return Template{}, true, fmt.Errorf("template %q has no field path", s)
	}
	path := strings.Split(tail, ".")
	for _, seg := range path {
		if strings.TrimSpace(seg) == "" {
			return Template{}, true, fmt.Errorf("template %q has an empty field", s)
		}
	}
	return Template{Index: index, Path: path}, true, nil
}
