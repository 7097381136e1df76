package executor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/agentcore/internal/ids"
)

// ErrorKind tags a failed step.
type ErrorKind string

const (
	ToolTimeout         ErrorKind = "ToolTimeout"
	ToolRejected        ErrorKind = "ToolRejected"
	ToolUnavailable     ErrorKind = "ToolUnavailable"
	RuntimeFieldMissing ErrorKind = "RuntimeFieldMissing"
	Canceled            ErrorKind = "Canceled"
)

// StepError is the failure recorded for one step.
type StepError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *StepError) Error() string {
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *StepError) Unwrap() error { return e.Err }

// ErrPlanMismatch is returned when the descriptor list does not align with the plan.
var ErrPlanMismatch = errors.New("tool descriptors do not align with plan")

// ToolResult is the outcome of one plan step.
type ToolResult struct {
	Index       int                `json:"index"`
	CallID      ids.AIToolCallID   `json:"call_id"`
	ToolName    string             `json:"tool_name"`
	ServerName  string             `json:"server_name"`
	ExecutionID ids.MCPExecutionID `json:"mcp_execution_id"`
	Arguments   json.RawMessage    `json:"arguments,omitempty"`
	// Output is the structured content when the tool returned a JSON object.
	Output     json.RawMessage `json:"output,omitempty"`
	Text       string          `json:"text,omitempty"`
	DurationMS int64           `json:"duration_ms"`
	Error      *StepError      `json:"error,omitempty"`
}

func (r ToolResult) Failed() bool    { return r.Error != nil }
func (r ToolResult) HasOutput() bool { return len(r.Output) > 0 }

// Status is "success" or "error".
func (r ToolResult) Status() string {
	if r.Failed() {
		return "error"
	}
	return "success"
}

// ExecutionState is the ordered record of executed steps. Results never
// outnumber the plan and a filled position is never rewritten.
type ExecutionState struct {
	Results  []ToolResult `json:"results"`
	Canceled bool         `json:"canceled"`
}

func (s *ExecutionState) append(r ToolResult) {
	s.Results = append(s.Results, r)
}

// Failures returns the failed steps in order.
func (s *ExecutionState) Failures() []ToolResult {
	var out []ToolResult
	for _, r := range s.Results {
		if r.Failed() {
			out = append(out, r)
		}
	}
	return out
}

func (s *ExecutionState) HasFailures() bool { return len(s.Failures()) > 0 }

// SucceededCount counts steps without an error.
func (s *ExecutionState) SucceededCount() int {
	n := 0
	for _, r := range s.Results {
		if !r.Failed() {
			n++
		}
	}
	return n
}

// FailureError folds step failures into one error, or nil.
func (s *ExecutionState) FailureError() error {
	failures := s.Failures()
	if len(failures) == 0 {
		return nil
	}
	parts := make([]string, len(failures))
	for i, f := range failures {
		parts[i] = fmt.Sprintf("%s failed (%s)", f.ToolName, f.Error.Kind)
	}
	return &StepError{Kind: failures[0].Error.Kind, Message: strings.Join(parts, "; "), Err: failures[0].Error}
}

// Digest renders the results as plain text for the model and task history.
func (s *ExecutionState) Digest() string {
	var b strings.Builder
	for _, r := range s.Results {
		fmt.Fprintf(&b, "[%d] %s (call %s): ", r.Index, r.ToolName, r.CallID)
		switch {
		case r.Failed():
			fmt.Fprintf(&b, "error: %s", r.Error.Message)
		case r.HasOutput():
			b.Write(r.Output)
		case r.Text != "":
			b.WriteString(r.Text)
		default:
			b.WriteString("ok")
		}
		b.WriteByte('\n')
	}
	if s.Canceled {
		b.WriteString("execution canceled before the remaining calls ran\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
