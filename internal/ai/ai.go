// Package ai presents a uniform chat, tool-calling and structured-output
// interface over the supported LLM vendors.
package ai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mohammad-safakhou/agentcore/internal/ids"
	"github.com/mohammad-safakhou/agentcore/internal/reqctx"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Sampling holds optional sampling controls; nil fields are left to the vendor.
type Sampling struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
}

// Request is a vendor-neutral generation request. Provider, Model and
// MaxOutputTokens carry the agent defaults; per-request overrides in
// Context.ToolModel take precedence.
type Request struct {
	Messages        []Message
	Provider        string
	Model           string
	MaxOutputTokens int
	Sampling        Sampling
	ReasoningEffort string
	Context         *reqctx.RequestContext
}

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Finish reasons normalised across vendors.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// Response is a plain text generation.
type Response struct {
	Text         string
	Usage        Usage
	FinishReason string
	Provider     string
	Model        string
}

// Truncated reports whether the vendor stopped at the output budget.
func (r *Response) Truncated() bool { return r != nil && r.FinishReason == FinishLength }

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall is one tool invocation proposed by the model.
type ToolCall struct {
	ID        ids.AIToolCallID `json:"id"`
	Name      string           `json:"name"`
	Arguments json.RawMessage  `json:"arguments"`
}

// ToolResponse is the result of a tool-enabled generation.
type ToolResponse struct {
	Text         string
	ToolCalls    []ToolCall
	Usage        Usage
	FinishReason string
	Provider     string
	Model        string
}

// StreamChunk is one item of a text stream. A non-nil Err is always the last item.
type StreamChunk struct {
	Text string
	Err  error
}

// Schema names a JSON Schema used to constrain structured output.
type Schema struct {
	Name   string
	Schema json.RawMessage
}

// Provider is the operation set the orchestrator depends on.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error)
	GenerateWithTools(ctx context.Context, req Request, tools []ToolSpec) (*ToolResponse, error)
	GenerateStructured(ctx context.Context, req Request, schema Schema) (json.RawMessage, error)
}

// CollectStream drains a stream into a single string.
func CollectStream(ch <-chan StreamChunk) (string, error) {
	var b strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return b.String(), chunk.Err
		}
		b.WriteString(chunk.Text)
	}
	return b.String(), nil
}
