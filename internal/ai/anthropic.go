package ai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mohammad-safakhou/agentcore/config"
	"github.com/mohammad-safakhou/agentcore/internal/ids"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-haiku-latest"
	anthropicVersion        = "2023-06-01"
)

// Anthropic talks to the messages API.
type Anthropic struct {
	name    string
	apiKey  string
	baseURL string
	model   string
	http    *httpClient
}

func NewAnthropic(name string, p config.LLMProvider) *Anthropic {
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = defaultAnthropicBaseURL
	}
	model := p.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	return &Anthropic{
		name:    name,
		apiKey:  p.APIKey,
		baseURL: base,
		model:   model,
		http:    newHTTPClient(name, nil, p.Timeout, p.MaxRetries, 0),
	}
}

func (a *Anthropic) Name() string         { return a.name }
func (a *Anthropic) DefaultModel() string { return a.model }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Anthropic) headers() map[string]string {
	return map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
	}
}

// build folds system messages into the system field and merges consecutive
// turns of the same role, which the messages API rejects.
func (a *Anthropic) build(call Call, names *toolNames) anthropicRequest {
	req := anthropicRequest{
		Model:       call.Model,
		MaxTokens:   call.MaxOutputTokens,
		Temperature: call.Sampling.Temperature,
		TopP:        call.Sampling.TopP,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 4096
	}
	var system []string
	for _, m := range call.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "assistant"
		}
		if n := len(req.Messages); n > 0 && req.Messages[n-1].Role == role {
			req.Messages[n-1].Content += "\n\n" + m.Content
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: role, Content: m.Content})
	}
	if len(req.Messages) == 0 || req.Messages[0].Role != "user" {
		req.Messages = append([]anthropicMessage{{Role: "user", Content: "Continue."}}, req.Messages...)
	}
	if call.JSONSchema != nil {
		system = append(system, "Respond with a single JSON document that validates against this JSON Schema and nothing else:\n"+string(call.JSONSchema.Schema))
	}
	req.System = strings.Join(system, "\n\n")
	for _, t := range call.Tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		req.Tools = append(req.Tools, anthropicTool{Name: names.wire(t.Name), Description: t.Description, InputSchema: schema})
	}
	return req
}

func (a *Anthropic) Complete(ctx context.Context, call Call) (*ToolResponse, error) {
	names := newToolNames(call.Tools)
	var resp anthropicResponse
	if err := a.http.postJSON(ctx, a.baseURL+"/v1/messages", a.headers(), a.build(call, names), &resp); err != nil {
		return nil, err
	}
	out := &ToolResponse{
		FinishReason: normaliseAnthropicStop(resp.StopReason),
		Usage:        Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens},
	}
	var text []string
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			args := block.Input
			if len(args) == 0 || string(args) == "null" {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        ids.AIToolCallID(block.ID),
				Name:      names.original(block.Name),
				Arguments: args,
			})
		}
	}
	out.Text = strings.Join(text, "")
	return out, nil
}

func (a *Anthropic) Stream(ctx context.Context, call Call) (<-chan StreamChunk, error) {
	req := a.build(call, newToolNames(nil))
	req.Stream = true
	resp, err := a.http.post(ctx, a.baseURL+"/v1/messages", a.headers(), req)
	if err != nil {
		return nil, err
	}
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		send := func(c StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		err := readSSE(resp.Body, func(ev sseEvent) bool {
			var e anthropicStreamEvent
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				return true
			}
			switch e.Type {
			case "content_block_delta":
				if e.Delta.Type == "text_delta" && e.Delta.Text != "" {
					return send(StreamChunk{Text: e.Delta.Text})
				}
			case "message_stop":
				return false
			case "error":
				msg := "stream error"
				kind := KindProvider
				if e.Error != nil {
					msg = e.Error.Message
					if e.Error.Type == "overloaded_error" || e.Error.Type == "rate_limit_error" {
						kind = KindRateLimit
					}
				}
				send(StreamChunk{Err: &Error{Kind: kind, Provider: a.name, Message: msg}})
				return false
			}
			return true
		})
		if err != nil && ctx.Err() == nil {
			send(StreamChunk{Err: classifyTransport(a.name, err)})
		}
	}()
	return out, nil
}

func normaliseAnthropicStop(reason string) string {
	switch reason {
	case "max_tokens":
		return FinishLength
	case "tool_use":
		return FinishToolCalls
	case "":
		return ""
	default:
		return FinishStop
	}
}
