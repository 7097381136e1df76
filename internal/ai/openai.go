package ai

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mohammad-safakhou/agentcore/config"
	"github.com/mohammad-safakhou/agentcore/internal/ids"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
)

// OpenAI talks to the chat completions API or any compatible endpoint.
type OpenAI struct {
	name    string
	apiKey  string
	baseURL string
	model   string
	http    *httpClient
}

func NewOpenAI(name string, p config.LLMProvider) *OpenAI {
	base := strings.TrimRight(p.BaseURL, "/")
	if base == "" {
		base = defaultOpenAIBaseURL
	}
	model := p.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		name:    name,
		apiKey:  p.APIKey,
		baseURL: base,
		model:   model,
		http:    newHTTPClient(name, nil, p.Timeout, p.MaxRetries, 0),
	}
}

func (o *OpenAI) Name() string         { return o.name }
func (o *OpenAI) DefaultModel() string { return o.model }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIJSONSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIRequest struct {
	Model            string                `json:"model"`
	Messages         []openAIMessage       `json:"messages"`
	MaxTokens        int                   `json:"max_tokens,omitempty"`
	Temperature      *float64              `json:"temperature,omitempty"`
	TopP             *float64              `json:"top_p,omitempty"`
	PresencePenalty  *float64              `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64              `json:"frequency_penalty,omitempty"`
	ReasoningEffort  string                `json:"reasoning_effort,omitempty"`
	Tools            []openAITool          `json:"tools,omitempty"`
	ResponseFormat   *openAIResponseFormat `json:"response_format,omitempty"`
	Stream           bool                  `json:"stream,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string           `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (o *OpenAI) headers() map[string]string {
	h := map[string]string{}
	if o.apiKey != "" {
		h["Authorization"] = "Bearer " + o.apiKey
	}
	return h
}

func (o *OpenAI) build(call Call, names *toolNames) openAIRequest {
	req := openAIRequest{
		Model:            call.Model,
		MaxTokens:        call.MaxOutputTokens,
		Temperature:      call.Sampling.Temperature,
		TopP:             call.Sampling.TopP,
		PresencePenalty:  call.Sampling.PresencePenalty,
		FrequencyPenalty: call.Sampling.FrequencyPenalty,
		ReasoningEffort:  call.ReasoningEffort,
	}
	for _, m := range call.Messages {
		req.Messages = append(req.Messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, t := range call.Tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		req.Tools = append(req.Tools, openAITool{Type: "function", Function: openAIFunction{
			Name:        names.wire(t.Name),
			Description: t.Description,
			Parameters:  params,
		}})
	}
	if call.JSONSchema != nil {
		req.ResponseFormat = &openAIResponseFormat{
			Type:       "json_schema",
			JSONSchema: &openAIJSONSchema{Name: schemaName(call.JSONSchema.Name), Schema: call.JSONSchema.Schema},
		}
	}
	return req
}

func (o *OpenAI) Complete(ctx context.Context, call Call) (*ToolResponse, error) {
	names := newToolNames(call.Tools)
	var resp openAIResponse
	if err := o.http.postJSON(ctx, o.baseURL+"/chat/completions", o.headers(), o.build(call, names), &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindEmptyResponse, Provider: o.name, Message: "no choices in response"}
	}
	choice := resp.Choices[0]
	out := &ToolResponse{
		Text:         choice.Message.Content,
		FinishReason: normaliseOpenAIFinish(choice.FinishReason),
		Usage:        Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens},
	}
	for _, tc := range choice.Message.ToolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        ids.AIToolCallID(tc.ID),
			Name:      names.original(tc.Function.Name),
			Arguments: json.RawMessage(args),
		})
	}
	return out, nil
}

func (o *OpenAI) Stream(ctx context.Context, call Call) (<-chan StreamChunk, error) {
	req := o.build(call, newToolNames(nil))
	req.Stream = true
	resp, err := o.http.post(ctx, o.baseURL+"/chat/completions", o.headers(), req)
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
			if ev.Data == "[DONE]" {
				return false
			}
			var chunk openAIStreamChunk
			if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
				return true
			}
			if chunk.Error != nil {
				send(StreamChunk{Err: &Error{Kind: KindProvider, Provider: o.name, Message: chunk.Error.Message}})
				return false
			}
			for _, c := range chunk.Choices {
				if c.Delta.Content != "" && !send(StreamChunk{Text: c.Delta.Content}) {
					return false
				}
			}
			return true
		})
		if err != nil && ctx.Err() == nil {
			send(StreamChunk{Err: classifyTransport(o.name, err)})
		}
	}()
	return out, nil
}

func normaliseOpenAIFinish(reason string) string {
	switch reason {
	case "length":
		return FinishLength
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "":
		return ""
	default:
		return FinishStop
	}
}

func schemaName(name string) string {
	name = invalidToolNameChars.ReplaceAllString(name, "_")
	if name == "" {
		return "response"
	}
	return name
}
