package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mohammad-safakhou/agentcore/config"
)

func TestAnthropicCompleteFoldsSystemAndParsesToolUse(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "ak" || r.Header.Get("anthropic-version") != anthropicVersion {
			t.Fatalf("missing vendor headers: %v", r.Header)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		io.WriteString(w, `{"content":[{"type":"text","text":"Let me check."},{"type":"tool_use","id":"toolu_1","name":"weather_lookup","input":{"city":"Oslo"}}],"stop_reason":"tool_use","usage":{"input_tokens":20,"output_tokens":9}}`)
	}))
	defer srv.Close()

	b := NewAnthropic("anthropic", config.LLMProvider{APIKey: "ak", BaseURL: srv.URL})
	resp, err := b.Complete(context.Background(), Call{
		Model:           "claude-test",
		MaxOutputTokens: 512,
		Messages: []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "a"},
			{Role: RoleUser, Content: "b"},
		},
		Tools: []ToolSpec{{Name: "weather.lookup"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.System != "sys" || len(got.Messages) != 1 || got.Messages[0].Content != "a\n\nb" {
		t.Fatalf("unexpected request shape: %+v", got)
	}
	if len(got.Tools) != 1 || got.Tools[0].Name != "weather_lookup" || string(got.Tools[0].InputSchema) == "" {
		t.Fatalf("unexpected tools: %+v", got.Tools)
	}
	if resp.Text != "Let me check." || len(resp.ToolCalls) != 1 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.ToolCalls[0].Name != "weather.lookup" || string(resp.ToolCalls[0].Arguments) != `{"city":"Oslo"}` {
		t.Fatalf("unexpected tool call: %+v", resp.ToolCalls[0])
	}
}

func TestAnthropicMaxTokensIsTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"content":[{"type":"text","text":"partial"}],"stop_reason":"max_tokens"}`)
	}))
	defer srv.Close()

	a := NewAdapter(Defaults{Provider: "anthropic"}, WithBackend(NewAnthropic("anthropic", config.LLMProvider{BaseURL: srv.URL})))
	resp, err := a.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !resp.Truncated() || resp.Text != "partial" {
		t.Fatalf("expected truncated partial response, got %+v", resp)
	}
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi \"}}\n\n")
		io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"there\"}}\n\n")
		io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	b := NewAnthropic("anthropic", config.LLMProvider{BaseURL: srv.URL})
	ch, err := b.Stream(context.Background(), Call{Model: "m"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, err := CollectStream(ch)
	if err != nil || text != "Hi there" {
		t.Fatalf("unexpected stream result %q, %v", text, err)
	}
}
