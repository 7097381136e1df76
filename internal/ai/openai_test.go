package ai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/agentcore/config"
)

func TestOpenAIToolCallsRoundTrip(t *testing.T) {
	var got openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Fatalf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"blog_create_post","arguments":"{\"title\":\"Hi\"}"}}]},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":12,"completion_tokens":7}}`)
	}))
	defer srv.Close()

	b := NewOpenAI("openai", config.LLMProvider{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-test"})
	resp, err := b.Complete(context.Background(), Call{
		Model:           "gpt-test",
		MaxOutputTokens: 256,
		Messages:        []Message{{Role: RoleSystem, Content: "be brief"}, {Role: RoleUser, Content: "post"}},
		Tools:           []ToolSpec{{Name: "blog.create_post", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Model != "gpt-test" || got.MaxTokens != 256 || len(got.Messages) != 2 {
		t.Fatalf("unexpected request: %+v", got)
	}
	if len(got.Tools) != 1 || got.Tools[0].Function.Name != "blog_create_post" {
		t.Fatalf("expected sanitised tool name, got %+v", got.Tools)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "blog.create_post" || string(call.Arguments) != `{"title":"Hi"}` {
		t.Fatalf("unexpected tool call: %+v", call)
	}
	if resp.FinishReason != FinishToolCalls || resp.Usage.OutputTokens != 7 {
		t.Fatalf("unexpected finish/usage: %s %+v", resp.FinishReason, resp.Usage)
	}
}

func TestOpenAIRateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	}))
	defer srv.Close()

	b := NewOpenAI("openai", config.LLMProvider{BaseURL: srv.URL})
	_, err := b.Complete(context.Background(), Call{Model: "m", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	var aerr *Error
	if !errors.As(err, &aerr) {
		t.Fatalf("expected adapter error, got %v", err)
	}
	if aerr.Kind != KindRateLimit || aerr.RetryAfter != 2*time.Second || aerr.Message != "slow down" {
		t.Fatalf("unexpected error: %+v", aerr)
	}
	if !IsRetryable(err) {
		t.Fatalf("rate limit should be retryable")
	}
}

func TestOpenAIUnauthorizedIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := NewOpenAI("openai", config.LLMProvider{BaseURL: srv.URL, MaxRetries: 3})
	_, err := b.Complete(context.Background(), Call{Model: "m"})
	if KindOf(err) != KindAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if IsRetryable(err) {
		t.Fatalf("authentication errors must not be retryable")
	}
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, `{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	b := NewOpenAI("openai", config.LLMProvider{BaseURL: srv.URL, MaxRetries: 1})
	b.http.backoff = time.Millisecond
	resp, err := b.Complete(context.Background(), Call{Model: "m"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if hits != 2 || resp.Text != "ok" {
		t.Fatalf("expected retry then success, hits=%d text=%q", hits, resp.Text)
	}
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"stream":true`) {
			t.Fatalf("expected stream flag in %s", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n")
		io.WriteString(w, ": keep-alive\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	b := NewOpenAI("openai", config.LLMProvider{BaseURL: srv.URL})
	ch, err := b.Stream(context.Background(), Call{Model: "m"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, err := CollectStream(ch)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if text != "Hello world" {
		t.Fatalf("unexpected text %q", text)
	}
}
