package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/agentcore/internal/a2a"
	"github.com/mohammad-safakhou/agentcore/internal/agent"
	"github.com/mohammad-safakhou/agentcore/internal/ai/aitest"
	"github.com/mohammad-safakhou/agentcore/internal/mcp"
	"github.com/mohammad-safakhou/agentcore/internal/reqctx"
	"github.com/mohammad-safakhou/agentcore/internal/runtime"
	"github.com/mohammad-safakhou/agentcore/internal/store"
)

var testSecret = []byte("test-secret")

type noTools struct{}

func (noTools) LoadToolsForServers(ctx context.Context, names []string, rc *reqctx.RequestContext) (mcp.LoadResult, error) {
	return mcp.LoadResult{}, nil
}

func (noTools) CallTool(ctx context.Context, server, tool string, args json.RawMessage, rc *reqctx.RequestContext) (*mcp.CallResult, error) {
	return nil, mcp.ErrServerNotRunning
}

type memTasks struct {
	mu   sync.Mutex
	recs map[string]store.TaskRecord
}

func (m *memTasks) SaveTask(ctx context.Context, rec store.TaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = rec
	return nil
}

func (m *memTasks) GetTask(ctx context.Context, id string) (store.TaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	return rec, ok, nil
}

func newTestServer(t *testing.T, steps ...aitest.Step) (*httptest.Server, *aitest.Scripted) {
	t.Helper()
	provider := aitest.New(steps...)
	desc := agent.AgentDescriptor{
		Name:        "calc",
		Version:     "1.0.0",
		Description: "Does arithmetic",
		Capabilities: agent.Capabilities{Extensions: []agent.Extension{{
			URI:    agent.ExtSkills,
			Params: map[string]any{"skills": []any{map[string]any{"id": "add", "name": "Addition"}}},
		}}},
	}
	orch := agent.NewOrchestrator(agent.NewStaticCatalog(desc), provider, noTools{}, noTools{},
		agent.WithTaskStore(&memTasks{recs: map[string]store.TaskRecord{}}),
		agent.WithLogger(log.New(io.Discard, "", 0)),
	)
	quiet := log.New(io.Discard, "", 0)
	e := New(&A2AHandler{Agents: orch, Logger: quiet}, testSecret, quiet)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return srv, provider
}

func call(t *testing.T, srv *httptest.Server, method string, params any) a2a.Response {
	t.Helper()
	raw, _ := json.Marshal(params)
	body, _ := json.Marshal(a2a.Request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method, Params: raw})
	return post(t, srv, body, true)
}

func post(t *testing.T, srv *httptest.Server, body []byte, auth bool) a2a.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/a2a", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth {
		tok, err := runtime.SignJWT("tester", testSecret, time.Minute)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out a2a.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func decodeResult(t *testing.T, resp a2a.Response, v any) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func TestMessageSendReturnsCompletedTask(t *testing.T) {
	srv, provider := newTestServer(t, aitest.Step{Text: "4"})

	resp := call(t, srv, a2a.MethodMessageSend, a2a.MessageSendParams{
		Agent:   "calc",
		Message: a2a.NewMessage(a2a.RoleUser, "What is 2+2?"),
	})
	var task a2a.Task
	decodeResult(t, resp, &task)
	if task.Status.State != a2a.TaskStateCompleted || len(task.History) != 2 || task.History[1].Text() != "4" {
		t.Fatalf("unexpected task: %+v", task)
	}
	if provider.Remaining() != 0 {
		t.Fatalf("script not consumed")
	}

	got := call(t, srv, a2a.MethodTasksGet, a2a.TaskIDParams{ID: string(task.ID)})
	var stored a2a.Task
	decodeResult(t, got, &stored)
	if stored.ID != task.ID || stored.Status.State != a2a.TaskStateCompleted {
		t.Fatalf("stored task mismatch: %+v", stored)
	}

	cancel := call(t, srv, a2a.MethodTasksCancel, a2a.TaskIDParams{ID: string(task.ID)})
	if cancel.Error == nil || cancel.Error.Code != a2a.CodeTaskNotCancelable {
		t.Fatalf("expected not cancelable, got %+v", cancel.Error)
	}
}

func TestMessageSendErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	cases := []struct {
		name   string
		params a2a.MessageSendParams
		code   int
	}{
		{"unknown agent", a2a.MessageSendParams{Agent: "ghost", Message: a2a.NewMessage(a2a.RoleUser, "hi")}, a2a.CodeAgentNotFound},
		{"missing agent", a2a.MessageSendParams{Message: a2a.NewMessage(a2a.RoleUser, "hi")}, a2a.CodeInvalidParams},
		{"agent role", a2a.MessageSendParams{Agent: "calc", Message: a2a.NewMessage(a2a.RoleAgent, "hi")}, a2a.CodeInvalidParams},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := call(t, srv, a2a.MethodMessageSend, tc.params)
			if resp.Error == nil || resp.Error.Code != tc.code {
				t.Fatalf("expected code %d, got %+v", tc.code, resp.Error)
			}
		})
	}
}

func TestTaskLookupsForUnknownTask(t *testing.T) {
	srv, _ := newTestServer(t)
	for _, method := range []string{a2a.MethodTasksGet, a2a.MethodTasksCancel} {
		resp := call(t, srv, method, a2a.TaskIDParams{ID: "nope"})
		if resp.Error == nil || resp.Error.Code != a2a.CodeTaskNotFound {
			t.Fatalf("%s: expected task not found, got %+v", method, resp.Error)
		}
	}
}

func TestAgentDiscovery(t *testing.T) {
	srv, _ := newTestServer(t)

	var cards []AgentCard
	decodeResult(t, call(t, srv, a2a.MethodAgentList, nil), &cards)
	if len(cards) != 1 || cards[0].Name != "calc" || len(cards[0].Skills) != 1 || cards[0].Skills[0].ID != "add" {
		t.Fatalf("unexpected cards: %+v", cards)
	}

	resp := call(t, srv, a2a.MethodAgentGet, agentNameParams{Name: "ghost"})
	if resp.Error == nil || resp.Error.Code != a2a.CodeAgentNotFound {
		t.Fatalf("expected agent not found, got %+v", resp.Error)
	}
}

func TestEnvelopeErrors(t *testing.T) {
	srv, _ := newTestServer(t)

	if resp := post(t, srv, []byte("{not json"), true); resp.Error == nil || resp.Error.Code != a2a.CodeParseError {
		t.Fatalf("expected parse error, got %+v", resp.Error)
	}
	if resp := post(t, srv, []byte(`{"jsonrpc":"1.0","method":"agent/list"}`), true); resp.Error == nil || resp.Error.Code != a2a.CodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", resp.Error)
	}
	if resp := call(t, srv, "tasks/resubscribe", nil); resp.Error == nil || resp.Error.Code != a2a.CodeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp.Error)
	}
}

func TestA2ARequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/a2a", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"agent/list"}`)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	health, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	health.Body.Close()
	if health.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", health.StatusCode)
	}
}

func TestToolModelFromMetadata(t *testing.T) {
	tm, err := toolModel(map[string]any{"tool_model": map[string]any{"provider": "anthropic", "max_output_tokens": 300}})
	if err != nil || tm == nil || tm.Provider != "anthropic" || tm.MaxOutputTokens != 300 {
		t.Fatalf("unexpected tool model %+v (%v)", tm, err)
	}
	if tm, err := toolModel(nil); tm != nil || err != nil {
		t.Fatalf("absent metadata should yield nil")
	}
	if _, err := toolModel(map[string]any{"tool_model": "gpt"}); err == nil {
		t.Fatalf("expected error for non-object")
	}
}
