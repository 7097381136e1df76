package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/agentcore/config"
	"github.com/mohammad-safakhou/agentcore/internal/reqctx"
	"github.com/mohammad-safakhou/agentcore/internal/runtime"
	"github.com/mohammad-safakhou/agentcore/internal/store"
)

func newBlogServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := NewServer("blog", "1.2.0", nil)
	srv.Register(Tool{
		Name:         "write_post",
		Description:  "Create a blog post",
		InputSchema:  json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}},"required":["title"]}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"},"text":{"type":"string"}}}`),
	}, func(ctx context.Context, args map[string]any) (*CallResult, error) {
		title, _ := args["title"].(string)
		if title == "" {
			return nil, errors.New("title is required")
		}
		return StructuredResult(map[string]any{"id": "a1", "text": "post about " + title})
	})
	mux := http.NewServeMux()
	mux.Handle("/mcp", srv)
	return httptest.NewServer(mux)
}

func portOf(t *testing.T, rawURL string) int {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	_, p, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host: %v", err)
	}
	port, _ := strconv.Atoi(p)
	return port
}

type fakeLookup struct {
	mu      sync.Mutex
	records map[string][]store.ServiceRecord
	calls   map[string]int
}

func (f *fakeLookup) GetService(ctx context.Context, name string) (store.ServiceRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	seq, ok := f.records[name]
	if !ok || len(seq) == 0 {
		return store.ServiceRecord{}, false, nil
	}
	idx := f.calls[name]
	f.calls[name]++
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx], true, nil
}

func TestClientRoundTrip(t *testing.T) {
	ts := newBlogServer(t)
	defer ts.Close()

	c := NewClient(ts.URL+"/mcp", "")
	res, err := c.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.ServerInfo.Name != "blog" || res.ServerInfo.Version != "1.2.0" {
		t.Fatalf("unexpected server info %+v", res.ServerInfo)
	}
	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "write_post" || len(tools[0].OutputSchema) == 0 {
		t.Fatalf("unexpected tools %+v", tools)
	}

	out, err := c.CallTool(context.Background(), "write_post", json.RawMessage(`{"title":"X"}`))
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	raw, ok := out.Structured()
	if !ok {
		t.Fatalf("expected structured content")
	}
	var doc map[string]string
	_ = json.Unmarshal(raw, &doc)
	if doc["id"] != "a1" {
		t.Fatalf("unexpected structured content %s", raw)
	}

	failed, err := c.CallTool(context.Background(), "write_post", nil)
	if err != nil {
		t.Fatalf("tool failure should not be a transport error: %v", err)
	}
	if !failed.IsError || failed.Text() != "title is required" {
		t.Fatalf("expected tool error result, got %+v", failed)
	}

	if _, err := c.CallTool(context.Background(), "missing", nil); err == nil {
		t.Fatalf("expected unknown tool protocol error")
	}
}

func TestClientRejectedToken(t *testing.T) {
	srv := NewServer("secure", "1", nil)
	srv.RequireToken("good")
	ts := httptest.NewServer(srv)
	defer ts.Close()

	if _, err := NewClient(ts.URL, "bad").Initialize(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := NewClient(ts.URL, "Bearer good").Initialize(context.Background()); err != nil {
		t.Fatalf("expected bearer token to be accepted: %v", err)
	}
}

func TestReadSSEResponseSkipsOtherMessages(t *testing.T) {
	stream := "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\n" +
		"data: {\"jsonrpc\":\"2.0\",\"id\":7,\"result\":{\"ok\":true}}\n\n"
	resp, err := readSSEResponse(stringsReader(stream), json.RawMessage("7"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(resp.Result) != `{"ok":true}` {
		t.Fatalf("unexpected result %s", resp.Result)
	}
}

func TestStructuredFallsBackToJSONText(t *testing.T) {
	res := &CallResult{Content: []ContentBlock{{Type: "text", Text: ` {"body":"hello"} `}}}
	raw, ok := res.Structured()
	if !ok || string(raw) != `{"body":"hello"}` {
		t.Fatalf("expected text fallback, got %s %v", raw, ok)
	}
	if _, ok := TextResult("plain words").Structured(); ok {
		t.Fatalf("plain text must not parse as structured")
	}
}

func TestLoadToolsForServersPartialSuccess(t *testing.T) {
	ts := newBlogServer(t)
	defer ts.Close()

	cfg := config.MCPConfig{Servers: map[string]config.MCPServerConfig{
		"blog":    {Host: "127.0.0.1"},
		"down":    {Host: "127.0.0.1"},
		"private": {Host: "127.0.0.1", RequiredScopes: []string{"admin"}},
	}}
	lookup := &fakeLookup{records: map[string][]store.ServiceRecord{
		"blog":    {{Name: "blog", Status: store.ServiceRunning, Port: portOf(t, ts.URL)}},
		"down":    {{Name: "down", Status: store.ServiceStopped, Port: 1}},
		"private": {{Name: "private", Status: store.ServiceRunning, Port: portOf(t, ts.URL)}},
	}}
	reg := NewRegistry(cfg, lookup, WithRecordRetry(time.Millisecond, 3))

	tok, _ := runtime.SignJWT("user", []byte("k"), time.Minute, "posts:write")
	res, err := reg.LoadToolsForServers(context.Background(), []string{"blog", "down", "private", "unknown"}, reqctx.New(tok))
	if err != nil {
		t.Fatalf("load must not fail: %v", err)
	}
	if len(res.Tools["blog"]) != 1 || res.Tools["blog"][0].ServerName != "blog" {
		t.Fatalf("expected blog tools, got %+v", res.Tools)
	}
	if !errors.Is(res.Errors["down"], ErrServerNotRunning) {
		t.Fatalf("expected not running error, got %v", res.Errors["down"])
	}
	if !errors.Is(res.Errors["unknown"], ErrUnknownServer) {
		t.Fatalf("expected unknown server error, got %v", res.Errors["unknown"])
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "private" {
		t.Fatalf("expected private to be skipped, got %v", res.Skipped)
	}
	if _, ok := res.Errors["private"]; ok {
		t.Fatalf("skipped servers must not be reported as errors")
	}
	if got := lookup.calls["down"]; got != 4 {
		t.Fatalf("expected 1 attempt plus 3 retries, got %d", got)
	}
}

func TestLoadToolsMixesKnownAndUnknownServers(t *testing.T) {
	// Unknown names are recorded while workers for known names are still
	// writing their own errors; run with -race to catch unguarded writes.
	const n = 100
	servers := make(map[string]config.MCPServerConfig, n)
	records := make(map[string][]store.ServiceRecord, n)
	names := make([]string, 0, 2*n)
	for i := 0; i < n; i++ {
		known := "svc" + strconv.Itoa(i)
		servers[known] = config.MCPServerConfig{Host: "127.0.0.1"}
		records[known] = []store.ServiceRecord{{Name: known, Status: store.ServiceStopped, Port: 1}}
		names = append(names, known, "ghost"+strconv.Itoa(i))
	}
	reg := NewRegistry(config.MCPConfig{Servers: servers}, &fakeLookup{records: records}, WithRecordRetry(0, 0))

	res, err := reg.LoadToolsForServers(context.Background(), names, nil)
	if err != nil {
		t.Fatalf("load must not fail: %v", err)
	}
	if len(res.Errors) != 2*n || len(res.Tools) != 0 {
		t.Fatalf("expected %d errors and no tools, got %d errors %d tools", 2*n, len(res.Errors), len(res.Tools))
	}
	for i := 0; i < n; i++ {
		if !errors.Is(res.Errors["ghost"+strconv.Itoa(i)], ErrUnknownServer) {
			t.Fatalf("ghost%d: expected unknown server, got %v", i, res.Errors["ghost"+strconv.Itoa(i)])
		}
		if !errors.Is(res.Errors["svc"+strconv.Itoa(i)], ErrServerNotRunning) {
			t.Fatalf("svc%d: expected not running, got %v", i, res.Errors["svc"+strconv.Itoa(i)])
		}
	}
}

func TestLoadToolsRetriesUntilRunning(t *testing.T) {
	ts := newBlogServer(t)
	defer ts.Close()

	port := portOf(t, ts.URL)
	lookup := &fakeLookup{records: map[string][]store.ServiceRecord{
		"blog": {
			{Name: "blog", Status: store.ServiceStarting, Port: port},
			{Name: "blog", Status: store.ServiceRunning, Port: port},
		},
	}}
	reg := NewRegistry(config.MCPConfig{Servers: map[string]config.MCPServerConfig{"blog": {}}}, lookup,
		WithRecordRetry(time.Millisecond, 3))

	res, _ := reg.LoadToolsForServers(context.Background(), []string{"blog"}, nil)
	if len(res.Tools["blog"]) != 1 {
		t.Fatalf("expected tools after retry, errors=%v", res.Errors)
	}
}

func TestLoadToolsTimeout(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	lookup := &fakeLookup{records: map[string][]store.ServiceRecord{
		"slow": {{Name: "slow", Status: store.ServiceRunning, Port: portOf(t, slow.URL)}},
	}}
	reg := NewRegistry(config.MCPConfig{
		Servers:     map[string]config.MCPServerConfig{"slow": {Path: "/"}},
		LoadTimeout: 50 * time.Millisecond,
	}, lookup)

	res, err := reg.LoadToolsForServers(context.Background(), []string{"slow"}, nil)
	if err != nil {
		t.Fatalf("timeouts must not fail the call: %v", err)
	}
	if !errors.Is(res.Errors["slow"], ErrListToolsTimeout) {
		t.Fatalf("expected timeout error, got %v", res.Errors["slow"])
	}
}

func TestRegistryCallTool(t *testing.T) {
	ts := newBlogServer(t)
	defer ts.Close()

	lookup := &fakeLookup{records: map[string][]store.ServiceRecord{
		"blog": {{Name: "blog", Status: store.ServiceRunning, Port: portOf(t, ts.URL)}},
	}}
	reg := NewRegistry(config.MCPConfig{Servers: map[string]config.MCPServerConfig{"blog": {}}}, lookup)
	res, err := reg.CallTool(context.Background(), "blog", "write_post", json.RawMessage(`{"title":"Go"}`), nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error %s", res.Text())
	}
}

func TestFlattenPrefersFirstServer(t *testing.T) {
	res := LoadResult{Tools: map[string][]ToolDescriptor{
		"b": {{ServerName: "b", Name: "search"}},
		"a": {{ServerName: "a", Name: "search"}, {ServerName: "a", Name: "write"}},
	}}
	flat := res.Flatten()
	if len(flat) != 2 || flat[0].ServerName != "a" || flat[1].Name != "write" {
		t.Fatalf("unexpected flatten %+v", flat)
	}
}

func TestValidateArguments(t *testing.T) {
	desc := ToolDescriptor{Name: "write_post", InputSchema: json.RawMessage(`{"type":"object","required":["title"]}`)}
	if err := ValidateArguments(desc, json.RawMessage(`{"title":"x"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateArguments(desc, json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected missing title error")
	}
}
