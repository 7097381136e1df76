package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrUnauthorized is returned when the server rejects the bearer token.
var ErrUnauthorized = errors.New("mcp: unauthorized")

// Client is a JSON-RPC client for one streamable-HTTP MCP endpoint.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	clientInfo Implementation

	seq       atomic.Int64
	mu        sync.Mutex
	sessionID string
	server    Implementation
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClientInfo sets the implementation advertised during initialize.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.clientInfo = Implementation{Name: name, Version: version}
	}
}

// NewClient builds a client for endpoint. token, when set, is sent as a bearer credential.
func NewClient(endpoint, token string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		token:      strings.TrimSpace(strings.TrimPrefix(token, "Bearer ")),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clientInfo: Implementation{Name: "agentcore", Version: "1.0.0"},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the URL the client talks to.
func (c *Client) Endpoint() string { return c.endpoint }

// ServerInfo returns the implementation reported by the last successful initialize.
func (c *Client) ServerInfo() Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}

// Initialize performs the handshake and sends notifications/initialized.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      c.clientInfo,
		"capabilities":    map[string]any{},
	}
	var res InitializeResult
	if err := c.call(ctx, "initialize", params, &res); err != nil {
		return InitializeResult{}, fmt.Errorf("initialize: %w", err)
	}
	if strings.TrimSpace(res.ServerInfo.Name) == "" {
		return InitializeResult{}, fmt.Errorf("initialize: server did not report a name")
	}
	c.mu.Lock()
	c.server = res.ServerInfo
	c.mu.Unlock()
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return InitializeResult{}, fmt.Errorf("initialized notification: %w", err)
	}
	return res, nil
}

// ListTools enumerates every tool, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var (
		out    []Tool
		cursor string
	)
	for page := 0; page < 100; page++ {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var res listToolsResult
		if err := c.call(ctx, "tools/list", params, &res); err != nil {
			return nil, fmt.Errorf("tools/list: %w", err)
		}
		out = append(out, res.Tools...)
		if res.NextCursor == "" {
			return out, nil
		}
		cursor = res.NextCursor
	}
	return nil, fmt.Errorf("tools/list: too many pages")
}

// CallTool invokes a tool. Tool-level failures come back with IsError set;
// only protocol and transport failures are returned as errors.
func (c *Client) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error) {
	if len(bytes.TrimSpace(arguments)) == 0 {
		arguments = json.RawMessage(`{}`)
	}
	params := map[string]any{"name": name, "arguments": arguments}
	var res CallResult
	if err := c.call(ctx, "tools/call", params, &res); err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return &res, nil
}

func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	id := json.RawMessage(strconv.FormatInt(c.seq.Add(1), 10))
	body, err := encodeRequest(id, method, params)
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpc *rpcResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		rpc, err = readSSEResponse(resp.Body, id)
	} else {
		rpc = &rpcResponse{}
		err = json.NewDecoder(resp.Body).Decode(rpc)
	}
	if err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpc.Error != nil {
		return rpc.Error
	}
	if out == nil || len(rpc.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpc.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

func (c *Client) notify(ctx context.Context, method string) error {
	body, err := encodeRequest(nil, method, nil)
	if err != nil {
		return err
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("MCP-Protocol-Version", ProtocolVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set(SessionHeader, c.sessionID)
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if sid := resp.Header.Get(SessionHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, ErrUnauthorized
	case resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("mcp http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func encodeRequest(id json.RawMessage, method string, params any) ([]byte, error) {
	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}
	return json.Marshal(req)
}

// readSSEResponse scans an event stream for the response matching id.
func readSSEResponse(r io.Reader, id json.RawMessage) (*rpcResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var data strings.Builder
	flush := func() (*rpcResponse, bool) {
		if data.Len() == 0 {
			return nil, false
		}
		payload := data.String()
		data.Reset()
		var resp rpcResponse
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			return nil, false
		}
		if bytes.Equal(bytes.TrimSpace(resp.ID), id) {
			return &resp, true
		}
		return nil, false
	}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if strings.HasPrefix(line, "data:") {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("event stream ended without a response")
}
