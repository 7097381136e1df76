package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ToolHandler executes one tool. A returned error is reported to the caller
// as a tool-level failure (isError), not a protocol error.
type ToolHandler func(ctx context.Context, args map[string]any) (*CallResult, error)

// Server is a minimal streamable-HTTP MCP server hosting in-process tools.
type Server struct {
	info   Implementation
	token  string
	logger *log.Logger

	mu       sync.RWMutex
	tools    []Tool
	handlers map[string]ToolHandler
}

// NewServer creates a server that reports name and version during initialize.
func NewServer(name, version string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[MCP-SERVER] ", log.LstdFlags)
	}
	return &Server{
		info:     Implementation{Name: name, Version: version},
		logger:   logger,
		handlers: make(map[string]ToolHandler),
	}
}

// RequireToken makes every request present the given bearer token.
func (s *Server) RequireToken(token string) { s.token = token }

// Register adds a tool. Registering a name twice replaces the handler.
func (s *Server) Register(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[tool.Name]; !exists {
		s.tools = append(s.tools, tool)
	} else {
		for i := range s.tools {
			if s.tools[i].Name == tool.Name {
				s.tools[i] = tool
			}
		}
	}
	s.handlers[tool.Name] = handler
}

// ServeHTTP handles POSTed JSON-RPC messages.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.token != "" && r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResp(w, nil, nil, &RPCError{Code: ParseError, Message: "parse error"})
		return
	}
	if len(req.ID) == 0 {
		// notification
		w.WriteHeader(http.StatusAccepted)
		return
	}
	switch req.Method {
	case "initialize":
		w.Header().Set(SessionHeader, uuid.NewString())
		writeResp(w, req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      s.info,
			Capabilities:    json.RawMessage(`{"tools":{}}`),
		}, nil)
	case "tools/list":
		s.mu.RLock()
		tools := append([]Tool(nil), s.tools...)
		s.mu.RUnlock()
		writeResp(w, req.ID, listToolsResult{Tools: tools}, nil)
	case "tools/call":
		res, rpcErr := s.callTool(r.Context(), req.Params)
		writeResp(w, req.ID, res, rpcErr)
	case "ping":
		writeResp(w, req.ID, map[string]any{}, nil)
	default:
		writeResp(w, req.ID, nil, &RPCError{Code: MethodNotFound, Message: "method not found: " + req.Method})
	}
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (*CallResult, *RPCError) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "invalid params"}
	}
	s.mu.RLock()
	handler, ok := s.handlers[params.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "unknown tool: " + params.Name}
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}
	res, err := handler(ctx, params.Arguments)
	if err != nil {
		s.logger.Printf("tool %s failed: %v", params.Name, err)
		return ErrorResult(err.Error()), nil
	}
	if res == nil {
		res = &CallResult{}
	}
	if res.Content == nil {
		res.Content = []ContentBlock{}
	}
	return res, nil
}

// StructuredResult builds a successful result carrying v as structured
// content, mirrored as JSON text for clients that only read content.
func StructuredResult(v any) (*CallResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode structured content: %w", err)
	}
	return &CallResult{
		Content:           []ContentBlock{{Type: "text", Text: string(raw)}},
		StructuredContent: raw,
	}, nil
}

// TextResult builds a successful free-form text result.
func TextResult(text string) *CallResult {
	return &CallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

// ErrorResult builds a tool-level failure.
func ErrorResult(message string) *CallResult {
	return &CallResult{Content: []ContentBlock{{Type: "text", Text: strings.TrimSpace(message)}}, IsError: true}
}

func writeResp(w http.ResponseWriter, id json.RawMessage, result any, rpcErr *RPCError) {
	resp := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id,omitempty"`
		Result  any             `json:"result,omitempty"`
		Error   *RPCError       `json:"error,omitempty"`
	}{JSONRPC: "2.0", ID: id}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
