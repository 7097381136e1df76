// Package mcp speaks the Model-Context-Protocol over streamable HTTP and
// resolves the tools exposed by supervised MCP servers.
package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the MCP revision negotiated during initialize.
const ProtocolVersion = "2025-03-26"

// SessionHeader carries the server-assigned MCP session id.
const SessionHeader = "Mcp-Session-Id"

// JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
	ServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by a server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// Implementation names a client or server in the handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      Implementation  `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
}

// Tool is the wire shape of one entry of tools/list.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

type listToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// ContentBlock is one element of a tool result's content array.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// CallResult is the reply to tools/call.
type CallResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// Text joins the text blocks of the result.
func (r *CallResult) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, block := range r.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Structured returns the structured content of the result. Servers that
// predate structuredContent often return a single JSON object as text; that
// form is accepted too. The bool reports whether a JSON object was found.
func (r *CallResult) Structured() (json.RawMessage, bool) {
	if r == nil {
		return nil, false
	}
	if len(r.StructuredContent) > 0 && isJSONObject(r.StructuredContent) {
		return r.StructuredContent, true
	}
	if len(r.Content) == 1 && r.Content[0].Type == "text" {
		raw := json.RawMessage(strings.TrimSpace(r.Content[0].Text))
		if isJSONObject(raw) {
			return raw, true
		}
	}
	return nil, false
}

func isJSONObject(raw json.RawMessage) bool {
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}

// ToolDescriptor is a tool resolved from a named server for one request.
type ToolDescriptor struct {
	ServerName   string          `json:"server_name"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// HasOutputSchema reports whether the tool declares an output schema.
func (d ToolDescriptor) HasOutputSchema() bool {
	trimmed := strings.TrimSpace(string(d.OutputSchema))
	return trimmed != "" && trimmed != "null"
}

// OutputProperties returns the top-level property names of the output schema, sorted.
func (d ToolDescriptor) OutputProperties() []string {
	return SchemaProperties(d.OutputSchema)
}
