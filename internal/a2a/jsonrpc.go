package a2a

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC and A2A error codes.
const (
	CodeParseError              = -32700
	CodeInvalidRequest          = -32600
	CodeMethodNotFound          = -32601
	CodeInvalidParams           = -32602
	CodeInternalError           = -32603
	CodeTaskNotFound            = -32001
	CodeTaskNotCancelable       = -32002
	CodeUnsupportedOperation    = -32004
	CodeContentTypeNotSupported = -32005
	CodeAgentNotFound           = -32010
)

// Method names served by the A2A endpoint.
const (
	MethodMessageSend = "message/send"
	MethodTasksCancel = "tasks/cancel"
	MethodTasksGet    = "tasks/get"
	MethodAgentList   = "agent/list"
	MethodAgentGet    = "agent/get"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("a2a error %d: %s", e.Code, e.Message)
}

// MessageSendParams carries the params of message/send.
type MessageSendParams struct {
	Message  Message        `json:"message"`
	Agent    string         `json:"agent,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskIDParams carries the params of tasks/cancel and tasks/get.
type TaskIDParams struct {
	ID string `json:"id"`
}
