package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/agentcore/internal/a2a"
	"github.com/mohammad-safakhou/agentcore/internal/agent"
	"github.com/mohammad-safakhou/agentcore/internal/ids"
	"github.com/mohammad-safakhou/agentcore/internal/reqctx"
	"github.com/mohammad-safakhou/agentcore/internal/runtime"
)

// AgentService is the orchestrator surface exposed over A2A.
// Implemented by *agent.Orchestrator.
type AgentService interface {
	ListAgents(ctx context.Context) ([]agent.AgentDescriptor, error)
	GetAgent(ctx context.Context, name string) (agent.AgentDescriptor, error)
	SendMessage(ctx context.Context, agentName string, msg a2a.Message, rc *reqctx.RequestContext) (*a2a.Task, error)
	Cancel(ctx context.Context, taskID ids.TaskID) error
	GetTask(ctx context.Context, taskID ids.TaskID) (*a2a.Task, error)
}

// A2AHandler serves JSON-RPC requests on a single endpoint.
type A2AHandler struct {
	Agents       AgentService
	DefaultAgent string
	Logger       *log.Logger
}

// AgentCard is the discovery view of an agent descriptor.
type AgentCard struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	Skills      []agent.Skill     `json:"skills,omitempty"`
	Extensions  []agent.Extension `json:"extensions,omitempty"`
	Defaults    agent.Defaults    `json:"defaults"`
}

type agentNameParams struct {
	Name string `json:"name"`
}

func (h *A2AHandler) Register(g *echo.Group) {
	g.POST("", h.serve)
}

func (h *A2AHandler) serve(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var req a2a.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return c.JSON(http.StatusOK, rpcError(nil, a2a.CodeParseError, "parse error"))
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return c.JSON(http.StatusOK, rpcError(req.ID, a2a.CodeInvalidRequest, "invalid request"))
	}

	ctx := c.Request().Context()
	var (
		result any
		rerr   *a2a.RPCError
	)
	switch req.Method {
	case a2a.MethodMessageSend:
		result, rerr = h.messageSend(ctx, req.Params)
	case a2a.MethodTasksCancel:
		result, rerr = h.tasksCancel(ctx, req.Params)
	case a2a.MethodTasksGet:
		result, rerr = h.tasksGet(ctx, req.Params)
	case a2a.MethodAgentList:
		result, rerr = h.agentList(ctx)
	case a2a.MethodAgentGet:
		result, rerr = h.agentGet(ctx, req.Params)
	default:
		rerr = &a2a.RPCError{Code: a2a.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	if rerr != nil {
		h.logf("%s failed: %d %s", req.Method, rerr.Code, rerr.Message)
		return c.JSON(http.StatusOK, a2a.Response{JSONRPC: "2.0", ID: req.ID, Error: rerr})
	}
	return c.JSON(http.StatusOK, a2a.Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (h *A2AHandler) messageSend(ctx context.Context, raw json.RawMessage) (any, *a2a.RPCError) {
	var p a2a.MessageSendParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(p.Agent)
	if name == "" {
		if v, ok := p.Metadata["agent"].(string); ok {
			name = strings.TrimSpace(v)
		}
	}
	if name == "" {
		name = h.DefaultAgent
	}
	if name == "" {
		return nil, &a2a.RPCError{Code: a2a.CodeInvalidParams, Message: "agent is required"}
	}

	token, _ := runtime.TokenFromContext(ctx)
	rc := reqctx.New(token)
	rc.TaskID = p.Message.TaskID
	if p.Message.ContextID != "" {
		rc.ContextID = p.Message.ContextID
	}
	if tm, err := toolModel(p.Metadata); err != nil {
		return nil, &a2a.RPCError{Code: a2a.CodeInvalidParams, Message: err.Error()}
	} else if tm != nil {
		rc.ToolModel = tm
	}

	task, err := h.Agents.SendMessage(ctx, name, p.Message, rc)
	if task != nil {
		return task, nil
	}
	return nil, mapError(err)
}

func (h *A2AHandler) tasksCancel(ctx context.Context, raw json.RawMessage) (any, *a2a.RPCError) {
	var p a2a.TaskIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, &a2a.RPCError{Code: a2a.CodeInvalidParams, Message: "id is required"}
	}
	if err := h.Agents.Cancel(ctx, ids.TaskID(p.ID)); err != nil {
		return nil, mapError(err)
	}
	task, err := h.Agents.GetTask(ctx, ids.TaskID(p.ID))
	if err != nil {
		// Cancel was delivered; the snapshot may not exist yet.
		return map[string]any{"id": p.ID, "canceled": true}, nil
	}
	return task, nil
}

func (h *A2AHandler) tasksGet(ctx context.Context, raw json.RawMessage) (any, *a2a.RPCError) {
	var p a2a.TaskIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, &a2a.RPCError{Code: a2a.CodeInvalidParams, Message: "id is required"}
	}
	task, err := h.Agents.GetTask(ctx, ids.TaskID(p.ID))
	if err != nil {
		return nil, mapError(err)
	}
	return task, nil
}

func (h *A2AHandler) agentList(ctx context.Context) (any, *a2a.RPCError) {
	descs, err := h.Agents.ListAgents(ctx)
	if err != nil {
		return nil, mapError(err)
	}
	cards := make([]AgentCard, 0, len(descs))
	for _, d := range descs {
		cards = append(cards, card(d))
	}
	return cards, nil
}

func (h *A2AHandler) agentGet(ctx context.Context, raw json.RawMessage) (any, *a2a.RPCError) {
	var p agentNameParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	d, err := h.Agents.GetAgent(ctx, p.Name)
	if err != nil {
		return nil, mapError(err)
	}
	return card(d), nil
}

func (h *A2AHandler) logf(format string, args ...any) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

func card(d agent.AgentDescriptor) AgentCard {
	return AgentCard{
		Name:        d.Name,
		Version:     d.Version,
		Description: d.Description,
		Skills:      d.Skills(),
		Extensions:  d.Capabilities.Extensions,
		Defaults:    d.Defaults,
	}
}

func decodeParams(raw json.RawMessage, v any) *a2a.RPCError {
	if len(raw) == 0 {
		return &a2a.RPCError{Code: a2a.CodeInvalidParams, Message: "params required"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &a2a.RPCError{Code: a2a.CodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

// toolModel reads the optional per-request model override from metadata.
func toolModel(meta map[string]any) (*reqctx.ToolModel, error) {
	raw, ok := meta["tool_model"]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var tm reqctx.ToolModel
	if err := json.Unmarshal(b, &tm); err != nil {
		return nil, errors.New("metadata.tool_model must be an object")
	}
	return &tm, nil
}

// mapError converts orchestrator errors into JSON-RPC errors. Internal
// failures are reported without their detail.
func mapError(err error) *a2a.RPCError {
	switch {
	case err == nil:
		return &a2a.RPCError{Code: a2a.CodeInternalError, Message: "no result"}
	case errors.Is(err, agent.ErrAgentNotFound):
		return &a2a.RPCError{Code: a2a.CodeAgentNotFound, Message: "agent not found"}
	case errors.Is(err, agent.ErrTaskNotFound):
		return &a2a.RPCError{Code: a2a.CodeTaskNotFound, Message: "task not found"}
	case errors.Is(err, agent.ErrTaskNotCancelable):
		return &a2a.RPCError{Code: a2a.CodeTaskNotCancelable, Message: "task cannot be canceled"}
	case errors.Is(err, agent.ErrInvalidMessage):
		return &a2a.RPCError{Code: a2a.CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, agent.ErrTaskInProgress):
		return &a2a.RPCError{Code: a2a.CodeUnsupportedOperation, Message: "task is already running"}
	default:
		return &a2a.RPCError{Code: a2a.CodeInternalError, Message: "internal error"}
	}
}

func rpcError(id json.RawMessage, code int, msg string) a2a.Response {
	return a2a.Response{JSONRPC: "2.0", ID: id, Error: &a2a.RPCError{Code: code, Message: msg}}
}
