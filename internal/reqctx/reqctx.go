// Package reqctx carries per-request identity and model overrides through the core.
package reqctx

import (
	"context"

	"github.com/mohammad-safakhou/agentcore/internal/ids"
)

// ToolModel overrides the provider, model and output budget for one request.
type ToolModel struct {
	Provider        string `json:"provider,omitempty"`
	Model           string `json:"model,omitempty"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
}

// RequestContext is created once per inbound request and passed by pointer.
type RequestContext struct {
	AuthToken string
	SessionID ids.SessionID
	ContextID ids.ContextID
	TaskID    ids.TaskID
	ToolModel *ToolModel
}

// New returns a context with fresh session and context ids.
func New(authToken string) *RequestContext {
	return &RequestContext{
		AuthToken: authToken,
		SessionID: ids.NewSessionID(),
		ContextID: ids.NewContextID(),
	}
}

// Token returns the auth token, tolerating a nil receiver.
func (rc *RequestContext) Token() string {
	if rc == nil {
		return ""
	}
	return rc.AuthToken
}

type ctxKey struct{}

// With attaches rc to ctx.
func With(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From extracts the request context attached by With.
func From(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return rc, ok && rc != nil
}
