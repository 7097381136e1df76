package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/mohammad-safakhou/agentcore/config"
	"github.com/mohammad-safakhou/agentcore/internal/ids"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var adapterTracer trace.Tracer = otel.Tracer("agentcore/internal/ai")

// Call is a vendor request after model resolution.
type Call struct {
	Model           string
	MaxOutputTokens int
	Messages        []Message
	Sampling        Sampling
	ReasoningEffort string
	Tools           []ToolSpec
	JSONSchema      *Schema
}

// Backend is one vendor client.
type Backend interface {
	Name() string
	DefaultModel() string
	Complete(ctx context.Context, call Call) (*ToolResponse, error)
	Stream(ctx context.Context, call Call) (<-chan StreamChunk, error)
}

// Defaults are used when neither the request nor the agent names a model.
type Defaults struct {
	Provider        string
	Model           string
	MaxOutputTokens int
}

// Resolved is the provider/model/budget chosen for one call.
type Resolved struct {
	Provider        string
	Model           string
	MaxOutputTokens int
}

// Adapter routes requests to vendor backends and implements Provider.
type Adapter struct {
	backends       map[string]Backend
	defaults       Defaults
	repairAttempts int
	logger         *log.Logger
}

var _ Provider = (*Adapter)(nil)

type Option func(*Adapter)

func WithBackend(b Backend) Option {
	return func(a *Adapter) {
		if b != nil {
			a.backends[strings.ToLower(b.Name())] = b
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithRepairAttempts bounds structured-output re-prompts.
func WithRepairAttempts(n int) Option {
	return func(a *Adapter) {
		if n >= 0 {
			a.repairAttempts = n
		}
	}
}

func NewAdapter(defaults Defaults, opts ...Option) *Adapter {
	if defaults.MaxOutputTokens <= 0 {
		defaults.MaxOutputTokens = 4096
	}
	defaults.Provider = strings.ToLower(strings.TrimSpace(defaults.Provider))
	a := &Adapter{
		backends:       map[string]Backend{},
		defaults:       defaults,
		repairAttempts: 2,
		logger:         log.New(log.Writer(), "[AI] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.defaults.Provider == "" && len(a.backends) > 0 {
		names := a.Providers()
		a.defaults.Provider = names[0]
	}
	return a
}

// NewAdapterFromConfig builds one backend per configured provider.
func NewAdapterFromConfig(cfg config.LLMConfig, opts ...Option) (*Adapter, error) {
	var backends []Option
	for name, p := range cfg.Providers {
		b, err := NewBackend(name, p)
		if err != nil {
			return nil, err
		}
		backends = append(backends, WithBackend(b))
	}
	all := append(backends, WithRepairAttempts(cfg.RepairAttempts))
	all = append(all, opts...)
	return NewAdapter(Defaults{
		Provider:        cfg.DefaultProvider,
		Model:           cfg.DefaultModel,
		MaxOutputTokens: cfg.DefaultMaxToken,
	}, all...), nil
}

// NewBackend constructs a vendor client from its configuration.
func NewBackend(name string, p config.LLMProvider) (Backend, error) {
	switch strings.ToLower(p.Type) {
	case "openai":
		return NewOpenAI(name, p), nil
	case "anthropic":
		return NewAnthropic(name, p), nil
	default:
		return nil, fmt.Errorf("llm provider %s: unsupported type %q", name, p.Type)
	}
}

// Providers lists registered backend names.
func (a *Adapter) Providers() []string {
	names := make([]string, 0, len(a.backends))
	for n := range a.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve picks provider, model and output budget. A tool-model override on
// the request context wins, then the request (agent) values, then defaults.
func (a *Adapter) Resolve(req Request) (Resolved, Backend, error) {
	res := Resolved{
		Provider:        strings.ToLower(strings.TrimSpace(req.Provider)),
		Model:           req.Model,
		MaxOutputTokens: req.MaxOutputTokens,
	}
	if req.Context != nil && req.Context.ToolModel != nil {
		o := req.Context.ToolModel
		if p := strings.ToLower(strings.TrimSpace(o.Provider)); p != "" {
			if p != res.Provider {
				res.Model = ""
			}
			res.Provider = p
		}
		if o.Model != "" {
			res.Model = o.Model
		}
		if o.MaxOutputTokens > 0 {
			res.MaxOutputTokens = o.MaxOutputTokens
		}
	}
	if res.Provider == "" {
		res.Provider = a.defaults.Provider
	}
	backend, ok := a.backends[res.Provider]
	if !ok {
		return res, nil, &Error{Kind: KindProvider, Provider: res.Provider, Message: "provider is not configured"}
	}
	if res.Model == "" {
		if res.Provider == a.defaults.Provider && a.defaults.Model != "" {
			res.Model = a.defaults.Model
		} else {
			res.Model = backend.DefaultModel()
		}
	}
	if res.MaxOutputTokens <= 0 {
		res.MaxOutputTokens = a.defaults.MaxOutputTokens
	}
	return res, backend, nil
}

func (a *Adapter) start(ctx context.Context, op string, req Request) (context.Context, trace.Span, Resolved, Backend, error) {
	res, backend, err := a.Resolve(req)
	ctx, span := adapterTracer.Start(ctx, "ai."+op, trace.WithAttributes(
		attribute.String("ai.provider", res.Provider),
		attribute.String("ai.model", res.Model),
		attribute.Int("ai.max_output_tokens", res.MaxOutputTokens),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return ctx, span, res, backend, err
}

func (a *Adapter) call(res Resolved, req Request) Call {
	return Call{
		Model:           res.Model,
		MaxOutputTokens: res.MaxOutputTokens,
		Messages:        req.Messages,
		Sampling:        req.Sampling,
		ReasoningEffort: req.ReasoningEffort,
	}
}

func finish(span trace.Span, res Resolved, op string, started time.Time, err error) {
	recordCall(res.Provider, op, started, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Generate returns a plain text completion.
func (a *Adapter) Generate(ctx context.Context, req Request) (*Response, error) {
	started := time.Now()
	ctx, span, res, backend, err := a.start(ctx, "generate", req)
	if err != nil {
		finish(span, res, "generate", started, err)
		return nil, err
	}
	out, err := backend.Complete(ctx, a.call(res, req))
	if err == nil && strings.TrimSpace(out.Text) == "" {
		err = &Error{Kind: KindEmptyResponse, Provider: res.Provider, Message: "model returned no text"}
	}
	finish(span, res, "generate", started, err)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("ai.output_tokens", out.Usage.OutputTokens))
	return &Response{
		Text:         out.Text,
		Usage:        out.Usage,
		FinishReason: out.FinishReason,
		Provider:     res.Provider,
		Model:        res.Model,
	}, nil
}

// GenerateStream streams a text completion. The channel closes when the
// vendor stream ends; a failure arrives as a final chunk with Err set.
func (a *Adapter) GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	started := time.Now()
	ctx, span, res, backend, err := a.start(ctx, "stream", req)
	if err != nil {
		finish(span, res, "stream", started, err)
		return nil, err
	}
	in, err := backend.Stream(ctx, a.call(res, req))
	if err != nil {
		finish(span, res, "stream", started, err)
		return nil, err
	}
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		var streamErr error
		for chunk := range in {
			if chunk.Err != nil {
				streamErr = chunk.Err
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				finish(span, res, "stream", started, ctx.Err())
				for range in {
				}
				return
			}
		}
		finish(span, res, "stream", started, streamErr)
	}()
	return out, nil
}

// GenerateWithTools lets the model propose tool calls. Every returned call
// carries an ID; names are the original tool names.
func (a *Adapter) GenerateWithTools(ctx context.Context, req Request, tools []ToolSpec) (*ToolResponse, error) {
	started := time.Now()
	ctx, span, res, backend, err := a.start(ctx, "generate_with_tools", req)
	if err != nil {
		finish(span, res, "generate_with_tools", started, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("ai.tools", len(tools)))
	call := a.call(res, req)
	call.Tools = tools
	out, err := backend.Complete(ctx, call)
	if err == nil && strings.TrimSpace(out.Text) == "" && len(out.ToolCalls) == 0 {
		err = &Error{Kind: KindEmptyResponse, Provider: res.Provider, Message: "model returned neither text nor tool calls"}
	}
	finish(span, res, "generate_with_tools", started, err)
	if err != nil {
		return nil, err
	}
	for i := range out.ToolCalls {
		if out.ToolCalls[i].ID == "" {
			out.ToolCalls[i].ID = ids.NewAIToolCallID()
		}
		if len(out.ToolCalls[i].Arguments) == 0 {
			out.ToolCalls[i].Arguments = json.RawMessage(`{}`)
		}
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == "" {
		out.FinishReason = FinishToolCalls
	}
	out.Provider, out.Model = res.Provider, res.Model
	return out, nil
}

// GenerateStructured returns JSON conforming to schema. Malformed output is
// repaired locally first, then re-prompted with the validation error.
func (a *Adapter) GenerateStructured(ctx context.Context, req Request, schema Schema) (json.RawMessage, error) {
	started := time.Now()
	ctx, span, res, backend, err := a.start(ctx, "generate_structured", req)
	if err != nil {
		finish(span, res, "generate_structured", started, err)
		return nil, err
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		err = &Error{Kind: KindSchemaMismatch, Provider: res.Provider, Message: "invalid schema", Err: err}
		finish(span, res, "generate_structured", started, err)
		return nil, err
	}

	call := a.call(res, req)
	call.JSONSchema = &schema
	call.Messages = append([]Message(nil), req.Messages...)

	var lastErr error
	for attempt := 0; attempt <= a.repairAttempts; attempt++ {
		out, err := backend.Complete(ctx, call)
		if err != nil {
			finish(span, res, "generate_structured", started, err)
			return nil, err
		}
		doc, verr := decodeStructured(out.Text, compiled)
		if verr == nil {
			span.SetAttributes(attribute.Int("ai.repair_attempts", attempt))
			finish(span, res, "generate_structured", started, nil)
			return doc, nil
		}
		kind := KindSchemaMismatch
		if out.FinishReason == FinishLength {
			kind = KindTruncated
		}
		lastErr = &Error{Kind: kind, Provider: res.Provider, Message: verr.Error(), Err: verr}
		a.logger.Printf("structured output attempt %d rejected: %v", attempt+1, verr)
		call.Messages = append(call.Messages,
			Message{Role: RoleAssistant, Content: out.Text},
			Message{Role: RoleUser, Content: repairPrompt(verr)},
		)
	}
	finish(span, res, "generate_structured", started, lastErr)
	return nil, lastErr
}

func repairPrompt(err error) string {
	return "The previous reply was not valid for the required JSON schema: " + err.Error() +
		". Reply again with only the corrected JSON document."
}
