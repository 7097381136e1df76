package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mohammad-safakhou/agentcore/config"
	"github.com/mohammad-safakhou/agentcore/internal/reqctx"
	"github.com/mohammad-safakhou/agentcore/internal/runtime"
	"github.com/mohammad-safakhou/agentcore/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var registryTracer trace.Tracer = otel.Tracer("agentcore/internal/mcp")

// Registry errors.
var (
	ErrUnknownServer     = errors.New("mcp server not configured")
	ErrServerNotRunning  = errors.New("mcp server not running")
	ErrHandshakeFailed   = errors.New("mcp handshake failed")
	ErrListToolsTimeout  = errors.New("mcp list_tools timed out")
	ErrPermissionDenied  = errors.New("mcp server requires scopes the caller lacks")
	ErrToolTimeout       = errors.New("mcp tool call timed out")
	ErrToolCallTransport = errors.New("mcp tool call failed")
)

// ServiceLookup reads supervisor records. Implemented by *store.Store.
type ServiceLookup interface {
	GetService(ctx context.Context, name string) (store.ServiceRecord, bool, error)
}

// LoadResult maps server names to their tools. Errors holds per-server
// failures; Skipped lists servers filtered out by scope checks.
type LoadResult struct {
	Tools   map[string][]ToolDescriptor
	Errors  map[string]error
	Skipped []string
}

// Flatten returns every loaded tool ordered by server then tool name. When
// two servers expose the same tool name the first server wins.
func (r LoadResult) Flatten() []ToolDescriptor {
	servers := make([]string, 0, len(r.Tools))
	for name := range r.Tools {
		servers = append(servers, name)
	}
	sort.Strings(servers)
	seen := make(map[string]struct{})
	var out []ToolDescriptor
	for _, server := range servers {
		for _, tool := range r.Tools[server] {
			if _, dup := seen[tool.Name]; dup {
				continue
			}
			seen[tool.Name] = struct{}{}
			out = append(out, tool)
		}
	}
	return out
}

// Registry resolves tools from configured MCP servers per request. It keeps
// no tool cache; every call re-reads service records and re-lists tools.
type Registry struct {
	servers      map[string]config.MCPServerConfig
	records      ServiceLookup
	jwtSecret    []byte
	loadTimeout  time.Duration
	callTimeout  time.Duration
	retryInitial time.Duration
	retryMax     uint64
	concurrency  int
	clientOpts   []ClientOption
	logger       *log.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithJWTSecret verifies auth token signatures before reading scopes.
func WithJWTSecret(secret []byte) Option {
	return func(r *Registry) { r.jwtSecret = secret }
}

// WithRecordRetry tunes the backoff used while a record is not yet running.
func WithRecordRetry(initial time.Duration, retries uint64) Option {
	return func(r *Registry) {
		r.retryInitial = initial
		r.retryMax = retries
	}
}

// WithClientOptions forwards options to every MCP client the registry creates.
func WithClientOptions(opts ...ClientOption) Option {
	return func(r *Registry) { r.clientOpts = append(r.clientOpts, opts...) }
}

// NewRegistry builds a registry over the configured servers.
func NewRegistry(cfg config.MCPConfig, records ServiceLookup, opts ...Option) *Registry {
	cfg = cfg.Normalize()
	r := &Registry{
		servers:      cfg.Servers,
		records:      records,
		loadTimeout:  cfg.LoadTimeout,
		callTimeout:  cfg.CallTimeout,
		retryInitial: 100 * time.Millisecond,
		retryMax:     3,
		concurrency:  8,
		logger:       log.New(log.Writer(), "[MCP] ", log.LstdFlags),
	}
	if r.servers == nil {
		r.servers = map[string]config.MCPServerConfig{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadToolsForServers loads tools from each named server. One server's
// failure never affects another and never fails the call.
func (r *Registry) LoadToolsForServers(ctx context.Context, names []string, rc *reqctx.RequestContext) (LoadResult, error) {
	ctx, span := registryTracer.Start(ctx, "mcp.LoadToolsForServers",
		trace.WithAttributes(attribute.Int("servers.requested", len(names))))
	defer span.End()

	result := LoadResult{
		Tools:  make(map[string][]ToolDescriptor),
		Errors: make(map[string]error),
	}
	var callerScopes []string
	var scopesLoaded bool

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(r.concurrency)
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		srvCfg, ok := r.servers[name]
		if !ok {
			mu.Lock()
			result.Errors[name] = fmt.Errorf("%w: %s", ErrUnknownServer, name)
			mu.Unlock()
			continue
		}
		if len(srvCfg.RequiredScopes) > 0 {
			if !scopesLoaded {
				callerScopes = r.callerScopes(rc)
				scopesLoaded = true
			}
			if !runtime.HasScopes(callerScopes, srvCfg.RequiredScopes...) {
				r.logger.Printf("skipping server %s: %v", name, ErrPermissionDenied)
				result.Skipped = append(result.Skipped, name)
				continue
			}
		}

		name, srvCfg := name, srvCfg
		g.Go(func() error {
			tools, err := r.loadServer(ctx, name, srvCfg, rc)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Printf("load tools from %s: %v", name, err)
				result.Errors[name] = err
				return nil
			}
			result.Tools[name] = tools
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(result.Skipped)

	span.SetAttributes(
		attribute.Int("servers.loaded", len(result.Tools)),
		attribute.Int("servers.failed", len(result.Errors)),
		attribute.Int("servers.skipped", len(result.Skipped)),
	)
	recordLoad(ctx, len(result.Tools), len(result.Errors))
	return result, nil
}

func (r *Registry) loadServer(ctx context.Context, name string, srvCfg config.MCPServerConfig, rc *reqctx.RequestContext) ([]ToolDescriptor, error) {
	rec, err := r.awaitRunning(ctx, name)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.loadTimeout)
	defer cancel()

	client := r.newClient(srvCfg, rec, rc)
	if _, err := client.Initialize(ctx); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrListToolsTimeout, name)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrHandshakeFailed, name, err)
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrListToolsTimeout, name)
		}
		return nil, fmt.Errorf("list tools from %s: %w", name, err)
	}
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDescriptor{
			ServerName:   name,
			Name:         t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			OutputSchema: t.OutputSchema,
		})
	}
	return out, nil
}

// CallTool invokes a tool on the named server under the call timeout.
func (r *Registry) CallTool(ctx context.Context, server, tool string, args json.RawMessage, rc *reqctx.RequestContext) (*CallResult, error) {
	ctx, span := registryTracer.Start(ctx, "mcp.CallTool",
		trace.WithAttributes(attribute.String("mcp.server", server), attribute.String("mcp.tool", tool)))
	defer span.End()

	srvCfg, ok := r.servers[server]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownServer, server)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	rec, err := r.awaitRunning(ctx, server)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	client := r.newClient(srvCfg, rec, rc)
	if _, err := client.Initialize(ctx); err != nil {
		return nil, r.callError(ctx, server, tool, span, err)
	}
	res, err := client.CallTool(ctx, tool, args)
	if err != nil {
		return nil, r.callError(ctx, server, tool, span, err)
	}
	if res.IsError {
		span.SetStatus(codes.Error, "tool reported error")
	}
	return res, nil
}

func (r *Registry) callError(ctx context.Context, server, tool string, span trace.Span, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s/%s after %s", ErrToolTimeout, server, tool, r.callTimeout)
	} else {
		err = fmt.Errorf("%w: %s/%s: %v", ErrToolCallTransport, server, tool, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// awaitRunning reads the service record, retrying briefly while it is not
// yet visible as running on the read pool.
func (r *Registry) awaitRunning(ctx context.Context, name string) (store.ServiceRecord, error) {
	if r.records == nil {
		return store.ServiceRecord{}, fmt.Errorf("%w: %s: no service records", ErrServerNotRunning, name)
	}
	var rec store.ServiceRecord
	op := func() error {
		got, ok, err := r.records.GetService(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s: no record", ErrServerNotRunning, name)
		}
		if got.Status != store.ServiceRunning || got.Port <= 0 {
			return fmt.Errorf("%w: %s is %s", ErrServerNotRunning, name, got.Status)
		}
		rec = got
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryInitial
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.retryMax), ctx)); err != nil {
		return store.ServiceRecord{}, err
	}
	return rec, nil
}

func (r *Registry) newClient(srvCfg config.MCPServerConfig, rec store.ServiceRecord, rc *reqctx.RequestContext) *Client {
	endpoint := "http://" + net.JoinHostPort(srvCfg.Host, strconv.Itoa(rec.Port)) + srvCfg.Path
	return NewClient(endpoint, rc.Token(), r.clientOpts...)
}

func (r *Registry) callerScopes(rc *reqctx.RequestContext) []string {
	token := rc.Token()
	if token == "" {
		return nil
	}
	scopes, err := runtime.TokenScopes(token, r.jwtSecret)
	if err != nil {
		r.logger.Printf("auth token scopes unreadable: %v", err)
		return nil
	}
	return scopes
}
