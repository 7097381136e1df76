package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/agentcore/internal/a2a"
	"github.com/mohammad-safakhou/agentcore/internal/ai"
	"github.com/mohammad-safakhou/agentcore/internal/executor"
	"github.com/mohammad-safakhou/agentcore/internal/ids"
	"github.com/mohammad-safakhou/agentcore/internal/mcp"
	"github.com/mohammad-safakhou/agentcore/internal/planner"
	"github.com/mohammad-safakhou/agentcore/internal/reqctx"
	"github.com/mohammad-safakhou/agentcore/internal/store"
	"github.com/mohammad-safakhou/agentcore/internal/taskbuilder"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var orchestratorTracer trace.Tracer = otel.Tracer("agentcore/internal/agent")

// Orchestrator errors.
var (
	ErrInvalidMessage    = errors.New("invalid user message")
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskNotCancelable = errors.New("task is not cancelable")
	ErrTaskInProgress    = errors.New("task is already running")
	errEmptyAnswer       = errors.New("model returned an empty answer")
)

// Fallback replies used when the model cannot produce one.
const (
	fallbackFailure     = "I could not complete this request. Please try again later."
	fallbackPlanFailure = "I could not put together a valid set of steps for this request. Please try rephrasing it."
	fallbackToolFailure = "The tools needed for this request did not respond successfully, so I could not complete it."
	canceledNote        = "The request was canceled."
)

// ToolLoader resolves the tools of named MCP servers. Implemented by *mcp.Registry.
type ToolLoader interface {
	LoadToolsForServers(ctx context.Context, names []string, rc *reqctx.RequestContext) (mcp.LoadResult, error)
}

// TaskStore persists task snapshots. Implemented by *store.Store.
type TaskStore interface {
	SaveTask(ctx context.Context, rec store.TaskRecord) error
	GetTask(ctx context.Context, id string) (store.TaskRecord, bool, error)
}

// EventJournal mirrors stream events. Implemented by *streams.Journal.
type EventJournal interface {
	Append(ctx context.Context, taskID, contextID string, payload interface{}) (string, error)
}

// CancelBroadcaster forwards cancel requests to other instances.
// Implemented by *streams.CancelBus.
type CancelBroadcaster interface {
	Publish(ctx context.Context, taskID, requestedBy string) error
}

// Result is the terminal outcome of a request. Task is set whenever the
// request got far enough to create one; Err carries the dominant failure.
type Result struct {
	Task *a2a.Task
	Err  error
}

// Orchestrator drives requests from user message to terminal task.
type Orchestrator struct {
	catalog  Catalog
	provider ai.Provider
	tools    ToolLoader
	invoker  executor.ToolInvoker
	builder  *taskbuilder.Builder

	tasks       TaskStore
	journal     EventJournal
	cancels     CancelBroadcaster
	checkpoints executor.CheckpointManager
	execMetrics executor.Metrics

	retryDelay      time.Duration
	toolTimeout     time.Duration
	defaultTokens   int
	synthesisWords  int
	validateToolIns bool
	logger          *log.Logger

	mu       sync.Mutex
	inflight map[ids.TaskID]context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithTaskStore(s TaskStore) Option { return func(o *Orchestrator) { o.tasks = s } }

func WithEventJournal(j EventJournal) Option { return func(o *Orchestrator) { o.journal = j } }

func WithCancelBroadcaster(b CancelBroadcaster) Option {
	return func(o *Orchestrator) { o.cancels = b }
}

func WithCheckpointManager(m executor.CheckpointManager) Option {
	return func(o *Orchestrator) { o.checkpoints = m }
}

func WithExecutorMetrics(m executor.Metrics) Option {
	return func(o *Orchestrator) { o.execMetrics = m }
}

// WithRetryDelay sets the wait before retrying a retryable adapter error
// that carries no vendor hint.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d >= 0 {
			o.retryDelay = d
		}
	}
}

// WithToolTimeout bounds each tool call.
func WithToolTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.toolTimeout = d
		}
	}
}

// WithDefaultOutputTokens sets the budget doubled on a truncated synthesis
// when neither the request nor the agent names one.
func WithDefaultOutputTokens(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.defaultTokens = n
		}
	}
}

func WithSynthesisWords(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.synthesisWords = n
		}
	}
}

func WithBuilder(b *taskbuilder.Builder) Option {
	return func(o *Orchestrator) {
		if b != nil {
			o.builder = b
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOrchestrator wires the components a request passes through.
func NewOrchestrator(catalog Catalog, provider ai.Provider, tools ToolLoader, invoker executor.ToolInvoker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:         catalog,
		provider:        provider,
		tools:           tools,
		invoker:         invoker,
		builder:         taskbuilder.New(),
		retryDelay:      500 * time.Millisecond,
		toolTimeout:     10 * time.Second,
		defaultTokens:   1024,
		synthesisWords:  150,
		validateToolIns: true,
		logger:          log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		inflight:        make(map[ids.TaskID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ListAgents returns every configured agent.
func (o *Orchestrator) ListAgents(ctx context.Context) ([]AgentDescriptor, error) {
	return o.catalog.List(ctx)
}

// GetAgent returns one agent by name or ErrAgentNotFound.
func (o *Orchestrator) GetAgent(ctx context.Context, name string) (AgentDescriptor, error) {
	return o.catalog.Get(ctx, name)
}

// HandleMessage starts a request. Unknown agents, malformed messages and
// tasks already running fail fast; everything else is reported through
// the returned channels. The event channel closes after the Complete
// event; the result channel then yields exactly one Result.
func (o *Orchestrator) HandleMessage(ctx context.Context, agentName string, msg a2a.Message, rc *reqctx.RequestContext) (<-chan StreamEvent, <-chan Result, error) {
	desc, err := o.catalog.Get(ctx, agentName)
	if err != nil {
		return nil, nil, err
	}
	if msg.Role == "" {
		msg.Role = a2a.RoleUser
	}
	if err := msg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Role != a2a.RoleUser || strings.TrimSpace(msg.Text()) == "" {
		return nil, nil, fmt.Errorf("%w: a user message with text is required", ErrInvalidMessage)
	}

	var reqCtx reqctx.RequestContext
	if rc != nil {
		reqCtx = *rc
	}
	taskID := reqCtx.TaskID
	if taskID == "" {
		taskID = msg.TaskID
	}
	prior, err := o.loadPrior(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if taskID == "" {
		taskID = ids.NewTaskID()
	}
	contextID := msg.ContextID
	switch {
	case prior != nil:
		contextID = prior.ContextID
	case contextID == "" && reqCtx.ContextID != "":
		contextID = reqCtx.ContextID
	case contextID == "":
		contextID = ids.NewContextID()
	}
	reqCtx.TaskID = taskID
	reqCtx.ContextID = contextID
	if reqCtx.SessionID == "" {
		reqCtx.SessionID = ids.NewSessionID()
	}

	runCtx, cancel := context.WithCancel(reqctx.With(ctx, &reqCtx))
	if !o.register(taskID, cancel) {
		cancel()
		return nil, nil, fmt.Errorf("%w: %s", ErrTaskInProgress, taskID)
	}

	r := &run{
		o:         o,
		ctx:       runCtx,
		desc:      desc,
		rc:        &reqCtx,
		taskID:    taskID,
		contextID: contextID,
		user:      msg,
		prior:     prior,
		queue:     newEventQueue(),
		meta:      map[string]any{},
		started:   time.Now(),
	}
	results := make(chan Result, 1)
	go func() {
		res := r.execute()
		o.unregister(taskID)
		cancel()
		r.queue.close()
		results <- res
		close(results)
	}()
	return r.queue.out, results, nil
}

// SendMessage runs a request to completion and returns the terminal task.
func (o *Orchestrator) SendMessage(ctx context.Context, agentName string, msg a2a.Message, rc *reqctx.RequestContext) (*a2a.Task, error) {
	events, results, err := o.HandleMessage(ctx, agentName, msg, rc)
	if err != nil {
		return nil, err
	}
	for range events {
	}
	res := <-results
	return res.Task, res.Err
}

// Cancel stops a running task. Tasks owned by another instance are
// reached through the cancel broadcaster when one is configured.
func (o *Orchestrator) Cancel(ctx context.Context, taskID ids.TaskID) error {
	if o.CancelLocal(taskID) {
		return nil
	}
	if o.tasks != nil {
		rec, ok, err := o.tasks.GetTask(ctx, string(taskID))
		if err != nil {
			return fmt.Errorf("load task %s: %w", taskID, err)
		}
		if ok && a2a.TaskState(rec.State).Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTaskNotCancelable, taskID, rec.State)
		}
		if !ok && o.cancels == nil {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
	}
	if o.cancels == nil {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	requestedBy := ""
	if rc, ok := reqctx.From(ctx); ok {
		requestedBy = string(rc.SessionID)
	}
	return o.cancels.Publish(ctx, string(taskID), requestedBy)
}

// CancelLocal cancels a task running in this process. It reports whether
// the task was found.
func (o *Orchestrator) CancelLocal(taskID ids.TaskID) bool {
	o.mu.Lock()
	cancel, ok := o.inflight[taskID]
	o.mu.Unlock()
	if ok {
		o.logger.Printf("task %s: cancel requested", taskID)
		cancel()
	}
	return ok
}

// GetTask returns the stored snapshot of a task.
func (o *Orchestrator) GetTask(ctx context.Context, taskID ids.TaskID) (*a2a.Task, error) {
	if o.tasks == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	rec, ok, err := o.tasks.GetTask(ctx, string(taskID))
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	var task a2a.Task
	if err := json.Unmarshal(rec.TaskJSON, &task); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	return &task, nil
}

func (o *Orchestrator) loadPrior(ctx context.Context, taskID ids.TaskID) (*a2a.Task, error) {
	if taskID == "" || o.tasks == nil {
		return nil, nil
	}
	task, err := o.GetTask(ctx, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, nil
	}
	return task, err
}

func (o *Orchestrator) register(taskID ids.TaskID, cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[taskID]; busy {
		return false
	}
	o.inflight[taskID] = cancel
	return true
}

func (o *Orchestrator) unregister(taskID ids.TaskID) {
	o.mu.Lock()
	delete(o.inflight, taskID)
	o.mu.Unlock()
}

// run is the state of one request. It is owned by a single goroutine.
type run struct {
	o         *Orchestrator
	ctx       context.Context
	desc      AgentDescriptor
	rc        *reqctx.RequestContext
	taskID    ids.TaskID
	contextID ids.ContextID
	user      a2a.Message
	prior     *a2a.Task
	queue     *eventQueue
	started   time.Time

	iterations []taskbuilder.Iteration
	artifacts  []a2a.Artifact
	meta       map[string]any
}

type plan struct {
	Reasoning string
	Answer    string
	Calls     []planner.PlannedCall
}

func (r *run) execute() Result {
	ctx, span := orchestratorTracer.Start(r.ctx, "agent.handle_message", trace.WithAttributes(
		attribute.String("agent.name", r.desc.Name),
		attribute.String("task.id", string(r.taskID)),
		attribute.String("context.id", string(r.contextID)),
		attribute.Bool("task.continued", r.prior != nil),
	))
	defer span.End()
	r.ctx = ctx
	o := r.o

	submitted := r.submittedTask()
	r.persist(submitted)
	r.emit(stepEvent(StepInfo{Phase: PhasePlanning, Index: -1}))
	r.persist(o.builder.MarkWorking(submitted))

	loaded, err := o.tools.LoadToolsForServers(ctx, r.desc.MCPServers(), r.rc)
	if err != nil {
		o.logger.Printf("task %s: load tools: %v", r.taskID, err)
	}
	for server, lerr := range loaded.Errors {
		o.logger.Printf("task %s: server %s unavailable: %v", r.taskID, server, lerr)
	}
	tools := loaded.Flatten()
	span.SetAttributes(attribute.Int("tools.available", len(tools)))

	if ctx.Err() != nil {
		return r.finishCanceled(span)
	}
	if len(tools) == 0 {
		return r.answer(span)
	}

	p, err := r.plan(tools)
	if err != nil {
		if ctx.Err() != nil {
			return r.finishCanceled(span)
		}
		return r.fail(span, err, nil)
	}
	if len(p.Calls) == 0 {
		text := strings.TrimSpace(p.Answer)
		if text == "" {
			text = strings.TrimSpace(p.Reasoning)
		}
		if text == "" {
			return r.fail(span, errEmptyAnswer, nil)
		}
		r.emit(textEvent(text))
		return r.finish(span, a2a.TaskStateCompleted, text, nil)
	}

	r.emit(stepEvent(StepInfo{Phase: PhasePlanned, Index: -1, Total: len(p.Calls)}))
	r.emit(stepEvent(StepInfo{Phase: PhaseValidating, Index: -1, Total: len(p.Calls)}))
	aligned, err := planner.ValidatePlan(p.Calls, tools)
	if err != nil {
		return r.rejectPlan(span, err)
	}

	iteration := len(r.iterations)
	engine := executor.New(o.invoker,
		executor.WithCheckpointManager(o.checkpoints),
		executor.WithMetrics(o.execMetrics),
		executor.WithCallTimeout(o.toolTimeout),
		executor.WithInputValidation(o.validateToolIns),
		executor.WithStepObserver(func(_ context.Context, u executor.StepUpdate) { r.observe(iteration, u) }),
	)
	state, err := engine.Execute(ctx, string(r.taskID), p.Calls, aligned, r.rc)
	if err != nil {
		return r.fail(span, err, nil)
	}
	r.iterations = append(r.iterations, taskbuilder.Iteration{Reasoning: p.Reasoning, Calls: p.Calls, State: state})
	span.SetAttributes(
		attribute.Int("tools.called", len(state.Results)),
		attribute.Int("tools.failed", len(state.Failures())),
	)
	// A cancel landing after the last call still skips synthesis, which
	// would run on the canceled request context.
	if state.Canceled || ctx.Err() != nil {
		return r.finishCanceled(span)
	}
	if state.SucceededCount() == 0 {
		return r.explainToolFailure(span, state)
	}
	return r.synthesize(span, state)
}

// answer streams a reply when the agent has no tools to plan with.
func (r *run) answer(span trace.Span) Result {
	o := r.o
	req := r.request(answerPrompt(r.desc))
	stream, err := ai.CallWithRetry(r.ctx, o.retryDelay, func(ctx context.Context) (<-chan ai.StreamChunk, error) {
		return o.provider.GenerateStream(ctx, req)
	})
	if err != nil {
		if r.ctx.Err() != nil {
			return r.finishCanceled(span)
		}
		return r.fail(span, err, nil)
	}
	var (
		b         strings.Builder
		streamErr error
	)
	for chunk := range stream {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		if chunk.Text == "" {
			continue
		}
		b.WriteString(chunk.Text)
		r.emit(textEvent(chunk.Text))
	}
	if r.ctx.Err() != nil {
		return r.finishCanceled(span)
	}
	if streamErr != nil {
		return r.fail(span, streamErr, nil)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return r.fail(span, errEmptyAnswer, nil)
	}
	return r.finish(span, a2a.TaskStateCompleted, text, nil)
}

func (r *run) plan(tools []mcp.ToolDescriptor) (plan, error) {
	o := r.o
	mode := r.desc.PlanningMode()
	req := r.request(planningPrompt(r.desc, tools, mode))
	if mode == PlanningStructured {
		raw, err := ai.CallWithRetry(r.ctx, o.retryDelay, func(ctx context.Context) (json.RawMessage, error) {
			return o.provider.GenerateStructured(ctx, req, ai.Schema{Name: "plan", Schema: planner.PlanSchemaJSON()})
		})
		if err != nil {
			return plan{}, err
		}
		resp, err := planner.DecodePlanResponse(raw)
		if err != nil {
			return plan{}, err
		}
		return plan{Reasoning: resp.Reasoning, Answer: resp.Answer, Calls: resp.Calls}, nil
	}

	specs := toolSpecs(tools)
	resp, err := ai.CallWithRetry(r.ctx, o.retryDelay, func(ctx context.Context) (*ai.ToolResponse, error) {
		return o.provider.GenerateWithTools(ctx, req, specs)
	})
	if err != nil {
		return plan{}, err
	}
	if len(resp.ToolCalls) == 0 {
		return plan{Answer: resp.Text}, nil
	}
	calls := make([]planner.PlannedCall, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		call := planner.PlannedCall{ID: tc.ID, ToolName: tc.Name, Arguments: tc.Arguments}
		if call.ID == "" {
			call.ID = ids.NewAIToolCallID()
		}
		if len(call.Arguments) == 0 {
			call.Arguments = json.RawMessage(`{}`)
		}
		calls[i] = call
	}
	return plan{Reasoning: strings.TrimSpace(resp.Text), Calls: calls}, nil
}

func (r *run) rejectPlan(span trace.Span, verr error) Result {
	o := r.o
	o.logger.Printf("task %s: plan rejected: %v", r.taskID, verr)
	span.SetAttributes(attribute.String("plan.error", verr.Error()))
	text := r.explain(planFailurePrompt(r.desc), planFailureDetail(verr), fallbackPlanFailure)
	if r.ctx.Err() != nil {
		return r.finishCanceled(span)
	}
	r.emit(textEvent(text))
	return r.finish(span, a2a.TaskStateFailed, text, verr)
}

func (r *run) explainToolFailure(span trace.Span, state *executor.ExecutionState) Result {
	text := r.explain(toolFailurePrompt(r.desc), toolFailureDetail(state), fallbackToolFailure)
	if r.ctx.Err() != nil {
		return r.finishCanceled(span)
	}
	r.emit(textEvent(text))
	return r.finish(span, a2a.TaskStateFailed, text, state.FailureError())
}

// explain asks the model to phrase a failure for the user, falling back
// to fixed text when it cannot.
func (r *run) explain(system, detail, fallback string) string {
	o := r.o
	msgs := []ai.Message{{Role: ai.RoleSystem, Content: system}}
	msgs = append(msgs, r.conversation()...)
	msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: detail})
	req := r.requestWith(msgs)
	resp, err := ai.CallWithRetry(r.ctx, o.retryDelay, func(ctx context.Context) (*ai.Response, error) {
		return o.provider.Generate(ctx, req)
	})
	if err != nil || strings.TrimSpace(resp.Text) == "" {
		if err != nil {
			o.logger.Printf("task %s: failure explanation: %v", r.taskID, err)
		}
		return fallback
	}
	return strings.TrimSpace(resp.Text)
}

func (r *run) synthesize(span trace.Span, state *executor.ExecutionState) Result {
	o := r.o
	r.emit(stepEvent(StepInfo{Phase: PhaseSynthesizing, Index: -1, Total: len(state.Results)}))

	assistant, user := executionSummary(r.iterations[len(r.iterations)-1], r.artifacts)
	msgs := []ai.Message{{Role: ai.RoleSystem, Content: synthesisPrompt(r.desc, o.synthesisWords)}}
	msgs = append(msgs, r.conversation()...)
	msgs = append(msgs,
		ai.Message{Role: ai.RoleAssistant, Content: assistant},
		ai.Message{Role: ai.RoleUser, Content: user},
	)

	resp, err := r.generate(msgs, 0)
	if err == nil && resp.Truncated() {
		budget := r.outputBudget() * 2
		o.logger.Printf("task %s: synthesis truncated, retrying with %d tokens", r.taskID, budget)
		retry, rerr := r.generate(msgs, budget)
		if rerr == nil {
			resp = retry
		} else {
			o.logger.Printf("task %s: synthesis retry: %v", r.taskID, rerr)
		}
		if resp.Truncated() {
			r.meta["truncated"] = true
		}
	}
	if err != nil {
		if r.ctx.Err() != nil {
			return r.finishCanceled(span)
		}
		return r.fail(span, err, state)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return r.fail(span, errEmptyAnswer, state)
	}
	r.emit(textEvent(text))
	return r.finish(span, a2a.TaskStateCompleted, text, nil)
}

// generate runs a plain generation. A positive budget overrides every
// other output limit for this call.
func (r *run) generate(msgs []ai.Message, budget int) (*ai.Response, error) {
	o := r.o
	req := r.requestWith(msgs)
	if budget > 0 {
		req.MaxOutputTokens = budget
		if r.rc.ToolModel != nil {
			tm := *r.rc.ToolModel
			tm.MaxOutputTokens = budget
			rc := *r.rc
			rc.ToolModel = &tm
			req.Context = &rc
		}
	}
	return ai.CallWithRetry(r.ctx, o.retryDelay, func(ctx context.Context) (*ai.Response, error) {
		return o.provider.Generate(ctx, req)
	})
}

func (r *run) outputBudget() int {
	if tm := r.rc.ToolModel; tm != nil && tm.MaxOutputTokens > 0 {
		return tm.MaxOutputTokens
	}
	if r.desc.Defaults.MaxOutputTokens > 0 {
		return r.desc.Defaults.MaxOutputTokens
	}
	return r.o.defaultTokens
}

func (r *run) conversation() []ai.Message {
	msgs := priorTurns(r.prior)
	return append(msgs, ai.Message{Role: ai.RoleUser, Content: r.user.Text()})
}

func (r *run) request(system string) ai.Request {
	msgs := []ai.Message{{Role: ai.RoleSystem, Content: system}}
	return r.requestWith(append(msgs, r.conversation()...))
}

func (r *run) requestWith(msgs []ai.Message) ai.Request {
	return ai.Request{
		Messages:        msgs,
		Provider:        r.desc.Defaults.Provider,
		Model:           r.desc.Defaults.Model,
		MaxOutputTokens: r.desc.Defaults.MaxOutputTokens,
		Context:         r.rc,
	}
}

// observe turns executor transitions into step and artifact events.
func (r *run) observe(iteration int, u executor.StepUpdate) {
	info := StepInfo{Index: u.Index, Total: u.Total, ToolName: u.ToolName, CallID: u.CallID}
	switch u.Phase {
	case executor.StepStarted:
		info.Phase = PhaseStepStarted
	case executor.StepCompleted:
		info.Phase = PhaseStepDone
	case executor.StepFailed:
		info.Phase = PhaseStepFailed
	}
	if u.Result != nil {
		info.Status = u.Result.Status()
		info.DurationMS = u.Result.DurationMS
		if u.Result.Failed() {
			info.Error = string(u.Result.Error.Kind)
		}
	}
	r.emit(stepEvent(info))

	if u.Result == nil || u.Phase == executor.StepStarted {
		return
	}
	built := taskbuilder.BuildArtifacts(taskbuilder.Input{
		TaskID:    r.taskID,
		ContextID: r.contextID,
		Iterations: append(make([]taskbuilder.Iteration, iteration), taskbuilder.Iteration{
			State: &executor.ExecutionState{Results: []executor.ToolResult{*u.Result}},
		}),
	})
	for _, a := range built {
		r.artifacts = append(r.artifacts, a)
		r.emit(artifactEvent(a))
	}
}

func (r *run) fail(span trace.Span, cause error, state *executor.ExecutionState) Result {
	err := cause
	if state != nil {
		if toolErr := state.FailureError(); toolErr != nil {
			err = toolErr
		}
	}
	r.o.logger.Printf("task %s: failed: %v", r.taskID, cause)
	span.RecordError(cause)
	r.emit(errorEvent(fallbackFailure))
	return r.finish(span, a2a.TaskStateFailed, fallbackFailure, err)
}

func (r *run) finishCanceled(span trace.Span) Result {
	r.o.logger.Printf("task %s: canceled", r.taskID)
	return r.finish(span, a2a.TaskStateCanceled, canceledNote, nil)
}

func (r *run) finish(span trace.Span, state a2a.TaskState, text string, err error) Result {
	in := taskbuilder.Input{
		TaskID:      r.taskID,
		ContextID:   r.contextID,
		AgentName:   r.desc.Name,
		UserMessage: r.user,
		Iterations:  r.iterations,
		FinalText:   text,
		Metadata:    r.meta,
		Artifacts:   r.artifacts,
	}
	if in.Artifacts == nil {
		in.Artifacts = []a2a.Artifact{}
	}
	b := r.o.builder
	var task *a2a.Task
	switch {
	case r.prior != nil:
		task = b.BuildMultiturnTask(r.prior, in, state)
	case state == a2a.TaskStateCompleted:
		task = b.BuildCompletedTask(in)
	case state == a2a.TaskStateCanceled:
		task = b.BuildCanceledTask(in)
	default:
		task = b.BuildFailedTask(in)
	}
	if len(task.Artifacts) == 0 {
		task.Artifacts = nil
	}
	r.persist(task)
	r.emit(completeEvent(state))

	span.SetAttributes(attribute.String("task.state", string(state)))
	if state != a2a.TaskStateCompleted {
		span.SetStatus(codes.Error, string(state))
	}
	recordTask(context.WithoutCancel(r.ctx), r.desc.Name, state, time.Since(r.started))
	return Result{Task: task, Err: err}
}

// submittedTask builds the initial record, carrying prior turns forward
// so the stored snapshot never loses history.
func (r *run) submittedTask() *a2a.Task {
	task := r.o.builder.BuildSubmittedTask(r.taskID, r.contextID, r.desc.Name, r.user)
	if r.prior == nil {
		return task
	}
	task.History = append(append([]a2a.Message(nil), r.prior.History...), task.History...)
	task.Artifacts = append([]a2a.Artifact(nil), r.prior.Artifacts...)
	for k, v := range r.prior.Metadata {
		if _, set := task.Metadata[k]; !set {
			task.Metadata[k] = v
		}
	}
	return task
}

func (r *run) persist(task *a2a.Task) {
	if r.o.tasks == nil || task == nil {
		return
	}
	raw, err := json.Marshal(task)
	if err != nil {
		r.o.logger.Printf("task %s: encode: %v", r.taskID, err)
		return
	}
	rec := store.TaskRecord{
		ID:        string(task.ID),
		ContextID: string(task.ContextID),
		AgentName: r.desc.Name,
		State:     string(task.Status.State),
		TaskJSON:  raw,
	}
	if err := r.o.tasks.SaveTask(context.WithoutCancel(r.ctx), rec); err != nil {
		r.o.logger.Printf("task %s: save %s: %v", r.taskID, rec.State, err)
	}
}

func (r *run) emit(ev StreamEvent) {
	r.queue.push(ev)
	if r.o.journal == nil {
		return
	}
	if _, err := r.o.journal.Append(context.WithoutCancel(r.ctx), string(r.taskID), string(r.contextID), ev); err != nil {
		r.o.logger.Printf("task %s: journal %s event: %v", r.taskID, ev.Kind, err)
	}
}
