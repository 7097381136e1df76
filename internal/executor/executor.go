// Package executor runs validated plans one tool call at a time.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mohammad-safakhou/agentcore/internal/ids"
	"github.com/mohammad-safakhou/agentcore/internal/mcp"
	"github.com/mohammad-safakhou/agentcore/internal/planner"
	"github.com/mohammad-safakhou/agentcore/internal/reqctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var executorTracer trace.Tracer = otel.Tracer("agentcore/internal/executor")

// ToolInvoker performs one MCP tool call. Implemented by *mcp.Registry.
type ToolInvoker interface {
	CallTool(ctx context.Context, server, tool string, args json.RawMessage, rc *reqctx.RequestContext) (*mcp.CallResult, error)
}

// StepPhase marks a step transition.
type StepPhase string

const (
	StepStarted   StepPhase = "started"
	StepCompleted StepPhase = "completed"
	StepFailed    StepPhase = "failed"
)

// StepUpdate is delivered to the observer on every step transition.
type StepUpdate struct {
	Index    int
	Total    int
	CallID   ids.AIToolCallID
	ToolName string
	Phase    StepPhase
	Result   *ToolResult
}

// StepObserver receives step transitions synchronously.
type StepObserver func(ctx context.Context, update StepUpdate)

// Engine executes plans. Calls are strictly sequential.
type Engine struct {
	invoker        ToolInvoker
	checkpoints    CheckpointManager
	metrics        Metrics
	observer       StepObserver
	logger         *log.Logger
	callTimeout    time.Duration
	validateInputs bool
}

// Option configures engine behaviour.
type Option func(*Engine)

// WithCheckpointManager sets the checkpoint manager implementation.
func WithCheckpointManager(mgr CheckpointManager) Option {
	return func(e *Engine) {
		if mgr != nil {
			e.checkpoints = mgr
		}
	}
}

// WithMetrics sets metrics callbacks.
func WithMetrics(m Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithStepObserver(fn StepObserver) Option {
	return func(e *Engine) { e.observer = fn }
}

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCallTimeout bounds each tool call. Zero leaves it to the invoker.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) { e.callTimeout = d }
}

// WithInputValidation toggles the input-schema pre-check. Mismatches are
// logged and the call proceeds.
func WithInputValidation(enabled bool) Option {
	return func(e *Engine) { e.validateInputs = enabled }
}

// New creates an Engine calling tools through invoker.
func New(invoker ToolInvoker, opts ...Option) *Engine {
	e := &Engine{
		invoker:        invoker,
		checkpoints:    NewNoopCheckpointManager(),
		logger:         log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
		callTimeout:    10 * time.Second,
		validateInputs: true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs plan in order. tools is aligned with plan by position.
// Tool failures are recorded and execution continues; a step that depends
// on a failed step fails with RuntimeFieldMissing. Cancellation is checked
// between calls: the in-flight call completes and is recorded, then the
// state is returned with Canceled set. A plan whose last call finished
// before the cancellation landed is not marked canceled.
func (e *Engine) Execute(ctx context.Context, taskID string, plan []planner.PlannedCall, tools []mcp.ToolDescriptor, rc *reqctx.RequestContext) (*ExecutionState, error) {
	if len(tools) != len(plan) {
		return nil, fmt.Errorf("%w: %d calls, %d descriptors", ErrPlanMismatch, len(plan), len(tools))
	}
	ctx, span := executorTracer.Start(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.Int("plan.length", len(plan)),
	))
	defer span.End()

	state := &ExecutionState{Results: make([]ToolResult, 0, len(plan))}
	if err := e.checkpoints.StartRun(ctx, taskID, plan); err != nil {
		e.logger.Printf("task %s: checkpoint start: %v", taskID, err)
	}

	for i, call := range plan {
		if ctx.Err() != nil {
			state.Canceled = true
			break
		}
		result := e.runStep(ctx, taskID, i, len(plan), call, tools[i], state.Results, rc)
		state.append(result)
	}
	if err := e.checkpoints.FinishRun(context.WithoutCancel(ctx), taskID); err != nil {
		e.logger.Printf("task %s: checkpoint finish: %v", taskID, err)
	}

	span.SetAttributes(
		attribute.Int("executor.results", len(state.Results)),
		attribute.Int("executor.failures", len(state.Failures())),
		attribute.Bool("executor.canceled", state.Canceled),
	)
	if state.Canceled {
		span.SetStatus(codes.Error, string(Canceled))
	}
	return state, nil
}

func (e *Engine) runStep(ctx context.Context, taskID string, index, total int, call planner.PlannedCall, desc mcp.ToolDescriptor, prior []ToolResult, rc *reqctx.RequestContext) ToolResult {
	ctx, span := executorTracer.Start(ctx, "executor.step", trace.WithAttributes(
		attribute.Int("step.index", index),
		attribute.String("tool.name", call.ToolName),
		attribute.String("tool.server", desc.ServerName),
	))
	defer span.End()

	callID := call.ID
	if callID == "" {
		callID = ids.NewAIToolCallID()
	}
	result := ToolResult{
		Index:       index,
		CallID:      callID,
		ToolName:    call.ToolName,
		ServerName:  desc.ServerName,
		ExecutionID: ids.NewMCPExecutionID(),
	}
	e.notify(ctx, StepUpdate{Index: index, Total: total, CallID: callID, ToolName: call.ToolName, Phase: StepStarted})
	persistCtx := context.WithoutCancel(ctx)
	if err := e.checkpoints.SaveStepStart(persistCtx, taskID, index, call); err != nil {
		e.logger.Printf("task %s step %d: checkpoint start: %v", taskID, index, err)
	}

	started := time.Now()
	args, err := ResolveArguments(call.Arguments, prior)
	if err != nil {
		result.Error = asStepError(err)
	} else {
		result.Arguments = args
		if e.validateInputs {
			if verr := mcp.ValidateArguments(desc, args); verr != nil {
				e.logger.Printf("task %s step %d: %v", taskID, index, verr)
			}
		}
		e.invoke(ctx, &result, args, rc)
	}
	elapsed := time.Since(started)
	result.DurationMS = elapsed.Milliseconds()

	phase := StepCompleted
	if result.Failed() {
		phase = StepFailed
		span.SetStatus(codes.Error, result.Error.Error())
		if e.metrics.Failure != nil {
			e.metrics.Failure(ctx, call.ToolName, result.Error.Kind)
		}
	}
	if e.metrics.Duration != nil {
		e.metrics.Duration(ctx, call.ToolName, elapsed)
	}
	if err := e.checkpoints.SaveStepResult(persistCtx, taskID, result); err != nil {
		e.logger.Printf("task %s step %d: checkpoint result: %v", taskID, index, err)
	}
	snapshot := result
	e.notify(ctx, StepUpdate{Index: index, Total: total, CallID: callID, ToolName: call.ToolName, Phase: phase, Result: &snapshot})
	return result
}

// invoke calls the tool detached from caller cancellation so an in-flight
// call always completes; the call timeout still applies.
func (e *Engine) invoke(ctx context.Context, result *ToolResult, args json.RawMessage, rc *reqctx.RequestContext) {
	if e.invoker == nil {
		result.Error = &StepError{Kind: ToolUnavailable, Message: "no tool invoker configured"}
		return
	}
	callCtx := context.WithoutCancel(ctx)
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, e.callTimeout)
		defer cancel()
	}
	res, err := e.invoker.CallTool(callCtx, result.ServerName, result.ToolName, args, rc)
	if err != nil {
		result.Error = classifyCallError(err, callCtx)
		return
	}
	result.Text = res.Text()
	if out, ok := res.Structured(); ok {
		result.Output = out
	}
	if res.IsError {
		msg := result.Text
		if msg == "" {
			msg = "tool reported an error"
		}
		result.Error = &StepError{Kind: ToolRejected, Message: msg}
	}
}

func classifyCallError(err error, callCtx context.Context) *StepError {
	switch {
	case errors.Is(err, mcp.ErrToolTimeout), errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return &StepError{Kind: ToolTimeout, Message: err.Error(), Err: err}
	case errors.Is(err, mcp.ErrPermissionDenied):
		return &StepError{Kind: ToolRejected, Message: err.Error(), Err: err}
	default:
		return &StepError{Kind: ToolUnavailable, Message: err.Error(), Err: err}
	}
}

func asStepError(err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return &StepError{Kind: RuntimeFieldMissing, Message: err.Error(), Err: err}
}

func (e *Engine) notify(ctx context.Context, u StepUpdate) {
	if e.observer != nil {
		e.observer(ctx, u)
	}
}
