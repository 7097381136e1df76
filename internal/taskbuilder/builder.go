// Package taskbuilder assembles A2A tasks and artifacts from a finished
// request. It performs no I/O.
package taskbuilder

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/agentcore/internal/a2a"
	"github.com/mohammad-safakhou/agentcore/internal/executor"
	"github.com/mohammad-safakhou/agentcore/internal/ids"
	"github.com/mohammad-safakhou/agentcore/internal/planner"
)

// Metadata keys written on tasks, messages and artifacts.
const (
	MetaAgentName        = "agent_name"
	MetaTotalIterations  = "total_iterations"
	MetaTotalToolsCalled = "total_tools_called"
	MetaType             = "type"
	MetaIteration        = "iteration"
	MetaExecutionIndex   = "execution_index"
	MetaToolName         = "tool_name"
	MetaMCPExecutionID   = "mcp_execution_id"
	MetaContextID        = "context_id"
	MetaTaskID           = "task_id"
	MetaIsInternal       = "is_internal"

	TypeToolCalls     = "tool_calls"
	TypeToolResults   = "tool_results"
	TypeToolExecution = "tool_execution"
)

// Iteration is one executed plan: the calls the model proposed and the
// state the engine returned for them.
type Iteration struct {
	Reasoning string
	Calls     []planner.PlannedCall
	State     *executor.ExecutionState
}

// Input is everything a terminal task is built from.
type Input struct {
	TaskID      ids.TaskID
	ContextID   ids.ContextID
	AgentName   string
	UserMessage a2a.Message
	Iterations  []Iteration
	// FinalText is the synthesized reply, or the error explanation for failed tasks.
	FinalText string
	// Metadata is merged into the task metadata.
	Metadata map[string]any
	// Artifacts, when non-nil, replaces the artifacts built from Iterations.
	Artifacts []a2a.Artifact
}

// Builder builds tasks. The zero value uses time.Now.
type Builder struct {
	Now func() time.Time
}

// New returns a Builder using the wall clock.
func New() *Builder { return &Builder{Now: time.Now} }

func (b *Builder) now() time.Time {
	if b == nil || b.Now == nil {
		return time.Now().UTC()
	}
	return b.Now().UTC()
}

// BuildSubmittedTask creates the initial task for a request.
func (b *Builder) BuildSubmittedTask(taskID ids.TaskID, contextID ids.ContextID, agentName string, user a2a.Message) *a2a.Task {
	user = stamp(user, taskID, contextID)
	return &a2a.Task{
		ID:        taskID,
		ContextID: contextID,
		Kind:      "task",
		Status:    a2a.TaskStatus{State: a2a.TaskStateSubmitted, Timestamp: b.now()},
		History:   []a2a.Message{user},
		Metadata: map[string]any{
			MetaAgentName:        agentName,
			MetaTotalIterations:  0,
			MetaTotalToolsCalled: 0,
		},
	}
}

// MarkWorking moves a submitted task to working.
func (b *Builder) MarkWorking(task *a2a.Task) *a2a.Task {
	out := *task
	out.Status = a2a.TaskStatus{State: a2a.TaskStateWorking, Timestamp: b.now()}
	return &out
}

// BuildCompletedTask builds a completed task whose last message is the synthesis.
func (b *Builder) BuildCompletedTask(in Input) *a2a.Task {
	return b.terminal(in, a2a.TaskStateCompleted, true)
}

// BuildFailedTask builds a failed task; FinalText carries the explanation.
func (b *Builder) BuildFailedTask(in Input) *a2a.Task {
	return b.terminal(in, a2a.TaskStateFailed, true)
}

// BuildCanceledTask keeps the partial history and artifacts. No final
// agent message is appended.
func (b *Builder) BuildCanceledTask(in Input) *a2a.Task {
	return b.terminal(in, a2a.TaskStateCanceled, false)
}

// BuildMultiturnTask continues prior with a new user turn. History and
// artifacts are appended and totals accumulate.
func (b *Builder) BuildMultiturnTask(prior *a2a.Task, in Input, state a2a.TaskState) *a2a.Task {
	turn := b.terminal(in, state, state != a2a.TaskStateCanceled)
	if prior == nil {
		return turn
	}
	out := *turn
	out.ID = prior.ID
	out.ContextID = prior.ContextID
	out.History = append(append([]a2a.Message(nil), prior.History...), turn.History...)
	out.Artifacts = append(append([]a2a.Artifact(nil), prior.Artifacts...), turn.Artifacts...)
	out.Metadata = map[string]any{}
	for k, v := range prior.Metadata {
		out.Metadata[k] = v
	}
	for k, v := range turn.Metadata {
		out.Metadata[k] = v
	}
	out.Metadata[MetaTotalIterations] = intMeta(prior.Metadata, MetaTotalIterations) + intMeta(turn.Metadata, MetaTotalIterations)
	out.Metadata[MetaTotalToolsCalled] = intMeta(prior.Metadata, MetaTotalToolsCalled) + intMeta(turn.Metadata, MetaTotalToolsCalled)
	out.Metadata["turns"] = intMeta(prior.Metadata, "turns") + 1
	return &out
}

// BuildMockTask returns a completed single-turn task for tests and demos.
func (b *Builder) BuildMockTask(agentName, userText, reply string) *a2a.Task {
	return b.BuildCompletedTask(Input{
		TaskID:      ids.NewTaskID(),
		ContextID:   ids.NewContextID(),
		AgentName:   agentName,
		UserMessage: a2a.NewMessage(a2a.RoleUser, userText),
		FinalText:   reply,
	})
}

func (b *Builder) terminal(in Input, state a2a.TaskState, withFinal bool) *a2a.Task {
	history := []a2a.Message{stamp(in.UserMessage, in.TaskID, in.ContextID)}
	tools := 0
	for k, it := range in.Iterations {
		history = append(history, stamp(callsMessage(k, it), in.TaskID, in.ContextID))
		history = append(history, stamp(resultsMessage(k, it), in.TaskID, in.ContextID))
		if it.State != nil {
			tools += len(it.State.Results)
		}
	}

	var statusMsg *a2a.Message
	if withFinal {
		final := stamp(a2a.NewMessage(a2a.RoleAgent, in.FinalText), in.TaskID, in.ContextID)
		history = append(history, final)
		mirror := final
		statusMsg = &mirror
	} else if in.FinalText != "" {
		note := stamp(a2a.NewMessage(a2a.RoleAgent, in.FinalText), in.TaskID, in.ContextID)
		statusMsg = &note
	}

	meta := map[string]any{}
	for k, v := range in.Metadata {
		meta[k] = v
	}
	meta[MetaAgentName] = in.AgentName
	meta[MetaTotalIterations] = len(in.Iterations)
	meta[MetaTotalToolsCalled] = tools

	artifacts := in.Artifacts
	if artifacts == nil {
		artifacts = BuildArtifacts(in)
	}
	return &a2a.Task{
		ID:        in.TaskID,
		ContextID: in.ContextID,
		Kind:      "task",
		Status:    a2a.TaskStatus{State: state, Message: statusMsg, Timestamp: b.now()},
		History:   history,
		Artifacts: artifacts,
		Metadata:  meta,
	}
}

// BuildArtifacts returns one artifact per tool result whose structured
// content parses, failed calls included with status "error".
func BuildArtifacts(in Input) []a2a.Artifact {
	var out []a2a.Artifact
	for k, it := range in.Iterations {
		if it.State == nil {
			continue
		}
		for _, r := range it.State.Results {
			if !r.HasOutput() {
				continue
			}
			var output map[string]any
			if err := json.Unmarshal(r.Output, &output); err != nil || output == nil {
				continue
			}
			out = append(out, a2a.Artifact{
				ArtifactID:  ids.NewArtifactID(),
				Name:        r.ToolName,
				Description: fmt.Sprintf("Output of %s", r.ToolName),
				Parts: []a2a.Part{a2a.DataPart(map[string]any{
					"call_id":   string(r.CallID),
					"tool_name": r.ToolName,
					"output":    output,
					"status":    r.Status(),
				})},
				Metadata: map[string]any{
					MetaExecutionIndex: r.Index,
					MetaIteration:      k,
					MetaToolName:       r.ToolName,
					MetaMCPExecutionID: string(r.ExecutionID),
					MetaType:           TypeToolExecution,
					MetaContextID:      string(in.ContextID),
					MetaTaskID:         string(in.TaskID),
					MetaIsInternal:     false,
				},
			})
		}
	}
	return out
}

func callsMessage(k int, it Iteration) a2a.Message {
	text := it.Reasoning
	if text == "" {
		text = fmt.Sprintf("Calling %d tool(s).", len(it.Calls))
	}
	calls := make([]any, 0, len(it.Calls))
	for _, c := range it.Calls {
		var args any = map[string]any{}
		if len(c.Arguments) > 0 {
			_ = json.Unmarshal(c.Arguments, &args)
		}
		calls = append(calls, map[string]any{
			"id":        string(c.ID),
			"name":      c.ToolName,
			"arguments": args,
		})
	}
	msg := a2a.NewMessage(a2a.RoleAgent, text)
	msg.Parts = append(msg.Parts, a2a.DataPart(map[string]any{TypeToolCalls: calls}))
	msg.Metadata = map[string]any{MetaType: TypeToolCalls, MetaIteration: k}
	return msg
}

func resultsMessage(k int, it Iteration) a2a.Message {
	digest := ""
	results := []any{}
	if it.State != nil {
		digest = it.State.Digest()
		for _, r := range it.State.Results {
			entry := map[string]any{
				"call_id":     string(r.CallID),
				"tool_name":   r.ToolName,
				"status":      r.Status(),
				"duration_ms": r.DurationMS,
			}
			if r.Failed() {
				entry["error"] = string(r.Error.Kind)
			}
			results = append(results, entry)
		}
	}
	if digest == "" {
		digest = "No tool results."
	}
	msg := a2a.NewMessage(a2a.RoleUser, digest)
	msg.Parts = append(msg.Parts, a2a.DataPart(map[string]any{"results": results}))
	msg.Metadata = map[string]any{MetaType: TypeToolResults, MetaIteration: k}
	return msg
}

func stamp(m a2a.Message, taskID ids.TaskID, contextID ids.ContextID) a2a.Message {
	if m.MessageID == "" {
		m.MessageID = ids.NewMessageID()
	}
	if m.Kind == "" {
		m.Kind = "message"
	}
	m.TaskID = taskID
	m.ContextID = contextID
	return m
}

func intMeta(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}
