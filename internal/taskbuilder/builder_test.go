package taskbuilder

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mohammad-safakhou/agentcore/internal/a2a"
	"github.com/mohammad-safakhou/agentcore/internal/executor"
	"github.com/mohammad-safakhou/agentcore/internal/planner"
)

var fixed = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testBuilder() *Builder { return &Builder{Now: func() time.Time { return fixed }} }

func twoStepInput() Input {
	calls := []planner.PlannedCall{
		{ID: "call_1", ToolName: "search", Arguments: json.RawMessage(`{"q":"foo"}`)},
		{ID: "call_2", ToolName: "summarize", Arguments: json.RawMessage(`{"text":"$0.output.body"}`)},
	}
	state := &executor.ExecutionState{Results: []executor.ToolResult{
		{Index: 0, CallID: "call_1", ToolName: "search", ExecutionID: "exec-1", Output: json.RawMessage(`{"body":"hello"}`)},
		{Index: 1, CallID: "call_2", ToolName: "summarize", ExecutionID: "exec-2", Text: "not json"},
	}}
	return Input{
		TaskID:      "task-1",
		ContextID:   "ctx-1",
		AgentName:   "writer",
		UserMessage: a2a.NewMessage(a2a.RoleUser, "Summarize foo"),
		Iterations:  []Iteration{{Reasoning: "search then summarize", Calls: calls, State: state}},
		FinalText:   "Here is the summary.",
	}
}

func TestBuildSubmittedTask(t *testing.T) {
	task := testBuilder().BuildSubmittedTask("t", "c", "writer", a2a.NewMessage(a2a.RoleUser, "hi"))
	if task.Status.State != a2a.TaskStateSubmitted || len(task.History) != 1 {
		t.Fatalf("unexpected submitted task %+v", task)
	}
	if task.History[0].TaskID != "t" || task.History[0].ContextID != "c" {
		t.Fatalf("user message not stamped: %+v", task.History[0])
	}
	working := testBuilder().MarkWorking(task)
	if working.Status.State != a2a.TaskStateWorking || task.Status.State != a2a.TaskStateSubmitted {
		t.Fatalf("MarkWorking must not mutate its input")
	}
}

func TestBuildCompletedTaskPlainAnswer(t *testing.T) {
	task := testBuilder().BuildCompletedTask(Input{
		TaskID: "t", ContextID: "c", AgentName: "calc",
		UserMessage: a2a.NewMessage(a2a.RoleUser, "What is 2+2?"),
		FinalText:   "4",
	})
	if len(task.History) != 2 || task.History[1].Text() != "4" || task.History[1].Role != a2a.RoleAgent {
		t.Fatalf("expected user + agent history, got %+v", task.History)
	}
	if len(task.Artifacts) != 0 {
		t.Fatalf("expected no artifacts")
	}
	if task.Status.Message == nil || task.Status.Message.Text() != "4" || !task.Status.Timestamp.Equal(fixed) {
		t.Fatalf("status should mirror final text: %+v", task.Status)
	}
}

func TestBuildCompletedTaskWithTools(t *testing.T) {
	task := testBuilder().BuildCompletedTask(twoStepInput())

	if got, want := len(task.History), 1+2*1+1; got != want {
		t.Fatalf("history length %d, want %d", got, want)
	}
	plan := task.History[1]
	if plan.Role != a2a.RoleAgent || plan.Metadata[MetaType] != TypeToolCalls {
		t.Fatalf("expected planning message, got %+v", plan)
	}
	calls := plan.Parts[1].Data[TypeToolCalls].([]any)
	if len(calls) != 2 || calls[0].(map[string]any)["name"] != "search" {
		t.Fatalf("unexpected tool_calls part %+v", calls)
	}
	if results := task.History[2]; results.Role != a2a.RoleUser || results.Metadata[MetaType] != TypeToolResults {
		t.Fatalf("expected results message, got %+v", results)
	}

	if len(task.Artifacts) != 1 {
		t.Fatalf("expected one artifact for the parseable result, got %d", len(task.Artifacts))
	}
	art := task.Artifacts[0]
	wantMeta := map[string]any{
		MetaExecutionIndex: 0,
		MetaIteration:      0,
		MetaToolName:       "search",
		MetaMCPExecutionID: "exec-1",
		MetaType:           TypeToolExecution,
		MetaContextID:      "ctx-1",
		MetaTaskID:         "task-1",
		MetaIsInternal:     false,
	}
	if diff := cmp.Diff(wantMeta, art.Metadata); diff != "" {
		t.Fatalf("artifact metadata mismatch (-want +got):\n%s", diff)
	}
	wantData := map[string]any{
		"call_id":   "call_1",
		"tool_name": "search",
		"output":    map[string]any{"body": "hello"},
		"status":    "success",
	}
	if diff := cmp.Diff(wantData, art.Parts[0].Data); diff != "" {
		t.Fatalf("artifact data mismatch (-want +got):\n%s", diff)
	}

	if task.Metadata[MetaTotalIterations] != 1 || task.Metadata[MetaTotalToolsCalled] != 2 || task.Metadata[MetaAgentName] != "writer" {
		t.Fatalf("unexpected task metadata %+v", task.Metadata)
	}
}

func TestFailedResultWithOutputStillYieldsArtifact(t *testing.T) {
	in := twoStepInput()
	in.Iterations[0].State.Results[0].Error = &executor.StepError{Kind: executor.ToolRejected, Message: "partial"}
	arts := BuildArtifacts(in)
	if len(arts) != 1 || arts[0].Parts[0].Data["status"] != "error" {
		t.Fatalf("expected error-status artifact, got %+v", arts)
	}
}

func TestBuildCanceledTaskOmitsFinalMessage(t *testing.T) {
	in := twoStepInput()
	in.Iterations[0].State.Results = in.Iterations[0].State.Results[:1]
	in.Iterations[0].State.Canceled = true
	in.FinalText = "Canceled."
	task := testBuilder().BuildCanceledTask(in)
	if task.Status.State != a2a.TaskStateCanceled {
		t.Fatalf("unexpected state %s", task.Status.State)
	}
	if len(task.History) != 3 {
		t.Fatalf("expected user + calls + results, got %d", len(task.History))
	}
	if last := task.History[len(task.History)-1]; last.Metadata[MetaType] != TypeToolResults {
		t.Fatalf("history must end with the partial results message, got %+v", last)
	}
	if len(task.Artifacts) != 1 || task.Metadata[MetaTotalToolsCalled] != 1 {
		t.Fatalf("unexpected canceled artifacts/metadata: %d %+v", len(task.Artifacts), task.Metadata)
	}
	if task.Status.Message == nil || task.Status.Message.Text() != "Canceled." {
		t.Fatalf("status should carry the cancel note")
	}
}

func TestBuildMultiturnTaskAccumulates(t *testing.T) {
	b := testBuilder()
	prior := b.BuildCompletedTask(twoStepInput())
	next := Input{
		TaskID: "ignored", ContextID: "ctx-1", AgentName: "writer",
		UserMessage: a2a.NewMessage(a2a.RoleUser, "Shorter please"),
		FinalText:   "Short.",
	}
	task := b.BuildMultiturnTask(prior, next, a2a.TaskStateCompleted)
	if task.ID != prior.ID {
		t.Fatalf("multiturn task must keep the prior id")
	}
	if len(task.History) != len(prior.History)+2 {
		t.Fatalf("expected history to grow by two, got %d", len(task.History))
	}
	if task.Metadata[MetaTotalIterations] != 1 || task.Metadata[MetaTotalToolsCalled] != 2 || task.Metadata["turns"] != 1 {
		t.Fatalf("unexpected accumulated metadata %+v", task.Metadata)
	}
	if len(task.Artifacts) != 1 {
		t.Fatalf("prior artifacts should carry over")
	}
}

func TestBuildMockTask(t *testing.T) {
	task := New().BuildMockTask("echo", "ping", "pong")
	if task.ID == "" || task.ContextID == "" || task.Status.State != a2a.TaskStateCompleted {
		t.Fatalf("unexpected mock task %+v", task)
	}
	if task.History[1].Text() != "pong" {
		t.Fatalf("unexpected reply %q", task.History[1].Text())
	}
}
