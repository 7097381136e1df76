package agent

import (
	"github.com/mohammad-safakhou/agentcore/internal/a2a"
	"github.com/mohammad-safakhou/agentcore/internal/ids"
)

// EventKind tags a StreamEvent.
type EventKind string

const (
	EventText     EventKind = "text"
	EventStep     EventKind = "step"
	EventArtifact EventKind = "artifact"
	EventError    EventKind = "error"
	EventComplete EventKind = "complete"
)

// Step phases reported in execution step updates.
const (
	PhasePlanning     = "planning"
	PhasePlanned      = "planned"
	PhaseValidating   = "validating"
	PhaseStepStarted  = "step_started"
	PhaseStepDone     = "step_completed"
	PhaseStepFailed   = "step_failed"
	PhaseSynthesizing = "synthesizing"
)

// StepInfo describes one execution step transition. Index is -1 for
// phases that are not tied to a tool call.
type StepInfo struct {
	Phase      string           `json:"phase"`
	Index      int              `json:"index"`
	Total      int              `json:"total"`
	ToolName   string           `json:"tool_name,omitempty"`
	CallID     ids.AIToolCallID `json:"call_id,omitempty"`
	Status     string           `json:"status,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// StreamEvent is one item of a request's event stream. Exactly one of
// Text, Step, Artifact or Message is set according to Kind.
type StreamEvent struct {
	Kind     EventKind     `json:"kind"`
	Text     string        `json:"text,omitempty"`
	Step     *StepInfo     `json:"step,omitempty"`
	Artifact *a2a.Artifact `json:"artifact,omitempty"`
	Message  string        `json:"message,omitempty"`
	State    a2a.TaskState `json:"state,omitempty"`
}

func textEvent(chunk string) StreamEvent { return StreamEvent{Kind: EventText, Text: chunk} }

func stepEvent(step StepInfo) StreamEvent { return StreamEvent{Kind: EventStep, Step: &step} }

func artifactEvent(a a2a.Artifact) StreamEvent { return StreamEvent{Kind: EventArtifact, Artifact: &a} }

func errorEvent(msg string) StreamEvent { return StreamEvent{Kind: EventError, Message: msg} }

func completeEvent(state a2a.TaskState) StreamEvent {
	return StreamEvent{Kind: EventComplete, State: state}
}

// eventQueue is an unbounded single-producer single-consumer channel.
// push never waits on the consumer.
type eventQueue struct {
	in  chan StreamEvent
	out chan StreamEvent
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		in:  make(chan StreamEvent),
		out: make(chan StreamEvent),
	}
	go q.pump()
	return q
}

func (q *eventQueue) push(ev StreamEvent) { q.in <- ev }

// close ends the stream once buffered events are delivered.
func (q *eventQueue) close() { close(q.in) }

func (q *eventQueue) pump() {
	defer close(q.out)
	var buf []StreamEvent
	in := q.in
	for in != nil || len(buf) > 0 {
		var (
			out  chan StreamEvent
			head StreamEvent
		)
		if len(buf) > 0 {
			out = q.out
			head = buf[0]
		}
		select {
		case ev, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			buf = append(buf, ev)
		case out <- head:
			buf[0] = StreamEvent{}
			buf = buf[1:]
		}
	}
}
