// Package aitest provides a scripted ai.Provider for tests.
package aitest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/mohammad-safakhou/agentcore/internal/ai"
)

// ErrExhausted is returned when a call arrives after the script ran out.
var ErrExhausted = errors.New("aitest: script exhausted")

// Step is the scripted answer to one provider call.
type Step struct {
	Text         string
	ToolCalls    []ai.ToolCall
	Structured   json.RawMessage
	FinishReason string
	Err          error
	// Before runs when the step is consumed, before any blocking.
	Before func()
	// Block delays the answer until closed or the context ends.
	Block <-chan struct{}
}

// Recorded is a call observed by Scripted.
type Recorded struct {
	Op      string
	Request ai.Request
	Tools   []ai.ToolSpec
}

// Scripted answers calls from a queue of steps in order.
type Scripted struct {
	mu    sync.Mutex
	steps []Step
	calls []Recorded
}

var _ ai.Provider = (*Scripted)(nil)

func New(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

func (s *Scripted) Push(steps ...Step) {
	s.mu.Lock()
	s.steps = append(s.steps, steps...)
	s.mu.Unlock()
}

// Calls returns a copy of the observed calls.
func (s *Scripted) Calls() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Recorded(nil), s.calls...)
}

// Remaining reports how many steps are unused.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

func (s *Scripted) next(ctx context.Context, op string, req ai.Request, tools []ai.ToolSpec) (Step, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Recorded{Op: op, Request: req, Tools: tools})
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return Step{}, ErrExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	if step.Before != nil {
		step.Before()
	}
	if step.Block != nil {
		select {
		case <-step.Block:
		case <-ctx.Done():
			return Step{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}
	return step, step.Err
}

func (s *Scripted) Generate(ctx context.Context, req ai.Request) (*ai.Response, error) {
	step, err := s.next(ctx, "generate", req, nil)
	if err != nil {
		return nil, err
	}
	finish := step.FinishReason
	if finish == "" {
		finish = ai.FinishStop
	}
	return &ai.Response{Text: step.Text, FinishReason: finish, Provider: req.Provider, Model: req.Model}, nil
}

// GenerateStream emits the step text word by word.
func (s *Scripted) GenerateStream(ctx context.Context, req ai.Request) (<-chan ai.StreamChunk, error) {
	step, err := s.next(ctx, "stream", req, nil)
	if err != nil {
		return nil, err
	}
	out := make(chan ai.StreamChunk)
	go func() {
		defer close(out)
		words := strings.SplitAfter(step.Text, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			select {
			case out <- ai.StreamChunk{Text: w}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *Scripted) GenerateWithTools(ctx context.Context, req ai.Request, tools []ai.ToolSpec) (*ai.ToolResponse, error) {
	step, err := s.next(ctx, "generate_with_tools", req, tools)
	if err != nil {
		return nil, err
	}
	finish := step.FinishReason
	if finish == "" {
		finish = ai.FinishStop
		if len(step.ToolCalls) > 0 {
			finish = ai.FinishToolCalls
		}
	}
	return &ai.ToolResponse{
		Text:         step.Text,
		ToolCalls:    append([]ai.ToolCall(nil), step.ToolCalls...),
		FinishReason: finish,
		Provider:     req.Provider,
		Model:        req.Model,
	}, nil
}

func (s *Scripted) GenerateStructured(ctx context.Context, req ai.Request, _ ai.Schema) (json.RawMessage, error) {
	step, err := s.next(ctx, "generate_structured", req, nil)
	if err != nil {
		return nil, err
	}
	if len(step.Structured) > 0 {
		return step.Structured, nil
	}
	return json.RawMessage(step.Text), nil
}
