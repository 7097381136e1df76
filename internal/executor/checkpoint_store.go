package executor

import (
	"context"
	"sync"

	"github.com/mohammad-safakhou/agentcore/internal/planner"
	"github.com/mohammad-safakhou/agentcore/internal/store"
)

type stepStore interface {
	UpsertStep(ctx context.Context, cp store.StepCheckpoint) error
	NextStepTurn(ctx context.Context, taskID string) (int, error)
}

// StoreCheckpointManager writes step progress to the task_steps table.
// Each run of a task records under its own turn so continuations of a
// multi-turn task do not overwrite earlier steps.
type StoreCheckpointManager struct {
	store stepStore

	mu    sync.Mutex
	turns map[string]int
}

// NewStoreCheckpointManager constructs a CheckpointManager backed by store.Store.
func NewStoreCheckpointManager(st stepStore) *StoreCheckpointManager {
	return &StoreCheckpointManager{store: st, turns: make(map[string]int)}
}

func (m *StoreCheckpointManager) StartRun(ctx context.Context, taskID string, plan []planner.PlannedCall) error {
	if m.store == nil {
		return nil
	}
	turn, err := m.store.NextStepTurn(ctx, taskID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.turns[taskID] = turn
	m.mu.Unlock()
	return nil
}

func (m *StoreCheckpointManager) FinishRun(ctx context.Context, taskID string) error {
	m.mu.Lock()
	delete(m.turns, taskID)
	m.mu.Unlock()
	return nil
}

// turn defaults to 0 when StartRun failed to read the next turn.
func (m *StoreCheckpointManager) turn(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns[taskID]
}

func (m *StoreCheckpointManager) SaveStepStart(ctx context.Context, taskID string, index int, call planner.PlannedCall) error {
	if m.store == nil {
		return nil
	}
	return m.store.UpsertStep(ctx, store.StepCheckpoint{
		TaskID:    taskID,
		Turn:      m.turn(taskID),
		StepIndex: index,
		ToolName:  call.ToolName,
		Status:    store.StepStatusDispatched,
		Payload: map[string]interface{}{
			"call_id":   string(call.ID),
			"arguments": call.Arguments,
		},
	})
}

func (m *StoreCheckpointManager) SaveStepResult(ctx context.Context, taskID string, result ToolResult) error {
	if m.store == nil {
		return nil
	}
	status := store.StepStatusCompleted
	payload := map[string]interface{}{
		"call_id":          string(result.CallID),
		"mcp_execution_id": string(result.ExecutionID),
		"duration_ms":      result.DurationMS,
	}
	if result.HasOutput() {
		payload["output"] = result.Output
	}
	if result.Failed() {
		status = store.StepStatusFailed
		payload["error"] = result.Error.Error()
	}
	return m.store.UpsertStep(ctx, store.StepCheckpoint{
		TaskID:    taskID,
		Turn:      m.turn(taskID),
		StepIndex: result.Index,
		ToolName:  result.ToolName,
		Status:    status,
		Payload:   payload,
	})
}

var _ CheckpointManager = (*StoreCheckpointManager)(nil)
