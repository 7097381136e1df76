package executor

import (
	"context"

	"github.com/mohammad-safakhou/agentcore/internal/planner"
)

// CheckpointManager persists step progress of a task.
type CheckpointManager interface {
	StartRun(ctx context.Context, taskID string, plan []planner.PlannedCall) error
	SaveStepStart(ctx context.Context, taskID string, index int, call planner.PlannedCall) error
	SaveStepResult(ctx context.Context, taskID string, result ToolResult) error
	FinishRun(ctx context.Context, taskID string) error
}

// NoopCheckpointManager is a default implementation that records nothing.
type NoopCheckpointManager struct{}

// NewNoopCheckpointManager returns a checkpoint manager that does nothing.
func NewNoopCheckpointManager() *NoopCheckpointManager { return &NoopCheckpointManager{} }

func (NoopCheckpointManager) StartRun(ctx context.Context, taskID string, plan []planner.PlannedCall) error {
	return nil
}
func (NoopCheckpointManager) SaveStepStart(ctx context.Context, taskID string, index int, call planner.PlannedCall) error {
	return nil
}
func (NoopCheckpointManager) SaveStepResult(ctx context.Context, taskID string, result ToolResult) error {
	return nil
}
func (NoopCheckpointManager) FinishRun(ctx context.Context, taskID string) error { return nil }
