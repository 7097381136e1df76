package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Step checkpoint statuses.
const (
	StepStatusDispatched = "dispatched"
	StepStatusCompleted  = "completed"
	StepStatusFailed     = "failed"
)

// StepCheckpoint records progress of one tool call inside a task. Turn
// counts executions of the same task, so multi-turn continuations keep the
// steps of earlier turns.
type StepCheckpoint struct {
	TaskID    string
	Turn      int
	StepIndex int
	ToolName  string
	Status    string
	Payload   map[string]interface{}
	UpdatedAt time.Time
}

// UpsertStep persists step progress.
func (s *Store) UpsertStep(ctx context.Context, cp StepCheckpoint) error {
	if cp.TaskID == "" || cp.StepIndex < 0 || cp.Turn < 0 {
		return fmt.Errorf("task_id, turn and step_index are required")
	}
	payloadBytes, err := json.Marshal(cp.Payload)
	if err != nil {
		return fmt.Errorf("marshal step payload: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO task_steps (task_id, turn, step_index, tool_name, status, payload, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (task_id, turn, step_index) DO UPDATE SET
  tool_name  = EXCLUDED.tool_name,
  status     = EXCLUDED.status,
  payload    = EXCLUDED.payload,
  updated_at = NOW();
`, cp.TaskID, cp.Turn, cp.StepIndex, cp.ToolName, cp.Status, payloadBytes)
	if err != nil {
		return err
	}
	recordWrite(ctx, "task_steps")
	return nil
}

// NextStepTurn returns the turn number the next execution of taskID
// should record its steps under.
func (s *Store) NextStepTurn(ctx context.Context, taskID string) (int, error) {
	var next int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn) + 1, 0) FROM task_steps WHERE task_id = $1`, taskID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next step turn for %s: %w", taskID, err)
	}
	return next, nil
}

// ListSteps returns the step checkpoints of a task ordered by turn, then plan order.
func (s *Store) ListSteps(ctx context.Context, taskID string) ([]StepCheckpoint, error) {
	rows, err := s.reader().QueryContext(ctx, `
SELECT task_id, turn, step_index, tool_name, status, payload, updated_at
FROM task_steps WHERE task_id = $1 ORDER BY turn, step_index`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StepCheckpoint
	for rows.Next() {
		var (
			cp           StepCheckpoint
			payloadBytes []byte
		)
		if err := rows.Scan(&cp.TaskID, &cp.Turn, &cp.StepIndex, &cp.ToolName, &cp.Status, &payloadBytes, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		if len(payloadBytes) > 0 {
			var m map[string]interface{}
			_ = json.Unmarshal(payloadBytes, &m)
			cp.Payload = m
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
