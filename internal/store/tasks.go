package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TaskRecord is a persisted A2A task snapshot.
type TaskRecord struct {
	ID        string
	ContextID string
	AgentName string
	State     string
	TaskJSON  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveTask upserts the task snapshot.
func (s *Store) SaveTask(ctx context.Context, rec TaskRecord) error {
	if rec.ID == "" {
		return errors.New("task id is required")
	}
	if len(rec.TaskJSON) == 0 {
		return errors.New("task payload is required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO tasks (id, context_id, agent_name, state, task_json, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW(),NOW())
ON CONFLICT (id) DO UPDATE SET
  context_id = EXCLUDED.context_id,
  agent_name = EXCLUDED.agent_name,
  state      = EXCLUDED.state,
  task_json  = EXCLUDED.task_json,
  updated_at = NOW();
`, rec.ID, rec.ContextID, rec.AgentName, rec.State, []byte(rec.TaskJSON))
	if err != nil {
		return fmt.Errorf("save task %s: %w", rec.ID, err)
	}
	recordWrite(ctx, "tasks")
	return nil
}

// GetTask loads a task snapshot. The bool reports whether it exists.
func (s *Store) GetTask(ctx context.Context, id string) (TaskRecord, bool, error) {
	var (
		rec     TaskRecord
		payload []byte
	)
	row := s.reader().QueryRowContext(ctx, `
SELECT id, context_id, agent_name, state, task_json, created_at, updated_at
FROM tasks WHERE id = $1`, id)
	if err := row.Scan(&rec.ID, &rec.ContextID, &rec.AgentName, &rec.State, &payload, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaskRecord{}, false, nil
		}
		return TaskRecord{}, false, err
	}
	rec.TaskJSON = payload
	return rec, true, nil
}

// ListTasksByContext returns task snapshots of one conversation, oldest first.
func (s *Store) ListTasksByContext(ctx context.Context, contextID string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.reader().QueryContext(ctx, `
SELECT id, context_id, agent_name, state, task_json, created_at, updated_at
FROM tasks WHERE context_id = $1 ORDER BY created_at ASC LIMIT $2`, contextID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskRecord
	for rows.Next() {
		var (
			rec     TaskRecord
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.ContextID, &rec.AgentName, &rec.State, &payload, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.TaskJSON = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}
