package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateDailyTask inserts a pending task for an agent
func (s *Store) CreateDailyTask(ctx context.Context, task *DailyTask) error {
	if task.Status == "" {
		task.Status = TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_tasks (id, agent_id, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		task.ID, task.AgentID, task.Status, task.CreatedAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create daily task: %w", err)
	}
	return nil
}

// GetDailyTask fetches a task by id
func (s *Store) GetDailyTask(ctx context.Context, id string) (*DailyTask, error) {
	var t DailyTask
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, status, summary, last_error, created_at, updated_at
		 FROM daily_tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.AgentID, &t.Status, &t.Summary, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch daily task %s: %w", id, err)
	}
	return &t, nil
}

// NextPendingTask selects the single oldest pending task for an agent.
// Exactly one pending task is picked up per deployment.
func (s *Store) NextPendingTask(ctx context.Context, agentID string) (*DailyTask, error) {
	var t DailyTask
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, status, summary, last_error, created_at, updated_at
		 FROM daily_tasks WHERE agent_id = ? AND status = ? ORDER BY created_at LIMIT 1`,
		agentID, TaskPending,
	).Scan(&t.ID, &t.AgentID, &t.Status, &t.Summary, &t.LastError, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select pending task: %w", err)
	}
	return &t, nil
}

// ClaimTask transitions pending → running, returning false when another
// deployment already claimed it
func (s *Store) ClaimTask(ctx context.Context, id string) (bool, error) {
	return s.moveTask(ctx, id, TaskPending, TaskRunning, "", "")
}

// CompleteTask transitions running → completed with a summary of the actions
// and URLs the session visited. Only called when the owning session's record
// transition to completed actually occurred.
func (s *Store) CompleteTask(ctx context.Context, id, summary string) (bool, error) {
	return s.moveTask(ctx, id, TaskRunning, TaskCompleted, summary, "")
}

// RevertTask returns a running task to pending for a later retry, attaching
// the triggering error
func (s *Store) RevertTask(ctx context.Context, id, lastError string) (bool, error) {
	return s.moveTask(ctx, id, TaskRunning, TaskPending, "", lastError)
}

func (s *Store) moveTask(ctx context.Context, id string, from, to TaskStatus, summary, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE daily_tasks SET status = ?, summary = CASE WHEN ? != '' THEN ? ELSE summary END,
		 last_error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, summary, summary, lastError, time.Now().UTC(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to move task %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
