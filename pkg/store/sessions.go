package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateSession inserts a new running session record
func (s *Store) CreateSession(ctx context.Context, rec *SessionRecord) error {
	if rec.Status == "" {
		rec.Status = SessionRunning
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, browser_session_id, status, started_at, total_steps)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentID, rec.BrowserSessionID, rec.Status, rec.StartedAt, rec.TotalSteps,
	)
	if err != nil {
		return fmt.Errorf("failed to create session record: %w", err)
	}
	return nil
}

// GetSession fetches a session record by id
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	var rec SessionRecord
	var completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, agent_id, browser_session_id, status, started_at, completed_at, total_steps, summary, error_message
		 FROM sessions WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.AgentID, &rec.BrowserSessionID, &rec.Status, &rec.StartedAt,
		&completedAt, &rec.TotalSteps, &rec.Summary, &rec.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session %s: %w", id, err)
	}
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// SessionActive reads the still-active flag fresh from storage. A session is
// active while its record status is running.
func (s *Store) SessionActive(ctx context.Context, id string) (bool, error) {
	var status SessionStatus
	err := s.db.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to read session status: %w", err)
	}
	return status == SessionRunning, nil
}

// CompleteSession transitions running → completed. Returns false without
// error when a concurrent writer already moved the record out of running, in
// which case the caller must skip all terminal side effects.
func (s *Store) CompleteSession(ctx context.Context, id string, totalSteps int, summary string) (bool, error) {
	return s.finishSession(ctx, id, SessionCompleted, totalSteps, summary, "")
}

// FailSession transitions running → failed under the same conditional guard
// as CompleteSession
func (s *Store) FailSession(ctx context.Context, id string, totalSteps int, errorMessage string) (bool, error) {
	return s.finishSession(ctx, id, SessionFailed, totalSteps, "", errorMessage)
}

// StopSession applies a manual stop. It races deliberately with the session's
// own terminal transition; whichever writer claims the running row wins.
func (s *Store) StopSession(ctx context.Context, id string) (bool, error) {
	return s.finishSession(ctx, id, SessionFailed, -1, "", "stopped manually")
}

func (s *Store) finishSession(ctx context.Context, id string, status SessionStatus, totalSteps int, summary, errorMessage string) (bool, error) {
	var res sql.Result
	var err error
	if totalSteps >= 0 {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, completed_at = ?, total_steps = ?, summary = ?, error_message = ?
			 WHERE id = ? AND status = ?`,
			status, time.Now().UTC(), totalSteps, summary, errorMessage, id, SessionRunning)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET status = ?, completed_at = ?, summary = ?, error_message = ?
			 WHERE id = ? AND status = ?`,
			status, time.Now().UTC(), summary, errorMessage, id, SessionRunning)
	}
	if err != nil {
		return false, fmt.Errorf("failed to finish session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		s.logger.Info().Str("session_id", id).Str("target_status", string(status)).
			Msg("Terminal transition skipped, record no longer running")
		return false, nil
	}
	return true, nil
}

// InsertStepLog persists one planned-action record
func (s *Store) InsertStepLog(ctx context.Context, e *StepLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_logs (session_id, step, call_id, instruction, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Step, e.CallID, e.Instruction, string(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert step log: %w", err)
	}
	return nil
}

// ListStepLogs returns all step logs for a session in execution order
func (s *Store) ListStepLogs(ctx context.Context, sessionID string) ([]StepLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, step, call_id, instruction, payload, created_at
		 FROM step_logs WHERE session_id = ? ORDER BY step, created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step logs: %w", err)
	}
	defer rows.Close()

	var entries []StepLogEntry
	for rows.Next() {
		var e StepLogEntry
		var payload string
		if err := rows.Scan(&e.SessionID, &e.Step, &e.CallID, &e.Instruction, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step log: %w", err)
		}
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
