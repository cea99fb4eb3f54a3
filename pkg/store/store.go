package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Store persists agents, session records, daily tasks and step logs in SQLite
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	owner_id    TEXT NOT NULL DEFAULT '',
	task_prompt TEXT NOT NULL DEFAULT '',
	credits     INTEGER NOT NULL DEFAULT 0,
	active      INTEGER NOT NULL DEFAULT 1,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	agent_id           TEXT NOT NULL REFERENCES agents(id),
	browser_session_id TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'running',
	started_at         TIMESTAMP NOT NULL,
	completed_at       TIMESTAMP,
	total_steps        INTEGER NOT NULL DEFAULT 0,
	summary            TEXT NOT NULL DEFAULT '',
	error_message      TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id, started_at);

CREATE TABLE IF NOT EXISTS daily_tasks (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL REFERENCES agents(id),
	status     TEXT NOT NULL DEFAULT 'pending',
	summary    TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_daily_tasks_agent_status ON daily_tasks(agent_id, status, created_at);

CREATE TABLE IF NOT EXISTS step_logs (
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	step        INTEGER NOT NULL,
	call_id     TEXT NOT NULL DEFAULT '',
	instruction TEXT NOT NULL,
	payload     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_step_logs_session ON step_logs(session_id, step);
`

// Open opens (and migrates) the SQLite database at the given path
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Store opened")

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateAgent inserts a new agent
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, owner_id, task_prompt, credits, active) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.OwnerID, a.TaskPrompt, a.Credits, boolToInt(a.Active),
	)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent by id
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, task_prompt, credits, active, created_at FROM agents WHERE id = ?`, id,
	).Scan(&a.ID, &a.Name, &a.OwnerID, &a.TaskPrompt, &a.Credits, &active, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch agent %s: %w", id, err)
	}
	a.Active = active != 0
	return &a, nil
}

// ListActiveAgents returns all agents currently enabled for deployment
func (s *Store) ListActiveAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, owner_id, task_prompt, credits, active, created_at FROM agents WHERE active = 1 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		var a Agent
		var active int
		if err := rows.Scan(&a.ID, &a.Name, &a.OwnerID, &a.TaskPrompt, &a.Credits, &active, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		a.Active = active != 0
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// AddCredits tops up an agent's metered balance
func (s *Store) AddCredits(ctx context.Context, agentID string, credits int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET credits = credits + ? WHERE id = ?`, credits, agentID)
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeductCredits deducts metered credits, refusing to drive the balance
// negative
func (s *Store) DeductCredits(ctx context.Context, agentID string, credits int) error {
	if credits <= 0 {
		return fmt.Errorf("credits to deduct must be positive, got %d", credits)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET credits = credits - ? WHERE id = ? AND credits >= ?`,
		credits, agentID, credits)
	if err != nil {
		return fmt.Errorf("failed to deduct credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("insufficient credits for agent %s", agentID)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
