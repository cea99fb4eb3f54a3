package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// SessionStatus is the persisted execution session status
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// TaskStatus is the daily task status
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
)

// Agent is a configured computer-use agent with a metered credit balance
type Agent struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OwnerID    string    `json:"ownerId"`
	TaskPrompt string    `json:"taskPrompt"`
	Credits    int       `json:"credits"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"createdAt"`
}

// SessionRecord is the externally stored mirror of an execution session.
// Terminal writes are conditional on the record still being running; that
// guard is the only concurrency control around it.
type SessionRecord struct {
	ID               string        `json:"id"`
	AgentID          string        `json:"agentId"`
	BrowserSessionID string        `json:"browserSessionId"`
	Status           SessionStatus `json:"status"`
	StartedAt        time.Time     `json:"startedAt"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	TotalSteps       int           `json:"totalSteps"`
	Summary          string        `json:"summary,omitempty"`
	ErrorMessage     string        `json:"errorMessage,omitempty"`
}

// DailyTask is one unit of multi-day task chaining. It completes only when
// its owning session truly completed; otherwise it reverts to pending for a
// later retry.
type DailyTask struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agentId"`
	Status    TaskStatus `json:"status"`
	Summary   string     `json:"summary,omitempty"`
	LastError string     `json:"lastError,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// StepLogEntry is a planned-action record persisted before execution so
// observers see intent even under slow or failing actions
type StepLogEntry struct {
	SessionID   string          `json:"sessionId"`
	Step        int             `json:"step"`
	CallID      string          `json:"callId"`
	Instruction string          `json:"instruction"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}
