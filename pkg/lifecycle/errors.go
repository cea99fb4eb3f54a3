package lifecycle

import (
	"errors"
	"strings"
)

// Sentinel errors returned by Deploy and Stop. The gateway maps these onto
// HTTP status codes.
var (
	ErrAgentNotFound       = errors.New("agent not found")
	ErrAgentInactive       = errors.New("agent is not active")
	ErrNoExecutionPlan     = errors.New("agent has no task prompt")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotRunning   = errors.New("session is not running")
	ErrProvisionTimeout    = errors.New("browser session was not ready in time")
)

// classifyFailure collapses a terminal error into a short operator-readable
// reason stored on the session record. The raw error stays in the logs.
func classifyFailure(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return "model quota exhausted"
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key") || strings.Contains(msg, "401"):
		return "model authentication failed"
	case strings.Contains(msg, "err_aborted") || strings.Contains(msg, "navigation"):
		return "page navigation failed"
	case strings.Contains(msg, "session closed") || strings.Contains(msg, "websocket") || strings.Contains(msg, "browser crash"):
		return "browser session lost"
	case strings.Contains(msg, "safety check rejected"):
		return "safety check rejected"
	case strings.Contains(msg, "context deadline exceeded"):
		return "session timed out"
	default:
		return err.Error()
	}
}
