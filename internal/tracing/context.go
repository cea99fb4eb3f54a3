package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// DeploymentIDKey is the context key for a single agent deployment
	DeploymentIDKey ContextKey = "deployment_id"
	// AgentIDKey is the context key for agent ID
	AgentIDKey ContextKey = "agent_id"
	// SessionIDKey is the context key for the execution session ID
	SessionIDKey ContextKey = "session_id"
)

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithDeploymentID adds a deployment ID to the context
func WithDeploymentID(ctx context.Context, deploymentID string) context.Context {
	return context.WithValue(ctx, DeploymentIDKey, deploymentID)
}

// WithAgentID adds an agent ID to the context
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// WithSessionID adds an execution session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// GetDeploymentID retrieves the deployment ID from the context
func GetDeploymentID(ctx context.Context) string {
	if deploymentID, ok := ctx.Value(DeploymentIDKey).(string); ok {
		return deploymentID
	}
	return ""
}

// GetAgentID retrieves the agent ID from the context
func GetAgentID(ctx context.Context) string {
	if agentID, ok := ctx.Value(AgentIDKey).(string); ok {
		return agentID
	}
	return ""
}

// GetSessionID retrieves the execution session ID from the context
func GetSessionID(ctx context.Context) string {
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok {
		return sessionID
	}
	return ""
}

// NewDeploymentContext creates a context for a fresh agent deployment with a
// new trace ID and deployment ID
func NewDeploymentContext(ctx context.Context, agentID string) context.Context {
	ctx = WithTraceID(ctx, NewTraceID())
	ctx = WithDeploymentID(ctx, uuid.New().String())
	ctx = WithAgentID(ctx, agentID)
	return ctx
}

// LoggerFromContext creates a logger annotated with whatever tracing
// identifiers are present in the context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	lc := baseLogger.With()
	if traceID := GetTraceID(ctx); traceID != "" {
		lc = lc.Str("trace_id", traceID)
	}
	if deploymentID := GetDeploymentID(ctx); deploymentID != "" {
		lc = lc.Str("deployment_id", deploymentID)
	}
	if agentID := GetAgentID(ctx); agentID != "" {
		lc = lc.Str("agent_id", agentID)
	}
	if sessionID := GetSessionID(ctx); sessionID != "" {
		lc = lc.Str("session_id", sessionID)
	}
	return lc.Logger()
}
