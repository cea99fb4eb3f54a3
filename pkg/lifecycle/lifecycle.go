package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sanjeevm-dev/cua-browser/internal/observability"
	"github.com/sanjeevm-dev/cua-browser/internal/tracing"
	"github.com/sanjeevm-dev/cua-browser/pkg/browser"
	"github.com/sanjeevm-dev/cua-browser/pkg/catalog"
	"github.com/sanjeevm-dev/cua-browser/pkg/dispatch"
	"github.com/sanjeevm-dev/cua-browser/pkg/orchestrator"
	"github.com/sanjeevm-dev/cua-browser/pkg/protocol"
	"github.com/sanjeevm-dev/cua-browser/pkg/session"
	"github.com/sanjeevm-dev/cua-browser/pkg/store"
	"github.com/sanjeevm-dev/cua-browser/pkg/vault"
)

const (
	// readiness polling backs off once provisioning is taking long
	readyPollInterval     = 2 * time.Second
	readyPollSlowAfter    = 30 * time.Second
	readyPollSlowInterval = 5 * time.Second
	readyTimeout          = 90 * time.Second

	// defaultSessionTimeout bounds the whole background run
	defaultSessionTimeout = 30 * time.Minute

	developerFraming = "You are a browser automation agent. Complete the user's task by operating the browser. " +
		"Prefer direct navigation over searching when you know the destination. " +
		"When the task is done, summarize what you accomplished and stop."
)

// ConnectFunc dials a provisioned browser and returns a driver for it
type ConnectFunc func(ctx context.Context, controlURL string, logger zerolog.Logger) (browser.Driver, error)

// Config wires a lifecycle manager
type Config struct {
	Store            *store.Store
	Provider         browser.Provider
	Vault            vault.Vault
	Client           dispatch.ModelClient
	Catalog          *catalog.Catalog
	Connect          ConnectFunc
	Acknowledge      dispatch.Acknowledger
	Transcripts      *session.Recorder
	OnStep           func(sessionID string, entry *store.StepLogEntry)
	CreditsPerMinute int
	MaxSteps         int
	SessionTimeout   time.Duration
	Logger           zerolog.Logger
}

// Manager owns the full arc of an agent session: provisioning, the step
// loop, terminal bookkeeping and billing
type Manager struct {
	store            *store.Store
	provider         browser.Provider
	vault            vault.Vault
	client           dispatch.ModelClient
	catalog          *catalog.Catalog
	connect          ConnectFunc
	acknowledge      dispatch.Acknowledger
	transcripts      *session.Recorder
	onStep           func(sessionID string, entry *store.StepLogEntry)
	creditsPerMinute int
	maxSteps         int
	sessionTimeout   time.Duration
	watchInterval    time.Duration
	watchGrace       time.Duration
	logger           zerolog.Logger
}

// Deployment is what a successful deploy hands back to the caller
type Deployment struct {
	Agent        *store.Agent         `json:"agent"`
	Session      *store.SessionRecord `json:"session"`
	Notification string               `json:"notification"`
}

// New creates a lifecycle manager
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("browser provider is required")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("tool catalog is required")
	}
	if cfg.Connect == nil {
		cfg.Connect = func(ctx context.Context, controlURL string, logger zerolog.Logger) (browser.Driver, error) {
			return browser.Connect(ctx, controlURL, logger)
		}
	}
	if cfg.CreditsPerMinute <= 0 {
		cfg.CreditsPerMinute = 1
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = defaultSessionTimeout
	}
	return &Manager{
		store:            cfg.Store,
		provider:         cfg.Provider,
		vault:            cfg.Vault,
		client:           cfg.Client,
		catalog:          cfg.Catalog,
		connect:          cfg.Connect,
		acknowledge:      cfg.Acknowledge,
		transcripts:      cfg.Transcripts,
		onStep:           cfg.OnStep,
		creditsPerMinute: cfg.CreditsPerMinute,
		maxSteps:         cfg.MaxSteps,
		sessionTimeout:   cfg.SessionTimeout,
		watchInterval:    5 * time.Second,
		watchGrace:       readyTimeout,
		logger:           cfg.Logger,
	}, nil
}

// Deploy validates the agent, provisions a browser and starts the session in
// the background. It returns as soon as the session record exists so the
// caller gets an id to poll.
func (m *Manager) Deploy(ctx context.Context, agentID string) (*Deployment, error) {
	ctx = tracing.NewDeploymentContext(ctx, agentID)
	logger := tracing.LoggerFromContext(ctx, m.logger)

	agent, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		if err == store.ErrNotFound {
			observability.RecordDeployReject("agent_not_found")
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	if !agent.Active {
		observability.RecordDeployReject("agent_inactive")
		return nil, fmt.Errorf("%w: %s", ErrAgentInactive, agentID)
	}
	if strings.TrimSpace(agent.TaskPrompt) == "" {
		observability.RecordDeployReject("no_execution_plan")
		return nil, fmt.Errorf("%w: %s", ErrNoExecutionPlan, agentID)
	}
	if agent.Credits <= 0 {
		observability.RecordDeployReject("insufficient_credits")
		return nil, fmt.Errorf("%w: agent %s has %d credits", ErrInsufficientCredits, agentID, agent.Credits)
	}

	prompt, err := m.resolvePrompt(ctx, agent)
	if err != nil {
		observability.RecordDeployReject("credential_missing")
		return nil, err
	}

	remote, err := m.provider.CreateSession(ctx, browser.SessionOptions{
		ViewportWidth:  m.catalog.DisplayWidth(),
		ViewportHeight: m.catalog.DisplayHeight(),
	})
	if err != nil {
		observability.RecordDeployReject("provision_failed")
		return nil, fmt.Errorf("failed to provision browser: %w", err)
	}

	rec := &store.SessionRecord{
		ID:               uuid.New().String(),
		AgentID:          agent.ID,
		BrowserSessionID: remote.ID,
		Status:           store.SessionRunning,
		StartedAt:        time.Now().UTC(),
	}
	if err := m.store.CreateSession(ctx, rec); err != nil {
		// best effort, the keep-alive reaper on the provider side also cleans up
		_ = m.provider.ReleaseSession(ctx, remote.ID)
		return nil, fmt.Errorf("failed to create session record: %w", err)
	}

	logger.Info().
		Str("agent_id", agent.ID).
		Str("session_id", rec.ID).
		Str("browser_session_id", remote.ID).
		Msg("Deployment accepted, starting session")

	runCtx := tracing.WithSessionID(context.WithoutCancel(ctx), rec.ID)
	go m.run(runCtx, agent, rec, remote, prompt)

	return &Deployment{
		Agent:        agent,
		Session:      rec,
		Notification: fmt.Sprintf("Agent %q deployed, session %s is starting", agent.Name, rec.ID),
	}, nil
}

// Stop requests a running session to halt. The step loop observes the status
// change on its next activity probe; billing never happens for stopped runs.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	if _, err := m.store.GetSession(ctx, sessionID); err != nil {
		if err == store.ErrNotFound {
			return ErrSessionNotFound
		}
		return err
	}
	applied, err := m.store.StopSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !applied {
		return ErrSessionNotRunning
	}
	m.logger.Info().Str("session_id", sessionID).Msg("Session stop requested")
	return nil
}

// ProcessDailyTask claims a pending daily task and runs a full session for
// it synchronously. Claim races lose quietly: a false claim means another
// worker took it.
func (m *Manager) ProcessDailyTask(ctx context.Context, task *store.DailyTask) error {
	claimed, err := m.store.ClaimTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to claim task %s: %w", task.ID, err)
	}
	if !claimed {
		return nil
	}

	dep, err := m.Deploy(ctx, task.AgentID)
	if err != nil {
		if _, revertErr := m.store.RevertTask(ctx, task.ID, err.Error()); revertErr != nil {
			m.logger.Error().Str("task_id", task.ID).Err(revertErr).Msg("Failed to revert daily task")
		}
		observability.RecordDailyTask("rejected")
		return err
	}

	// Field the outcome once the background run lands a terminal state.
	go m.watchTask(context.WithoutCancel(ctx), task.ID, dep.Session.ID)
	return nil
}

// watchTask polls the session until it leaves the running state, then moves
// the daily task accordingly
func (m *Manager) watchTask(ctx context.Context, taskID, sessionID string) {
	ticker := time.NewTicker(m.watchInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(m.sessionTimeout + m.watchGrace)

	for time.Now().Before(deadline) {
		<-ticker.C
		rec, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			continue
		}
		switch rec.Status {
		case store.SessionCompleted:
			if _, err := m.store.CompleteTask(ctx, taskID, rec.Summary); err != nil {
				m.logger.Error().Str("task_id", taskID).Err(err).Msg("Failed to complete daily task")
			}
			observability.RecordDailyTask("completed")
			return
		case store.SessionFailed:
			if _, err := m.store.RevertTask(ctx, taskID, rec.ErrorMessage); err != nil {
				m.logger.Error().Str("task_id", taskID).Err(err).Msg("Failed to revert daily task")
			}
			observability.RecordDailyTask("failed")
			return
		}
	}

	if _, err := m.store.RevertTask(ctx, taskID, "session watchdog timed out"); err != nil {
		m.logger.Error().Str("task_id", taskID).Err(err).Msg("Failed to revert daily task")
	}
	observability.RecordDailyTask("timeout")
}

// resolvePrompt substitutes vault credentials into the agent's task prompt.
// A placeholder with no credential is a configuration error surfaced before
// any browser is provisioned.
func (m *Manager) resolvePrompt(ctx context.Context, agent *store.Agent) (string, error) {
	credentials := map[string]string{}
	if m.vault != nil {
		var err error
		credentials, err = m.vault.Credentials(ctx, agent.ID)
		if err != nil {
			return "", fmt.Errorf("failed to load credentials for agent %s: %w", agent.ID, err)
		}
	}
	prompt, err := vault.Substitute(agent.TaskPrompt, credentials)
	if err != nil {
		return "", fmt.Errorf("task prompt for agent %s is unresolvable: %w", agent.ID, err)
	}
	return prompt, nil
}

// run executes one full session in the background and lands exactly one
// terminal state. All terminal writes are conditional on the session still
// being in the running state, which makes billing race-safe against Stop.
func (m *Manager) run(ctx context.Context, agent *store.Agent, rec *store.SessionRecord, remote *browser.RemoteSession, prompt string) {
	ctx, cancel := context.WithTimeout(ctx, m.sessionTimeout)
	defer cancel()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	observability.SessionStarted()
	started := time.Now()
	defer func() {
		if err := m.provider.ReleaseSession(context.WithoutCancel(ctx), remote.ID); err != nil {
			logger.Warn().Str("browser_session_id", remote.ID).Err(err).Msg("Failed to release browser session")
		}
	}()

	ready, err := m.waitReady(ctx, remote)
	if err != nil {
		m.fail(ctx, rec.ID, 0, err, started)
		return
	}

	driver, err := m.connect(ctx, ready.ConnectURL, logger)
	if err != nil {
		m.fail(ctx, rec.ID, 0, fmt.Errorf("failed to attach to browser: %w", err), started)
		return
	}
	defer func() {
		if err := driver.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close browser driver")
		}
	}()

	dispatcher, err := dispatch.New(dispatch.Config{
		Client:      m.client,
		Catalog:     m.catalog,
		Driver:      driver,
		Acknowledge: m.acknowledge,
		Logger:      logger,
	})
	if err != nil {
		m.fail(ctx, rec.ID, 0, err, started)
		return
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Dispatcher: dispatcher,
		MaxSteps:   m.maxSteps,
		Logger:     logger,
		Active: func(ctx context.Context) (bool, error) {
			return m.store.SessionActive(ctx, rec.ID)
		},
		Record: func(ctx context.Context, step int, items []protocol.Item) error {
			return m.recordStep(ctx, rec.ID, step, items)
		},
	})
	if err != nil {
		m.fail(ctx, rec.ID, 0, err, started)
		return
	}

	input := []protocol.Item{
		protocol.NewDeveloperMessage(developerFraming),
		protocol.NewUserMessage(prompt),
	}
	result := orch.Run(ctx, input)

	switch result.Outcome {
	case orchestrator.OutcomeCompleted:
		applied, err := m.store.CompleteSession(ctx, rec.ID, result.Steps, result.Summary)
		if err != nil {
			logger.Error().Str("session_id", rec.ID).Err(err).Msg("Failed to write session completion")
			return
		}
		if !applied {
			// stopped from outside between the last probe and now, the stop
			// already wrote the terminal state
			logger.Info().Str("session_id", rec.ID).Msg("Session finished after external stop, skipping billing")
			observability.SessionFinished("stopped", time.Since(started))
			return
		}
		elapsed := time.Since(started)
		if billed, err := m.store.GetSession(ctx, rec.ID); err == nil {
			elapsed = billableWindow(billed, elapsed)
		}
		m.bill(ctx, agent.ID, elapsed)
		observability.SessionFinished("completed", time.Since(started))
		logger.Info().
			Str("session_id", rec.ID).
			Int("steps", result.Steps).
			Dur("duration", time.Since(started)).
			Msg("Session completed")

	case orchestrator.OutcomePaused:
		// the external stop wrote the terminal state already
		observability.SessionFinished("stopped", time.Since(started))
		logger.Info().Str("session_id", rec.ID).Int("steps", result.Steps).Msg("Session stopped externally")

	default:
		m.fail(ctx, rec.ID, result.Steps, result.Err, started)
	}
}

// fail writes the failed terminal state. Failures are never billed.
func (m *Manager) fail(ctx context.Context, sessionID string, steps int, cause error, started time.Time) {
	logger := tracing.LoggerFromContext(ctx, m.logger)
	reason := classifyFailure(cause)
	applied, err := m.store.FailSession(ctx, sessionID, steps, reason)
	if err != nil {
		logger.Error().Str("session_id", sessionID).Err(err).Msg("Failed to write session failure")
		return
	}
	if applied {
		observability.SessionFinished("failed", time.Since(started))
	}
	logger.Error().
		Str("session_id", sessionID).
		Str("reason", reason).
		Err(cause).
		Msg("Session failed")
}

// billableWindow prefers the persisted session timestamps over the caller's
// clock, so the deduction matches the runtime the session record reports.
func billableWindow(rec *store.SessionRecord, fallback time.Duration) time.Duration {
	if rec != nil && !rec.StartedAt.IsZero() && rec.CompletedAt != nil {
		return rec.CompletedAt.Sub(rec.StartedAt)
	}
	return fallback
}

// bill deducts credits for runtime, rounded up to whole minutes. A partial
// minute costs a full minute.
func (m *Manager) bill(ctx context.Context, agentID string, elapsed time.Duration) {
	minutes := int(math.Ceil(elapsed.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	credits := minutes * m.creditsPerMinute
	if err := m.store.DeductCredits(ctx, agentID, credits); err != nil {
		// the run already happened, an over-drafted balance just goes to zero
		// next top-up; log and move on
		m.logger.Warn().Str("agent_id", agentID).Int("credits", credits).Err(err).Msg("Failed to deduct credits")
		return
	}
	observability.RecordCreditsDeducted(credits)
}

// waitReady polls the provider until the browser session is connectable.
// Polling slows down after thirty seconds and gives up at ninety.
func (m *Manager) waitReady(ctx context.Context, remote *browser.RemoteSession) (*browser.RemoteSession, error) {
	if remote.Ready() {
		return remote, nil
	}
	started := time.Now()
	for {
		if time.Since(started) > readyTimeout {
			return nil, fmt.Errorf("%w: session %s after %s", ErrProvisionTimeout, remote.ID, readyTimeout)
		}
		interval := readyPollInterval
		if time.Since(started) > readyPollSlowAfter {
			interval = readyPollSlowInterval
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		current, err := m.provider.GetSession(ctx, remote.ID)
		if err != nil {
			continue
		}
		if current.Status == browser.SessionFailed || current.Status == browser.SessionReleased {
			return nil, fmt.Errorf("browser session %s entered state %s while provisioning", remote.ID, current.Status)
		}
		if current.Ready() {
			observability.RecordProvisionWait(time.Since(started))
			return current, nil
		}
	}
}

// recordStep persists one step log row per call item before execution
func (m *Manager) recordStep(ctx context.Context, sessionID string, step int, items []protocol.Item) error {
	if m.transcripts != nil {
		if err := m.transcripts.Append(sessionID, step, items); err != nil {
			m.logger.Warn().Str("session_id", sessionID).Err(err).Msg("Failed to append transcript")
		}
	}
	for _, item := range items {
		if !item.IsCall() {
			continue
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return err
		}
		instruction := ""
		if item.Type == protocol.ItemComputerCall && item.Action != nil {
			instruction = item.Action.Instruction()
		} else if item.Type == protocol.ItemFunctionCall {
			instruction = fmt.Sprintf("%s(%s)", item.Name, item.Arguments)
		}
		entry := &store.StepLogEntry{
			SessionID:   sessionID,
			Step:        step,
			CallID:      item.CallID,
			Instruction: instruction,
			Payload:     payload,
			CreatedAt:   time.Now().UTC(),
		}
		if err := m.store.InsertStepLog(ctx, entry); err != nil {
			return err
		}
		if m.onStep != nil {
			m.onStep(sessionID, entry)
		}
	}
	return nil
}
