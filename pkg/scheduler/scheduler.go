package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/sanjeevm-dev/cua-browser/pkg/store"
)

// TaskRunner claims and executes one pending daily task
type TaskRunner interface {
	ProcessDailyTask(ctx context.Context, task *store.DailyTask) error
}

// AgentLister enumerates the agents that may have pending work
type AgentLister interface {
	ListActiveAgents(ctx context.Context) ([]store.Agent, error)
	NextPendingTask(ctx context.Context, agentID string) (*store.DailyTask, error)
}

// Config holds scheduler configuration
type Config struct {
	// Spec is a standard five-field cron expression, e.g. "0 6 * * *"
	Spec    string
	Runner  TaskRunner
	Agents  AgentLister
	Timeout time.Duration
	Logger  zerolog.Logger
}

// Scheduler fires the daily task sweep on a cron schedule. Each sweep picks
// at most one pending task per active agent; the conditional claim in the
// store keeps overlapping sweeps from double-running anything.
type Scheduler struct {
	cron    *cron.Cron
	spec    string
	runner  TaskRunner
	agents  AgentLister
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates a scheduler
func New(cfg Config) (*Scheduler, error) {
	if cfg.Spec == "" {
		cfg.Spec = "0 6 * * *"
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("task runner is required")
	}
	if cfg.Agents == nil {
		return nil, fmt.Errorf("agent lister is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	return &Scheduler{
		cron:    cron.New(),
		spec:    cfg.Spec,
		runner:  cfg.Runner,
		agents:  cfg.Agents,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
	}, nil
}

// Start registers the sweep job and begins the cron loop
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.sweep); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.logger.Info().Str("spec", s.spec).Msg("Daily task scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info().Msg("Daily task scheduler stopped")
}

// RunOnce performs one sweep immediately, outside the cron schedule
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.sweepCtx(ctx)
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	s.sweepCtx(ctx)
}

func (s *Scheduler) sweepCtx(ctx context.Context) {
	agents, err := s.agents.ListActiveAgents(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list agents for daily sweep")
		return
	}

	started := 0
	for i := range agents {
		task, err := s.agents.NextPendingTask(ctx, agents[i].ID)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			s.logger.Error().Str("agent_id", agents[i].ID).Err(err).Msg("Failed to look up pending task")
			continue
		}
		if err := s.runner.ProcessDailyTask(ctx, task); err != nil {
			s.logger.Warn().
				Str("agent_id", agents[i].ID).
				Str("task_id", task.ID).
				Err(err).
				Msg("Daily task rejected")
			continue
		}
		started++
	}

	s.logger.Info().Int("agents", len(agents)).Int("started", started).Msg("Daily task sweep finished")
}
