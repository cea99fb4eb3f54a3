package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sanjeevm-dev/cua-browser/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	processed []string
	failOn    map[string]error
}

func (r *fakeRunner) ProcessDailyTask(ctx context.Context, task *store.DailyTask) error {
	if err := r.failOn[task.ID]; err != nil {
		return err
	}
	r.processed = append(r.processed, task.ID)
	return nil
}

type fakeLister struct {
	agents  []store.Agent
	tasks   map[string]*store.DailyTask
	listErr error
	taskErr map[string]error
}

func (l *fakeLister) ListActiveAgents(ctx context.Context) ([]store.Agent, error) {
	if l.listErr != nil {
		return nil, l.listErr
	}
	return l.agents, nil
}

func (l *fakeLister) NextPendingTask(ctx context.Context, agentID string) (*store.DailyTask, error) {
	if err := l.taskErr[agentID]; err != nil {
		return nil, err
	}
	task, ok := l.tasks[agentID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return task, nil
}

func TestNew(t *testing.T) {
	t.Run("should require a runner", func(t *testing.T) {
		_, err := New(Config{Agents: &fakeLister{}})
		assert.ErrorContains(t, err, "task runner is required")
	})

	t.Run("should require an agent lister", func(t *testing.T) {
		_, err := New(Config{Runner: &fakeRunner{}})
		assert.ErrorContains(t, err, "agent lister is required")
	})

	t.Run("should default the cron spec", func(t *testing.T) {
		s, err := New(Config{Runner: &fakeRunner{}, Agents: &fakeLister{}, Logger: zerolog.Nop()})
		require.NoError(t, err)
		assert.Equal(t, "0 6 * * *", s.spec)
	})

	t.Run("should reject a malformed cron spec at start", func(t *testing.T) {
		s, err := New(Config{Spec: "not a cron spec", Runner: &fakeRunner{}, Agents: &fakeLister{}, Logger: zerolog.Nop()})
		require.NoError(t, err)
		assert.Error(t, s.Start())
	})
}

func TestSweep(t *testing.T) {
	newScheduler := func(t *testing.T, runner *fakeRunner, lister *fakeLister) *Scheduler {
		t.Helper()
		s, err := New(Config{Runner: runner, Agents: lister, Logger: zerolog.Nop()})
		require.NoError(t, err)
		return s
	}

	t.Run("should process one pending task per active agent", func(t *testing.T) {
		runner := &fakeRunner{}
		lister := &fakeLister{
			agents: []store.Agent{{ID: "agent-1"}, {ID: "agent-2"}},
			tasks: map[string]*store.DailyTask{
				"agent-1": {ID: "task-1", AgentID: "agent-1"},
				"agent-2": {ID: "task-2", AgentID: "agent-2"},
			},
		}

		newScheduler(t, runner, lister).RunOnce(context.Background())
		assert.Equal(t, []string{"task-1", "task-2"}, runner.processed)
	})

	t.Run("should skip agents without pending work", func(t *testing.T) {
		runner := &fakeRunner{}
		lister := &fakeLister{
			agents: []store.Agent{{ID: "agent-1"}, {ID: "agent-2"}},
			tasks: map[string]*store.DailyTask{
				"agent-2": {ID: "task-2", AgentID: "agent-2"},
			},
		}

		newScheduler(t, runner, lister).RunOnce(context.Background())
		assert.Equal(t, []string{"task-2"}, runner.processed)
	})

	t.Run("should keep sweeping past one agent's failure", func(t *testing.T) {
		runner := &fakeRunner{failOn: map[string]error{"task-1": errors.New("insufficient credits")}}
		lister := &fakeLister{
			agents: []store.Agent{{ID: "agent-1"}, {ID: "agent-2"}},
			tasks: map[string]*store.DailyTask{
				"agent-1": {ID: "task-1", AgentID: "agent-1"},
				"agent-2": {ID: "task-2", AgentID: "agent-2"},
			},
		}

		newScheduler(t, runner, lister).RunOnce(context.Background())
		assert.Equal(t, []string{"task-2"}, runner.processed)
	})

	t.Run("should keep sweeping past a task lookup error", func(t *testing.T) {
		runner := &fakeRunner{}
		lister := &fakeLister{
			agents:  []store.Agent{{ID: "agent-1"}, {ID: "agent-2"}},
			taskErr: map[string]error{"agent-1": errors.New("db locked")},
			tasks: map[string]*store.DailyTask{
				"agent-2": {ID: "task-2", AgentID: "agent-2"},
			},
		}

		newScheduler(t, runner, lister).RunOnce(context.Background())
		assert.Equal(t, []string{"task-2"}, runner.processed)
	})

	t.Run("should do nothing when listing agents fails", func(t *testing.T) {
		runner := &fakeRunner{}
		lister := &fakeLister{listErr: errors.New("db closed")}

		newScheduler(t, runner, lister).RunOnce(context.Background())
		assert.Empty(t, runner.processed)
	})
}

func TestStartStop(t *testing.T) {
	t.Run("should start and stop cleanly", func(t *testing.T) {
		s, err := New(Config{Runner: &fakeRunner{}, Agents: &fakeLister{}, Logger: zerolog.Nop()})
		require.NoError(t, err)
		require.NoError(t, s.Start())
		s.Stop()
	})
}
