package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sanjeevm-dev/cua-browser/pkg/dispatch"
	"github.com/sanjeevm-dev/cua-browser/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDispatcher replays a fixed sequence of model turns
type scriptedDispatcher struct {
	turns    [][]protocol.Item
	turn     int
	inputs   [][]protocol.Item
	executed [][]protocol.Item
	execErr  error
	getErr   error
}

func (d *scriptedDispatcher) GetAction(ctx context.Context, input []protocol.Item, cursor string) ([]protocol.Item, string, error) {
	d.inputs = append(d.inputs, input)
	if d.getErr != nil {
		return nil, "", d.getErr
	}
	if d.turn >= len(d.turns) {
		return nil, fmt.Sprintf("resp_%d", d.turn+1), nil
	}
	output := d.turns[d.turn]
	d.turn++
	return output, fmt.Sprintf("resp_%d", d.turn), nil
}

func (d *scriptedDispatcher) TakeAction(ctx context.Context, items []protocol.Item) ([]protocol.Item, error) {
	d.executed = append(d.executed, items)
	if d.execErr != nil {
		return nil, d.execErr
	}
	var results []protocol.Item
	for _, item := range items {
		if !item.IsCall() {
			continue
		}
		out, err := protocol.NewComputerCallOutput(item.CallID, nil, "")
		if err != nil {
			return nil, err
		}
		results = append(results, out)
	}
	return results, nil
}

func call(id, callID string) protocol.Item {
	return protocol.Item{
		Type:   protocol.ItemComputerCall,
		ID:     id,
		CallID: callID,
		Action: &protocol.Action{Type: protocol.ActionWait},
	}
}

func newTestOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	o, err := New(cfg)
	require.NoError(t, err)
	return o
}

func TestRunCompletion(t *testing.T) {
	t.Run("should complete immediately on empty output", func(t *testing.T) {
		d := &scriptedDispatcher{turns: [][]protocol.Item{{}}}
		o := newTestOrchestrator(t, Config{Dispatcher: d})

		result := o.Run(context.Background(), []protocol.Item{protocol.NewUserMessage("task")})
		assert.Equal(t, OutcomeCompleted, result.Outcome)
		assert.Equal(t, 0, result.Steps)
		assert.Empty(t, d.executed)
	})

	t.Run("should complete when the model answers without actions", func(t *testing.T) {
		d := &scriptedDispatcher{turns: [][]protocol.Item{
			{call("cc_1", "call_1")},
			{protocol.NewAssistantMessage("Done: the order was placed.")},
		}}
		o := newTestOrchestrator(t, Config{Dispatcher: d})

		result := o.Run(context.Background(), []protocol.Item{protocol.NewUserMessage("task")})
		assert.Equal(t, OutcomeCompleted, result.Outcome)
		assert.Equal(t, 2, result.Steps)
		assert.Equal(t, "Done: the order was placed.", result.Summary)
		require.Len(t, d.executed, 1)
	})

	t.Run("should send only the fresh outputs as the next delta input", func(t *testing.T) {
		d := &scriptedDispatcher{turns: [][]protocol.Item{
			{call("cc_1", "call_1")},
			{},
		}}
		o := newTestOrchestrator(t, Config{Dispatcher: d})

		result := o.Run(context.Background(), []protocol.Item{protocol.NewUserMessage("task")})
		assert.Equal(t, OutcomeCompleted, result.Outcome)
		require.Len(t, d.inputs, 2)
		require.Len(t, d.inputs[1], 1)
		assert.Equal(t, protocol.ItemComputerCallOutput, d.inputs[1][0].Type)
		assert.Equal(t, "call_1", d.inputs[1][0].CallID)
	})
}

func TestRunStepCeiling(t *testing.T) {
	t.Run("should stop at the configured step ceiling", func(t *testing.T) {
		turns := make([][]protocol.Item, 10)
		for i := range turns {
			turns[i] = []protocol.Item{call(fmt.Sprintf("cc_%d", i), fmt.Sprintf("call_%d", i))}
		}
		d := &scriptedDispatcher{turns: turns}
		o := newTestOrchestrator(t, Config{Dispatcher: d, MaxSteps: 3})

		result := o.Run(context.Background(), []protocol.Item{protocol.NewUserMessage("task")})
		assert.Equal(t, OutcomeCompleted, result.Outcome)
		assert.Equal(t, 3, result.Steps)
		assert.Len(t, d.executed, 3)
	})

	t.Run("should default the ceiling to one hundred", func(t *testing.T) {
		o := newTestOrchestrator(t, Config{Dispatcher: &scriptedDispatcher{}})
		assert.Equal(t, DefaultMaxSteps, o.maxSteps)
	})
}

func TestRunActivityProbe(t *testing.T) {
	t.Run("should pause when the session is deactivated", func(t *testing.T) {
		d := &scriptedDispatcher{turns: [][]protocol.Item{
			{call("cc_1", "call_1")},
			{call("cc_2", "call_2")},
		}}
		probes := 0
		o := newTestOrchestrator(t, Config{
			Dispatcher: d,
			Active: func(ctx context.Context) (bool, error) {
				probes++
				return probes < 2, nil
			},
		})

		result := o.Run(context.Background(), []protocol.Item{protocol.NewUserMessage("task")})
		assert.Equal(t, OutcomePaused, result.Outcome)
		assert.Equal(t, 1, result.Steps)
		assert.Len(t, d.executed, 1, "no action after deactivation")
	})

	t.Run("should fail when the probe itself errors", func(t *testing.T) {
		o := newTestOrchestrator(t, Config{
			Dispatcher: &scriptedDispatcher{},
			Active: func(ctx context.Context) (bool, error) {
				return false, errors.New("store unavailable")
			},
		})

		result := o.Run(context.Background(), nil)
		assert.Equal(t, OutcomeFailed, result.Outcome)
		require.Error(t, result.Err)
	})
}

func TestRunErrorHandling(t *testing.T) {
	t.Run("should fail on model errors", func(t *testing.T) {
		d := &scriptedDispatcher{getErr: errors.New("model request failed after retries: 500")}
		o := newTestOrchestrator(t, Config{Dispatcher: d})

		result := o.Run(context.Background(), nil)
		assert.Equal(t, OutcomeFailed, result.Outcome)
		require.Error(t, result.Err)
	})

	t.Run("should fail immediately on safety rejection", func(t *testing.T) {
		d := &scriptedDispatcher{
			turns:   [][]protocol.Item{{call("cc_1", "call_1")}},
			execErr: fmt.Errorf("%w: confirm intent", dispatch.ErrSafetyRejected),
		}
		o := newTestOrchestrator(t, Config{Dispatcher: d})

		result := o.Run(context.Background(), nil)
		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.ErrorIs(t, result.Err, dispatch.ErrSafetyRejected)
	})

	t.Run("should report recoverable action failures to the model and continue", func(t *testing.T) {
		d := &scriptedDispatcher{
			turns: [][]protocol.Item{
				{call("cc_1", "call_1")},
				{},
			},
			execErr: errors.New("action click (call call_1) failed: element detached"),
		}
		o := newTestOrchestrator(t, Config{Dispatcher: d})

		result := o.Run(context.Background(), nil)
		assert.Equal(t, OutcomeCompleted, result.Outcome)
		require.Len(t, d.inputs, 2)
		last := d.inputs[1]
		require.NotEmpty(t, last)
		assert.Equal(t, "assistant", last[len(last)-1].Role)
		assert.Contains(t, last[len(last)-1].Text(), "element detached")
	})

	t.Run("should stop when the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		o := newTestOrchestrator(t, Config{Dispatcher: &scriptedDispatcher{}})

		result := o.Run(ctx, nil)
		assert.Equal(t, OutcomeFailed, result.Outcome)
		assert.ErrorIs(t, result.Err, context.Canceled)
	})
}

func TestRunReasoningOnly(t *testing.T) {
	t.Run("should nudge the model forward after a reasoning-only turn", func(t *testing.T) {
		d := &scriptedDispatcher{turns: [][]protocol.Item{
			{{Type: protocol.ItemReasoning, ID: "rs_1"}},
			{protocol.NewAssistantMessage("finished")},
		}}
		o := newTestOrchestrator(t, Config{Dispatcher: d})

		result := o.Run(context.Background(), []protocol.Item{protocol.NewUserMessage("task")})
		assert.Equal(t, OutcomeCompleted, result.Outcome)
		require.Len(t, d.inputs, 2)
		require.Len(t, d.inputs[1], 1)
		assert.Equal(t, "user", d.inputs[1][0].Role)
		assert.Equal(t, "continue", d.inputs[1][0].Text())
	})
}

func TestRunRecorder(t *testing.T) {
	t.Run("should record model output before executing it", func(t *testing.T) {
		d := &scriptedDispatcher{turns: [][]protocol.Item{
			{call("cc_1", "call_1")},
			{},
		}}
		var recorded []int
		o := newTestOrchestrator(t, Config{
			Dispatcher: d,
			Record: func(ctx context.Context, step int, items []protocol.Item) error {
				recorded = append(recorded, step)
				assert.Len(t, d.executed, 0, "recording must precede execution on the first step")
				return nil
			},
		})

		result := o.Run(context.Background(), nil)
		assert.Equal(t, OutcomeCompleted, result.Outcome)
		assert.Equal(t, []int{1}, recorded)
	})

	t.Run("should not abort the run when recording fails", func(t *testing.T) {
		d := &scriptedDispatcher{turns: [][]protocol.Item{
			{call("cc_1", "call_1")},
			{},
		}}
		o := newTestOrchestrator(t, Config{
			Dispatcher: d,
			Record: func(ctx context.Context, step int, items []protocol.Item) error {
				return errors.New("disk full")
			},
		})

		result := o.Run(context.Background(), nil)
		assert.Equal(t, OutcomeCompleted, result.Outcome)
	})
}

func TestRunRedelivery(t *testing.T) {
	t.Run("should execute a redelivered call only once", func(t *testing.T) {
		d := &scriptedDispatcher{turns: [][]protocol.Item{
			{call("cc_1", "call_1")},
			// the service resent the same item alongside a fresh one
			{call("cc_1", "call_1"), call("cc_2", "call_2")},
			{},
		}}
		o := newTestOrchestrator(t, Config{Dispatcher: d})

		result := o.Run(context.Background(), []protocol.Item{protocol.NewUserMessage("task")})
		assert.Equal(t, OutcomeCompleted, result.Outcome)
		require.Len(t, d.executed, 2)
		require.Len(t, d.executed[1], 1, "the redelivered call must not reach execution again")
		assert.Equal(t, "cc_2", d.executed[1][0].ID)
	})

	t.Run("should nudge forward when a batch is entirely redelivered", func(t *testing.T) {
		d := &scriptedDispatcher{turns: [][]protocol.Item{
			{call("cc_1", "call_1")},
			{call("cc_1", "call_1")},
			{protocol.NewAssistantMessage("finished")},
		}}
		o := newTestOrchestrator(t, Config{Dispatcher: d})

		result := o.Run(context.Background(), []protocol.Item{protocol.NewUserMessage("task")})
		assert.Equal(t, OutcomeCompleted, result.Outcome)
		require.Len(t, d.executed, 1, "nothing fresh to execute on the redelivered turn")
		require.Len(t, d.inputs, 3)
		require.Len(t, d.inputs[2], 1)
		assert.Equal(t, "continue", d.inputs[2][0].Text())
	})
}

func TestDedupe(t *testing.T) {
	t.Run("should drop already-sent item ids", func(t *testing.T) {
		seen := map[string]bool{"out_1": true}
		items := []protocol.Item{
			{ID: "out_1", Type: protocol.ItemComputerCallOutput},
			{ID: "out_2", Type: protocol.ItemComputerCallOutput},
			{Type: protocol.ItemComputerCallOutput},
		}
		got := dedupe(items, seen)
		require.Len(t, got, 2)
		assert.Equal(t, "out_2", got[0].ID)
		assert.True(t, seen["out_2"])
	})
}
