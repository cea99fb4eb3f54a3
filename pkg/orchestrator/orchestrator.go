package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sanjeevm-dev/cua-browser/internal/observability"
	"github.com/sanjeevm-dev/cua-browser/internal/tracing"
	"github.com/sanjeevm-dev/cua-browser/pkg/dispatch"
	"github.com/sanjeevm-dev/cua-browser/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultMaxSteps bounds a runaway conversation. A hundred browser actions is
// far beyond any legitimate single-task run.
const DefaultMaxSteps = 100

// Outcome is the terminal state of a run
type Outcome string

const (
	// OutcomeCompleted means the model finished, or the step ceiling was reached
	OutcomeCompleted Outcome = "completed"
	// OutcomePaused means the session was deactivated externally mid-run
	OutcomePaused Outcome = "paused"
	// OutcomeFailed means a fatal error ended the run
	OutcomeFailed Outcome = "failed"
)

// Result describes how a run ended
type Result struct {
	Outcome Outcome
	Steps   int
	Summary string
	Err     error
}

// Dispatcher is the model-and-browser surface the loop drives
type Dispatcher interface {
	GetAction(ctx context.Context, input []protocol.Item, cursor string) ([]protocol.Item, string, error)
	TakeAction(ctx context.Context, items []protocol.Item) ([]protocol.Item, error)
}

// ActivityProbe reports whether the session is still meant to be running.
// It must read fresh state on every call; a cached answer defeats external
// stop requests.
type ActivityProbe func(ctx context.Context) (bool, error)

// StepRecorder persists the model output for a step before it is executed,
// so the log survives even when execution crashes the process
type StepRecorder func(ctx context.Context, step int, items []protocol.Item) error

// Config wires an orchestrator
type Config struct {
	Dispatcher Dispatcher
	Active     ActivityProbe
	Record     StepRecorder
	MaxSteps   int
	Logger     zerolog.Logger
}

// Orchestrator runs the decide-execute-observe loop for one session
type Orchestrator struct {
	dispatcher Dispatcher
	active     ActivityProbe
	record     StepRecorder
	maxSteps   int
	logger     zerolog.Logger
}

// New creates an orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	if cfg.Active == nil {
		cfg.Active = func(ctx context.Context) (bool, error) { return true, nil }
	}
	if cfg.Record == nil {
		cfg.Record = func(ctx context.Context, step int, items []protocol.Item) error { return nil }
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	return &Orchestrator{
		dispatcher: cfg.Dispatcher,
		active:     cfg.Active,
		record:     cfg.Record,
		maxSteps:   cfg.MaxSteps,
		logger:     cfg.Logger,
	}, nil
}

// Run drives the loop until the model finishes, the step ceiling is hit, the
// session is deactivated, or a fatal error occurs. The initial input is the
// task prompt plus any system framing.
func (o *Orchestrator) Run(ctx context.Context, input []protocol.Item) *Result {
	ctx, span := tracing.StartSpan(ctx, "cua.orchestrator", "orchestrator.run")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, o.logger)

	var (
		cursor  string
		summary string
		pending = input
		seen    = make(map[string]bool)
	)

	for step := 1; step <= o.maxSteps; step++ {
		if ctx.Err() != nil {
			return &Result{Outcome: OutcomeFailed, Steps: step - 1, Summary: summary, Err: ctx.Err()}
		}

		active, err := o.active(ctx)
		if err != nil {
			return &Result{Outcome: OutcomeFailed, Steps: step - 1, Summary: summary, Err: fmt.Errorf("activity probe failed: %w", err)}
		}
		if !active {
			logger.Info().Int("step", step).Msg("Session deactivated, pausing")
			return &Result{Outcome: OutcomePaused, Steps: step - 1, Summary: summary}
		}

		output, nextCursor, err := o.dispatcher.GetAction(ctx, pending, cursor)
		if err != nil {
			span.RecordError(err)
			return &Result{Outcome: OutcomeFailed, Steps: step - 1, Summary: summary, Err: err}
		}
		cursor = nextCursor

		if len(output) == 0 {
			logger.Info().Int("step", step).Msg("Model produced no output, run complete")
			return &Result{Outcome: OutcomeCompleted, Steps: step - 1, Summary: summary}
		}

		output = dedupe(output, seen)
		if len(output) == 0 {
			// the whole batch was a redelivery of items already handled
			logger.Debug().Int("step", step).Msg("Output contained only redelivered items, prompting continuation")
			pending = []protocol.Item{protocol.NewUserMessage("continue")}
			observability.RecordStep()
			continue
		}

		if text := assistantText(output); text != "" {
			summary = text
		}

		if err := o.record(ctx, step, output); err != nil {
			logger.Warn().Int("step", step).Err(err).Msg("Failed to persist step log")
		}

		if !hasCalls(output) {
			if summary != "" {
				logger.Info().Int("step", step).Msg("Model answered without further actions, run complete")
				return &Result{Outcome: OutcomeCompleted, Steps: step, Summary: summary}
			}
			// Reasoning-only turn: nudge the model forward rather than
			// replaying the whole conversation.
			logger.Debug().Int("step", step).Msg("Reasoning-only output, prompting continuation")
			pending = []protocol.Item{protocol.NewUserMessage("continue")}
			observability.RecordStep()
			continue
		}

		results, err := o.dispatcher.TakeAction(ctx, output)
		if err != nil {
			if errors.Is(err, dispatch.ErrSafetyRejected) {
				span.RecordError(err)
				return &Result{Outcome: OutcomeFailed, Steps: step, Summary: summary, Err: err}
			}
			// Recoverable action failure: the call outputs still went out, so
			// tell the model what went wrong and let it adjust.
			logger.Warn().Int("step", step).Err(err).Msg("Action execution failed, reporting to model")
			results = append(results, protocol.NewAssistantMessage(fmt.Sprintf("The previous action failed: %v. The screenshot shows the current page state.", err)))
		}

		pending = results
		observability.RecordStep()
	}

	logger.Warn().Int("max_steps", o.maxSteps).Msg("Step ceiling reached, ending run")
	span.SetAttributes(attribute.Bool("step_ceiling", true))
	return &Result{Outcome: OutcomeCompleted, Steps: o.maxSteps, Summary: summary}
}

// hasCalls reports whether any item needs execution
func hasCalls(items []protocol.Item) bool {
	for i := range items {
		if items[i].IsCall() {
			return true
		}
	}
	return false
}

// assistantText returns the last assistant message text in the batch
func assistantText(items []protocol.Item) string {
	text := ""
	for i := range items {
		if items[i].Type == protocol.ItemMessage && items[i].Role == "assistant" {
			if t := items[i].Text(); t != "" {
				text = t
			}
		}
	}
	return text
}

// dedupe drops output items whose id was already seen in an earlier turn.
// Delivery is at-least-once: the service resends items after internal
// retries, and a redelivered call must not execute twice.
func dedupe(items []protocol.Item, seen map[string]bool) []protocol.Item {
	out := items[:0]
	for _, item := range items {
		if item.ID != "" {
			if seen[item.ID] {
				continue
			}
			seen[item.ID] = true
		}
		out = append(out, item)
	}
	return out
}
