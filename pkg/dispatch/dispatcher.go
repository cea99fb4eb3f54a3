package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/sanjeevm-dev/cua-browser/internal/observability"
	"github.com/sanjeevm-dev/cua-browser/internal/tracing"
	"github.com/sanjeevm-dev/cua-browser/pkg/browser"
	"github.com/sanjeevm-dev/cua-browser/pkg/catalog"
	"github.com/sanjeevm-dev/cua-browser/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// ErrSafetyRejected aborts a session when a pending safety check is not
// accepted. It must never be downgraded to a recoverable action failure.
var ErrSafetyRejected = errors.New("safety check rejected")

// UnknownActionError is returned when the model emits an action type the
// registry does not know
type UnknownActionError struct {
	Type protocol.ActionType
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action type: %s", e.Type)
}

// ModelClient is the outbound model surface consumed by the dispatcher
type ModelClient interface {
	Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
	Model() string
}

// Acknowledger resolves the pending safety checks attached to a computer
// call. Returning false rejects the action and fails the session.
type Acknowledger func(ctx context.Context, call protocol.Item, checks []protocol.SafetyCheck) (bool, error)

// AcceptAll acknowledges every safety check. Deployments without a human in
// the loop use this and rely on the step ceiling and credential scoping.
func AcceptAll(ctx context.Context, call protocol.Item, checks []protocol.SafetyCheck) (bool, error) {
	return true, nil
}

type actionHandler func(ctx context.Context, a *protocol.Action) error

// Config wires a dispatcher
type Config struct {
	Client      ModelClient
	Catalog     *catalog.Catalog
	Driver      browser.Driver
	Acknowledge Acknowledger
	Logger      zerolog.Logger
}

// Dispatcher turns model tool-call output into concrete browser operations
// and packages the observed results back into model-consumable form
type Dispatcher struct {
	client      ModelClient
	catalog     *catalog.Catalog
	driver      browser.Driver
	acknowledge Acknowledger
	registry    map[protocol.ActionType]actionHandler
	logger      zerolog.Logger
}

// New creates a dispatcher with the full action registry
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("model client is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("tool catalog is required")
	}
	if cfg.Driver == nil {
		return nil, fmt.Errorf("browser driver is required")
	}
	if cfg.Acknowledge == nil {
		cfg.Acknowledge = AcceptAll
	}

	d := &Dispatcher{
		client:      cfg.Client,
		catalog:     cfg.Catalog,
		driver:      cfg.Driver,
		acknowledge: cfg.Acknowledge,
		logger:      cfg.Logger,
	}
	d.registry = map[protocol.ActionType]actionHandler{
		protocol.ActionClick: func(ctx context.Context, a *protocol.Action) error {
			return d.driver.Click(ctx, a.X, a.Y, a.Button)
		},
		protocol.ActionDoubleClick: func(ctx context.Context, a *protocol.Action) error {
			return d.driver.DoubleClick(ctx, a.X, a.Y)
		},
		protocol.ActionTypeText: func(ctx context.Context, a *protocol.Action) error {
			return d.driver.Type(ctx, a.Text)
		},
		protocol.ActionKeypress: func(ctx context.Context, a *protocol.Action) error {
			return d.driver.Keypress(ctx, a.Keys)
		},
		protocol.ActionScroll: func(ctx context.Context, a *protocol.Action) error {
			return d.driver.Scroll(ctx, a.X, a.Y, a.ScrollX, a.ScrollY)
		},
		protocol.ActionDrag: func(ctx context.Context, a *protocol.Action) error {
			return d.driver.Drag(ctx, a.Path)
		},
		protocol.ActionMove: func(ctx context.Context, a *protocol.Action) error {
			return d.driver.Move(ctx, a.X, a.Y)
		},
		protocol.ActionWait: func(ctx context.Context, a *protocol.Action) error {
			return d.driver.Wait(ctx)
		},
		// the observation capture after every action already is the screenshot
		protocol.ActionScreenshot: func(ctx context.Context, a *protocol.Action) error {
			return nil
		},
	}

	return d, nil
}

// GetAction requests the model's next decision. Input carries only the items
// new since the cursor; the service retains the rest of the context, which
// bounds request size growth.
func (d *Dispatcher) GetAction(ctx context.Context, input []protocol.Item, cursor string) ([]protocol.Item, string, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"cua.dispatch",
		"dispatch.get_action",
		attribute.Int("input_items", len(input)),
		attribute.Bool("has_cursor", cursor != ""),
	)
	defer span.End()

	req := &protocol.Request{
		Model:              d.client.Model(),
		Input:              input,
		Tools:              d.catalog.Tools(),
		Truncation:         "auto",
		PreviousResponseID: cursor,
	}

	resp, err := d.client.Send(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, "", err
	}
	return resp.Output, resp.ID, nil
}

// TakeAction executes the model's output items strictly sequentially;
// concurrent navigations on one page are unsafe. Message items are skipped.
// Every call gets exactly one output item even when its action fails; the
// per-action failures are joined into the returned error for the caller to
// convert into a recoverable conversation entry. A safety rejection aborts
// immediately.
func (d *Dispatcher) TakeAction(ctx context.Context, items []protocol.Item) ([]protocol.Item, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"cua.dispatch",
		"dispatch.take_action",
		attribute.Int("items", len(items)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, d.logger)

	var results []protocol.Item
	var actionErrs []error

	for _, item := range items {
		switch item.Type {
		case protocol.ItemComputerCall:
			out, err := d.executeComputerCall(ctx, logger, item)
			if err != nil {
				if errors.Is(err, ErrSafetyRejected) {
					span.RecordError(err)
					return results, err
				}
				actionErrs = append(actionErrs, err)
			}
			results = append(results, out)

		case protocol.ItemFunctionCall:
			out, err := d.executeFunctionCall(ctx, logger, item)
			if err != nil {
				actionErrs = append(actionErrs, err)
			}
			results = append(results, out)

		default:
			// messages and reasoning carry no action
		}
	}

	return results, errors.Join(actionErrs...)
}

// executeComputerCall resolves safety checks, runs the browser primitive and
// attaches a fresh screenshot as the observed result
func (d *Dispatcher) executeComputerCall(ctx context.Context, logger zerolog.Logger, item protocol.Item) (protocol.Item, error) {
	var execErr error

	if len(item.PendingSafetyChecks) > 0 {
		accepted, err := d.acknowledge(ctx, item, item.PendingSafetyChecks)
		observability.RecordSafetyCheck(accepted && err == nil)
		if err != nil {
			return protocol.Item{}, fmt.Errorf("%w: %v", ErrSafetyRejected, err)
		}
		if !accepted {
			messages := make([]string, 0, len(item.PendingSafetyChecks))
			for _, check := range item.PendingSafetyChecks {
				messages = append(messages, check.Message)
			}
			return protocol.Item{}, fmt.Errorf("%w: %v", ErrSafetyRejected, messages)
		}
	}

	if item.Action == nil {
		execErr = fmt.Errorf("computer call %s has no action payload", item.CallID)
	} else if handler, ok := d.registry[item.Action.Type]; !ok {
		execErr = &UnknownActionError{Type: item.Action.Type}
	} else {
		logger.Debug().
			Str("call_id", item.CallID).
			Str("action", string(item.Action.Type)).
			Msg("Executing action")
		execErr = handler(ctx, item.Action)
	}

	// Observation capture happens even after a failed action: the model
	// recovers better seeing the page as it actually is.
	encoded := ""
	if shot, err := d.driver.Screenshot(ctx); err == nil {
		encoded = base64.StdEncoding.EncodeToString(shot)
	} else {
		logger.Warn().Str("call_id", item.CallID).Err(err).Msg("Failed to capture observation screenshot")
		if execErr == nil {
			execErr = err
		}
	}

	out, err := protocol.NewComputerCallOutput(item.CallID, item.PendingSafetyChecks, encoded)
	if err != nil {
		return protocol.Item{}, err
	}
	if execErr != nil {
		action := "unknown"
		if item.Action != nil {
			action = string(item.Action.Type)
		}
		return out, fmt.Errorf("action %s (call %s) failed: %w", action, item.CallID, execErr)
	}
	return out, nil
}

// executeFunctionCall parses the JSON arguments and invokes the matching
// browser operation. Undeclared functions are a no-op. The output is always a
// success acknowledgement; callers needing real result propagation must
// extend this.
func (d *Dispatcher) executeFunctionCall(ctx context.Context, logger zerolog.Logger, item protocol.Item) (protocol.Item, error) {
	out, err := protocol.NewFunctionCallOutput(item.CallID, "success")
	if err != nil {
		return protocol.Item{}, err
	}

	if !d.catalog.HasFunction(item.Name) {
		logger.Warn().Str("function", item.Name).Msg("Model called undeclared function, ignoring")
		return out, nil
	}

	if err := d.catalog.ValidateArguments(item.Name, item.Arguments); err != nil {
		return out, fmt.Errorf("function %s (call %s) rejected: %w", item.Name, item.CallID, err)
	}

	var args map[string]any
	if item.Arguments != "" {
		if err := json.Unmarshal([]byte(item.Arguments), &args); err != nil {
			return out, fmt.Errorf("function %s (call %s) has malformed arguments: %w", item.Name, item.CallID, err)
		}
	}

	logger.Debug().Str("call_id", item.CallID).Str("function", item.Name).Msg("Executing function")

	var execErr error
	switch item.Name {
	case "back":
		execErr = d.driver.Back(ctx)
	case "goto":
		url, _ := args["url"].(string)
		execErr = d.driver.Goto(ctx, url)
	}
	if execErr != nil {
		return out, fmt.Errorf("function %s (call %s) failed: %w", item.Name, item.CallID, execErr)
	}
	return out, nil
}
