package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sanjeevm-dev/cua-browser/pkg/browser"
	"github.com/sanjeevm-dev/cua-browser/pkg/catalog"
	"github.com/sanjeevm-dev/cua-browser/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver records every invocation and can fail selected actions
type fakeDriver struct {
	calls      []string
	failOn     map[string]error
	screenshot []byte
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		failOn:     map[string]error{},
		screenshot: []byte("png-bytes"),
	}
}

func (d *fakeDriver) invoke(name string) error {
	d.calls = append(d.calls, name)
	return d.failOn[name]
}

func (d *fakeDriver) Click(ctx context.Context, x, y int, button string) error {
	return d.invoke(fmt.Sprintf("click(%d,%d,%s)", x, y, button))
}
func (d *fakeDriver) DoubleClick(ctx context.Context, x, y int) error {
	return d.invoke(fmt.Sprintf("double_click(%d,%d)", x, y))
}
func (d *fakeDriver) Type(ctx context.Context, text string) error {
	return d.invoke("type(" + text + ")")
}
func (d *fakeDriver) Keypress(ctx context.Context, keys []string) error {
	return d.invoke(fmt.Sprintf("keypress(%v)", keys))
}
func (d *fakeDriver) Scroll(ctx context.Context, x, y, scrollX, scrollY int) error {
	return d.invoke(fmt.Sprintf("scroll(%d,%d,%d,%d)", x, y, scrollX, scrollY))
}
func (d *fakeDriver) Drag(ctx context.Context, path []protocol.Point) error {
	return d.invoke(fmt.Sprintf("drag(%d)", len(path)))
}
func (d *fakeDriver) Move(ctx context.Context, x, y int) error {
	return d.invoke(fmt.Sprintf("move(%d,%d)", x, y))
}
func (d *fakeDriver) Wait(ctx context.Context) error { return d.invoke("wait") }
func (d *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := d.failOn["screenshot"]; err != nil {
		return nil, err
	}
	return d.screenshot, nil
}
func (d *fakeDriver) Back(ctx context.Context) error { return d.invoke("back") }
func (d *fakeDriver) Goto(ctx context.Context, url string) error {
	return d.invoke("goto(" + url + ")")
}
func (d *fakeDriver) CurrentURL(ctx context.Context) (string, error) { return "about:blank", nil }
func (d *fakeDriver) Close() error                                   { return nil }

// fakeClient scripts a single model response
type fakeClient struct {
	resp *protocol.Response
	err  error
	last *protocol.Request
}

func (c *fakeClient) Send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	c.last = req
	if c.err != nil {
		return nil, c.err
	}
	return c.resp, nil
}

func (c *fakeClient) Model() string { return "computer-use-preview" }

func newTestDispatcher(t *testing.T, client *fakeClient, driver browser.Driver, ack Acknowledger) *Dispatcher {
	t.Helper()
	cat, err := catalog.New(catalog.DefaultConfig())
	require.NoError(t, err)
	d, err := New(Config{
		Client:      client,
		Catalog:     cat,
		Driver:      driver,
		Acknowledge: ack,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	return d
}

func computerCall(callID string, action protocol.Action, checks ...protocol.SafetyCheck) protocol.Item {
	return protocol.Item{
		Type:                protocol.ItemComputerCall,
		CallID:              callID,
		Action:              &action,
		PendingSafetyChecks: checks,
	}
}

func TestGetAction(t *testing.T) {
	t.Run("should send delta input with the tool catalog and cursor", func(t *testing.T) {
		client := &fakeClient{resp: &protocol.Response{ID: "resp_2", Output: []protocol.Item{}}}
		d := newTestDispatcher(t, client, newFakeDriver(), nil)

		input := []protocol.Item{protocol.NewUserMessage("go")}
		output, cursor, err := d.GetAction(context.Background(), input, "resp_1")
		require.NoError(t, err)
		assert.Empty(t, output)
		assert.Equal(t, "resp_2", cursor)

		require.NotNil(t, client.last)
		assert.Equal(t, "computer-use-preview", client.last.Model)
		assert.Equal(t, input, client.last.Input)
		assert.Equal(t, "resp_1", client.last.PreviousResponseID)
		assert.Equal(t, "auto", client.last.Truncation)
		assert.Len(t, client.last.Tools, 3)
	})

	t.Run("should propagate model errors", func(t *testing.T) {
		client := &fakeClient{err: errors.New("model unavailable")}
		d := newTestDispatcher(t, client, newFakeDriver(), nil)

		_, _, err := d.GetAction(context.Background(), nil, "")
		require.Error(t, err)
	})
}

func TestTakeActionComputerCalls(t *testing.T) {
	t.Run("should execute actions sequentially and emit one output per call", func(t *testing.T) {
		driver := newFakeDriver()
		d := newTestDispatcher(t, &fakeClient{}, driver, nil)

		items := []protocol.Item{
			computerCall("call_1", protocol.Action{Type: protocol.ActionClick, X: 10, Y: 20, Button: "left"}),
			computerCall("call_2", protocol.Action{Type: protocol.ActionTypeText, Text: "hello"}),
		}
		results, err := d.TakeAction(context.Background(), items)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, []string{"click(10,20,left)", "type(hello)"}, driver.calls)
		assert.Equal(t, "call_1", results[0].CallID)
		assert.Equal(t, "call_2", results[1].CallID)
		for _, r := range results {
			assert.Equal(t, protocol.ItemComputerCallOutput, r.Type)
		}
	})

	t.Run("should attach the screenshot as an image data url", func(t *testing.T) {
		driver := newFakeDriver()
		d := newTestDispatcher(t, &fakeClient{}, driver, nil)

		results, err := d.TakeAction(context.Background(), []protocol.Item{
			computerCall("call_1", protocol.Action{Type: protocol.ActionScreenshot}),
		})
		require.NoError(t, err)
		require.Len(t, results, 1)

		var out protocol.ImageOutput
		require.NoError(t, json.Unmarshal(results[0].Output, &out))
		expected := "data:image/png;base64," + base64.StdEncoding.EncodeToString(driver.screenshot)
		assert.Equal(t, expected, out.ImageURL)
	})

	t.Run("should skip message and reasoning items", func(t *testing.T) {
		driver := newFakeDriver()
		d := newTestDispatcher(t, &fakeClient{}, driver, nil)

		results, err := d.TakeAction(context.Background(), []protocol.Item{
			protocol.NewAssistantMessage("thinking out loud"),
			{Type: protocol.ItemReasoning, ID: "rs_1"},
			computerCall("call_1", protocol.Action{Type: protocol.ActionWait}),
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "call_1", results[0].CallID)
	})

	t.Run("should continue past a failed action and still emit its output", func(t *testing.T) {
		driver := newFakeDriver()
		driver.failOn["click(10,20,left)"] = errors.New("element detached")
		d := newTestDispatcher(t, &fakeClient{}, driver, nil)

		results, err := d.TakeAction(context.Background(), []protocol.Item{
			computerCall("call_1", protocol.Action{Type: protocol.ActionClick, X: 10, Y: 20, Button: "left"}),
			computerCall("call_2", protocol.Action{Type: protocol.ActionMove, X: 1, Y: 1}),
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "call_1")
		require.Len(t, results, 2, "every call still gets an output")
		assert.Contains(t, driver.calls, "move(1,1)")
	})

	t.Run("should report unknown action types without stopping the batch", func(t *testing.T) {
		driver := newFakeDriver()
		d := newTestDispatcher(t, &fakeClient{}, driver, nil)

		results, err := d.TakeAction(context.Background(), []protocol.Item{
			computerCall("call_1", protocol.Action{Type: protocol.ActionType("hover")}),
			computerCall("call_2", protocol.Action{Type: protocol.ActionWait}),
		})
		require.Error(t, err)
		var unknown *UnknownActionError
		assert.True(t, errors.As(err, &unknown))
		require.Len(t, results, 2)
	})

	t.Run("should fail calls with no action payload", func(t *testing.T) {
		d := newTestDispatcher(t, &fakeClient{}, newFakeDriver(), nil)

		results, err := d.TakeAction(context.Background(), []protocol.Item{
			{Type: protocol.ItemComputerCall, CallID: "call_1"},
		})
		require.Error(t, err)
		require.Len(t, results, 1)
	})
}

func TestTakeActionSafetyChecks(t *testing.T) {
	check := protocol.SafetyCheck{ID: "sc_1", Code: "malicious_instructions", Message: "confirm intent"}

	t.Run("should acknowledge checks before executing", func(t *testing.T) {
		driver := newFakeDriver()
		var acked []protocol.SafetyCheck
		ack := func(ctx context.Context, call protocol.Item, checks []protocol.SafetyCheck) (bool, error) {
			acked = checks
			assert.Empty(t, driver.calls, "acknowledgement must precede execution")
			return true, nil
		}
		d := newTestDispatcher(t, &fakeClient{}, driver, ack)

		results, err := d.TakeAction(context.Background(), []protocol.Item{
			computerCall("call_1", protocol.Action{Type: protocol.ActionWait}, check),
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, []protocol.SafetyCheck{check}, acked)
		assert.Equal(t, []protocol.SafetyCheck{check}, results[0].AcknowledgedSafetyChecks)
		assert.Equal(t, []string{"wait"}, driver.calls)
	})

	t.Run("should abort the whole batch on rejection", func(t *testing.T) {
		driver := newFakeDriver()
		ack := func(ctx context.Context, call protocol.Item, checks []protocol.SafetyCheck) (bool, error) {
			return false, nil
		}
		d := newTestDispatcher(t, &fakeClient{}, driver, ack)

		results, err := d.TakeAction(context.Background(), []protocol.Item{
			computerCall("call_1", protocol.Action{Type: protocol.ActionWait}, check),
			computerCall("call_2", protocol.Action{Type: protocol.ActionWait}),
		})
		require.ErrorIs(t, err, ErrSafetyRejected)
		assert.Empty(t, results)
		assert.Empty(t, driver.calls, "rejected action must not execute")
	})

	t.Run("should treat acknowledger failure as rejection", func(t *testing.T) {
		ack := func(ctx context.Context, call protocol.Item, checks []protocol.SafetyCheck) (bool, error) {
			return false, errors.New("reviewer unreachable")
		}
		d := newTestDispatcher(t, &fakeClient{}, newFakeDriver(), ack)

		_, err := d.TakeAction(context.Background(), []protocol.Item{
			computerCall("call_1", protocol.Action{Type: protocol.ActionWait}, check),
		})
		require.ErrorIs(t, err, ErrSafetyRejected)
	})

	t.Run("should accept all checks by default", func(t *testing.T) {
		driver := newFakeDriver()
		d := newTestDispatcher(t, &fakeClient{}, driver, nil)

		results, err := d.TakeAction(context.Background(), []protocol.Item{
			computerCall("call_1", protocol.Action{Type: protocol.ActionWait}, check),
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, []string{"wait"}, driver.calls)
	})
}

func TestTakeActionFunctionCalls(t *testing.T) {
	functionCall := func(callID, name, args string) protocol.Item {
		return protocol.Item{
			Type:      protocol.ItemFunctionCall,
			CallID:    callID,
			Name:      name,
			Arguments: args,
		}
	}

	t.Run("should execute goto with its url", func(t *testing.T) {
		driver := newFakeDriver()
		d := newTestDispatcher(t, &fakeClient{}, driver, nil)

		results, err := d.TakeAction(context.Background(), []protocol.Item{
			functionCall("call_1", "goto", `{"url": "https://example.com"}`),
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, protocol.ItemFunctionCallOutput, results[0].Type)
		assert.Equal(t, json.RawMessage(`"success"`), results[0].Output)
		assert.Equal(t, []string{"goto(https://example.com)"}, driver.calls)
	})

	t.Run("should execute back with no arguments", func(t *testing.T) {
		driver := newFakeDriver()
		d := newTestDispatcher(t, &fakeClient{}, driver, nil)

		results, err := d.TakeAction(context.Background(), []protocol.Item{
			functionCall("call_1", "back", ""),
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, []string{"back"}, driver.calls)
	})

	t.Run("should reject goto without a url but still answer the call", func(t *testing.T) {
		driver := newFakeDriver()
		d := newTestDispatcher(t, &fakeClient{}, driver, nil)

		results, err := d.TakeAction(context.Background(), []protocol.Item{
			functionCall("call_1", "goto", `{}`),
		})
		require.Error(t, err)
		require.Len(t, results, 1)
		assert.Empty(t, driver.calls, "invalid arguments must not reach the browser")
	})

	t.Run("should ignore undeclared functions", func(t *testing.T) {
		driver := newFakeDriver()
		d := newTestDispatcher(t, &fakeClient{}, driver, nil)

		results, err := d.TakeAction(context.Background(), []protocol.Item{
			functionCall("call_1", "search", `{"query": "x"}`),
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Empty(t, driver.calls)
	})
}

func TestNewValidation(t *testing.T) {
	cat, err := catalog.New(catalog.DefaultConfig())
	require.NoError(t, err)

	t.Run("should require a client", func(t *testing.T) {
		_, err := New(Config{Catalog: cat, Driver: newFakeDriver()})
		require.Error(t, err)
	})

	t.Run("should require a catalog", func(t *testing.T) {
		_, err := New(Config{Client: &fakeClient{}, Driver: newFakeDriver()})
		require.Error(t, err)
	})

	t.Run("should require a driver", func(t *testing.T) {
		_, err := New(Config{Client: &fakeClient{}, Catalog: cat})
		require.Error(t, err)
	})
}
