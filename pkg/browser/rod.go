package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
	"github.com/sanjeevm-dev/cua-browser/internal/observability"
	"github.com/sanjeevm-dev/cua-browser/pkg/protocol"
)

// screenshotTTL bounds how long a captured frame may be reused as the
// observed result of consecutive actions
const screenshotTTL = 500 * time.Millisecond

// RodDriver drives a single page of a remote browser over CDP
type RodDriver struct {
	browser *rod.Browser
	page    *rod.Page
	logger  zerolog.Logger

	mu     sync.Mutex
	shot   []byte
	shotAt time.Time
}

// Connect attaches to a provisioned browser session via its CDP control URL
// and opens the working page
func Connect(ctx context.Context, controlURL string, logger zerolog.Logger) (*RodDriver, error) {
	if controlURL == "" {
		return nil, &DriverError{Code: ErrCodeValidation, Message: "control URL cannot be empty"}
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, &DriverError{
			Code:    ErrCodeBrowserCrash,
			Message: fmt.Sprintf("failed to connect to browser at %s: %v", controlURL, err),
		}
	}

	pages, err := b.Pages()
	if err != nil {
		_ = b.Close()
		return nil, &DriverError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("failed to list pages: %v", err)}
	}

	var page *rod.Page
	if len(pages) > 0 {
		page = pages[0]
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			_ = b.Close()
			return nil, &DriverError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("failed to open page: %v", err)}
		}
	}

	logger.Info().Str("control_url", controlURL).Msg("Browser driver connected")

	return &RodDriver{
		browser: b,
		page:    page,
		logger:  logger,
	}, nil
}

// Close detaches from the browser. The remote session itself is released by
// the lifecycle manager, not here.
func (d *RodDriver) Close() error {
	return d.browser.Close()
}

// Click presses a mouse button at the given viewport coordinate
func (d *RodDriver) Click(ctx context.Context, x, y int, button string) error {
	return d.withAction(ctx, "click", func() error {
		if err := d.page.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)}); err != nil {
			return err
		}
		return d.page.Mouse.Click(mouseButton(button), 1)
	})
}

// DoubleClick double-clicks the left button at the given coordinate
func (d *RodDriver) DoubleClick(ctx context.Context, x, y int) error {
	return d.withAction(ctx, "double_click", func() error {
		if err := d.page.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)}); err != nil {
			return err
		}
		return d.page.Mouse.Click(proto.InputMouseButtonLeft, 2)
	})
}

// Type inserts literal text at the current focus
func (d *RodDriver) Type(ctx context.Context, text string) error {
	return d.withAction(ctx, "type", func() error {
		return d.page.InsertText(text)
	})
}

// Keypress presses each named key in order
func (d *RodDriver) Keypress(ctx context.Context, keys []string) error {
	return d.withAction(ctx, "keypress", func() error {
		for _, name := range keys {
			key, ok := namedKey(name)
			if ok {
				if err := d.page.Keyboard.Press(key); err != nil {
					return err
				}
				continue
			}
			if len([]rune(name)) == 1 {
				if err := d.page.InsertText(name); err != nil {
					return err
				}
				continue
			}
			return &DriverError{Code: ErrCodeInput, Message: fmt.Sprintf("unknown key: %s", name)}
		}
		return nil
	})
}

// Scroll scrolls the page by the given deltas from the given position
func (d *RodDriver) Scroll(ctx context.Context, x, y, scrollX, scrollY int) error {
	return d.withAction(ctx, "scroll", func() error {
		if err := d.page.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)}); err != nil {
			return err
		}
		return d.page.Mouse.Scroll(float64(scrollX), float64(scrollY), 1)
	})
}

// Drag presses the left button at the first point, moves through the path and
// releases
func (d *RodDriver) Drag(ctx context.Context, path []protocol.Point) error {
	if len(path) < 2 {
		return &DriverError{Code: ErrCodeValidation, Message: "drag path needs at least two points"}
	}
	return d.withAction(ctx, "drag", func() error {
		if err := d.page.Mouse.MoveTo(proto.Point{X: float64(path[0].X), Y: float64(path[0].Y)}); err != nil {
			return err
		}
		if err := d.page.Mouse.Down(proto.InputMouseButtonLeft, 1); err != nil {
			return err
		}
		for _, p := range path[1:] {
			if err := d.page.Mouse.MoveTo(proto.Point{X: float64(p.X), Y: float64(p.Y)}); err != nil {
				_ = d.page.Mouse.Up(proto.InputMouseButtonLeft, 1)
				return err
			}
		}
		return d.page.Mouse.Up(proto.InputMouseButtonLeft, 1)
	})
}

// Move moves the pointer without pressing a button
func (d *RodDriver) Move(ctx context.Context, x, y int) error {
	return d.withAction(ctx, "move", func() error {
		return d.page.Mouse.MoveTo(proto.Point{X: float64(x), Y: float64(y)})
	})
}

// Wait lets the page settle for one second
func (d *RodDriver) Wait(ctx context.Context) error {
	d.invalidate()
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Screenshot captures the page as PNG, reusing a recent frame when one is
// fresh enough
func (d *RodDriver) Screenshot(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	if d.shot != nil && time.Since(d.shotAt) < screenshotTTL {
		shot := d.shot
		d.mu.Unlock()
		return shot, nil
	}
	d.mu.Unlock()

	data, err := d.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, &DriverError{Code: ErrCodeScreenshot, Message: fmt.Sprintf("failed to capture screenshot: %v", err)}
	}

	d.mu.Lock()
	d.shot = data
	d.shotAt = time.Now()
	d.mu.Unlock()

	return data, nil
}

// Back navigates back in history
func (d *RodDriver) Back(ctx context.Context) error {
	return d.withAction(ctx, "back", func() error {
		if err := d.page.NavigateBack(); err != nil {
			return err
		}
		return d.page.Timeout(30 * time.Second).WaitLoad()
	})
}

// Goto navigates the page to the given URL and waits for the load event
func (d *RodDriver) Goto(ctx context.Context, url string) error {
	return d.withAction(ctx, "goto", func() error {
		if err := d.page.Navigate(url); err != nil {
			return &DriverError{Code: ErrCodeNavigation, Message: fmt.Sprintf("failed to navigate to %s: %v", url, err)}
		}
		if err := d.page.Timeout(30 * time.Second).WaitLoad(); err != nil {
			return &DriverError{Code: ErrCodeTimeout, Message: fmt.Sprintf("page load timeout for %s: %v", url, err)}
		}
		return nil
	})
}

// CurrentURL returns the page's current location
func (d *RodDriver) CurrentURL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", &DriverError{Code: ErrCodeBrowserCrash, Message: fmt.Sprintf("failed to read page info: %v", err)}
	}
	return info.URL, nil
}

// withAction runs a page-mutating operation, invalidating the screenshot
// cache and recording timing
func (d *RodDriver) withAction(ctx context.Context, name string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.invalidate()
	start := time.Now()
	err := fn()
	observability.RecordAction(name, time.Since(start), err == nil)
	if err != nil {
		d.logger.Warn().Str("action", name).Err(err).Msg("Browser action failed")
	}
	return err
}

func (d *RodDriver) invalidate() {
	d.mu.Lock()
	d.shot = nil
	d.mu.Unlock()
}

func mouseButton(name string) proto.InputMouseButton {
	switch strings.ToLower(name) {
	case "right":
		return proto.InputMouseButtonRight
	case "middle", "wheel":
		return proto.InputMouseButtonMiddle
	default:
		return proto.InputMouseButtonLeft
	}
}

// namedKey maps the model's key vocabulary to CDP key definitions
func namedKey(name string) (input.Key, bool) {
	switch strings.ToUpper(name) {
	case "ENTER", "RETURN":
		return input.Enter, true
	case "TAB":
		return input.Tab, true
	case "ESC", "ESCAPE":
		return input.Escape, true
	case "BACKSPACE":
		return input.Backspace, true
	case "DELETE", "DEL":
		return input.Delete, true
	case "SPACE":
		return input.Key(' '), true
	case "UP", "ARROWUP":
		return input.ArrowUp, true
	case "DOWN", "ARROWDOWN":
		return input.ArrowDown, true
	case "LEFT", "ARROWLEFT":
		return input.ArrowLeft, true
	case "RIGHT", "ARROWRIGHT":
		return input.ArrowRight, true
	case "PAGEUP":
		return input.PageUp, true
	case "PAGEDOWN":
		return input.PageDown, true
	case "HOME":
		return input.Home, true
	case "END":
		return input.End, true
	case "SHIFT":
		return input.ShiftLeft, true
	case "CTRL", "CONTROL":
		return input.ControlLeft, true
	case "ALT", "OPTION":
		return input.AltLeft, true
	case "META", "CMD", "SUPER", "WIN":
		return input.MetaLeft, true
	default:
		return 0, false
	}
}
