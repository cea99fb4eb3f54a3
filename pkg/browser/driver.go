package browser

import (
	"context"

	"github.com/sanjeevm-dev/cua-browser/pkg/protocol"
)

// Driver is the browser collaborator consumed by the action dispatcher. One
// driver owns exactly one remote page; independent agent runs never share a
// driver.
type Driver interface {
	Click(ctx context.Context, x, y int, button string) error
	DoubleClick(ctx context.Context, x, y int) error
	Type(ctx context.Context, text string) error
	Keypress(ctx context.Context, keys []string) error
	Scroll(ctx context.Context, x, y, scrollX, scrollY int) error
	Drag(ctx context.Context, path []protocol.Point) error
	Move(ctx context.Context, x, y int) error
	Wait(ctx context.Context) error

	// Screenshot returns the current page as PNG bytes. Implementations keep
	// a short-lived cache so the per-action observation capture stays cheap.
	Screenshot(ctx context.Context) ([]byte, error)

	Back(ctx context.Context) error
	Goto(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)

	Close() error
}

// DriverError wraps a failed browser operation with a stable code
type DriverError struct {
	Code    string
	Message string
}

func (e *DriverError) Error() string {
	return e.Message
}

// Error codes
const (
	ErrCodeNavigation   = "NAVIGATION_ERROR"
	ErrCodeTimeout      = "TIMEOUT_ERROR"
	ErrCodeInput        = "INPUT_ERROR"
	ErrCodeScreenshot   = "SCREENSHOT_ERROR"
	ErrCodeBrowserCrash = "BROWSER_CRASH"
	ErrCodeValidation   = "VALIDATION_ERROR"
)
