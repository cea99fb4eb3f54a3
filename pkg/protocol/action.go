package protocol

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ActionType identifies a pointer/computer action emitted by the model
type ActionType string

const (
	ActionClick       ActionType = "click"
	ActionDoubleClick ActionType = "double_click"
	ActionTypeText    ActionType = "type"
	ActionKeypress    ActionType = "keypress"
	ActionScroll      ActionType = "scroll"
	ActionDrag        ActionType = "drag"
	ActionMove        ActionType = "move"
	ActionWait        ActionType = "wait"
	ActionScreenshot  ActionType = "screenshot"
)

// Point is a viewport coordinate
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Action is the payload of a computer_call item. All fields except Type are
// action-specific; absent fields stay at their zero value.
type Action struct {
	Type    ActionType `json:"type"`
	X       int        `json:"x,omitempty"`
	Y       int        `json:"y,omitempty"`
	Button  string     `json:"button,omitempty"`
	Text    string     `json:"text,omitempty"`
	Keys    []string   `json:"keys,omitempty"`
	ScrollX int        `json:"scroll_x,omitempty"`
	ScrollY int        `json:"scroll_y,omitempty"`
	Path    []Point    `json:"path,omitempty"`
}

// Instruction renders a human-readable description of the action for step
// logs and live progress views
func (a *Action) Instruction() string {
	switch a.Type {
	case ActionClick:
		button := a.Button
		if button == "" {
			button = "left"
		}
		return fmt.Sprintf("Click at (%d, %d) with %s button", a.X, a.Y, button)
	case ActionDoubleClick:
		return fmt.Sprintf("Double-click at (%d, %d)", a.X, a.Y)
	case ActionTypeText:
		return fmt.Sprintf("Type %q", truncate(a.Text, 80))
	case ActionKeypress:
		return fmt.Sprintf("Press %s", strings.Join(a.Keys, "+"))
	case ActionScroll:
		return fmt.Sprintf("Scroll by (%d, %d) at (%d, %d)", a.ScrollX, a.ScrollY, a.X, a.Y)
	case ActionDrag:
		return fmt.Sprintf("Drag through %d points", len(a.Path))
	case ActionMove:
		return fmt.Sprintf("Move pointer to (%d, %d)", a.X, a.Y)
	case ActionWait:
		return "Wait for the page to settle"
	case ActionScreenshot:
		return "Take a screenshot"
	default:
		return fmt.Sprintf("Perform %s", a.Type)
	}
}

// truncate cuts s down to at most max runes, never splitting a multi-byte
// sequence
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
