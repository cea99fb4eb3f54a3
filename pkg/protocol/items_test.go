package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageConstructors(t *testing.T) {
	t.Run("should build a user message with input text", func(t *testing.T) {
		item := NewUserMessage("log into the dashboard")
		assert.Equal(t, ItemMessage, item.Type)
		assert.Equal(t, "user", item.Role)
		require.Len(t, item.Content, 1)
		assert.Equal(t, "input_text", item.Content[0].Type)
		assert.Equal(t, "log into the dashboard", item.Text())
	})

	t.Run("should build an assistant message with output text", func(t *testing.T) {
		item := NewAssistantMessage("done")
		assert.Equal(t, "assistant", item.Role)
		assert.Equal(t, "output_text", item.Content[0].Type)
	})

	t.Run("should concatenate multi-part text", func(t *testing.T) {
		item := Item{
			Type: ItemMessage,
			Content: []ContentPart{
				{Type: "output_text", Text: "first "},
				{Type: "output_text", Text: "second"},
			},
		}
		assert.Equal(t, "first second", item.Text())
	})

	t.Run("should return empty text for non-message items", func(t *testing.T) {
		item := Item{Type: ItemComputerCall}
		assert.Empty(t, item.Text())
	})
}

func TestComputerCallOutput(t *testing.T) {
	t.Run("should wrap the screenshot as an image data url", func(t *testing.T) {
		item, err := NewComputerCallOutput("call_1", nil, "aGVsbG8=")
		require.NoError(t, err)
		assert.Equal(t, ItemComputerCallOutput, item.Type)
		assert.Equal(t, "call_1", item.CallID)

		var out ImageOutput
		require.NoError(t, json.Unmarshal(item.Output, &out))
		assert.Equal(t, "input_image", out.Type)
		assert.Equal(t, "data:image/png;base64,aGVsbG8=", out.ImageURL)
	})

	t.Run("should carry forward acknowledged safety checks", func(t *testing.T) {
		checks := []SafetyCheck{{ID: "sc_1", Code: "malicious_instructions", Message: "verify intent"}}
		item, err := NewComputerCallOutput("call_2", checks, "")
		require.NoError(t, err)
		assert.Equal(t, checks, item.AcknowledgedSafetyChecks)
	})
}

func TestFunctionCallOutput(t *testing.T) {
	t.Run("should encode the output as a JSON string", func(t *testing.T) {
		item, err := NewFunctionCallOutput("call_3", "success")
		require.NoError(t, err)
		assert.Equal(t, ItemFunctionCallOutput, item.Type)
		assert.Equal(t, json.RawMessage(`"success"`), item.Output)
	})
}

func TestIsCall(t *testing.T) {
	assert.True(t, Item{Type: ItemComputerCall}.IsCall())
	assert.True(t, Item{Type: ItemFunctionCall}.IsCall())
	assert.False(t, Item{Type: ItemMessage}.IsCall())
	assert.False(t, Item{Type: ItemReasoning}.IsCall())
	assert.False(t, Item{Type: ItemComputerCallOutput}.IsCall())
}

func TestItemWireFormat(t *testing.T) {
	t.Run("should omit unused fields", func(t *testing.T) {
		data, err := json.Marshal(NewUserMessage("hi"))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "call_id")
		assert.NotContains(t, string(data), "pending_safety_checks")
		assert.NotContains(t, string(data), "output")
	})

	t.Run("should round-trip a computer call", func(t *testing.T) {
		wire := `{
			"id": "cc_1",
			"type": "computer_call",
			"call_id": "call_9",
			"action": {"type": "click", "x": 120, "y": 300, "button": "left"},
			"pending_safety_checks": [{"id": "sc_1", "code": "sensitive_domain", "message": "review"}]
		}`
		var item Item
		require.NoError(t, json.Unmarshal([]byte(wire), &item))
		assert.Equal(t, ItemComputerCall, item.Type)
		assert.Equal(t, "call_9", item.CallID)
		require.NotNil(t, item.Action)
		assert.Equal(t, ActionClick, item.Action.Type)
		assert.Equal(t, 120, item.Action.X)
		require.Len(t, item.PendingSafetyChecks, 1)
		assert.Equal(t, "sensitive_domain", item.PendingSafetyChecks[0].Code)
	})
}

func TestActionInstruction(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		want   string
	}{
		{"click defaults to left button", Action{Type: ActionClick, X: 10, Y: 20}, "Click at (10, 20) with left button"},
		{"click honors the button", Action{Type: ActionClick, X: 1, Y: 2, Button: "right"}, "Click at (1, 2) with right button"},
		{"double click", Action{Type: ActionDoubleClick, X: 5, Y: 6}, "Double-click at (5, 6)"},
		{"type", Action{Type: ActionTypeText, Text: "hello"}, `Type "hello"`},
		{"keypress joins keys", Action{Type: ActionKeypress, Keys: []string{"CTRL", "A"}}, "Press CTRL+A"},
		{"scroll", Action{Type: ActionScroll, X: 1, Y: 2, ScrollX: 0, ScrollY: 400}, "Scroll by (0, 400) at (1, 2)"},
		{"drag", Action{Type: ActionDrag, Path: []Point{{1, 1}, {2, 2}}}, "Drag through 2 points"},
		{"wait", Action{Type: ActionWait}, "Wait for the page to settle"},
		{"unknown falls through", Action{Type: ActionType("zoom")}, "Perform zoom"},
	}
	for _, tt := range tests {
		t.Run("should describe "+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.action.Instruction())
		})
	}

	t.Run("should truncate long typed text", func(t *testing.T) {
		long := make([]byte, 200)
		for i := range long {
			long[i] = 'a'
		}
		got := (&Action{Type: ActionTypeText, Text: string(long)}).Instruction()
		assert.Less(t, len(got), 110)
		assert.Contains(t, got, "…")
	})

	t.Run("should cut long typed text on a rune boundary", func(t *testing.T) {
		got := (&Action{Type: ActionTypeText, Text: strings.Repeat("日本語の入力", 30)}).Instruction()
		assert.True(t, utf8.ValidString(got))
		assert.NotContains(t, got, "�")
		assert.Contains(t, got, "…")
	})

	t.Run("should keep short multi-byte text whole", func(t *testing.T) {
		got := (&Action{Type: ActionTypeText, Text: "héllo wörld"}).Instruction()
		assert.Equal(t, `Type "héllo wörld"`, got)
	})
}
