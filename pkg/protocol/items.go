package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ItemType discriminates conversation items on the wire
type ItemType string

const (
	ItemMessage            ItemType = "message"
	ItemComputerCall       ItemType = "computer_call"
	ItemComputerCallOutput ItemType = "computer_call_output"
	ItemFunctionCall       ItemType = "function_call"
	ItemFunctionCallOutput ItemType = "function_call_output"
	ItemReasoning          ItemType = "reasoning"
)

// ContentPart is a single block of message content
type ContentPart struct {
	Type string `json:"type"` // "output_text" or "input_text"
	Text string `json:"text"`
}

// SafetyCheck is a pending acknowledgement gate attached to a computer call.
// The action must not execute until every check is explicitly accepted.
type SafetyCheck struct {
	ID      string `json:"id,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Item is one entry in the conversation log. The Type field selects which of
// the optional fields carry data; unused fields stay empty and are omitted
// from the wire form.
type Item struct {
	ID      string        `json:"id,omitempty"`
	Type    ItemType      `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`

	// computer_call / function_call
	CallID              string        `json:"call_id,omitempty"`
	Action              *Action       `json:"action,omitempty"`
	PendingSafetyChecks []SafetyCheck `json:"pending_safety_checks,omitempty"`
	Name                string        `json:"name,omitempty"`
	Arguments           string        `json:"arguments,omitempty"`

	// computer_call_output / function_call_output
	AcknowledgedSafetyChecks []SafetyCheck   `json:"acknowledged_safety_checks,omitempty"`
	Output                   json.RawMessage `json:"output,omitempty"`
}

// ImageOutput is the observed result attached to a computer call output
type ImageOutput struct {
	Type     string `json:"type"` // always "input_image"
	ImageURL string `json:"image_url"`
}

// NewUserMessage builds an input message item with the given text
func NewUserMessage(text string) Item {
	return Item{
		Type: ItemMessage,
		Role: "user",
		Content: []ContentPart{
			{Type: "input_text", Text: text},
		},
	}
}

// NewDeveloperMessage builds a developer-role instruction item
func NewDeveloperMessage(text string) Item {
	return Item{
		Type: ItemMessage,
		Role: "developer",
		Content: []ContentPart{
			{Type: "input_text", Text: text},
		},
	}
}

// NewAssistantMessage builds an assistant message item. Used to synthesize
// recoverable conversation entries for failed actions.
func NewAssistantMessage(text string) Item {
	return Item{
		Type: ItemMessage,
		Role: "assistant",
		Content: []ContentPart{
			{Type: "output_text", Text: text},
		},
	}
}

// NewComputerCallOutput resolves a computer call with a screenshot of the
// resulting page state, carrying forward the acknowledged safety checks.
func NewComputerCallOutput(callID string, acknowledged []SafetyCheck, pngBase64 string) (Item, error) {
	output, err := json.Marshal(ImageOutput{
		Type:     "input_image",
		ImageURL: "data:image/png;base64," + pngBase64,
	})
	if err != nil {
		return Item{}, fmt.Errorf("failed to encode screenshot output: %w", err)
	}
	return Item{
		Type:                     ItemComputerCallOutput,
		CallID:                   callID,
		AcknowledgedSafetyChecks: acknowledged,
		Output:                   output,
	}, nil
}

// NewFunctionCallOutput resolves a function call with a plain string output
func NewFunctionCallOutput(callID, output string) (Item, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return Item{}, fmt.Errorf("failed to encode function output: %w", err)
	}
	return Item{
		Type:   ItemFunctionCallOutput,
		CallID: callID,
		Output: raw,
	}, nil
}

// IsCall reports whether the item demands an action result before the next
// model request can be built
func (i Item) IsCall() bool {
	return i.Type == ItemComputerCall || i.Type == ItemFunctionCall
}

// Text returns the concatenated text content of a message item
func (i Item) Text() string {
	if i.Type != ItemMessage {
		return ""
	}
	var b strings.Builder
	for _, part := range i.Content {
		b.WriteString(part.Text)
	}
	return b.String()
}
