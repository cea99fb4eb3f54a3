package protocol

// Tool declares an invocable capability offered to the model each turn. The
// Type field selects which of the optional fields apply: the computer-use
// descriptor carries a viewport and environment tag, function declarations
// carry a name and a JSON-schema parameter object.
type Tool struct {
	Type string `json:"type"` // "computer_use_preview" or "function"

	// computer_use_preview
	DisplayWidth  int    `json:"display_width,omitempty"`
	DisplayHeight int    `json:"display_height,omitempty"`
	Environment   string `json:"environment,omitempty"`

	// function
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is one model turn. PreviousResponseID threads the conversation
// forward so the service retains context without the client resending the
// whole log.
type Request struct {
	Model              string `json:"model"`
	Input              []Item `json:"input"`
	Tools              []Tool `json:"tools,omitempty"`
	Truncation         string `json:"truncation,omitempty"`
	PreviousResponseID string `json:"previous_response_id,omitempty"`
}

// Response is the model's answer to a Request. ID becomes the next request's
// response cursor.
type Response struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Output []Item `json:"output"`
}
