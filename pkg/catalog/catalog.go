package catalog

import (
	"fmt"
	"strings"

	"github.com/sanjeevm-dev/cua-browser/pkg/protocol"
	"github.com/xeipuuv/gojsonschema"
)

// Config holds the viewport and environment advertised to the model
type Config struct {
	DisplayWidth  int
	DisplayHeight int
	Environment   string // "browser", "mac", "windows", "ubuntu"
}

// DefaultConfig returns the catalog configuration for a standard browser
// session viewport
func DefaultConfig() Config {
	return Config{
		DisplayWidth:  1280,
		DisplayHeight: 800,
		Environment:   "browser",
	}
}

// Catalog is the static set of capabilities presented unchanged every turn:
// one computer-use descriptor plus the declared functions. Every extra
// function materially increases per-turn decision latency, so the set stays
// minimal.
type Catalog struct {
	tools      []protocol.Tool
	validators map[string]*gojsonschema.Schema
	width      int
	height     int
}

// New builds the catalog and compiles the function parameter schemas once
func New(cfg Config) (*Catalog, error) {
	if cfg.DisplayWidth <= 0 || cfg.DisplayHeight <= 0 {
		return nil, fmt.Errorf("display dimensions must be positive, got %dx%d", cfg.DisplayWidth, cfg.DisplayHeight)
	}
	if cfg.Environment == "" {
		cfg.Environment = "browser"
	}

	tools := []protocol.Tool{
		{
			Type:          "computer_use_preview",
			DisplayWidth:  cfg.DisplayWidth,
			DisplayHeight: cfg.DisplayHeight,
			Environment:   cfg.Environment,
		},
		{
			Type:        "function",
			Name:        "back",
			Description: "Go back to the previous page.",
			Parameters: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
		},
		{
			Type:        "function",
			Name:        "goto",
			Description: "Navigate to a URL.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Fully qualified URL to navigate to.",
					},
				},
				"required":             []any{"url"},
				"additionalProperties": false,
			},
		},
	}

	validators := make(map[string]*gojsonschema.Schema)
	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.Parameters))
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for function %s: %w", tool.Name, err)
		}
		validators[tool.Name] = schema
	}

	return &Catalog{
		tools:      tools,
		validators: validators,
		width:      cfg.DisplayWidth,
		height:     cfg.DisplayHeight,
	}, nil
}

// DisplayWidth returns the virtual display width in pixels
func (c *Catalog) DisplayWidth() int {
	return c.width
}

// DisplayHeight returns the virtual display height in pixels
func (c *Catalog) DisplayHeight() int {
	return c.height
}

// Tools returns the declared capability list for inclusion in a model request
func (c *Catalog) Tools() []protocol.Tool {
	return c.tools
}

// HasFunction reports whether a function with the given name is declared
func (c *Catalog) HasFunction(name string) bool {
	_, ok := c.validators[name]
	return ok
}

// ValidateArguments checks a function call's JSON argument string against the
// declared parameter schema
func (c *Catalog) ValidateArguments(name, arguments string) error {
	schema, ok := c.validators[name]
	if !ok {
		return fmt.Errorf("function not declared: %s", name)
	}
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	result, err := schema.Validate(gojsonschema.NewStringLoader(arguments))
	if err != nil {
		return fmt.Errorf("failed to parse arguments for %s: %w", name, err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return fmt.Errorf("invalid arguments for %s: %s", name, strings.Join(details, "; "))
	}
	return nil
}
