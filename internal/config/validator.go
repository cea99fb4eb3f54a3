package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks every field the service cannot run without
func (v *Validator) Validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.APIKey == "" {
		return fmt.Errorf("server api key is required (set CUA_SERVER_API_KEY)")
	}
	if err := v.ValidateModelAPIKey(cfg.Model.APIKey); err != nil {
		return err
	}
	if cfg.Model.Name == "" {
		return fmt.Errorf("model name is required")
	}
	if cfg.Browser.ProviderURL == "" {
		return fmt.Errorf("browser provider url is required")
	}
	if cfg.Limits.MaxSteps <= 0 {
		return fmt.Errorf("max steps must be positive, got %d", cfg.Limits.MaxSteps)
	}
	if cfg.Schedule.Enabled {
		if err := v.ValidateCronSpec(cfg.Schedule.Cron); err != nil {
			return err
		}
	}
	return nil
}

// ValidateModelAPIKey validates the model API key format
func (v *Validator) ValidateModelAPIKey(key string) error {
	if key == "" {
		return fmt.Errorf("model api key is required (set CUA_MODEL_API_KEY)")
	}
	if !strings.HasPrefix(key, "sk-") {
		return fmt.Errorf("invalid model api key format (should start with sk-)")
	}
	return nil
}

// ValidateCronSpec validates a five-field cron expression
func (v *Validator) ValidateCronSpec(spec string) error {
	if spec == "" {
		return fmt.Errorf("cron spec cannot be empty when scheduling is enabled")
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}
