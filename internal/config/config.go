package config

// Config is the full service configuration
type Config struct {
	// Server holds gateway settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Model holds model client settings
	Model ModelConfig `json:"model" mapstructure:"model"`

	// Browser holds browser provisioning settings
	Browser BrowserConfig `json:"browser" mapstructure:"browser"`

	// Billing holds credit metering settings
	Billing BillingConfig `json:"billing" mapstructure:"billing"`

	// Limits bound a single session
	Limits LimitsConfig `json:"limits" mapstructure:"limits"`

	// Schedule holds the daily task sweep settings
	Schedule ScheduleConfig `json:"schedule" mapstructure:"schedule"`

	// Storage holds database settings
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Vault holds credential store settings
	Vault VaultConfig `json:"vault" mapstructure:"vault"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP gateway configuration
type ServerConfig struct {
	Port             int    `json:"port" mapstructure:"port"`
	APIKey           string `json:"api_key" mapstructure:"api_key"`
	DeploysPerMinute int    `json:"deploys_per_minute" mapstructure:"deploys_per_minute"`
}

// ModelConfig holds model client configuration
type ModelConfig struct {
	Name        string `json:"name" mapstructure:"name"`
	APIKey      string `json:"api_key" mapstructure:"api_key"`
	BaseURL     string `json:"base_url" mapstructure:"base_url"`
	MaxAttempts int    `json:"max_attempts" mapstructure:"max_attempts"`
}

// BrowserConfig holds browser provisioning configuration
type BrowserConfig struct {
	ProviderURL    string `json:"provider_url" mapstructure:"provider_url"`
	ProviderAPIKey string `json:"provider_api_key" mapstructure:"provider_api_key"`
	ViewportWidth  int    `json:"viewport_width" mapstructure:"viewport_width"`
	ViewportHeight int    `json:"viewport_height" mapstructure:"viewport_height"`
}

// BillingConfig holds credit metering configuration
type BillingConfig struct {
	CreditsPerMinute int `json:"credits_per_minute" mapstructure:"credits_per_minute"`
}

// LimitsConfig bounds a single session run
type LimitsConfig struct {
	MaxSteps              int `json:"max_steps" mapstructure:"max_steps"`
	SessionTimeoutMinutes int `json:"session_timeout_minutes" mapstructure:"session_timeout_minutes"`
}

// ScheduleConfig holds the daily task sweep configuration
type ScheduleConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Cron    string `json:"cron" mapstructure:"cron"`
}

// StorageConfig holds database configuration
type StorageConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// VaultConfig holds credential store configuration
type VaultConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns the configuration defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:             8420,
			DeploysPerMinute: 10,
		},
		Model: ModelConfig{
			Name:        "computer-use-preview",
			MaxAttempts: 5,
		},
		Browser: BrowserConfig{
			ViewportWidth:  1280,
			ViewportHeight: 800,
		},
		Billing: BillingConfig{
			CreditsPerMinute: 1,
		},
		Limits: LimitsConfig{
			MaxSteps:              100,
			SessionTimeoutMinutes: 30,
		},
		Schedule: ScheduleConfig{
			Enabled: true,
			Cron:    "0 6 * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}
