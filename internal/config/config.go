package config

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database" validate:"required"`
	Auth       AuthConfig       `mapstructure:"auth" validate:"required"`
	Provider   ProviderConfig   `mapstructure:"provider" validate:"required"`
	Translator TranslatorConfig `mapstructure:"translator" validate:"required"`
	Task       TaskConfig       `mapstructure:"task" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"required,url"`
}

// AuthConfig contains all authentication and authorization settings.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret" validate:"required,min=32"`
	TokenLifetimeMinutes int    `mapstructure:"token_lifetime_minutes" validate:"required,gt=0"`
}

// ProviderConfig contains the settings for the external generation API.
type ProviderConfig struct {
	APIKey string `mapstructure:"api_key" validate:"required"`
	// BaseURL is the provider API root.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	// Model is the generation model version requested on submit.
	Model string `mapstructure:"model" validate:"required"`
	// CallbackURL is the publicly reachable webhook endpoint handed to
	// the provider on every submission. Without it only polling observes
	// completions.
	CallbackURL string `mapstructure:"callback_url" validate:"omitempty,url"`
	// CallbackSecret keys webhook signature verification. Empty disables
	// verification.
	CallbackSecret string `mapstructure:"callback_secret"`
}

// TranslatorConfig contains the prompt-translation settings.
type TranslatorConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`
	ModelName    string `mapstructure:"model_name" validate:"required"`
	// PromptTemplatePath points at a text/template file used to frame the
	// user prompt. Empty selects the built-in template.
	PromptTemplatePath string `mapstructure:"prompt_template_path"`
	MaxRetries         int    `mapstructure:"max_retries" validate:"gte=0"`
	RetryDelaySeconds  int    `mapstructure:"retry_delay_seconds" validate:"gte=0"`
}

// TaskConfig contains the orchestration tuning knobs.
type TaskConfig struct {
	MaxSubmitAttempts    int `mapstructure:"max_submit_attempts" validate:"required,gt=0"`
	SubmitTimeoutSeconds int `mapstructure:"submit_timeout_seconds" validate:"required,gt=0"`
	SyncBudgetSeconds    int `mapstructure:"sync_budget_seconds" validate:"required,gt=0"`
	// MaxLifetimeMinutes is the deadline from task creation to a terminal
	// state.
	MaxLifetimeMinutes      int `mapstructure:"max_lifetime_minutes" validate:"required,gt=0"`
	PollScanIntervalSeconds int `mapstructure:"poll_scan_interval_seconds" validate:"required,gt=0"`
	PollBatchSize           int `mapstructure:"poll_batch_size" validate:"required,gt=0"`
	PollWorkerCount         int `mapstructure:"poll_worker_count" validate:"required,gt=0"`
	PollInitialDelaySeconds int `mapstructure:"poll_initial_delay_seconds" validate:"required,gt=0"`
	PollMaxDelaySeconds     int `mapstructure:"poll_max_delay_seconds" validate:"required,gt=0"`
	// PollRequestTimeoutSeconds bounds each outbound status fetch,
	// independently of the submission timeout.
	PollRequestTimeoutSeconds int `mapstructure:"poll_request_timeout_seconds" validate:"required,gt=0"`
	SweepIntervalSeconds    int `mapstructure:"sweep_interval_seconds" validate:"required,gt=0"`
}
