package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Optional config file alongside the binary; missing is fine.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// MUSE_SERVER_PORT overrides server.port, and so on.
	v.SetEnvPrefix("MUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv picks up env-only
// values during Unmarshal. Required settings default to empty and fail
// validation when absent.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_lifetime_minutes", 60)

	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.base_url", "https://api.sunoapi.org")
	v.SetDefault("provider.model", "V4_5")
	v.SetDefault("provider.callback_url", "")
	v.SetDefault("provider.callback_secret", "")

	v.SetDefault("translator.gemini_api_key", "")
	v.SetDefault("translator.model_name", "gemini-2.0-flash")
	v.SetDefault("translator.prompt_template_path", "")
	v.SetDefault("translator.max_retries", 3)
	v.SetDefault("translator.retry_delay_seconds", 2)

	v.SetDefault("task.max_submit_attempts", 3)
	v.SetDefault("task.submit_timeout_seconds", 30)
	v.SetDefault("task.sync_budget_seconds", 30)
	v.SetDefault("task.max_lifetime_minutes", 10)
	v.SetDefault("task.poll_scan_interval_seconds", 1)
	v.SetDefault("task.poll_batch_size", 50)
	v.SetDefault("task.poll_worker_count", 4)
	v.SetDefault("task.poll_initial_delay_seconds", 3)
	v.SetDefault("task.poll_max_delay_seconds", 60)
	v.SetDefault("task.poll_request_timeout_seconds", 15)
	v.SetDefault("task.sweep_interval_seconds", 5)
}
