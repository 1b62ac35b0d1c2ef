package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Load reads configuration from environment variables and an optional
// config.yaml in the working directory. Environment variables take
// precedence over file values and use the MEMSCHED_ prefix with
// underscores for nesting (e.g. MEMSCHED_SERVER_PORT, nesting separator
// for viper keys like server.port).
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MEMSCHED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults installs the defaults a single-process deployment can run
// with: in-memory queue backend and in-memory state store.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	// Empty-string defaults register the keys with viper so values
	// supplied only through the environment survive Unmarshal.
	v.SetDefault("database.url", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("queue.redis_url", "")
	v.SetDefault("queue.amqp_url", "")
	v.SetDefault("llm.gemini_api_key", "")
	v.SetDefault("vector.table", "")
	v.SetDefault("graph.uri", "")
	v.SetDefault("graph.username", "")
	v.SetDefault("graph.password", "")
	v.SetDefault("scheduler.disabled_labels", []string{})

	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.name", "memsched:tasks")
	v.SetDefault("queue.visibility_timeout", 30*time.Second)

	v.SetDefault("scheduler.worker_count", 4)
	v.SetDefault("scheduler.dequeue_batch_size", 8)
	v.SetDefault("scheduler.dequeue_wait", 2*time.Second)
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.retry_backoff_base", time.Second)
	v.SetDefault("scheduler.retry_backoff_cap", time.Minute)
	v.SetDefault("scheduler.default_task_timeout", 2*time.Minute)
	v.SetDefault("scheduler.stuck_task_age", 30*time.Minute)
	v.SetDefault("scheduler.monitor_interval", 15*time.Second)
	v.SetDefault("scheduler.audit_retention", 7*24*time.Hour)

	v.SetDefault("llm.model_name", "gemini-2.0-flash")
	v.SetDefault("llm.embedding_model", "text-embedding-004")
	v.SetDefault("llm.requests_per_minute", 60)

	v.SetDefault("vector.dimensions", 768)
}
