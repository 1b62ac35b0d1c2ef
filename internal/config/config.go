// Package config defines the application configuration and its loading
// from environment variables and optional config files.
package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"      validate:"required"`
	Queue     QueueConfig     `mapstructure:"queue"     validate:"required"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" validate:"required"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Graph     GraphConfig     `mapstructure:"graph"`
}

// ServerConfig contains all HTTP server related settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains the task state store settings. When URL is
// empty the scheduler falls back to the in-memory state store.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// AuthConfig contains authentication settings for the API surface.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32"`
}

// QueueConfig selects and configures the queue backend. Exactly one
// backend is constructed at startup from the Backend field.
type QueueConfig struct {
	// Backend is the queue variant: memory, redis or amqp.
	Backend string `mapstructure:"backend" validate:"required,oneof=memory redis amqp"`

	// RedisURL configures the stream-based backend.
	RedisURL string `mapstructure:"redis_url" validate:"required_if=Backend redis"`

	// AMQPURL configures the broker-based backend.
	AMQPURL string `mapstructure:"amqp_url" validate:"required_if=Backend amqp"`

	// Name is the stream key or queue name holding ready messages.
	Name string `mapstructure:"name" validate:"required"`

	// VisibilityTimeout is how long a dequeued message may stay un-acked
	// before redelivery.
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" validate:"required"`
}

// SchedulerConfig contains worker pool and retry settings.
type SchedulerConfig struct {
	// WorkerCount is the fixed size of the worker pool.
	WorkerCount int `mapstructure:"worker_count" validate:"required,gt=0"`

	// DequeueBatchSize bounds how many messages the intake loop pulls per
	// dequeue.
	DequeueBatchSize int `mapstructure:"dequeue_batch_size" validate:"required,gt=0"`

	// DequeueWait is how long a dequeue blocks when the queue is empty.
	DequeueWait time.Duration `mapstructure:"dequeue_wait" validate:"required"`

	// MaxRetries is the delivery ceiling before a task dead-letters.
	MaxRetries int `mapstructure:"max_retries" validate:"required,gt=0"`

	// RetryBackoffBase is the first redelivery delay; it doubles per
	// attempt up to RetryBackoffCap.
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base" validate:"required"`
	RetryBackoffCap  time.Duration `mapstructure:"retry_backoff_cap"  validate:"required"`

	// DefaultTaskTimeout is the per-label execution budget for labels
	// registered without an override.
	DefaultTaskTimeout time.Duration `mapstructure:"default_task_timeout" validate:"required"`

	// StuckTaskAge is how long a task may stay Running before the monitor
	// force-fails it and releases it for redelivery.
	StuckTaskAge time.Duration `mapstructure:"stuck_task_age" validate:"required"`

	// MonitorInterval is the cadence of the monitor sweep.
	MonitorInterval time.Duration `mapstructure:"monitor_interval" validate:"required"`

	// AuditRetention is how long terminal task records are kept before
	// the janitor purges them.
	AuditRetention time.Duration `mapstructure:"audit_retention" validate:"required"`

	// DisabledLabels lists task labels whose submissions are acknowledged
	// and dropped at intake.
	DisabledLabels []string `mapstructure:"disabled_labels"`
}

// LLMConfig contains Gemini integration settings. When the API key is
// empty no LLM collaborator is constructed.
type LLMConfig struct {
	GeminiAPIKey      string  `mapstructure:"gemini_api_key"`
	ModelName         string  `mapstructure:"model_name"`
	EmbeddingModel    string  `mapstructure:"embedding_model"`
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" validate:"omitempty,gt=0"`
}

// VectorConfig contains pgvector settings for the vector store adapter.
type VectorConfig struct {
	// Table is the pgvector-backed table name. Empty disables the adapter.
	Table string `mapstructure:"table"`

	// Dimensions must match the embedding model output size.
	Dimensions int `mapstructure:"dimensions" validate:"omitempty,gt=0"`
}

// GraphConfig contains Neo4j settings for the graph store adapter. An
// empty URI disables the adapter.
type GraphConfig struct {
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}
