package config_test

import (
	"testing"
	"time"

	"github.com/memgrid/memsched/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validSecret is long enough to satisfy the min=32 constraint.
const validSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MEMSCHED_AUTH_JWT_SECRET", validSecret)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Equal(t, 4, cfg.Scheduler.WorkerCount)
	assert.Equal(t, 3, cfg.Scheduler.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.DefaultTaskTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MEMSCHED_AUTH_JWT_SECRET", validSecret)
	t.Setenv("MEMSCHED_SERVER_PORT", "9090")
	t.Setenv("MEMSCHED_SERVER_LOG_LEVEL", "debug")
	t.Setenv("MEMSCHED_SCHEDULER_WORKER_COUNT", "16")
	t.Setenv("MEMSCHED_SCHEDULER_MAX_RETRIES", "5")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, 16, cfg.Scheduler.WorkerCount)
	assert.Equal(t, 5, cfg.Scheduler.MaxRetries)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing jwt secret",
			env:  map[string]string{},
		},
		{
			name: "jwt secret too short",
			env:  map[string]string{"MEMSCHED_AUTH_JWT_SECRET": "short"},
		},
		{
			name: "invalid log level",
			env: map[string]string{
				"MEMSCHED_AUTH_JWT_SECRET": validSecret,
				"MEMSCHED_SERVER_LOG_LEVEL": "verbose",
			},
		},
		{
			name: "unknown queue backend",
			env: map[string]string{
				"MEMSCHED_AUTH_JWT_SECRET": validSecret,
				"MEMSCHED_QUEUE_BACKEND":   "kafka",
			},
		},
		{
			name: "redis backend without URL",
			env: map[string]string{
				"MEMSCHED_AUTH_JWT_SECRET": validSecret,
				"MEMSCHED_QUEUE_BACKEND":   "redis",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, val := range tt.env {
				t.Setenv(k, val)
			}

			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
