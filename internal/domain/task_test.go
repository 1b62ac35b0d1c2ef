package domain_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/memgrid/memsched/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStateTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    domain.TaskState
		to      domain.TaskState
		allowed bool
	}{
		{"queued to running", domain.TaskStateQueued, domain.TaskStateRunning, true},
		{"queued to dead-lettered", domain.TaskStateQueued, domain.TaskStateDeadLettered, true},
		{"queued to succeeded", domain.TaskStateQueued, domain.TaskStateSucceeded, false},
		{"running to succeeded", domain.TaskStateRunning, domain.TaskStateSucceeded, true},
		{"running to failed", domain.TaskStateRunning, domain.TaskStateFailed, true},
		{"running to queued (forced release)", domain.TaskStateRunning, domain.TaskStateQueued, true},
		{"failed to queued (retry)", domain.TaskStateFailed, domain.TaskStateQueued, true},
		{"failed to dead-lettered", domain.TaskStateFailed, domain.TaskStateDeadLettered, true},
		{"failed to running", domain.TaskStateFailed, domain.TaskStateRunning, false},
		{"succeeded is terminal", domain.TaskStateSucceeded, domain.TaskStateRunning, false},
		{"dead-lettered is terminal", domain.TaskStateDeadLettered, domain.TaskStateQueued, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestTaskStateTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.TaskStateSucceeded.Terminal())
	assert.True(t, domain.TaskStateDeadLettered.Terminal())
	assert.False(t, domain.TaskStateQueued.Terminal())
	assert.False(t, domain.TaskStateRunning.Terminal())
	assert.False(t, domain.TaskStateFailed.Terminal())
}

func TestNewScheduleMessage(t *testing.T) {
	t.Parallel()

	t.Run("assigns a task ID and submission time", func(t *testing.T) {
		t.Parallel()

		msg, err := domain.NewScheduleMessage(
			domain.LabelQuery,
			"user-1",
			"cube-1",
			domain.QueryPayload{Query: "where did I park"},
		)
		require.NoError(t, err)

		assert.NotEqual(t, uuid.Nil, msg.TaskID)
		assert.False(t, msg.SubmittedAt.IsZero())
		assert.Equal(t, 0, msg.AttemptCount)
		assert.NoError(t, msg.Validate())
	})

	t.Run("rejects unknown labels", func(t *testing.T) {
		t.Parallel()

		_, err := domain.NewScheduleMessage(domain.TaskLabel("bogus"), "user-1", "", nil)
		assert.ErrorIs(t, err, domain.ErrUnknownLabel)
	})

	t.Run("rejects empty user ID", func(t *testing.T) {
		t.Parallel()

		_, err := domain.NewScheduleMessage(domain.LabelAnswer, "", "", nil)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestRoutingKey(t *testing.T) {
	t.Parallel()

	msg, err := domain.NewScheduleMessage(domain.LabelAdd, "user-1", "cube-1", nil)
	require.NoError(t, err)

	assert.Equal(t, "cube-1", msg.RoutingKey(), "cube ID takes precedence")

	msg.CubeID = ""
	assert.Equal(t, "user-1", msg.RoutingKey(), "user ID is the fallback")

	msg.UserID = ""
	assert.Equal(t, msg.TaskID.String(), msg.RoutingKey(), "task ID is the last resort")
}

func TestDecodePayload(t *testing.T) {
	t.Parallel()

	msg, err := domain.NewScheduleMessage(
		domain.LabelMemFeedback,
		"user-1",
		"cube-1",
		domain.MemFeedbackPayload{
			MemoryID: "mem-42",
			Action:   domain.FeedbackActionDelete,
		},
	)
	require.NoError(t, err)

	var decoded domain.MemFeedbackPayload
	require.NoError(t, msg.DecodePayload(&decoded))
	assert.Equal(t, "mem-42", decoded.MemoryID)
	assert.Equal(t, domain.FeedbackActionDelete, decoded.Action)

	t.Run("empty payload fails validation", func(t *testing.T) {
		t.Parallel()

		empty, err := domain.NewScheduleMessage(domain.LabelMemUpdate, "user-1", "cube-1", nil)
		require.NoError(t, err)

		var p domain.MemUpdatePayload
		assert.ErrorIs(t, empty.DecodePayload(&p), domain.ErrValidation)
	})
}
