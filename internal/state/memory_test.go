package state_test

import (
	"context"
	"testing"
	"time"

	"github.com/memgrid/memsched/internal/domain"
	"github.com/memgrid/memsched/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreCreateAndGet(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore()
	ctx := context.Background()

	msg, err := domain.NewScheduleMessage(domain.LabelQuery, "user-1", "cube-1", nil)
	require.NoError(t, err)

	id, deduped, err := s.Create(ctx, msg)
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.Equal(t, msg.TaskID, id)

	status, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateQueued, status.State)
	assert.Equal(t, domain.LabelQuery, status.Label)
	assert.Equal(t, 0, status.AttemptCount)
}

func TestMemoryStoreGetUnknownTask(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore()
	msg, err := domain.NewScheduleMessage(domain.LabelQuery, "user-1", "", nil)
	require.NoError(t, err)

	_, getErr := s.Get(context.Background(), msg.TaskID)
	assert.ErrorIs(t, getErr, domain.ErrNotFound)
}

func TestMemoryStoreDedup(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore()
	ctx := context.Background()

	first, err := domain.NewScheduleMessage(domain.LabelAdd, "user-1", "cube-1", nil)
	require.NoError(t, err)
	first.DedupKey = "k1"

	second, err := domain.NewScheduleMessage(domain.LabelAdd, "user-1", "cube-1", nil)
	require.NoError(t, err)
	second.DedupKey = "k1"

	firstID, deduped, err := s.Create(ctx, first)
	require.NoError(t, err)
	require.False(t, deduped)

	// Second submission with the same key resolves to the first task.
	secondID, deduped, err := s.Create(ctx, second)
	require.NoError(t, err)
	assert.True(t, deduped)
	assert.Equal(t, firstID, secondID)

	// Once the holder reaches a terminal state, the key frees up.
	require.NoError(t, s.MarkRunning(ctx, firstID, "worker-0", 1))
	require.NoError(t, s.MarkSucceeded(ctx, firstID))

	third, err := domain.NewScheduleMessage(domain.LabelAdd, "user-1", "cube-1", nil)
	require.NoError(t, err)
	third.DedupKey = "k1"

	thirdID, deduped, err := s.Create(ctx, third)
	require.NoError(t, err)
	assert.False(t, deduped)
	assert.NotEqual(t, firstID, thirdID)
}

func TestMemoryStoreCASTransitions(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore()
	ctx := context.Background()

	msg, err := domain.NewScheduleMessage(domain.LabelMemRead, "user-1", "cube-1", nil)
	require.NoError(t, err)
	id, _, err := s.Create(ctx, msg)
	require.NoError(t, err)

	// Cannot succeed a task that is not running.
	assert.ErrorIs(t, s.MarkSucceeded(ctx, id), domain.ErrStaleTransition)

	require.NoError(t, s.MarkRunning(ctx, id, "worker-3", 1))

	status, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateRunning, status.State)
	assert.Equal(t, "worker-3", status.WorkerID)
	assert.Equal(t, 1, status.AttemptCount)

	// A second MarkRunning for the same delivery is stale.
	assert.ErrorIs(t, s.MarkRunning(ctx, id, "worker-4", 1), domain.ErrStaleTransition)

	require.NoError(t, s.MarkFailed(ctx, id, "boom"))
	require.NoError(t, s.MarkQueued(ctx, id, "retry scheduled"))
	require.NoError(t, s.MarkRunning(ctx, id, "worker-3", 2))
	require.NoError(t, s.MarkSucceeded(ctx, id))

	// A stale redelivery cannot drag a terminal task back.
	assert.ErrorIs(t, s.MarkRunning(ctx, id, "worker-5", 3), domain.ErrStaleTransition)
	assert.ErrorIs(t, s.MarkDeadLettered(ctx, id, "late"), domain.ErrStaleTransition)
}

func TestMemoryStoreDeadLetterFromQueued(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore()
	ctx := context.Background()

	msg, err := domain.NewScheduleMessage(domain.LabelAdd, "user-1", "cube-1", nil)
	require.NoError(t, err)
	id, _, err := s.Create(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, s.MarkDeadLettered(ctx, id, "unknown task label"))

	status, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStateDeadLettered, status.State)
	assert.Equal(t, "unknown task label", status.LastError)
}

func TestMemoryStoreReconcileStartup(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg, err := domain.NewScheduleMessage(domain.LabelAnswer, "user-1", "", nil)
		require.NoError(t, err)
		id, _, err := s.Create(ctx, msg)
		require.NoError(t, err)
		if i < 2 {
			require.NoError(t, s.MarkRunning(ctx, id, "worker-0", 1))
		}
	}

	reset, err := s.ReconcileStartup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reset)

	counts, err := s.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[domain.TaskStateQueued])
	assert.Zero(t, counts[domain.TaskStateRunning])
}

func TestMemoryStoreFindStale(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore()
	ctx := context.Background()

	msg, err := domain.NewScheduleMessage(domain.LabelMemReorganize, "user-1", "cube-1", nil)
	require.NoError(t, err)
	id, _, err := s.Create(ctx, msg)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, id, "worker-0", 1))

	stale, err := s.FindStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale, "a fresh task is not stale")

	stale, err = s.FindStale(ctx, -time.Second)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, id, stale[0].TaskID)
}

func TestMemoryStorePurgeTerminalBefore(t *testing.T) {
	t.Parallel()

	s := state.NewMemoryStore()
	ctx := context.Background()

	done, err := domain.NewScheduleMessage(domain.LabelAdd, "user-1", "", nil)
	require.NoError(t, err)
	doneID, _, err := s.Create(ctx, done)
	require.NoError(t, err)
	require.NoError(t, s.MarkRunning(ctx, doneID, "worker-0", 1))
	require.NoError(t, s.MarkSucceeded(ctx, doneID))

	pending, err := domain.NewScheduleMessage(domain.LabelAdd, "user-1", "", nil)
	require.NoError(t, err)
	pendingID, _, err := s.Create(ctx, pending)
	require.NoError(t, err)

	purged, err := s.PurgeTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = s.Get(ctx, doneID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Non-terminal rows survive the purge.
	_, err = s.Get(ctx, pendingID)
	assert.NoError(t, err)
}
