package queue_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/memgrid/memsched/internal/domain"
	"github.com/memgrid/memsched/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMessage(t *testing.T, cubeID string) *domain.ScheduleMessage {
	t.Helper()
	msg, err := domain.NewScheduleMessage(
		domain.LabelMemUpdate,
		"user-1",
		cubeID,
		domain.MemUpdatePayload{RecentQueries: []string{"q"}},
	)
	require.NoError(t, err)
	return msg
}

func newTestBackend(t *testing.T, cfg queue.MemoryBackendConfig) *queue.MemoryBackend {
	t.Helper()
	b := queue.NewMemoryBackend(cfg, testLogger())
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestMemoryBackendEnqueueDequeue(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, queue.MemoryBackendConfig{})
	ctx := context.Background()

	msg := newTestMessage(t, "cube-1")
	require.NoError(t, b.Enqueue(ctx, msg, 0))

	deliveries, err := b.Dequeue(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, msg.TaskID, deliveries[0].Message.TaskID)

	// In-flight messages do not count toward depth.
	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	require.NoError(t, b.Ack(ctx, deliveries[0]))
}

func TestMemoryBackendDequeueTimesOutEmpty(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, queue.MemoryBackendConfig{})

	start := time.Now()
	deliveries, err := b.Dequeue(context.Background(), 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryBackendPriorityOrdering(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, queue.MemoryBackendConfig{})
	ctx := context.Background()

	low := newTestMessage(t, "cube-1")
	high := newTestMessage(t, "cube-2")
	high.Priority = 5

	require.NoError(t, b.Enqueue(ctx, low, 0))
	require.NoError(t, b.Enqueue(ctx, high, 0))

	deliveries, err := b.Dequeue(ctx, 2, time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.Equal(t, high.TaskID, deliveries[0].Message.TaskID)
	assert.Equal(t, low.TaskID, deliveries[1].Message.TaskID)
}

func TestMemoryBackendNackRedeliversAfterDelay(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, queue.MemoryBackendConfig{SweepInterval: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, newTestMessage(t, "cube-1"), 0))

	deliveries, err := b.Dequeue(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, b.Nack(ctx, deliveries[0], 30*time.Millisecond))

	// Not visible before the delay elapses.
	early, err := b.Dequeue(ctx, 1, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, early)

	redelivered, err := b.Dequeue(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, deliveries[0].Message.TaskID, redelivered[0].Message.TaskID)
}

func TestMemoryBackendVisibilityTimeoutRedelivers(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, queue.MemoryBackendConfig{
		VisibilityTimeout: 20 * time.Millisecond,
		SweepInterval:     10 * time.Millisecond,
	})
	ctx := context.Background()

	msg := newTestMessage(t, "cube-1")
	require.NoError(t, b.Enqueue(ctx, msg, 0))

	deliveries, err := b.Dequeue(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	// Never ack; the sweeper must hand the message back out.
	redelivered, err := b.Dequeue(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
	assert.Equal(t, msg.TaskID, redelivered[0].Message.TaskID)
}

func TestMemoryBackendDelayedEnqueue(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, queue.MemoryBackendConfig{SweepInterval: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, newTestMessage(t, "cube-1"), 25*time.Millisecond))

	depth, err := b.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "delayed messages count toward depth")

	deliveries, err := b.Dequeue(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
}

func TestMemoryBackendClosedOperations(t *testing.T) {
	t.Parallel()

	b := queue.NewMemoryBackend(queue.MemoryBackendConfig{}, testLogger())
	require.NoError(t, b.Close())

	err := b.Enqueue(context.Background(), newTestMessage(t, "cube-1"), 0)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	assert.ErrorIs(t, b.Ping(context.Background()), domain.ErrBackendUnavailable)

	_, err = b.Dequeue(context.Background(), 1, 10*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)

	// Close is idempotent.
	require.NoError(t, b.Close())
}
