package alerts_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/memgrid/memsched/internal/alerts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []*alerts.Alert
	err    error
}

func (s *recordingSink) Publish(ctx context.Context, alert *alerts.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert)
	return s.err
}

func TestFanOutEmitterDeliversToAllSinks(t *testing.T) {
	t.Parallel()

	emitter := alerts.NewFanOutEmitter(slog.New(slog.NewTextHandler(io.Discard, nil)))
	first := &recordingSink{}
	second := &recordingSink{}
	emitter.RegisterSink(first)
	emitter.RegisterSink(second)

	alert := alerts.New(alerts.KindDeadLetter, uuid.New(), "retries exhausted")
	emitter.Emit(context.Background(), alert)

	require.Len(t, first.alerts, 1)
	require.Len(t, second.alerts, 1)
	assert.Equal(t, alert.ID, first.alerts[0].ID)
}

func TestFanOutEmitterToleratesFailingSink(t *testing.T) {
	t.Parallel()

	emitter := alerts.NewFanOutEmitter(slog.New(slog.NewTextHandler(io.Discard, nil)))
	failing := &recordingSink{err: errors.New("sink down")}
	healthy := &recordingSink{}
	emitter.RegisterSink(failing)
	emitter.RegisterSink(healthy)

	emitter.Emit(context.Background(), alerts.New(alerts.KindStuckTask, uuid.New(), "stuck"))

	assert.Len(t, healthy.alerts, 1, "a failing sink must not block the others")
}

func TestFanOutEmitterNoSinks(t *testing.T) {
	t.Parallel()

	emitter := alerts.NewFanOutEmitter(slog.New(slog.NewTextHandler(io.Discard, nil)))

	// No panic, alert is just logged away.
	emitter.Emit(context.Background(), alerts.New(alerts.KindBackendDegraded, uuid.Nil, "probe failed"))
}
