package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memgrid/memsched/internal/domain"
)

func TestRequeueThenAck(t *testing.T) {
	t.Parallel()

	msg, err := domain.NewScheduleMessage(domain.LabelQuery, "user-1", "cube-1", nil)
	require.NoError(t, err)
	d := Delivery{Message: msg, Receipt: "r-1"}

	t.Run("publishes before acking", func(t *testing.T) {
		t.Parallel()

		var order []string
		err := requeueThenAck(context.Background(), d, time.Second,
			func(ctx context.Context, m *domain.ScheduleMessage, delay time.Duration) error {
				order = append(order, "enqueue")
				assert.Equal(t, time.Second, delay)
				assert.Same(t, msg, m)
				return nil
			},
			func(ctx context.Context, got Delivery) error {
				order = append(order, "ack")
				assert.Equal(t, d.Receipt, got.Receipt)
				return nil
			})
		require.NoError(t, err)
		assert.Equal(t, []string{"enqueue", "ack"}, order)
	})

	t.Run("failed publish leaves the original unacked", func(t *testing.T) {
		t.Parallel()

		acked := false
		err := requeueThenAck(context.Background(), d, 0,
			func(ctx context.Context, m *domain.ScheduleMessage, delay time.Duration) error {
				return errors.New("broker unreachable")
			},
			func(ctx context.Context, got Delivery) error {
				acked = true
				return nil
			})
		require.Error(t, err)
		assert.False(t, acked, "a failed requeue must keep the pending entry so redelivery can recover it")
	})
}
