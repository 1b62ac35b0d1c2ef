// Package queue defines the backend adapter contract the scheduler pulls
// work through, plus the interchangeable backend implementations: an
// in-process queue, a Redis Streams queue, and a RabbitMQ queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/memgrid/memsched/internal/domain"
)

// Delivery is a dequeued message plus the backend-specific receipt needed
// to ack or nack it. Exactly one worker owns a delivery between dequeue
// and ack/nack.
type Delivery struct {
	// Message is the decoded schedule message.
	Message *domain.ScheduleMessage

	// Receipt is the backend-specific delivery handle. Each backend
	// asserts its own receipt type on Ack and Nack.
	Receipt any
}

// Backend is the uniform contract over a durable message queue. All
// implementations guarantee at-least-once delivery: a dequeued message
// that is never acked reappears after the visibility timeout.
//
// Implementations must be safe for concurrent use; the backend connection
// is shared by the intake loop and the submission path.
// Version: 1.0
type Backend interface {
	// Enqueue makes the message durable and available for dequeue. A
	// non-zero delay defers visibility.
	Enqueue(ctx context.Context, msg *domain.ScheduleMessage, delay time.Duration) error

	// Dequeue returns up to batchSize deliveries, blocking up to wait
	// when the queue is empty. An empty slice with a nil error means the
	// wait elapsed without work.
	Dequeue(ctx context.Context, batchSize int, wait time.Duration) ([]Delivery, error)

	// Ack marks the delivery as done; it will not be redelivered.
	Ack(ctx context.Context, d Delivery) error

	// Nack returns the delivery to the queue for redelivery after
	// requeueDelay. The message's current AttemptCount is preserved.
	Nack(ctx context.Context, d Delivery, requeueDelay time.Duration) error

	// Depth reports the number of messages waiting to be dequeued.
	Depth(ctx context.Context) (int64, error)

	// Ping probes backend availability, for health reporting.
	Ping(ctx context.Context) error

	// Close releases backend resources. No other method may be called
	// afterwards.
	Close() error
}

// encodeMessage serializes a message into the wire envelope shared by the
// remote backends.
func encodeMessage(msg *domain.ScheduleMessage) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schedule message: %w", err)
	}
	return b, nil
}

// requeueThenAck is the nack sequence shared by the remote backends:
// publish the requeued copy first, then acknowledge the original. The
// order matters for at-least-once delivery. If the publish fails the
// original stays pending and the backend's own redelivery mechanism
// recovers it; if the ack fails after a successful publish the worst
// case is a duplicate delivery, never a lost message.
func requeueThenAck(
	ctx context.Context,
	d Delivery,
	requeueDelay time.Duration,
	enqueue func(context.Context, *domain.ScheduleMessage, time.Duration) error,
	ack func(context.Context, Delivery) error,
) error {
	if err := enqueue(ctx, d.Message, requeueDelay); err != nil {
		return err
	}
	return ack(ctx, d)
}

// decodeMessage deserializes a wire envelope back into a message.
func decodeMessage(data []byte) (*domain.ScheduleMessage, error) {
	var msg domain.ScheduleMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode schedule message: %w", err)
	}
	return &msg, nil
}
