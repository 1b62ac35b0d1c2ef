package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/memgrid/memsched/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
)

// AMQPBackendConfig holds configuration for the broker-based backend.
type AMQPBackendConfig struct {
	// URL is an amqp:// connection URL.
	URL string

	// Queue is the durable queue name holding ready messages.
	Queue string

	// Prefetch bounds unacked deliveries per consumer. If zero, defaults
	// to 32.
	Prefetch int

	// MaxConnectRetries bounds the exponential backoff applied to
	// transient publish failures. If zero, defaults to 5.
	MaxConnectRetries uint64
}

// AMQPBackend implements Backend over RabbitMQ: a durable main queue for
// ready messages and a retry queue whose per-message TTL dead-letters back
// into the main queue, which is how nack-with-delay is expressed in AMQP.
// Redelivery of unacked messages follows broker semantics: they return to
// the queue when the owning channel closes.
type AMQPBackend struct {
	conn       *amqp.Connection
	pubMu      sync.Mutex
	pubCh      *amqp.Channel
	consCh     *amqp.Channel
	deliveries <-chan amqp.Delivery
	queue      string
	retryQueue string
	maxRetries uint64
	logger     *slog.Logger
}

// NewAMQPBackend connects to the broker and declares the main and retry
// queues.
func NewAMQPBackend(cfg AMQPBackendConfig, logger *slog.Logger) (*AMQPBackend, error) {
	if cfg.Queue == "" {
		return nil, fmt.Errorf("%w: amqp queue name must be set", domain.ErrConfiguration)
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 32
	}
	if cfg.MaxConnectRetries == 0 {
		cfg.MaxConnectRetries = 5
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	consCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	retryQueue := cfg.Queue + ".retry"

	if _, err := pubCh.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to declare queue: %v", domain.ErrBackendUnavailable, err)
	}

	// Messages expiring in the retry queue dead-letter back into the
	// main queue, implementing delayed requeue.
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.Queue,
	}
	if _, err := pubCh.QueueDeclare(retryQueue, true, false, false, false, retryArgs); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to declare retry queue: %v", domain.ErrBackendUnavailable, err)
	}

	if err := consCh.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	deliveries, err := consCh.Consume(cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: failed to start consumer: %v", domain.ErrBackendUnavailable, err)
	}

	return &AMQPBackend{
		conn:       conn,
		pubCh:      pubCh,
		consCh:     consCh,
		deliveries: deliveries,
		queue:      cfg.Queue,
		retryQueue: retryQueue,
		maxRetries: cfg.MaxConnectRetries,
		logger:     logger.With("component", "amqp_queue"),
	}, nil
}

// publish sends the payload to the given queue under capped exponential
// backoff. AMQP channels are not safe for concurrent use, so publishes
// serialize on the publish channel's mutex.
func (b *AMQPBackend) publish(ctx context.Context, queueName string, msg *domain.ScheduleMessage, expiration string) error {
	body, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	backoff := retry.WithMaxRetries(b.maxRetries, retry.NewExponential(100*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		b.pubMu.Lock()
		defer b.pubMu.Unlock()

		pubErr := b.pubCh.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.TaskID.String(),
			Body:         body,
			Expiration:   expiration,
		})
		if pubErr != nil {
			return retry.RetryableError(pubErr)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// Enqueue publishes to the main queue, or to the retry queue with a TTL
// when a delay is given.
func (b *AMQPBackend) Enqueue(ctx context.Context, msg *domain.ScheduleMessage, delay time.Duration) error {
	if delay > 0 {
		return b.publish(ctx, b.retryQueue, msg, strconv.FormatInt(delay.Milliseconds(), 10))
	}
	return b.publish(ctx, b.queue, msg, "")
}

// Dequeue collects up to batchSize deliveries, blocking up to wait for the
// first one and draining any immediately available after that.
func (b *AMQPBackend) Dequeue(ctx context.Context, batchSize int, wait time.Duration) ([]Delivery, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out []Delivery
	for len(out) < batchSize {
		if len(out) > 0 {
			// Already have work; only drain what is immediately ready.
			select {
			case d, ok := <-b.deliveries:
				if !ok {
					return out, nil
				}
				out = b.appendDelivery(out, d)
			default:
				return out, nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case d, ok := <-b.deliveries:
			if !ok {
				return nil, fmt.Errorf("%w: consumer channel closed", domain.ErrBackendUnavailable)
			}
			out = b.appendDelivery(out, d)
		}
	}
	return out, nil
}

// appendDelivery decodes a broker delivery, rejecting undecodable bodies
// without requeue so they do not loop forever.
func (b *AMQPBackend) appendDelivery(out []Delivery, d amqp.Delivery) []Delivery {
	msg, err := decodeMessage(d.Body)
	if err != nil {
		b.logger.Error("rejecting undecodable broker delivery",
			"message_id", d.MessageId,
			"error", err)
		_ = d.Reject(false)
		return out
	}
	return append(out, Delivery{Message: msg, Receipt: d})
}

// Ack acknowledges the broker delivery.
func (b *AMQPBackend) Ack(ctx context.Context, d Delivery) error {
	del, ok := d.Receipt.(amqp.Delivery)
	if !ok {
		return fmt.Errorf("invalid receipt type %T for amqp backend", d.Receipt)
	}
	if err := del.Ack(false); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// Nack republishes the message (through the retry queue when a delay is
// given) and acks the original delivery, so the updated AttemptCount is
// carried into the requeued copy.
func (b *AMQPBackend) Nack(ctx context.Context, d Delivery, requeueDelay time.Duration) error {
	return requeueThenAck(ctx, d, requeueDelay, b.Enqueue, b.Ack)
}

// Depth reports ready messages in the main and retry queues.
func (b *AMQPBackend) Depth(ctx context.Context) (int64, error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	var total int64
	for _, name := range []string{b.queue, b.retryQueue} {
		q, err := b.pubCh.QueueInspect(name)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
		}
		total += int64(q.Messages)
	}
	return total, nil
}

// Ping reports connection health.
func (b *AMQPBackend) Ping(ctx context.Context) error {
	if b.conn.IsClosed() {
		return fmt.Errorf("%w: connection closed", domain.ErrBackendUnavailable)
	}
	return nil
}

// Close tears down channels and the connection.
func (b *AMQPBackend) Close() error {
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close amqp connection: %w", err)
	}
	return nil
}
