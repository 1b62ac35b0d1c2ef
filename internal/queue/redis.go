package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/memgrid/memsched/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
)

// RedisBackendConfig holds configuration for the stream-based backend.
type RedisBackendConfig struct {
	// URL is a redis:// connection URL.
	URL string

	// Stream is the stream key holding ready messages.
	Stream string

	// Group is the consumer group name shared by all workers.
	Group string

	// Consumer is this process's consumer name within the group.
	Consumer string

	// VisibilityTimeout is the idle time after which a pending entry is
	// reclaimed from a dead consumer. If zero, defaults to 30 seconds.
	VisibilityTimeout time.Duration

	// MaxConnectRetries bounds the exponential backoff applied to
	// transient command failures. If zero, defaults to 5.
	MaxConnectRetries uint64
}

// RedisBackend implements Backend over Redis Streams: XADD for enqueue, a
// consumer group for dequeue, XACK on ack, and a delayed ZSET promoted by
// the dequeue path for nack-with-delay. Abandoned pending entries are
// reclaimed with XAUTOCLAIM once their idle time exceeds the visibility
// timeout.
type RedisBackend struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	delayedKey string
	visibility time.Duration
	maxRetries uint64
	logger     *slog.Logger
}

// NewRedisBackend connects to Redis and ensures the stream and consumer
// group exist.
func NewRedisBackend(ctx context.Context, cfg RedisBackendConfig, logger *slog.Logger) (*RedisBackend, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis URL: %v", domain.ErrConfiguration, err)
	}
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, fmt.Errorf("%w: redis stream, group and consumer must be set", domain.ErrConfiguration)
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.MaxConnectRetries == 0 {
		cfg.MaxConnectRetries = 5
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	// BUSYGROUP means the group already exists, which is fine.
	err = client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		_ = client.Close()
		return nil, fmt.Errorf("%w: failed to create consumer group: %v", domain.ErrBackendUnavailable, err)
	}

	return &RedisBackend{
		client:     client,
		stream:     cfg.Stream,
		group:      cfg.Group,
		consumer:   cfg.Consumer,
		delayedKey: cfg.Stream + ":delayed",
		visibility: cfg.VisibilityTimeout,
		maxRetries: cfg.MaxConnectRetries,
		logger:     logger.With("component", "redis_queue"),
	}, nil
}

// withBackoff runs op under capped exponential backoff, mapping exhausted
// retries to ErrBackendUnavailable.
func (b *RedisBackend) withBackoff(ctx context.Context, op func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(b.maxRetries, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := op(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// Enqueue XADDs the encoded message, or parks it in the delayed ZSET when
// a delay is given.
func (b *RedisBackend) Enqueue(ctx context.Context, msg *domain.ScheduleMessage, delay time.Duration) error {
	body, err := encodeMessage(msg)
	if err != nil {
		return err
	}

	if delay > 0 {
		due := float64(time.Now().Add(delay).UnixMilli())
		return b.withBackoff(ctx, func(ctx context.Context) error {
			return b.client.ZAdd(ctx, b.delayedKey, redis.Z{Score: due, Member: string(body)}).Err()
		})
	}

	return b.withBackoff(ctx, func(ctx context.Context) error {
		return b.client.XAdd(ctx, &redis.XAddArgs{
			Stream: b.stream,
			Values: map[string]any{"body": string(body)},
		}).Err()
	})
}

// Dequeue promotes due delayed messages, reclaims abandoned pending
// entries, then blocks on XREADGROUP for fresh ones.
func (b *RedisBackend) Dequeue(ctx context.Context, batchSize int, wait time.Duration) ([]Delivery, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	if err := b.promoteDelayed(ctx); err != nil {
		return nil, err
	}

	claimed, err := b.reclaimAbandoned(ctx, batchSize)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.group,
		Consumer: b.consumer,
		Streams:  []string{b.stream, ">"},
		Count:    int64(batchSize),
		Block:    wait,
	}).Result()
	if err == redis.Nil {
		// Wait elapsed with no work.
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	var deliveries []Delivery
	for _, stream := range streams {
		deliveries = append(deliveries, b.toDeliveries(ctx, stream.Messages)...)
	}
	return deliveries, nil
}

// toDeliveries decodes stream entries, acking away entries whose bodies
// cannot be decoded so they do not loop forever.
func (b *RedisBackend) toDeliveries(ctx context.Context, msgs []redis.XMessage) []Delivery {
	deliveries := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		body, _ := m.Values["body"].(string)
		msg, err := decodeMessage([]byte(body))
		if err != nil {
			b.logger.Error("dropping undecodable stream entry",
				"stream_id", m.ID,
				"error", err)
			_ = b.client.XAck(ctx, b.stream, b.group, m.ID).Err()
			_ = b.client.XDel(ctx, b.stream, m.ID).Err()
			continue
		}
		deliveries = append(deliveries, Delivery{Message: msg, Receipt: m.ID})
	}
	return deliveries
}

// promoteDelayed moves due ZSET members into the stream.
func (b *RedisBackend) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, b.delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 128,
	}).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}

	for _, member := range due {
		pipe := b.client.TxPipeline()
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: b.stream,
			Values: map[string]any{"body": member},
		})
		pipe.ZRem(ctx, b.delayedKey, member)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
		}
	}
	return nil
}

// reclaimAbandoned takes over pending entries idle past the visibility
// timeout, typically left behind by a crashed consumer.
func (b *RedisBackend) reclaimAbandoned(ctx context.Context, batchSize int) ([]Delivery, error) {
	msgs, _, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   b.stream,
		Group:    b.group,
		Consumer: b.consumer,
		MinIdle:  b.visibility,
		Start:    "0-0",
		Count:    int64(batchSize),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	return b.toDeliveries(ctx, msgs), nil
}

// Ack XACKs and deletes the stream entry.
func (b *RedisBackend) Ack(ctx context.Context, d Delivery) error {
	id, ok := d.Receipt.(string)
	if !ok {
		return fmt.Errorf("invalid receipt type %T for redis backend", d.Receipt)
	}

	return b.withBackoff(ctx, func(ctx context.Context) error {
		if err := b.client.XAck(ctx, b.stream, b.group, id).Err(); err != nil {
			return err
		}
		return b.client.XDel(ctx, b.stream, id).Err()
	})
}

// Nack re-adds the message (delayed via the ZSET when requeueDelay is
// non-zero), then acks the original entry. The message carries its
// updated AttemptCount into the re-added envelope. If the re-add fails
// the original stays pending and XAUTOCLAIM recovers it after the
// visibility timeout.
func (b *RedisBackend) Nack(ctx context.Context, d Delivery, requeueDelay time.Duration) error {
	return requeueThenAck(ctx, d, requeueDelay, b.Enqueue, b.Ack)
}

// Depth reports stream length plus parked delayed messages.
func (b *RedisBackend) Depth(ctx context.Context) (int64, error) {
	streamLen, err := b.client.XLen(ctx, b.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	delayedLen, err := b.client.ZCard(ctx, b.delayedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	return streamLen + delayedLen, nil
}

// Ping probes the connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	return nil
}

// Close releases the client connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
