package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/memgrid/memsched/internal/domain"
)

// MemoryBackendConfig holds configuration for the in-process backend.
type MemoryBackendConfig struct {
	// VisibilityTimeout is how long a dequeued message may stay un-acked
	// before it is redelivered. If zero, defaults to 30 seconds.
	VisibilityTimeout time.Duration

	// SweepInterval is how often expired in-flight messages and due
	// delayed messages are moved back to the ready list. If zero,
	// defaults to one second.
	SweepInterval time.Duration
}

// memEntry is a message held by the in-process backend, in exactly one of
// the ready, delayed or in-flight collections at a time.
type memEntry struct {
	msg      *domain.ScheduleMessage
	receipt  string
	seq      uint64
	dueAt    time.Time // delayed entries only
	deadline time.Time // in-flight entries only
}

// MemoryBackend is an in-process Backend: a priority-ordered ready list,
// a delayed list promoted by a sweeper, and an in-flight table with
// visibility timeouts. It is the default for tests and single-process
// deployments where no external queue is configured.
type MemoryBackend struct {
	mu       sync.Mutex
	ready    []*memEntry
	delayed  []*memEntry
	inflight map[string]*memEntry
	seq      uint64
	closed   bool

	visibility time.Duration
	signal     chan struct{}
	done       chan struct{}
	sweeperWG  sync.WaitGroup
	logger     *slog.Logger
}

// NewMemoryBackend creates a started in-process backend.
func NewMemoryBackend(cfg MemoryBackendConfig, logger *slog.Logger) *MemoryBackend {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}

	b := &MemoryBackend{
		inflight:   make(map[string]*memEntry),
		visibility: cfg.VisibilityTimeout,
		signal:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		logger:     logger.With("component", "memory_queue"),
	}

	b.sweeperWG.Add(1)
	go b.sweeper(cfg.SweepInterval)

	return b
}

// Enqueue adds the message to the ready list, or to the delayed list when
// a delay is given.
func (b *MemoryBackend) Enqueue(ctx context.Context, msg *domain.ScheduleMessage, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("%w: memory backend closed", domain.ErrBackendUnavailable)
	}

	b.seq++
	entry := &memEntry{msg: msg, seq: b.seq}

	if delay > 0 {
		entry.dueAt = time.Now().Add(delay)
		b.delayed = append(b.delayed, entry)
	} else {
		b.pushReadyLocked(entry)
	}

	b.notify()
	return nil
}

// Dequeue returns up to batchSize ready messages, blocking up to wait when
// none are available.
func (b *MemoryBackend) Dequeue(ctx context.Context, batchSize int, wait time.Duration) ([]Delivery, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		deliveries, closed := b.take(batchSize)
		if closed {
			return nil, fmt.Errorf("%w: memory backend closed", domain.ErrBackendUnavailable)
		}
		if len(deliveries) > 0 {
			return deliveries, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-b.signal:
			// Work may be available; loop and try again.
		}
	}
}

// take moves up to batchSize ready entries into the in-flight table.
func (b *MemoryBackend) take(batchSize int) ([]Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, true
	}

	b.promoteDueLocked(time.Now())

	n := batchSize
	if n > len(b.ready) {
		n = len(b.ready)
	}
	if n == 0 {
		return nil, false
	}

	deliveries := make([]Delivery, 0, n)
	for _, entry := range b.ready[:n] {
		entry.receipt = uuid.NewString()
		entry.deadline = time.Now().Add(b.visibility)
		b.inflight[entry.receipt] = entry
		deliveries = append(deliveries, Delivery{Message: entry.msg, Receipt: entry.receipt})
	}
	b.ready = b.ready[n:]

	return deliveries, false
}

// Ack removes the delivery from the in-flight table.
func (b *MemoryBackend) Ack(ctx context.Context, d Delivery) error {
	receipt, ok := d.Receipt.(string)
	if !ok {
		return fmt.Errorf("invalid receipt type %T for memory backend", d.Receipt)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, receipt)
	return nil
}

// Nack returns the delivery to the queue after requeueDelay.
func (b *MemoryBackend) Nack(ctx context.Context, d Delivery, requeueDelay time.Duration) error {
	receipt, ok := d.Receipt.(string)
	if !ok {
		return fmt.Errorf("invalid receipt type %T for memory backend", d.Receipt)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.inflight[receipt]
	if !ok {
		// Visibility timeout already reclaimed it; nothing to do.
		return nil
	}
	delete(b.inflight, receipt)

	entry.receipt = ""
	entry.deadline = time.Time{}
	if requeueDelay > 0 {
		entry.dueAt = time.Now().Add(requeueDelay)
		b.delayed = append(b.delayed, entry)
	} else {
		b.pushReadyLocked(entry)
	}

	b.notify()
	return nil
}

// Depth reports ready plus delayed messages.
func (b *MemoryBackend) Depth(ctx context.Context) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.ready) + len(b.delayed)), nil
}

// Ping reports availability; the in-process backend is only unavailable
// once closed.
func (b *MemoryBackend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: memory backend closed", domain.ErrBackendUnavailable)
	}
	return nil
}

// Close stops the sweeper and rejects further operations.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.sweeperWG.Wait()
	b.notify()
	return nil
}

// pushReadyLocked inserts the entry keeping the ready list ordered by
// priority (higher first) and then by sequence, so same-priority messages
// stay FIFO. Caller must hold the mutex.
func (b *MemoryBackend) pushReadyLocked(entry *memEntry) {
	i := len(b.ready)
	for i > 0 {
		prev := b.ready[i-1]
		if prev.msg.Priority >= entry.msg.Priority {
			break
		}
		i--
	}
	b.ready = append(b.ready, nil)
	copy(b.ready[i+1:], b.ready[i:])
	b.ready[i] = entry
}

// promoteDueLocked moves due delayed entries and expired in-flight entries
// back to the ready list. Caller must hold the mutex.
func (b *MemoryBackend) promoteDueLocked(now time.Time) {
	if len(b.delayed) > 0 {
		remaining := b.delayed[:0]
		for _, entry := range b.delayed {
			if !entry.dueAt.After(now) {
				entry.dueAt = time.Time{}
				b.pushReadyLocked(entry)
			} else {
				remaining = append(remaining, entry)
			}
		}
		b.delayed = remaining
	}

	for receipt, entry := range b.inflight {
		if entry.deadline.Before(now) {
			delete(b.inflight, receipt)
			entry.receipt = ""
			entry.deadline = time.Time{}
			b.logger.Warn("visibility timeout expired, redelivering message",
				"task_id", entry.msg.TaskID,
				"label", entry.msg.Label)
			b.pushReadyLocked(entry)
		}
	}
}

// sweeper periodically promotes due and expired entries so blocked
// Dequeue calls wake up even without new enqueues.
func (b *MemoryBackend) sweeper(interval time.Duration) {
	defer b.sweeperWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.mu.Lock()
			b.promoteDueLocked(time.Now())
			ready := len(b.ready)
			b.mu.Unlock()
			if ready > 0 {
				b.notify()
			}
		}
	}
}

// notify wakes at most one blocked Dequeue without blocking the caller.
func (b *MemoryBackend) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}
