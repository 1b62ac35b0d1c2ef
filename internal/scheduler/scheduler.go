// Package scheduler implements the asynchronous task scheduler: intake
// of schedule messages, routed dispatch to worker slots, retry and
// dead-letter accounting, and lifecycle control.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/memgrid/memsched/internal/alerts"
	"github.com/memgrid/memsched/internal/domain"
	"github.com/memgrid/memsched/internal/queue"
	"github.com/memgrid/memsched/internal/state"
)

// ErrLifecycle is returned by Start and Stop when the scheduler is in a
// state that cannot accept the transition (e.g. Stop while Stopped).
var ErrLifecycle = errors.New("scheduler lifecycle error")

// LifecycleState is the scheduler's coarse run state.
type LifecycleState string

const (
	LifecycleStopped  LifecycleState = "stopped"
	LifecycleStarting LifecycleState = "starting"
	LifecycleRunning  LifecycleState = "running"
	LifecycleStopping LifecycleState = "stopping"
)

// Config holds the scheduler's tunables. Zero values are replaced with
// the defaults below in New.
type Config struct {
	// WorkerCount is the number of worker slots. Messages sharing a
	// routing key always map to the same slot.
	WorkerCount int

	// DequeueBatchSize caps how many deliveries intake pulls per poll.
	DequeueBatchSize int

	// DequeueWait is how long a single dequeue blocks when the queue
	// is empty.
	DequeueWait time.Duration

	// MaxRetries is the execution attempt ceiling. A task whose attempt
	// number reaches it is dead-lettered instead of requeued.
	MaxRetries int

	// RetryBackoffBase and RetryBackoffCap bound the exponential
	// redelivery delay: base << (attempt-1), capped.
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration

	// DefaultTaskTimeout is the execution budget for labels registered
	// without an explicit timeout.
	DefaultTaskTimeout time.Duration

	// StuckTaskAge is how long a task may sit in Running before the
	// monitor force-fails it back to Queued.
	StuckTaskAge time.Duration

	// MonitorInterval is the cadence of the monitor loop (depth poll,
	// stuck sweep, audit purge).
	MonitorInterval time.Duration

	// AuditRetention is how long terminal task rows are kept before
	// the janitor purges them. Zero disables purging.
	AuditRetention time.Duration

	// DisabledLabels are dropped at submission: the task is neither
	// persisted nor enqueued.
	DisabledLabels []domain.TaskLabel
}

func (c *Config) applyDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.DequeueBatchSize <= 0 {
		c.DequeueBatchSize = 10
	}
	if c.DequeueWait <= 0 {
		c.DequeueWait = 2 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = time.Second
	}
	if c.RetryBackoffCap <= 0 {
		c.RetryBackoffCap = 5 * time.Minute
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = 2 * time.Minute
	}
	if c.StuckTaskAge <= 0 {
		c.StuckTaskAge = 10 * time.Minute
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 15 * time.Second
	}
}

// Scheduler owns the intake loop, the worker slots, and the monitor.
// It is created Stopped; Start spins up the loops and Stop drains them.
type Scheduler struct {
	backend  queue.Backend
	store    state.Store
	registry *Registry
	monitor  *Monitor
	emitter  alerts.Emitter
	logger   *slog.Logger
	cfg      Config

	disabled map[domain.TaskLabel]bool

	mu           sync.Mutex
	lifecycle    LifecycleState
	cancel       context.CancelFunc
	intakeCancel context.CancelFunc
	slots        []chan queue.Delivery
	intakeGroup  *errgroup.Group
	slotGroup    *errgroup.Group
	monitorGroup *errgroup.Group
}

// New creates a stopped scheduler. Handlers are registered afterwards
// via Register, then Start begins consumption.
func New(backend queue.Backend, store state.Store, emitter alerts.Emitter, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	disabled := make(map[domain.TaskLabel]bool, len(cfg.DisabledLabels))
	for _, label := range cfg.DisabledLabels {
		disabled[label] = true
	}

	return &Scheduler{
		backend:   backend,
		store:     store,
		registry:  NewRegistry(cfg.DefaultTaskTimeout),
		monitor:   NewMonitor(),
		emitter:   emitter,
		logger:    logger.With(slog.String("component", "scheduler")),
		cfg:       cfg,
		disabled:  disabled,
		lifecycle: LifecycleStopped,
	}
}

// Register binds a handler to a task label. Must be called before
// Start; afterwards it fails with ErrConfiguration.
func (s *Scheduler) Register(label domain.TaskLabel, handler Handler, opts ...RegisterOption) error {
	return s.registry.Register(label, handler, opts...)
}

// State returns the current lifecycle state.
func (s *Scheduler) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

// Health returns a snapshot of counters plus the lifecycle state.
func (s *Scheduler) Health() Snapshot {
	snap := s.monitor.snapshot()
	snap.State = string(s.State())
	return snap
}

// Start transitions Stopped -> Starting -> Running: it verifies the
// backend, requeues rows stranded in Running by a previous process,
// locks the registry, and spawns the intake, slot, and monitor loops.
// Start on a Running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.lifecycle {
	case LifecycleRunning:
		s.mu.Unlock()
		return nil
	case LifecycleStarting, LifecycleStopping:
		state := s.lifecycle
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start while %s", ErrLifecycle, state)
	}
	s.lifecycle = LifecycleStarting
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.lifecycle = LifecycleStopped
		s.mu.Unlock()
		return err
	}

	if err := s.backend.Ping(ctx); err != nil {
		return fail(fmt.Errorf("queue backend unavailable: %w", err))
	}

	requeued, err := s.store.ReconcileStartup(ctx)
	if err != nil {
		return fail(fmt.Errorf("startup reconciliation: %w", err))
	}
	if requeued > 0 {
		s.logger.Info("requeued tasks stranded by previous shutdown",
			slog.Int64("count", requeued))
	}

	s.registry.lock()

	runCtx, cancel := context.WithCancel(context.Background())
	intakeCtx, intakeCancel := context.WithCancel(runCtx)

	s.mu.Lock()
	s.cancel = cancel
	s.intakeCancel = intakeCancel
	s.slots = make([]chan queue.Delivery, s.cfg.WorkerCount)
	for i := range s.slots {
		s.slots[i] = make(chan queue.Delivery)
	}

	s.intakeGroup = &errgroup.Group{}
	s.slotGroup = &errgroup.Group{}
	s.monitorGroup = &errgroup.Group{}
	for i := range s.slots {
		slot := i
		s.slotGroup.Go(func() error {
			s.slotLoop(runCtx, slot)
			return nil
		})
	}
	s.intakeGroup.Go(func() error {
		s.intakeLoop(intakeCtx)
		return nil
	})
	s.monitorGroup.Go(func() error {
		s.monitorLoop(runCtx)
		return nil
	})

	s.lifecycle = LifecycleRunning
	s.mu.Unlock()

	s.logger.Info("scheduler started",
		slog.Int("worker_count", s.cfg.WorkerCount),
		slog.Int("max_retries", s.cfg.MaxRetries))
	return nil
}

// Stop drains the scheduler: intake halts, in-flight handlers get up to
// grace to finish, then remaining handlers are force-cancelled and
// their messages released for redelivery. Any row still Running after
// the drain is moved back to Queued. Stop on a Stopped scheduler is a
// no-op.
func (s *Scheduler) Stop(ctx context.Context, grace time.Duration) error {
	s.mu.Lock()
	switch s.lifecycle {
	case LifecycleStopped:
		s.mu.Unlock()
		return nil
	case LifecycleStarting, LifecycleStopping:
		state := s.lifecycle
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot stop while %s", ErrLifecycle, state)
	}
	s.lifecycle = LifecycleStopping
	cancel := s.cancel
	intakeCancel := s.intakeCancel
	slots := s.slots
	s.mu.Unlock()

	s.logger.Info("scheduler stopping", slog.Duration("grace", grace))

	// Halting intake first guarantees no new deliveries reach the
	// slots; the run context stays live so handlers can finish.
	intakeCancel()
	_ = s.intakeGroup.Wait()
	for _, ch := range slots {
		close(ch)
	}

	drained := make(chan struct{})
	go func() {
		_ = s.slotGroup.Wait()
		close(drained)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		s.logger.Warn("grace period expired, cancelling in-flight tasks")
		cancel()
		<-drained
	case <-ctx.Done():
		cancel()
		<-drained
	}
	cancel()
	_ = s.monitorGroup.Wait()

	// Any row still Running belongs to a handler that never reported
	// back; push it to Queued so redelivery can pick it up.
	if n, err := s.store.ReconcileStartup(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("shutdown reconciliation failed", slog.String("error", err.Error()))
	} else if n > 0 {
		s.logger.Info("requeued tasks interrupted by shutdown", slog.Int64("count", n))
	}

	s.mu.Lock()
	s.lifecycle = LifecycleStopped
	s.cancel = nil
	s.intakeCancel = nil
	s.slots = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
	return nil
}

// SubmitMessages validates, persists, and enqueues a batch of schedule
// messages. It returns one task ID per input message, in order. A
// message whose dedup key matches an active task returns the existing
// task's ID; a message for a disabled label returns its generated ID
// but is neither persisted nor enqueued.
func (s *Scheduler) SubmitMessages(ctx context.Context, msgs []*domain.ScheduleMessage) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(msgs))
	for i, msg := range msgs {
		if msg == nil {
			return ids, fmt.Errorf("%w: message %d is nil", domain.ErrValidation, i)
		}
		if msg.TaskID == uuid.Nil {
			msg.TaskID = uuid.New()
		}
		if msg.SubmittedAt.IsZero() {
			msg.SubmittedAt = time.Now().UTC()
		}
		if err := msg.Validate(); err != nil {
			return ids, fmt.Errorf("message %d: %w", i, err)
		}

		if s.disabled[msg.Label] {
			s.logger.Info("dropping task for disabled label",
				slog.String("task_id", msg.TaskID.String()),
				slog.String("label", string(msg.Label)))
			ids = append(ids, msg.TaskID)
			continue
		}

		taskID, deduped, err := s.store.Create(ctx, msg)
		if err != nil {
			return ids, fmt.Errorf("persisting task %s: %w", msg.TaskID, err)
		}
		if deduped {
			s.logger.Debug("task deduplicated",
				slog.String("task_id", taskID.String()),
				slog.String("dedup_key", msg.DedupKey))
			ids = append(ids, taskID)
			continue
		}

		if err := s.backend.Enqueue(ctx, msg, 0); err != nil {
			// The row exists but the message never made it onto the
			// queue; dead-letter it so it is visible rather than
			// stranded in Queued forever.
			reason := fmt.Sprintf("enqueue failed: %v", err)
			if dlErr := s.store.MarkDeadLettered(context.WithoutCancel(ctx), taskID, reason); dlErr != nil {
				s.logger.Error("failed to dead-letter unenqueued task",
					slog.String("task_id", taskID.String()),
					slog.String("error", dlErr.Error()))
			}
			return ids, fmt.Errorf("enqueuing task %s: %w", taskID, err)
		}
		ids = append(ids, taskID)
	}
	return ids, nil
}
