package scheduler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/memgrid/memsched/internal/alerts"
	"github.com/memgrid/memsched/internal/domain"
	"github.com/memgrid/memsched/internal/queue"
)

// slotFor maps a routing key to a worker slot. Messages sharing a key
// always land on the same slot, so tasks for one cube (or one user)
// execute in delivery order relative to each other.
func (s *Scheduler) slotFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(s.slots)))
}

// intakeLoop polls the backend and routes deliveries onto slot
// channels. It is the only goroutine that dequeues, so per-key order is
// preserved from the backend all the way to the slots.
func (s *Scheduler) intakeLoop(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, err := s.backend.Dequeue(ctx, s.cfg.DequeueBatchSize, s.cfg.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if changed := s.monitor.setBackendHealth(false); changed {
				s.emitter.Emit(context.WithoutCancel(ctx), alerts.New(alerts.KindBackendDegraded,
					uuid.Nil, fmt.Sprintf("dequeue failing: %v", err)))
			}
			s.logger.Error("dequeue failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = time.Second
		if s.monitor.setBackendHealth(true) {
			s.logger.Info("queue backend recovered")
		}

		for i, d := range deliveries {
			select {
			case s.slots[s.slotFor(d.Message.RoutingKey())] <- d:
			case <-ctx.Done():
				// Dispatch halted mid-batch: release this delivery and
				// every undispatched one behind it, so none of them has
				// to wait out the visibility timeout.
				for _, rest := range deliveries[i:] {
					if err := s.backend.Nack(context.WithoutCancel(ctx), rest, 0); err != nil {
						s.logger.Error("failed to release delivery during shutdown",
							slog.String("task_id", rest.Message.TaskID.String()),
							slog.String("error", err.Error()))
					}
				}
				return
			}
		}
	}
}

// slotLoop drains one slot channel until it closes.
func (s *Scheduler) slotLoop(ctx context.Context, slot int) {
	workerID := fmt.Sprintf("worker-%d", slot)
	ch := s.slots[slot]
	for d := range ch {
		s.monitor.Heartbeat(workerID)
		s.processDelivery(ctx, workerID, d)
	}
}

// processDelivery runs one delivered message through the full attempt
// cycle: claim the task, execute the handler under its budget, then
// ack, requeue with backoff, or dead-letter.
func (s *Scheduler) processDelivery(ctx context.Context, workerID string, d queue.Delivery) {
	msg := d.Message
	attempt := msg.AttemptCount + 1

	// Bookkeeping must outlive a cancelled run context, otherwise a
	// forced shutdown strands acks and state writes.
	opCtx := context.WithoutCancel(ctx)

	log := s.logger.With(
		slog.String("task_id", msg.TaskID.String()),
		slog.String("label", string(msg.Label)),
		slog.String("worker_id", workerID),
		slog.Int("attempt", attempt))

	reg, err := s.registry.resolve(msg.Label)
	if err != nil {
		// No handler will ever exist for this label in this process;
		// retrying cannot help.
		log.Error("no handler for label, dead-lettering")
		s.deadLetter(opCtx, d, err.Error(), log)
		return
	}

	if err := s.store.MarkRunning(opCtx, msg.TaskID, workerID, attempt); err != nil {
		switch {
		case errors.Is(err, domain.ErrStaleTransition):
			// A concurrent redelivery already ran this task (or it
			// reached a terminal state); drop this copy.
			log.Warn("stale redelivery, acking without execution",
				slog.String("error", err.Error()))
			s.ack(opCtx, d, log)
		case errors.Is(err, domain.ErrNotFound):
			log.Warn("no status record for delivered task, acking")
			s.ack(opCtx, d, log)
		default:
			log.Error("failed to mark task running", slog.String("error", err.Error()))
			s.nack(opCtx, d, s.cfg.RetryBackoffBase, log)
		}
		return
	}

	msg.AttemptCount = attempt
	s.monitor.taskStarted()
	execErr := s.execute(ctx, reg, msg)
	s.monitor.taskFinished()

	if execErr == nil {
		if err := s.store.MarkSucceeded(opCtx, msg.TaskID); err != nil {
			log.Error("failed to mark task succeeded", slog.String("error", err.Error()))
		}
		s.ack(opCtx, d, log)
		s.monitor.taskSucceeded()
		log.Info("task succeeded")
		return
	}

	if errors.Is(execErr, context.Canceled) && ctx.Err() != nil {
		// Forced release during shutdown, not a real failure: the
		// attempt is not consumed and the message goes straight back.
		msg.AttemptCount = attempt - 1
		if err := s.store.MarkQueued(opCtx, msg.TaskID, "released during shutdown"); err != nil {
			log.Error("failed to requeue released task", slog.String("error", err.Error()))
		}
		s.nack(opCtx, d, 0, log)
		log.Info("task released for redelivery during shutdown")
		return
	}

	s.monitor.taskFailed()
	if err := s.store.MarkFailed(opCtx, msg.TaskID, execErr.Error()); err != nil {
		log.Error("failed to record task failure", slog.String("error", err.Error()))
	}

	if attempt >= s.cfg.MaxRetries {
		log.Error("task exhausted retries, dead-lettering",
			slog.String("error", execErr.Error()))
		s.deadLetter(opCtx, d, execErr.Error(), log)
		return
	}

	delay := s.backoffDelay(attempt)
	if err := s.store.MarkQueued(opCtx, msg.TaskID, fmt.Sprintf("retry %d scheduled: %v", attempt+1, execErr)); err != nil {
		log.Error("failed to requeue task for retry", slog.String("error", err.Error()))
	}
	s.nack(opCtx, d, delay, log)
	s.monitor.taskRetried()
	log.Warn("task failed, scheduled for retry",
		slog.String("error", execErr.Error()),
		slog.Duration("delay", delay))
}

// execute runs the handler under the label's execution budget. When the
// budget expires the handler goroutine is detached: its context is
// cancelled and execute returns without waiting for it.
func (s *Scheduler) execute(ctx context.Context, reg registration, msg *domain.ScheduleMessage) error {
	execCtx, cancel := context.WithTimeout(ctx, reg.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- reg.handler.Handle(execCtx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: exceeded %s budget", domain.ErrHandlerTimeout, reg.timeout)
		}
		return execCtx.Err()
	}
}

// backoffDelay computes the capped exponential redelivery delay for a
// failed attempt.
func (s *Scheduler) backoffDelay(attempt int) time.Duration {
	delay := s.cfg.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.RetryBackoffCap {
			return s.cfg.RetryBackoffCap
		}
	}
	if delay > s.cfg.RetryBackoffCap {
		delay = s.cfg.RetryBackoffCap
	}
	return delay
}

func (s *Scheduler) deadLetter(ctx context.Context, d queue.Delivery, reason string, log *slog.Logger) {
	if err := s.store.MarkDeadLettered(ctx, d.Message.TaskID, reason); err != nil {
		log.Error("failed to mark task dead-lettered", slog.String("error", err.Error()))
	}
	s.ack(ctx, d, log)
	s.monitor.taskDeadLettered()
	s.emitter.Emit(ctx, alerts.New(alerts.KindDeadLetter, d.Message.TaskID,
		fmt.Sprintf("task %s (%s) dead-lettered after %d attempts: %s",
			d.Message.TaskID, d.Message.Label, d.Message.AttemptCount, reason)))
}

func (s *Scheduler) ack(ctx context.Context, d queue.Delivery, log *slog.Logger) {
	if err := s.backend.Ack(ctx, d); err != nil {
		log.Error("failed to ack delivery", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) nack(ctx context.Context, d queue.Delivery, delay time.Duration, log *slog.Logger) {
	if err := s.backend.Nack(ctx, d, delay); err != nil {
		log.Error("failed to nack delivery", slog.String("error", err.Error()))
	}
}

// monitorLoop periodically polls queue depth, probes backend health,
// force-releases stuck tasks, and purges expired terminal records.
func (s *Scheduler) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if depth, err := s.backend.Depth(ctx); err == nil {
			s.monitor.setQueueDepth(depth)
		} else if ctx.Err() == nil {
			s.logger.Warn("queue depth probe failed", slog.String("error", err.Error()))
		}

		s.sweepStuck(ctx)
		s.purgeExpired(ctx)
	}
}

// sweepStuck force-fails tasks stranded in Running past the stuck
// threshold and pushes them back to Queued. The underlying delivery is
// redelivered by the backend's own visibility mechanism, so only the
// status record needs repair here.
func (s *Scheduler) sweepStuck(ctx context.Context) {
	stale, err := s.store.FindStale(ctx, s.cfg.StuckTaskAge)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("stuck task sweep failed", slog.String("error", err.Error()))
		}
		return
	}

	for _, st := range stale {
		reason := fmt.Sprintf("stuck in running for more than %s on %s", s.cfg.StuckTaskAge, st.WorkerID)
		if err := s.store.MarkFailed(ctx, st.TaskID, reason); err != nil {
			s.logger.Error("failed to fail stuck task",
				slog.String("task_id", st.TaskID.String()),
				slog.String("error", err.Error()))
			continue
		}
		if err := s.store.MarkQueued(ctx, st.TaskID, "released by stuck sweep"); err != nil {
			s.logger.Error("failed to requeue stuck task",
				slog.String("task_id", st.TaskID.String()),
				slog.String("error", err.Error()))
			continue
		}
		s.logger.Warn("released stuck task",
			slog.String("task_id", st.TaskID.String()),
			slog.String("label", string(st.Label)),
			slog.String("worker_id", st.WorkerID))
		s.emitter.Emit(ctx, alerts.New(alerts.KindStuckTask, st.TaskID, reason))
	}
}

// purgeExpired deletes terminal records older than the audit retention
// window. A zero retention keeps records forever.
func (s *Scheduler) purgeExpired(ctx context.Context) {
	if s.cfg.AuditRetention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.cfg.AuditRetention)
	n, err := s.store.PurgeTerminalBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("audit purge failed", slog.String("error", err.Error()))
		}
		return
	}
	if n > 0 {
		s.logger.Debug("purged expired task records", slog.Int64("count", n))
	}
}
