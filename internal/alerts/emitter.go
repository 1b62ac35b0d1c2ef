package alerts

import (
	"context"
	"log/slog"
	"sync"
)

// FanOutEmitter is a simple Emitter that stores registered sinks in
// memory and delivers each alert to all of them. A failing sink never
// blocks delivery to the others.
type FanOutEmitter struct {
	sinks  []Sink
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewFanOutEmitter creates a new FanOutEmitter.
func NewFanOutEmitter(logger *slog.Logger) *FanOutEmitter {
	return &FanOutEmitter{
		logger: logger.With("component", "alert_emitter"),
	}
}

// RegisterSink adds a sink to receive future alerts.
func (e *FanOutEmitter) RegisterSink(sink Sink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
	e.logger.Debug("registered alert sink", "sink_count", len(e.sinks))
}

// Emit publishes the alert to all registered sinks. Sink failures are
// logged, not propagated; an alert about a dead-lettered task must never
// take the worker loop down with it.
func (e *FanOutEmitter) Emit(ctx context.Context, alert *Alert) {
	e.mu.RLock()
	sinks := make([]Sink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.RUnlock()

	if len(sinks) == 0 {
		e.logger.Warn("no sinks registered for alert",
			"alert_id", alert.ID,
			"alert_kind", alert.Kind)
		return
	}

	for i, sink := range sinks {
		if err := sink.Publish(ctx, alert); err != nil {
			e.logger.Error("sink failed to publish alert",
				"error", err,
				"sink_index", i,
				"alert_id", alert.ID,
				"alert_kind", alert.Kind)
		}
	}
}

// LogSink publishes alerts to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish writes the alert at warn level.
func (s *LogSink) Publish(ctx context.Context, alert *Alert) error {
	s.logger.Warn("alert raised",
		"alert_id", alert.ID,
		"alert_kind", alert.Kind,
		"task_id", alert.TaskID,
		"message", alert.Message)
	return nil
}
