package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// BackendHealth describes the scheduler's view of its queue backend.
type BackendHealth string

const (
	BackendHealthy  BackendHealth = "healthy"
	BackendDegraded BackendHealth = "degraded"
)

// Snapshot is a point-in-time view of scheduler activity, served from
// the stats endpoint.
type Snapshot struct {
	State         string               `json:"state"`
	BackendHealth BackendHealth        `json:"backend_health"`
	Queued        int64                `json:"queued"`
	Running       int64                `json:"running"`
	Succeeded     int64                `json:"succeeded"`
	Failed        int64                `json:"failed"`
	Retried       int64                `json:"retried"`
	DeadLettered  int64                `json:"dead_lettered"`
	Heartbeats    map[string]time.Time `json:"heartbeats,omitempty"`
}

// Monitor aggregates counters and worker heartbeats. All methods are
// safe for concurrent use; counters are process-local and reset on
// restart (durable state lives in the task store).
type Monitor struct {
	running      atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	queuedDepth  atomic.Int64
	degraded     atomic.Bool

	mu         sync.Mutex
	heartbeats map[string]time.Time
}

// NewMonitor creates a monitor with zeroed counters.
func NewMonitor() *Monitor {
	return &Monitor{heartbeats: make(map[string]time.Time)}
}

func (m *Monitor) taskStarted()  { m.running.Add(1) }
func (m *Monitor) taskFinished() { m.running.Add(-1) }

func (m *Monitor) taskSucceeded()    { m.succeeded.Add(1) }
func (m *Monitor) taskFailed()       { m.failed.Add(1) }
func (m *Monitor) taskRetried()      { m.retried.Add(1) }
func (m *Monitor) taskDeadLettered() { m.deadLettered.Add(1) }

func (m *Monitor) setQueueDepth(n int64) { m.queuedDepth.Store(n) }

// setBackendHealth records the backend state and reports whether the
// state changed, so the caller can alert on transitions only.
func (m *Monitor) setBackendHealth(healthy bool) (changed bool) {
	return m.degraded.Swap(!healthy) == healthy
}

// Heartbeat records liveness for a worker slot.
func (m *Monitor) Heartbeat(workerID string) {
	m.mu.Lock()
	m.heartbeats[workerID] = time.Now().UTC()
	m.mu.Unlock()
}

// snapshot returns current counters. The lifecycle state is filled in
// by the scheduler, which owns it.
func (m *Monitor) snapshot() Snapshot {
	health := BackendHealthy
	if m.degraded.Load() {
		health = BackendDegraded
	}

	m.mu.Lock()
	beats := make(map[string]time.Time, len(m.heartbeats))
	for id, at := range m.heartbeats {
		beats[id] = at
	}
	m.mu.Unlock()

	return Snapshot{
		BackendHealth: health,
		Queued:        m.queuedDepth.Load(),
		Running:       m.running.Load(),
		Succeeded:     m.succeeded.Load(),
		Failed:        m.failed.Load(),
		Retried:       m.retried.Load(),
		DeadLettered:  m.deadLettered.Load(),
		Heartbeats:    beats,
	}
}
