package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/memgrid/memsched/internal/domain"
)

// Handler implements the business logic for one task label.
// Version: 1.0
type Handler interface {
	// Handle executes the task. The context carries the per-label
	// execution budget and is cancelled on timeout or shutdown; handlers
	// must observe it at I/O boundaries.
	Handle(ctx context.Context, msg *domain.ScheduleMessage) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *domain.ScheduleMessage) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg *domain.ScheduleMessage) error {
	return f(ctx, msg)
}

// registration is a handler plus its dispatch options.
type registration struct {
	handler Handler
	timeout time.Duration
}

// RegisterOption customizes a handler registration.
type RegisterOption func(*registration)

// WithTimeout overrides the per-label execution budget. Labels doing
// long LLM work (e.g. preference extraction) register with a larger
// budget than the default.
func WithTimeout(d time.Duration) RegisterOption {
	return func(r *registration) {
		r.timeout = d
	}
}

// Registry maps task labels to their handlers. All registration happens
// before the scheduler starts; the registry locks at start and rejects
// late registrations with ErrConfiguration.
type Registry struct {
	mu             sync.RWMutex
	entries        map[domain.TaskLabel]registration
	locked         bool
	defaultTimeout time.Duration
}

// NewRegistry creates an empty registry. Labels registered without a
// timeout option get defaultTimeout as their execution budget.
func NewRegistry(defaultTimeout time.Duration) *Registry {
	return &Registry{
		entries:        make(map[domain.TaskLabel]registration),
		defaultTimeout: defaultTimeout,
	}
}

// Register binds a handler to a label. It fails with ErrConfiguration
// when called after the scheduler started, for an unknown label, a nil
// handler, or a label that is already bound.
func (r *Registry) Register(label domain.TaskLabel, handler Handler, opts ...RegisterOption) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.locked {
		return fmt.Errorf("%w: cannot register %q after scheduler start", domain.ErrConfiguration, label)
	}
	if !label.Valid() {
		return fmt.Errorf("%w: cannot register unknown label %q", domain.ErrConfiguration, label)
	}
	if handler == nil {
		return fmt.Errorf("%w: handler for %q cannot be nil", domain.ErrConfiguration, label)
	}
	if _, exists := r.entries[label]; exists {
		return fmt.Errorf("%w: label %q is already registered", domain.ErrConfiguration, label)
	}

	reg := registration{handler: handler, timeout: r.defaultTimeout}
	for _, opt := range opts {
		opt(&reg)
	}
	if reg.timeout <= 0 {
		return fmt.Errorf("%w: timeout for %q must be positive", domain.ErrConfiguration, label)
	}

	r.entries[label] = reg
	return nil
}

// lock freezes the registry. Called once when the scheduler starts.
func (r *Registry) lock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked = true
}

// resolve returns the registration for a label, or ErrUnknownLabel.
func (r *Registry) resolve(label domain.TaskLabel) (registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[label]
	if !ok {
		return registration{}, fmt.Errorf("%w: %q", domain.ErrUnknownLabel, label)
	}
	return reg, nil
}
