// Package hook provides the ordered, synchronous observer registry fired at
// flush and phase-transition points.
package hook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind names a transition point.
type Kind string

const (
	FlushCommitted  Kind = "flush.committed"
	FlushPartial    Kind = "flush.partial"
	FlushFailed     Kind = "flush.failed"
	PhaseTransition Kind = "phase.transition"
	// SyncUnavailable is fired in place of flush events when no sync manager is configured.
	SyncUnavailable Kind = "sync.unavailable"
)

// Event describes one transition. Fields not relevant to Kind are empty.
type Event struct {
	Kind      Kind
	CycleID   string
	Phase     string
	NextPhase string
	TxID      string
	Status    string
	Backends  []string
	Err       error
	Time      time.Time
}

// Func is a hook callback.
type Func func(ctx context.Context, ev Event) error

type entry struct {
	name string
	fn   Func
}

// Registry is an ordered list of named hooks.
type Registry struct {
	mu     sync.RWMutex
	hooks  []entry
	logger *slog.Logger
}

// NewRegistry returns an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register appends a hook. Registering an existing name replaces it in place.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.hooks {
		if r.hooks[i].name == name {
			r.hooks[i].fn = fn
			return
		}
	}
	r.hooks = append(r.hooks, entry{name: name, fn: fn})
}

// Unregister removes a hook by name and reports whether it existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.hooks {
		if r.hooks[i].name == name {
			r.hooks = append(r.hooks[:i], r.hooks[i+1:]...)
			return true
		}
	}
	return false
}

// Names returns hook names in invocation order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.hooks))
	for i, h := range r.hooks {
		names[i] = h.name
	}
	return names
}

// Fire invokes every hook in order and waits for each. A failing or panicking
// hook does not stop the rest; the errors are logged and returned.
// A nil registry fires nothing.
func (r *Registry) Fire(ctx context.Context, ev Event) []error {
	if r == nil {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.mu.RLock()
	hooks := make([]entry, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	var errs []error
	for _, h := range hooks {
		if err := r.call(ctx, h, ev); err != nil {
			r.logger.Warn("hook failed", "hook", h.name, "event", string(ev.Kind), "error", err)
			errs = append(errs, err)
		}
	}
	return errs
}

func (r *Registry) call(ctx context.Context, h entry, ev Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("hook %s panicked: %v", h.name, p)
		}
	}()
	if err := h.fn(ctx, ev); err != nil {
		return fmt.Errorf("hook %s: %w", h.name, err)
	}
	return nil
}
