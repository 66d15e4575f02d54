package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
)

// Async forwards events to another sink from a background goroutine.
// When the buffer is full the event is dropped and counted. The emitter's
// context values travel with the event; its cancellation does not.
type Async struct {
	next    Sink
	events  chan queued
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the forwarding goroutine. Close must be called to stop it.
func NewAsync(next Sink, buffer int) *Async {
	if buffer < 1 {
		buffer = 1
	}
	a := &Async{
		next:   next,
		events: make(chan queued, buffer),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

type queued struct {
	ctx context.Context
	ev  Event
}

func (a *Async) loop() {
	defer close(a.done)
	for q := range a.events {
		if !safeEmit(q.ctx, a.next, q.ev) {
			a.dropped.Add(1)
		}
	}
}

func (a *Async) Emit(ctx context.Context, ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.events <- queued{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded, including those whose
// sink panicked.
func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for buffered ones to be delivered.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()
	<-a.done
	return nil
}
