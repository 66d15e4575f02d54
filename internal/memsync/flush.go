package memsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/agentsync/internal/backend"
	"github.com/roach88/agentsync/internal/hook"
	"github.com/roach88/agentsync/internal/record"
	"github.com/roach88/agentsync/internal/store"
)

// flushResult is the outcome of one transaction against one backend.
type flushResult struct {
	backend string
	blocked bool
	err     error
}

// FlushReport summarizes a FlushPending round by transaction id.
type FlushReport struct {
	Attempted int
	Committed []string
	Partial   []string
	Failed    []string
}

// Run calls FlushPending every interval until ctx is done. Only due
// transactions are retried on a tick; the interval bounds how late past
// NextRetry a retry can start.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("memsync: flush interval %s is not positive", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		report, err := m.FlushPending(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			m.logger.Warn("background flush failed", "error", err)
		case report.Attempted > 0:
			m.logger.Debug("background flush",
				"attempted", report.Attempted,
				"committed", len(report.Committed),
				"partial", len(report.Partial),
				"failed", len(report.Failed))
		}
	}
}

// Flush re-flushes one transaction now, ignoring its retry schedule.
// Flushing a committed transaction is a no-op and touches no backend.
func (m *Manager) Flush(ctx context.Context, txID string) error {
	m.mu.Lock()
	st, ok := m.live[txID]
	if !ok {
		done, known := m.settled[txID]
		m.mu.Unlock()
		switch {
		case known && done.Status == record.TxCommitted:
			return nil
		case known:
			return &StateError{TxID: txID, Status: done.Status, Op: "flush"}
		}
		return fmt.Errorf("flush %s: %w", txID, ErrUnknownTransaction)
	}
	if st.tx.Status == record.TxPending {
		m.mu.Unlock()
		return &StateError{TxID: txID, Status: st.tx.Status, Op: "flush"}
	}
	if st.inflight {
		m.mu.Unlock()
		return nil
	}
	st.inflight = true
	m.mu.Unlock()
	return m.flushTx(ctx, st, "manual")
}

// FlushPending retries every queued or partially-committed transaction whose
// retry time has passed. Each backend drains its own SyncQueue in parallel;
// outcomes are then settled per transaction in begin order.
func (m *Manager) FlushPending(ctx context.Context) (FlushReport, error) {
	m.mu.Lock()
	now := m.now()
	due := make(map[string]*txState)
	var order []*txState
	for _, st := range m.liveInOrderLocked() {
		if st.inflight || st.tx.Status == record.TxPending || st.tx.NextRetry.After(now) {
			continue
		}
		st.inflight = true
		due[st.tx.ID] = st
		order = append(order, st)
	}
	lanes := make(map[string][]queueEntry, len(m.queues))
	for name, q := range m.queues {
		lanes[name] = q.snapshot()
	}
	m.mu.Unlock()

	if len(order) == 0 {
		return FlushReport{}, nil
	}

	ctx, span := m.metrics.tracer.Start(ctx, "memsync.flush_pending",
		trace.WithAttributes(attribute.Int("due", len(order))))
	defer span.End()

	var (
		wg      sync.WaitGroup
		rmu     sync.Mutex
		results = make(map[string][]flushResult, len(order))
	)
	for _, name := range m.names {
		entries := lanes[name]
		if len(entries) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			out := m.drainQueue(ctx, name, entries, due)
			rmu.Lock()
			defer rmu.Unlock()
			for id, r := range out {
				results[id] = append(results[id], r)
			}
		}()
	}
	wg.Wait()

	var (
		report FlushReport
		errs   []error
	)
	for _, st := range order {
		report.Attempted++
		err := m.settle(ctx, st, results[st.tx.ID])
		if IsLogError(err) {
			errs = append(errs, err)
		}
		m.mu.Lock()
		status := st.tx.Status
		m.mu.Unlock()
		switch status {
		case record.TxCommitted:
			report.Committed = append(report.Committed, st.tx.ID)
		case record.TxFailed:
			report.Failed = append(report.Failed, st.tx.ID)
		default:
			report.Partial = append(report.Partial, st.tx.ID)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "log append failed")
	}
	return report, err
}

// drainQueue walks one backend's queue in order. Entries that are not due,
// or that failed on this backend, block later entries sharing a key.
func (m *Manager) drainQueue(ctx context.Context, name string, entries []queueEntry, due map[string]*txState) map[string]flushResult {
	stuck := make(map[string]bool)
	out := make(map[string]flushResult)
	for _, e := range entries {
		st, ok := due[e.txID]
		if !ok || touchesAny(stuck, e.keys) {
			if ok {
				out[e.txID] = flushResult{backend: name, blocked: true}
			}
			for _, k := range e.keys {
				stuck[k] = true
			}
			continue
		}
		r := m.flushTarget(ctx, name, st.tx.Ops)
		out[e.txID] = r
		if r.err != nil {
			for _, k := range e.keys {
				stuck[k] = true
			}
		}
	}
	return out
}

func touchesAny(set map[string]bool, keys []string) bool {
	for _, k := range keys {
		if set[k] {
			return true
		}
	}
	return false
}

// flushTx flushes a claimed transaction to its unconfirmed targets in parallel.
func (m *Manager) flushTx(ctx context.Context, st *txState, reason string) error {
	m.mu.Lock()
	pending := st.tx.Unconfirmed()
	ops := st.tx.Ops
	blocked := make(map[string]bool, len(pending))
	for _, name := range pending {
		blocked[name] = m.queues[name].blocked(st.tx.ID, st.keys)
	}
	m.mu.Unlock()

	ctx, span := m.metrics.tracer.Start(ctx, "memsync.flush",
		trace.WithAttributes(
			attribute.String("tx", st.tx.ID),
			attribute.String("reason", reason),
			attribute.Int("targets", len(pending)),
		))
	defer span.End()

	results := make([]flushResult, len(pending))
	var wg sync.WaitGroup
	for i, name := range pending {
		if blocked[name] {
			results[i] = flushResult{backend: name, blocked: true}
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.flushTarget(ctx, name, ops)
		}()
	}
	wg.Wait()

	err := m.settle(ctx, st, results)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush failed")
	}
	return err
}

// flushTarget applies ops to one backend within FlushTimeout.
// The caller gets an answer by the deadline even if Apply never returns.
func (m *Manager) flushTarget(ctx context.Context, name string, ops []record.Operation) flushResult {
	t := m.targets[name]
	fctx, cancel := context.WithTimeout(ctx, m.cfg.FlushTimeout)
	defer cancel()

	health := make(chan backend.Health, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				health <- backend.Down
			}
		}()
		health <- t.Health(fctx)
	}()
	select {
	case h := <-health:
		if h == backend.Down {
			return flushResult{backend: name, err: backend.Unavailable(name, errBackendDown)}
		}
	case <-fctx.Done():
		return flushResult{backend: name, err: backend.Unavailable(name,
			fmt.Errorf("health check exceeded %s: %w", m.cfg.FlushTimeout, fctx.Err()))}
	}

	q := m.queue(name)
	select {
	case q.sem <- struct{}{}:
	case <-fctx.Done():
		return flushResult{backend: name, err: backend.Unavailable(name, fmt.Errorf("waiting for flush slot: %w", fctx.Err()))}
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-q.sem }()
		defer func() {
			if p := recover(); p != nil {
				done <- backend.Unavailable(name, fmt.Errorf("apply panicked: %v", p))
			}
		}()
		done <- t.Apply(fctx, ops)
	}()

	select {
	case err := <-done:
		if err != nil && !record.IsMalformedRecord(err) && !backend.IsUnavailable(err) {
			err = backend.Unavailable(name, err)
		}
		return flushResult{backend: name, err: err}
	case <-fctx.Done():
		return flushResult{backend: name, err: backend.Unavailable(name,
			fmt.Errorf("flush exceeded %s: %w", m.cfg.FlushTimeout, fctx.Err()))}
	}
}

func (m *Manager) queue(name string) *syncQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[name]
}

// settle folds one round of results into the transaction, logs the new
// status and fires the flush hooks. It releases the transaction's claim.
func (m *Manager) settle(ctx context.Context, st *txState, results []flushResult) error {
	m.mu.Lock()
	tx := st.tx
	attempted := 0
	var (
		malformed error
		msgs      []string
	)
	for _, r := range results {
		if r.blocked {
			m.metrics.recordAttempt(ctx, r.backend, "blocked")
			continue
		}
		attempted++
		switch {
		case r.err == nil:
			tx.Confirmed[r.backend] = true
			m.queues[r.backend].remove(tx.ID)
			m.metrics.recordAttempt(ctx, r.backend, "ok")
		case record.IsMalformedRecord(r.err):
			malformed = r.err
			msgs = append(msgs, r.err.Error())
			m.metrics.recordAttempt(ctx, r.backend, "malformed")
		default:
			msgs = append(msgs, r.err.Error())
			m.metrics.recordAttempt(ctx, r.backend, "unavailable")
		}
	}
	if attempted > 0 {
		tx.Attempts++
	}

	now := m.now()
	switch {
	case malformed != nil:
		tx.Status = record.TxFailed
	case len(tx.Unconfirmed()) == 0:
		tx.Status = record.TxCommitted
	case tx.Attempts > m.cfg.RetryMax:
		tx.Status = record.TxFailed
	case attempted == 0:
		// Every target was blocked behind an earlier transaction.
		tx.Status = record.TxPartiallyCommitted
		tx.NextRetry = now
	default:
		tx.Status = record.TxPartiallyCommitted
		tx.NextRetry = now.Add(m.backoff(tx.Attempts))
	}
	if tx.Status.Terminal() {
		tx.NextRetry = time.Time{}
	}
	if len(msgs) > 0 {
		tx.LastError = strings.Join(msgs, "; ")
	} else if tx.Status == record.TxCommitted {
		tx.LastError = ""
	}

	entry, encErr := store.StatusEntry(tx)
	snap := tx.Clone()
	if snap.Status.Terminal() {
		m.retireLocked(st)
	}
	m.mu.Unlock()

	if encErr == nil {
		// A cancelled caller must not lose the status record.
		_, encErr = m.log.Append(context.WithoutCancel(ctx), entry)
	}
	m.mu.Lock()
	st.inflight = false
	m.mu.Unlock()
	if encErr != nil {
		m.logger.Error("log append failed", "tx", snap.ID, "status", string(snap.Status), "error", encErr)
		return &LogError{TxID: snap.ID, Err: encErr}
	}

	m.metrics.recordOutcome(ctx, string(snap.Status))
	ev := hook.Event{TxID: snap.ID, Status: string(snap.Status), Time: now}
	if snap.LastError != "" {
		ev.Err = errors.New(snap.LastError)
	}
	switch snap.Status {
	case record.TxCommitted:
		ev.Kind = hook.FlushCommitted
		ev.Backends = snap.Targets
		m.logger.Debug("transaction committed", "tx", snap.ID, "attempts", snap.Attempts)
	case record.TxFailed:
		ev.Kind = hook.FlushFailed
		ev.Backends = snap.Unconfirmed()
		m.logger.Error("transaction failed", "tx", snap.ID, "attempts", snap.Attempts, "error", snap.LastError)
	default:
		ev.Kind = hook.FlushPartial
		ev.Backends = snap.Unconfirmed()
		m.logger.Warn("transaction partially committed", "tx", snap.ID,
			"attempts", snap.Attempts, "pending", ev.Backends, "next_retry", snap.NextRetry)
	}
	m.hooks.Fire(ctx, ev)

	if snap.Status != record.TxFailed {
		return nil
	}
	if malformed != nil {
		return fmt.Errorf("transaction %s: %w", snap.ID, malformed)
	}
	return fmt.Errorf("transaction %s after %d attempts: %w: %s", snap.ID, snap.Attempts, ErrRetriesExhausted, snap.LastError)
}
