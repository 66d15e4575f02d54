package memsync

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/agentsync/internal/record"
)

// RecoverReport describes what Recover restored from the log.
type RecoverReport struct {
	Requeued   []string
	Corrupt    []string
	Settled    int
	LastOffset int64
}

// Recover replays the log from the start. It restores per-key version
// counters and requeues every non-terminal transaction for the targets that
// have not confirmed it. Targets no longer configured are dropped from a
// recovered transaction with a warning. Call it before new work starts.
func (m *Manager) Recover(ctx context.Context) (RecoverReport, error) {
	state, err := m.log.Recover(ctx)
	if err != nil {
		return RecoverReport{}, fmt.Errorf("recover: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, v := range state.Versions {
		if v > m.versions[key] {
			m.versions[key] = v
		}
	}

	report := RecoverReport{
		Corrupt:    state.Corrupt,
		Settled:    state.Settled,
		LastOffset: state.LastOffset,
	}
	for _, tx := range state.Incomplete {
		if _, ok := m.live[tx.ID]; ok {
			continue
		}
		if _, ok := m.settled[tx.ID]; ok {
			continue
		}
		tx.Targets = slices.DeleteFunc(tx.Targets, func(name string) bool {
			if _, ok := m.targets[name]; ok {
				return false
			}
			m.logger.Warn("dropping unknown target from recovered transaction", "tx", tx.ID, "target", name)
			return true
		})
		if tx.Status == record.TxPending {
			tx.Status = record.TxQueued
		}
		m.seq++
		st := &txState{tx: tx, seq: m.seq, keys: tx.Keys()}
		m.live[tx.ID] = st
		for _, name := range tx.Unconfirmed() {
			m.queues[name].push(tx.ID, st.keys)
		}
		report.Requeued = append(report.Requeued, tx.ID)
	}
	for _, id := range state.Corrupt {
		m.logger.Error("log entry failed digest check", "tx", id)
	}
	m.logger.Info("recovered sync state",
		"requeued", len(report.Requeued), "settled", report.Settled, "corrupt", len(report.Corrupt))
	return report, nil
}
