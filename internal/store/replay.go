package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/agentsync/internal/record"
)

// RecoveryState is the folded view of the log used to resume after a crash.
type RecoveryState struct {
	// Incomplete holds non-terminal transactions in begin order.
	Incomplete []*record.Transaction
	// Versions is the highest assigned version per record key.
	Versions map[string]int64
	// LastOffset is the offset of the last entry read.
	LastOffset int64
	// Corrupt lists transactions whose begin body no longer matches its digest.
	Corrupt []string
	// Settled counts transactions that reached a terminal status.
	Settled int
}

// Recover replays the whole log and returns every transaction that still
// needs flushing. A transaction is incomplete if its latest status is
// queued, pending or partially-committed.
func (s *Store) Recover(ctx context.Context) (RecoveryState, error) {
	state := RecoveryState{}

	versions, err := s.Versions(ctx)
	if err != nil {
		return state, fmt.Errorf("recover: %w", err)
	}
	state.Versions = versions

	it, err := s.Replay(ctx, 0)
	if err != nil {
		return state, fmt.Errorf("recover: %w", err)
	}
	defer it.Close()

	byID := make(map[string]*record.Transaction)
	var order []string
	corrupt := make(map[string]bool)

	for it.Next() {
		e := it.Entry()
		state.LastOffset = e.Offset

		switch e.Kind {
		case EntryBegin:
			tx, err := e.Transaction()
			if err != nil {
				return state, fmt.Errorf("recover: %w", err)
			}
			digest, err := record.OpsDigest(tx.Ops)
			if err != nil || digest != e.Digest {
				corrupt[e.TxID] = true
				continue
			}
			if _, seen := byID[tx.ID]; !seen {
				order = append(order, tx.ID)
			}
			byID[tx.ID] = tx
		case EntryStatus:
			tx, ok := byID[e.TxID]
			if !ok {
				// Status for a compacted or corrupt begin; nothing to resume.
				continue
			}
			if err := e.ApplyStatus(tx); err != nil {
				return state, fmt.Errorf("recover: %w", err)
			}
		}
	}
	if err := it.Err(); err != nil {
		return state, fmt.Errorf("recover: %w", err)
	}

	for _, id := range order {
		tx := byID[id]
		if tx.Status.Terminal() {
			state.Settled++
			continue
		}
		state.Incomplete = append(state.Incomplete, tx)
	}
	for id := range corrupt {
		state.Corrupt = append(state.Corrupt, id)
	}
	slices.Sort(state.Corrupt)

	return state, nil
}
