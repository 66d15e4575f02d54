package memsync

import "slices"

// syncQueue is one backend's ordered queue of unconfirmed transactions.
// All access happens under Manager.mu.
type syncQueue struct {
	backend string
	entries []queueEntry

	// sem admits one Apply at a time. A hung Apply keeps holding it, so later
	// flushes to the same backend time out instead of piling up.
	sem chan struct{}
}

type queueEntry struct {
	txID string
	keys []string
}

func newSyncQueue(name string) *syncQueue {
	return &syncQueue{backend: name, sem: make(chan struct{}, 1)}
}

func (q *syncQueue) push(txID string, keys []string) {
	if q.contains(txID) {
		return
	}
	q.entries = append(q.entries, queueEntry{txID: txID, keys: keys})
}

func (q *syncQueue) remove(txID string) {
	q.entries = slices.DeleteFunc(q.entries, func(e queueEntry) bool { return e.txID == txID })
}

func (q *syncQueue) contains(txID string) bool {
	return slices.ContainsFunc(q.entries, func(e queueEntry) bool { return e.txID == txID })
}

// blocked reports whether an entry ahead of txID shares one of its keys.
func (q *syncQueue) blocked(txID string, keys []string) bool {
	for _, e := range q.entries {
		if e.txID == txID {
			return false
		}
		if sharesKey(e.keys, keys) {
			return true
		}
	}
	return false
}

func (q *syncQueue) snapshot() []queueEntry {
	return slices.Clone(q.entries)
}

// sharesKey reports whether two sorted key lists intersect.
func sharesKey(a, b []string) bool {
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] == b[j]:
			return true
		case a[i] < b[j]:
			i++
		default:
			j++
		}
	}
	return false
}
