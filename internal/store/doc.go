// Package store provides the SQLite-backed write-ahead log for the sync layer.
//
// The log is append-only. Each entry is either:
//   - begin: a transaction's operations, targets and assigned versions
//   - status: a later state of that transaction (queued, partially-committed, ...)
//
// Offsets are the SQLite rowid and strictly increase; Replay(from) yields entries
// in offset order so folding them reproduces every transaction's latest state.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Record versions are kept in a side table updated in the same SQL transaction
// as the begin entry, so Compact can drop settled entries without losing them.
package store
