// Package memsync keeps agent memory consistent across heterogeneous backends.
//
// A Manager turns batches of record operations into transactions. Each
// transaction is serialized per record key, written to a durable log before
// any backend sees it, and flushed to every target backend in parallel.
// Backends that cannot confirm are retried with exponential backoff until the
// transaction commits everywhere or exhausts its retries.
//
// Each backend has its own SyncQueue. A transaction is never applied to a
// backend while an earlier transaction touching one of the same keys is still
// unconfirmed on that backend, so every backend sees per-key writes in order.
package memsync
