// Package backend normalizes heterogeneous stores behind a closed set of
// capability traits: KeyValueStore, VectorStore, GraphStore and DocumentStore.
//
// Concrete drivers live in sub-packages (badgerkv, chromemvec, sqlgraph,
// mongodoc). The sync manager never talks to them directly; Adapt turns any
// Backend into a Target that applies record operations with a version guard,
// so re-applying an operation is always safe.
//
// Drivers report connectivity loss as *UnavailableError and never panic.
package backend
