package record

import (
	"maps"
	"slices"
	"time"
)

// Relation is a directed, typed edge from a record to another record key.
type Relation struct {
	Type   string `json:"type"`
	Target string `json:"target"`
}

// MemoryRecord is one unit of agent memory persisted across backends.
type MemoryRecord struct {
	ID        string         `json:"id"`
	Namespace string         `json:"namespace"`
	Payload   map[string]any `json:"payload,omitempty"`
	Embedding []float32      `json:"embedding,omitempty"`
	Relations []Relation     `json:"relations,omitempty"`
	Origin    string         `json:"origin,omitempty"`
	TxID      string         `json:"tx_id,omitempty"`
	Version   int64          `json:"version"`
	Tombstone bool           `json:"tombstone,omitempty"`
}

// Key returns the backend-wide key of the record.
func (r MemoryRecord) Key() string {
	return Key(r.Namespace, r.ID)
}

// Key joins a namespace and id. An empty namespace maps to "default".
func Key(namespace, id string) string {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return namespace + "/" + id
}

// DefaultNamespace is used when a record carries no namespace.
const DefaultNamespace = "default"

// OpKind is the kind of a transaction operation.
type OpKind string

const (
	OpPut    OpKind = "put"
	OpDelete OpKind = "delete"
)

// Operation is a single put or delete inside a transaction.
type Operation struct {
	Kind   OpKind       `json:"kind"`
	Record MemoryRecord `json:"record"`
}

// Put builds a put operation.
func Put(rec MemoryRecord) Operation {
	return Operation{Kind: OpPut, Record: rec}
}

// Delete builds a tombstone operation for namespace/id.
func Delete(namespace, id string) Operation {
	return Operation{Kind: OpDelete, Record: MemoryRecord{ID: id, Namespace: namespace, Tombstone: true}}
}

// Key returns the key touched by the operation.
func (o Operation) Key() string {
	return o.Record.Key()
}

// TxStatus is the lifecycle state of a transaction.
type TxStatus string

const (
	TxPending            TxStatus = "pending"
	TxQueued             TxStatus = "queued"
	TxCommitted          TxStatus = "committed"
	TxPartiallyCommitted TxStatus = "partially-committed"
	TxFailed             TxStatus = "failed"
	TxRolledBack         TxStatus = "rolled-back"
)

// Terminal reports whether no further flush can change the status.
func (s TxStatus) Terminal() bool {
	switch s {
	case TxCommitted, TxFailed, TxRolledBack:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s TxStatus) Valid() bool {
	switch s {
	case TxPending, TxQueued, TxCommitted, TxPartiallyCommitted, TxFailed, TxRolledBack:
		return true
	}
	return false
}

// Transaction is an ordered batch of operations targeting a set of backends.
//
// Confirmed holds the names of backends that durably applied every operation.
// Only the sync manager mutates a live transaction; callers get clones.
type Transaction struct {
	ID        string          `json:"id"`
	Ops       []Operation     `json:"ops"`
	Targets   []string        `json:"targets"`
	Status    TxStatus        `json:"status"`
	Attempts  int             `json:"attempts"`
	NextRetry time.Time       `json:"next_retry,omitzero"`
	Confirmed map[string]bool `json:"confirmed,omitempty"`
	LastError string          `json:"last_error,omitempty"`
}

// Keys returns the sorted, de-duplicated record keys touched by the transaction.
func (t *Transaction) Keys() []string {
	keys := make([]string, 0, len(t.Ops))
	for _, op := range t.Ops {
		keys = append(keys, op.Key())
	}
	slices.Sort(keys)
	return slices.Compact(keys)
}

// Unconfirmed returns targets that have not yet confirmed, in target order.
func (t *Transaction) Unconfirmed() []string {
	var out []string
	for _, name := range t.Targets {
		if !t.Confirmed[name] {
			out = append(out, name)
		}
	}
	return out
}

// Clone returns a deep-enough copy for handing outside the sync manager.
// Operations are shared read-only; status fields are copied.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.Ops = slices.Clone(t.Ops)
	c.Targets = slices.Clone(t.Targets)
	c.Confirmed = maps.Clone(t.Confirmed)
	return &c
}
