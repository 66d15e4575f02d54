package record

import (
	"fmt"
	"math"
	"strings"
)

// Validate checks a batch of operations before a transaction is opened.
// The first problem found is returned as a *MalformedRecordError.
func Validate(ops []Operation) error {
	if len(ops) == 0 {
		return &MalformedRecordError{Reason: "transaction has no operations"}
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("op[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate checks a single operation.
func (o Operation) Validate() error {
	rec := o.Record
	key := rec.Key()
	switch o.Kind {
	case OpPut, OpDelete:
	default:
		return &MalformedRecordError{Key: key, Reason: fmt.Sprintf("unknown operation kind %q", o.Kind)}
	}
	if strings.TrimSpace(rec.ID) == "" {
		return &MalformedRecordError{Key: key, Reason: "empty id"}
	}
	if strings.Contains(rec.ID, "/") || strings.Contains(rec.Namespace, "/") {
		return &MalformedRecordError{Key: key, Reason: "id and namespace must not contain '/'"}
	}
	if o.Kind == OpDelete {
		return nil
	}
	if rec.Tombstone {
		return &MalformedRecordError{Key: key, Reason: "put operation carries a tombstone"}
	}
	if rec.Payload != nil {
		if _, err := MarshalCanonical(rec.Payload); err != nil {
			return &MalformedRecordError{Key: key, Reason: err.Error()}
		}
	}
	for j, x := range rec.Embedding {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return &MalformedRecordError{Key: key, Reason: fmt.Sprintf("embedding[%d] is not finite", j)}
		}
	}
	for _, rel := range rec.Relations {
		if rel.Type == "" || rel.Target == "" {
			return &MalformedRecordError{Key: key, Reason: "relation needs type and target"}
		}
	}
	return nil
}
