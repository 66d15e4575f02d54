package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/agentsync/internal/record"
)

type beginBody struct {
	Ops     []record.Operation `json:"ops"`
	Targets []string           `json:"targets"`
}

type statusBody struct {
	Attempts  int       `json:"attempts"`
	NextRetry time.Time `json:"next_retry,omitzero"`
	Confirmed []string  `json:"confirmed,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// BeginEntry encodes a transaction's operations for the log.
// The digest lets replay detect a body that no longer matches its operations.
func BeginEntry(tx *record.Transaction) (Entry, error) {
	body, err := marshalJSON(beginBody{Ops: tx.Ops, Targets: tx.Targets})
	if err != nil {
		return Entry{}, fmt.Errorf("begin entry %s: %w", tx.ID, err)
	}
	digest, err := record.OpsDigest(tx.Ops)
	if err != nil {
		return Entry{}, fmt.Errorf("begin entry %s: %w", tx.ID, err)
	}
	return Entry{TxID: tx.ID, Kind: EntryBegin, Status: tx.Status, Body: body, Digest: digest}, nil
}

// StatusEntry encodes the current status fields of a transaction.
func StatusEntry(tx *record.Transaction) (Entry, error) {
	confirmed := make([]string, 0, len(tx.Confirmed))
	for name, ok := range tx.Confirmed {
		if ok {
			confirmed = append(confirmed, name)
		}
	}
	slices.Sort(confirmed)
	body, err := marshalJSON(statusBody{
		Attempts:  tx.Attempts,
		NextRetry: tx.NextRetry,
		Confirmed: confirmed,
		LastError: tx.LastError,
	})
	if err != nil {
		return Entry{}, fmt.Errorf("status entry %s: %w", tx.ID, err)
	}
	return Entry{TxID: tx.ID, Kind: EntryStatus, Status: tx.Status, Body: body}, nil
}

// Transaction decodes a begin entry.
func (e Entry) Transaction() (*record.Transaction, error) {
	if e.Kind != EntryBegin {
		return nil, fmt.Errorf("entry %d is %s, not begin", e.Offset, e.Kind)
	}
	var b beginBody
	if err := json.Unmarshal(e.Body, &b); err != nil {
		return nil, fmt.Errorf("decode begin entry %d: %w", e.Offset, err)
	}
	return &record.Transaction{
		ID:        e.TxID,
		Ops:       b.Ops,
		Targets:   b.Targets,
		Status:    e.Status,
		Confirmed: make(map[string]bool),
	}, nil
}

// ApplyStatus folds a status entry onto tx.
func (e Entry) ApplyStatus(tx *record.Transaction) error {
	if e.Kind != EntryStatus {
		return fmt.Errorf("entry %d is %s, not status", e.Offset, e.Kind)
	}
	var b statusBody
	if err := json.Unmarshal(e.Body, &b); err != nil {
		return fmt.Errorf("decode status entry %d: %w", e.Offset, err)
	}
	tx.Status = e.Status
	tx.Attempts = b.Attempts
	tx.NextRetry = b.NextRetry
	tx.LastError = b.LastError
	tx.Confirmed = make(map[string]bool, len(b.Confirmed))
	for _, name := range b.Confirmed {
		tx.Confirmed[name] = true
	}
	return nil
}

// marshalJSON encodes v without HTML escaping or a trailing newline.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
