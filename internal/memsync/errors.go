package memsync

import (
	"errors"
	"fmt"

	"github.com/roach88/agentsync/internal/record"
)

var (
	// ErrUnknownTransaction is returned for a transaction id the manager never issued.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrLockTimeout is returned when per-key locks could not be taken within LockTimeout.
	ErrLockTimeout = errors.New("lock wait timed out")

	// ErrRetriesExhausted marks a transaction that failed after FlushRetryMax retries.
	ErrRetriesExhausted = errors.New("flush retries exhausted")

	// ErrCommitInProgress is returned when another Commit already claimed the transaction.
	ErrCommitInProgress = errors.New("commit already in progress")

	errBackendDown = errors.New("health check reported down")
)

// LogError reports a failed write to the durable log. It is structural:
// callers must treat it as fatal.
type LogError struct {
	TxID string
	Err  error
}

func (e *LogError) Error() string {
	return fmt.Sprintf("log append for transaction %s: %v", e.TxID, e.Err)
}

func (e *LogError) Unwrap() error {
	return e.Err
}

// IsLogError reports whether err wraps a *LogError.
func IsLogError(err error) bool {
	var le *LogError
	return errors.As(err, &le)
}

// StateError reports an operation the transaction's current status does not allow.
type StateError struct {
	TxID   string
	Status record.TxStatus
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s transaction %s in status %s", e.Op, e.TxID, e.Status)
}
