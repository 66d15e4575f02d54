package record

import (
	"errors"
	"fmt"
)

// MalformedRecordError reports an operation that can never be applied.
// It is fatal to the transaction carrying it and to nothing else.
type MalformedRecordError struct {
	Key    string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("malformed record: %s", e.Reason)
	}
	return fmt.Sprintf("malformed record %s: %s", e.Key, e.Reason)
}

// IsMalformedRecord reports whether err wraps a MalformedRecordError.
func IsMalformedRecord(err error) bool {
	var mre *MalformedRecordError
	return errors.As(err, &mre)
}
