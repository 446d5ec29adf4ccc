package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")
)

// MalformedRecordError marks a record that can never be delivered.
type MalformedRecordError struct {
	RecordID string
	Reason   string
}

func (e *MalformedRecordError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.RecordID == "" {
		return fmt.Sprintf("malformed record: %s", e.Reason)
	}
	return fmt.Sprintf("malformed record %s: %s", e.RecordID, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return ErrValidation
}

// TransientStoreError wraps a record store failure that the trigger layer
// should retry by redelivering the event.
type TransientStoreError struct {
	Op       string
	RecordID string
	Cause    error
}

func (e *TransientStoreError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 3)
	parts = append(parts, "record store error")
	if op := strings.TrimSpace(e.Op); op != "" {
		parts = append(parts, "op="+op)
	}
	if e.RecordID != "" {
		parts = append(parts, "record="+e.RecordID)
	}

	msg := strings.Join(parts, " ")
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *TransientStoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransientStoreError reports whether err carries a *TransientStoreError.
func IsTransientStoreError(err error) bool {
	var storeErr *TransientStoreError
	return errors.As(err, &storeErr)
}
