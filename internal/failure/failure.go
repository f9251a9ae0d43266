package failure

import (
	"errors"
	"fmt"
)

// DataError reports malformed or missing input. It aborts a run before any ledger interaction.
type DataError struct {
	Source string
	Reason string
	Err    error
}

func (e *DataError) Error() string {
	msg := fmt.Sprintf("data error (%s): %s", e.Source, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DataError) Unwrap() error { return e.Err }

// ValidationError reports a value outside its domain bounds. Never retried, never clamped.
type ValidationError struct {
	Field string
	Value string
	Bound string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s outside %s", e.Field, e.Value, e.Bound)
}

// ConnectionError wraps an unreachable RPC endpoint or transport failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransactionError is a ledger-level failure: either an explicit revert or a confirmation timeout.
type TransactionError struct {
	Op       string
	TxID     string
	Reverted bool
	Timeout  bool
	Err      error
}

func (e *TransactionError) Error() string {
	kind := "failed"
	switch {
	case e.Reverted:
		kind = "reverted"
	case e.Timeout:
		kind = "timed out"
	}
	msg := fmt.Sprintf("transaction %s %s", e.Op, kind)
	if e.TxID != "" {
		msg += " (" + e.TxID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransactionError) Unwrap() error { return e.Err }

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var txErr *TransactionError
	if errors.As(err, &txErr) {
		return txErr.Timeout && !txErr.Reverted
	}
	return false
}

// IsData reports whether err carries a DataError.
func IsData(err error) bool {
	var dataErr *DataError
	return errors.As(err, &dataErr)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var valErr *ValidationError
	return errors.As(err, &valErr)
}

// IsTimeout reports whether err is a write whose confirmation never arrived. The write may still land.
func IsTimeout(err error) bool {
	var txErr *TransactionError
	return errors.As(err, &txErr) && txErr.Timeout
}

// IsRevert reports whether err is an explicit on-chain rejection.
func IsRevert(err error) bool {
	var txErr *TransactionError
	return errors.As(err, &txErr) && txErr.Reverted
}
