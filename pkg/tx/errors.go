package tx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// RetryWith signals that the current attempt cannot succeed as opened, but a
// new attempt with adjusted parameters can. The dispatcher merges Params into
// the extras of the next attempt; the subsystem raising RetryWith guarantees
// forward progress (the same adjustment is never requested twice in a row for
// a well-formed call).
type RetryWith struct {
	// Params are merged into the parameters used to open the next attempt.
	Params map[string]any
	Reason string
}

func (e *RetryWith) Error() string {
	return fmt.Sprintf("retry with adjusted parameters: %s", e.Reason)
}

// OperationalError wraps transient storage contention: serialization
// failures, deadlocks. Read-write calls may retry these with backoff.
type OperationalError struct {
	Err error
}

func (e *OperationalError) Error() string { return "storage operational error: " + e.Err.Error() }
func (e *OperationalError) Unwrap() error { return e.Err }

// TimeoutError wraps a storage-level statement or call timeout. Never retried.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string { return "storage timeout: " + e.Err.Error() }
func (e *TimeoutError) Unwrap() error { return e.Err }

// UserError is a validation failure addressed to the caller.
type UserError struct {
	Message     string
	Description string
}

func (e *UserError) Error() string { return e.Message }

// UserWarning asks the caller to confirm before proceeding. The Name keys the
// caller's acknowledgement on a later call.
type UserWarning struct {
	Name    string
	Message string
}

func (e *UserWarning) Error() string { return e.Message }

// ConcurrencyError reports a write conflict detected through the caller's
// timestamp constraint: the record changed since the caller last read it.
type ConcurrencyError struct {
	Model string
	ID    int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("record %s(%d) was modified since it was read", e.Model, e.ID)
}

// LoginError reports a failed authentication attempt.
type LoginError struct {
	Reason string
}

func (e *LoginError) Error() string { return "login failed: " + e.Reason }

// RateLimitError reports that authentication attempts are being throttled.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many attempts, retry after %s", e.RetryAfter)
}

// IsBusiness reports whether err is an expected outcome of normal operation:
// validation failures, confirmation warnings, write conflicts, failed logins.
// Business errors are logged tersely and never retried.
func IsBusiness(err error) bool {
	var (
		ue *UserError
		uw *UserWarning
		ce *ConcurrencyError
		le *LoginError
		re *RateLimitError
	)
	return errors.As(err, &ue) || errors.As(err, &uw) ||
		errors.As(err, &ce) || errors.As(err, &le) || errors.As(err, &re)
}

// Postgres error classes relevant to retry classification.
// 40001 serialization_failure, 40P01 deadlock_detected, 57014 query_canceled
// (raised by statement_timeout).
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgQueryCanceled        = "57014"
)

// Classify maps a driver-level error onto the dispatcher's taxonomy. Errors
// already in the taxonomy pass through unchanged; anything unrecognized is
// returned as-is and treated as fatal by the retry loop.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var (
		rw *RetryWith
		oe *OperationalError
		te *TimeoutError
	)
	if errors.As(err, &rw) || errors.As(err, &oe) || errors.As(err, &te) || IsBusiness(err) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgSerializationFailure, pgDeadlockDetected:
			return &OperationalError{Err: err}
		case pgQueryCanceled:
			return &TimeoutError{Err: err}
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Err: err}
	}
	return err
}
