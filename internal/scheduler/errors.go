package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning rejects submissions while the dispatcher is stopped.
	ErrNotRunning = errors.New("scheduler not running")

	// ErrUnknownRequest is returned for lookups/cancels of ids the scheduler
	// has never seen or has already pruned.
	ErrUnknownRequest = errors.New("unknown request")

	// ErrCancelled is the terminal error of an explicitly cancelled request.
	ErrCancelled = errors.New("request cancelled")

	// ErrTimedOut is the terminal error when the submitter's deadline elapsed
	// first. Distinct from scheduler-side failures.
	ErrTimedOut = errors.New("request timed out")

	// ErrNoCapacity means no usable account became available within the
	// acquire timeout.
	ErrNoCapacity = errors.New("no usable account available")

	// ErrRetryExhausted wraps the last execution error once the attempt
	// budget is spent.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)

// ValidationError rejects a submission before it enters any queue.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// TransientError marks an execution failure worth retrying on any account
// (upstream timeout, connection reset, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an execution failure that invalidates the account it
// ran on (expired credentials, quota exhausted). The request itself is still
// retried on a different account, within the attempt budget.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err; nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err; nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the account-invalidating signal.
// Unclassified errors count as transient.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RequestError is the surfaced form of every terminal failure: it carries the
// request id and the last-known account for diagnosis.
type RequestError struct {
	RequestID string
	Account   string
	Err       error
}

func (e *RequestError) Error() string {
	if e.Account == "" {
		return fmt.Sprintf("request %s: %v", e.RequestID, e.Err)
	}
	return fmt.Sprintf("request %s (account %s): %v", e.RequestID, e.Account, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }
