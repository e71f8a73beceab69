package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple conditions without extra context.
var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAttemptNotFound      = errors.New("approval attempt not found")
	ErrProjectNotFound      = errors.New("project not found")

	// ErrAttemptInFlight is returned by the store when a second open attempt
	// is created for a subscription.
	ErrAttemptInFlight = errors.New("approval attempt already in flight")

	// ErrAttemptNotClaimable means the attempt is terminal, not yet due, or
	// leased by another worker.
	ErrAttemptNotClaimable = errors.New("approval attempt not claimable")

	// ErrLeaseLost means another worker claimed or finished the attempt after
	// the caller's lease ran out.
	ErrLeaseLost = errors.New("approval attempt lease lost")

	// ErrConcurrencyConflict is returned when a save observes a newer stored version.
	ErrConcurrencyConflict = errors.New("concurrent modification")

	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

// TransitionError is returned when a lifecycle event is not allowed from the
// subscription's current state.
type TransitionError struct {
	Event     Event
	Current   Status
	Requested Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s subscription: current state %q, requested state %q",
		e.Event, e.Current, e.Requested)
}

// AttemptStateError is returned when an operation does not fit an approval
// attempt's current state.
type AttemptStateError struct {
	AttemptID string
	Operation string
	Current   AttemptState
}

func (e *AttemptStateError) Error() string {
	return fmt.Sprintf("cannot %s for approval attempt %s in state %q", e.Operation, e.AttemptID, e.Current)
}

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ProvisionerError classifies a failed invoice provisioner call.
type ProvisionerError struct {
	Retriable bool
	Err       error
}

func (e *ProvisionerError) Error() string {
	kind := "permanent"
	if e.Retriable {
		kind = "transient"
	}
	return fmt.Sprintf("%s provisioner error: %v", kind, e.Err)
}

func (e *ProvisionerError) Unwrap() error { return e.Err }

// TransientProvisionerError wraps err as worth retrying.
func TransientProvisionerError(err error) error {
	return &ProvisionerError{Retriable: true, Err: err}
}

// PermanentProvisionerError wraps err as never going to succeed.
func PermanentProvisionerError(err error) error {
	return &ProvisionerError{Retriable: false, Err: err}
}

// IsRetriable reports whether a provisioner failure should be retried.
// Errors that carry no classification are treated as transient.
func IsRetriable(err error) bool {
	var pe *ProvisionerError
	if errors.As(err, &pe) {
		return pe.Retriable
	}
	return err != nil
}
