package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("session not found")
	ErrInvalidCredentials = errors.New("invalid recipient credentials")
)

// ValidationError covers malformed session parameters. Fatal, never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid session: %s", e.Reason)
}

// InvalidTransitionError is returned when an operation is attempted in a
// session state that does not permit it.
type InvalidTransitionError struct {
	Op     string
	Status SessionStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s not allowed while session is %s", e.Op, e.Status)
}

// OrderingViolationError is returned when a signer acts on a field before
// every signer earlier in the sequence has completed their required fields.
type OrderingViolationError struct {
	FieldID     string
	RecipientID string
	WaitingOn   string
}

func (e *OrderingViolationError) Error() string {
	return fmt.Sprintf("field %s is not yet actionable for recipient %s (waiting on %s)", e.FieldID, e.RecipientID, e.WaitingOn)
}

// InvalidFieldError is returned when a field does not exist or does not belong
// to the calling recipient.
type InvalidFieldError struct {
	FieldID     string
	RecipientID string
	Reason      string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("field %s invalid for recipient %s: %s", e.FieldID, e.RecipientID, e.Reason)
}

// IncompleteRequiredFieldsError identifies the first incomplete required
// field in navigation order so the caller can jump straight to it.
type IncompleteRequiredFieldsError struct {
	RecipientID  string
	FirstFieldID string
	Remaining    int
}

func (e *IncompleteRequiredFieldsError) Error() string {
	return fmt.Sprintf("recipient %s has %d incomplete required field(s), first is %s", e.RecipientID, e.Remaining, e.FirstFieldID)
}

// NetworkError wraps a transient transport failure. Retried with backoff,
// never loses locally persisted data.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ConflictError means the remote state diverged definitively; the local record
// is dropped and the user is not re-prompted.
type ConflictError struct {
	RemoteStatus SessionStatus
	Reason       string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote session is %s: %s", e.RemoteStatus, e.Reason)
}

// TimestampError covers the best-effort timestamp subsystem. Logged and
// degraded to "signature valid, timestamp unset"; never reverses a signature.
type TimestampError struct {
	Stage string
	Err   error
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("timestamp %s failed: %v", e.Stage, e.Err)
}

func (e *TimestampError) Unwrap() error { return e.Err }
