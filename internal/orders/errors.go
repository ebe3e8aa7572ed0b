package orders

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrConflict          = errors.New("order state conflict")
	ErrAlreadyInState    = errors.New("order already in target state")
	ErrIllegalTransition = errors.New("illegal transition of order status")
	ErrDuplicate         = errors.New("order already exists")
	ErrFulfillmentBusy   = errors.New("fulfillment already in progress")
)

// ValidationError rejects an order before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func invalidCause(field string, cause error, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...), Err: cause}
}

// stateError builds the precondition failure for an order whose persisted
// status is actual. ErrAlreadyInState lets idempotent callers treat a replay
// as a no-op; it still matches ErrConflict.
func stateError(id string, actual, expected, target Status) error {
	if actual == target {
		return fmt.Errorf("%w: order %s is already %s (%w)", ErrAlreadyInState, id, actual, ErrConflict)
	}
	return fmt.Errorf("%w: order %s is %s, expected %s", ErrConflict, id, actual, expected)
}

func claimError(o *Order) error {
	if o.Status != StatusPaid {
		return fmt.Errorf("%w: order %s is %s, expected %s", ErrConflict, o.ID, o.Status, StatusPaid)
	}
	return fmt.Errorf("%w: order %s is %s (%w)", ErrFulfillmentBusy, o.ID, o.FulfillmentStatus, ErrConflict)
}
