package models

import "errors"

// Engine error taxonomy. Callers match with errors.Is; every layer wraps with %w.
var (
	// ErrInvalidTransition is returned when the enrollment's current status does not allow the operation.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInsufficientFunds is returned when a hold would push the wallet past its credit limit.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInsufficientHold means an enrollment reached settlement without an open hold.
	ErrInsufficientHold = errors.New("insufficient hold")
	ErrValidation       = errors.New("validation error")
	// ErrTimeout is returned when an external collaborator did not answer in time.
	ErrTimeout      = errors.New("timeout")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	// ErrInvoiceExists is returned by invoice storage when the period overlaps an invoiced one.
	ErrInvoiceExists = errors.New("invoice already exists for period")
)

// ErrorCode returns the stable machine-readable code for err, or "internal".
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInsufficientHold):
		return "insufficient_hold"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "internal"
	}
}
