package order

import (
	"errors"
	"fmt"

	"github.com/example/storefront-orders/internal/domain/inventory"
)

// Error kinds. Match with errors.Is; the HTTP layer maps each kind to a status code.
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInsufficientStock = inventory.ErrInsufficientStock
	ErrInvalidState      = errors.New("invalid state")
	ErrConflict          = errors.New("conflict")
)

// Error is a domain failure with a message safe to show to the caller.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func InvalidRequest(format string, args ...any) error {
	return newError(ErrInvalidRequest, format, args...)
}

func NotFound(format string, args ...any) error {
	return newError(ErrNotFound, format, args...)
}

func Forbidden(format string, args ...any) error {
	return newError(ErrForbidden, format, args...)
}

func InvalidState(format string, args ...any) error {
	return newError(ErrInvalidState, format, args...)
}

func Conflict(format string, args ...any) error {
	return newError(ErrConflict, format, args...)
}
