package order

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound          = errors.New("order: not found")
	ErrInvalidTransition      = errors.New("order: invalid status transition")
	ErrDuplicateOrderNumber   = errors.New("order: order number already taken")
	ErrOrderNumberExhausted   = errors.New("order: could not allocate a unique order number")
	ErrTotalsMismatch         = errors.New("order: total does not equal subtotal + tax + delivery fee")
	ErrDelivererNotAssignable = errors.New("order: deliverer cannot be assigned in current status")
)

type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order: invalid status transition from %s to %s", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
