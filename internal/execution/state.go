// Package execution owns the order lifecycle: the state machine, the
// submit pipeline from risk check to broker, and the lifecycle event bus.
package execution

import (
	"fmt"

	"github.com/mlukyanov/tradecore/internal/types"
)

// transitions is the legal order state machine. Terminal states have no
// entry: nothing leaves FILLED, REJECTED, CANCELED or EXPIRED.
var transitions = map[types.OrderStatus][]types.OrderStatus{
	types.OrderStatusPending: {
		types.OrderStatusValidated,
		types.OrderStatusRejected,
		types.OrderStatusCanceled,
	},
	types.OrderStatusValidated: {
		types.OrderStatusSubmitted,
		types.OrderStatusRejected,
		types.OrderStatusCanceled,
	},
	types.OrderStatusSubmitted: {
		types.OrderStatusPartial,
		types.OrderStatusFilled,
		types.OrderStatusRejected,
		types.OrderStatusCanceled,
		types.OrderStatusExpired,
	},
	types.OrderStatusPartial: {
		types.OrderStatusFilled,
		types.OrderStatusCanceled,
		types.OrderStatusRejected,
		types.OrderStatusExpired,
	},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to types.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a TransitionError if the move is illegal.
func ValidateTransition(from, to types.OrderStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

// TransitionError reports an illegal state machine move. It unwraps to
// types.ErrInvalidTransition so callers can branch with errors.Is.
type TransitionError struct {
	From types.OrderStatus
	To   types.OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", types.ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return types.ErrInvalidTransition
}
