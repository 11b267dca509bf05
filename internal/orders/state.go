// Package orders holds the order lifecycle transition table.
package orders

import (
	"errors"
	"fmt"

	"llm-crypto-trader/internal/types"
)

var ErrIllegalTransition = errors.New("illegal order state transition")

// transitions lists every allowed status change. Terminal statuses have no
// outgoing edges.
var transitions = map[types.OrderStatus][]types.OrderStatus{
	types.StatusPending: {
		types.StatusAccepted,
		types.StatusPartiallyFilled,
		types.StatusFilled,
		types.StatusRejected,
		types.StatusCancelled,
		types.StatusUnknown,
	},
	types.StatusAccepted: {
		types.StatusPartiallyFilled,
		types.StatusFilled,
		types.StatusCancelled,
		types.StatusRejected,
		types.StatusUnknown,
	},
	types.StatusPartiallyFilled: {
		types.StatusFilled,
		types.StatusCancelled,
		types.StatusUnknown,
	},
	// Unknown is left either by exchange truth or by a bounded resubmission.
	types.StatusUnknown: {
		types.StatusPending,
		types.StatusAccepted,
		types.StatusPartiallyFilled,
		types.StatusFilled,
		types.StatusRejected,
		types.StatusCancelled,
	},
}

// CanTransition reports whether from -> to is in the table. A same-status
// update is always allowed; it may still carry fill progress.
func CanTransition(from, to types.OrderStatus) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns ErrIllegalTransition for any edge not in the table.
func Transition(from, to types.OrderStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Valid reports whether s is a known status.
func Valid(s types.OrderStatus) bool {
	switch s {
	case types.StatusPending, types.StatusAccepted, types.StatusPartiallyFilled,
		types.StatusFilled, types.StatusRejected, types.StatusCancelled, types.StatusUnknown:
		return true
	}
	return false
}
