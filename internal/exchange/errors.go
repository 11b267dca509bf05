// Package exchange classifies venue errors so the execution engine can tell a
// safe retry from a submission whose outcome is unknown.
package exchange

import (
	"context"
	"errors"
	"net"

	"llm-crypto-trader/internal/api"
)

var (
	// ErrRetryable means the request was refused before any effect, e.g. a rate limit.
	ErrRetryable = errors.New("exchange temporarily unavailable")
	// ErrAmbiguous means the request may or may not have taken effect.
	ErrAmbiguous = errors.New("exchange outcome unknown")
	// ErrFatal means the exchange rejected the request parameters.
	ErrFatal    = errors.New("exchange rejected request")
	ErrNotFound = errors.New("order not found on exchange")
)

type Class int

const (
	ClassNone Class = iota
	ClassRetryable
	ClassAmbiguous
	ClassFatal
	ClassNotFound
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRetryable:
		return "retryable"
	case ClassAmbiguous:
		return "ambiguous"
	case ClassFatal:
		return "fatal"
	case ClassNotFound:
		return "not_found"
	}
	return "unknown"
}

// Classify maps err onto the taxonomy. Anything unrecognised is ambiguous,
// so an order is never resubmitted on a guess.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrFatal):
		return ClassFatal
	case errors.Is(err, ErrAmbiguous):
		return ClassAmbiguous
	case errors.Is(err, ErrRetryable):
		return ClassRetryable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassAmbiguous
	}

	var he *api.HTTPError
	if errors.As(err, &he) {
		if he.Temporary() {
			return ClassRetryable
		}
		return ClassFatal
	}

	// a failed dial never reached the exchange
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return ClassRetryable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassRetryable
	}
	return ClassAmbiguous
}
