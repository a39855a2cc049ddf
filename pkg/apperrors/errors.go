// Package apperrors defines standardized broker and storage errors and
// the error classes that drive retry and kill-switch policy.
package apperrors

import (
	"context"
	"errors"
	"net"
)

// Standardized broker errors
var (
	ErrTimeout            = errors.New("request timed out")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrServerError        = errors.New("broker server error")
	ErrStreamDropped      = errors.New("event stream dropped")
	ErrTokenExpired       = errors.New("session token expired")
	ErrPriceBand          = errors.New("price outside allowed band")
	ErrTickSize           = errors.New("price not a tick size multiple")
	ErrFreezeQty          = errors.New("quantity exceeds freeze limit")
	ErrInsufficientMargin = errors.New("insufficient margin")
	ErrSymbolSuspended    = errors.New("symbol suspended")
	ErrOrderNotFound      = errors.New("order not found")
	ErrDuplicateOrder     = errors.New("duplicate client order id")
	ErrThrottleQueueFull  = errors.New("throttle queue full")
	ErrNotLeader          = errors.New("not the leader")
	ErrCorruptState       = errors.New("corrupt state detected")
)

// Class partitions errors by handling policy, not by language type.
type Class int

const (
	// ClassTransient: retry with backoff up to a bound, then pause entries.
	ClassTransient Class = iota
	// ClassAuth: one token-refresh attempt, then kill switch.
	ClassAuth
	// ClassValidation: log a risk event and skip, never retry.
	ClassValidation
	// ClassBusiness: risk event, cancel the OCO group, no retry.
	ClassBusiness
	// ClassIntegrity: duplicate rejected by the store; treat as success.
	ClassIntegrity
	// ClassFatal: pause, flatten, exit non-zero.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassAuth:
		return "auth"
	case ClassValidation:
		return "validation"
	case ClassBusiness:
		return "business"
	case ClassIntegrity:
		return "integrity"
	case ClassFatal:
		return "fatal"
	}
	return "unknown"
}

// Classify maps an error to its handling class. Unknown errors are
// treated as transient so a flaky broker never wedges the loop.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, ErrDuplicateOrder):
		return ClassIntegrity
	case errors.Is(err, ErrTokenExpired):
		return ClassAuth
	case errors.Is(err, ErrPriceBand),
		errors.Is(err, ErrTickSize),
		errors.Is(err, ErrFreezeQty):
		return ClassValidation
	case errors.Is(err, ErrInsufficientMargin),
		errors.Is(err, ErrSymbolSuspended),
		errors.Is(err, ErrOrderNotFound):
		return ClassBusiness
	case errors.Is(err, ErrNotLeader),
		errors.Is(err, ErrCorruptState):
		return ClassFatal
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrServerError),
		errors.Is(err, ErrStreamDropped),
		errors.Is(err, ErrThrottleQueueFull),
		errors.Is(err, context.DeadlineExceeded),
		isNetError(err):
		return ClassTransient
	}
	return ClassTransient
}

// Retryable reports whether the placement retry loop may re-attempt.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}

func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}
