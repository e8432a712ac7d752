package pool

import (
	"errors"
	"time"

	"github.com/samber/oops"
)

// Sentinel errors returned by pools, always wrapped with an oops error that
// carries a code and context. Match them with errors.Is.
var (
	ErrConfigInvalid          = errors.New("pool: invalid configuration")
	ErrConnectionCreateFailed = errors.New("pool: connection creation failed")
	ErrPoolClosed             = errors.New("pool: pool is closed")
	ErrPoolClosing            = errors.New("pool: pool is closing")
	ErrPoolExhausted          = errors.New("pool: connection pool exhausted")
	ErrWaitQueueFull          = errors.New("pool: wait queue is full")
	ErrPoolTimeout            = errors.New("pool: timed out waiting for a connection")
	ErrValidationFailed       = errors.New("pool: connection validation failed")
	ErrNotCheckedOut          = errors.New("pool: connection is not checked out from this pool")
	ErrUnknownProfile         = errors.New("pool: unknown profile")
	ErrUnknownStrategy        = errors.New("pool: unknown strategy")
)

// IsTransient reports whether err is an admission failure the caller may retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, ErrWaitQueueFull) ||
		errors.Is(err, ErrPoolTimeout)
}

// IsFatal reports whether err means the pool can no longer serve the caller.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfigInvalid) ||
		errors.Is(err, ErrPoolClosed) ||
		errors.Is(err, ErrPoolClosing)
}

func errPoolClosed(strategy Strategy) error {
	return oops.
		Code("POOL_CLOSED").
		In("pool").
		With("strategy", strategy.String()).
		Wrap(ErrPoolClosed)
}

func errPoolClosing(strategy Strategy) error {
	return oops.
		Code("POOL_CLOSING").
		In("pool").
		With("strategy", strategy.String()).
		Wrap(ErrPoolClosing)
}

func errPoolExhausted(strategy Strategy, active, max int) error {
	return oops.
		Code("POOL_EXHAUSTED").
		In("pool").
		With("strategy", strategy.String()).
		With("active_connections", active).
		With("max_connections", max).
		Wrapf(ErrPoolExhausted, "fast-fail rejected checkout")
}

func errWaitQueueFull(strategy Strategy, waiting, max int) error {
	return oops.
		Code("WAIT_QUEUE_FULL").
		In("pool").
		With("strategy", strategy.String()).
		With("waiting_requests", waiting).
		With("max_waiting_requests", max).
		Wrap(ErrWaitQueueFull)
}

func errPoolTimeout(strategy Strategy, waited time.Duration, timeoutRate float64) error {
	return oops.
		Code("POOL_TIMEOUT").
		In("pool").
		With("strategy", strategy.String()).
		With("max_wait_time", waited.String()).
		With("timeout_rate", timeoutRate).
		Wrapf(ErrPoolTimeout, "no connection within %s", waited)
}

func errCreateFailed(cause error) error {
	return oops.
		Code("CONNECTION_CREATE_FAILED").
		In("pool").
		Wrapf(errors.Join(ErrConnectionCreateFailed, cause), "failed to create connection")
}

func errValidationFailed(id uint64, cause error) error {
	return oops.
		Code("VALIDATION_FAILED").
		In("pool").
		With("connection_id", id).
		Wrapf(errors.Join(ErrValidationFailed, cause), "validation query failed")
}

func errNotCheckedOut(id uint64) error {
	return oops.
		Code("NOT_CHECKED_OUT").
		In("pool").
		With("connection_id", id).
		Wrap(ErrNotCheckedOut)
}

func errContextDone(cause error) error {
	return oops.
		Code("CONTEXT_DONE").
		In("pool").
		Wrapf(cause, "checkout abandoned")
}
