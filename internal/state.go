package internal

import (
	"go.uber.org/atomic"
)

// PoolState represents the lifecycle state of a pool
type PoolState int32

const (
	// StateUninitialized represents a constructed pool that has not warmed up yet
	StateUninitialized PoolState = iota
	// StateReady represents an initialized pool serving checkouts
	StateReady
	// StateClosing represents a pool that is failing waiters and closing connections
	StateClosing
	// StateClosed represents a fully shut down pool
	StateClosed
)

// String returns the string representation of the pool state
func (s PoolState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state no longer accepts checkouts.
func (s PoolState) Terminal() bool {
	return s == StateClosing || s == StateClosed
}

// StateHolder stores a PoolState that can be read without the pool lock.
// Writers still serialize through the pool lock.
type StateHolder struct {
	v atomic.Int32
}

// Load returns the current state
func (h *StateHolder) Load() PoolState {
	return PoolState(h.v.Load())
}

// Store replaces the current state
func (h *StateHolder) Store(s PoolState) {
	h.v.Store(int32(s))
}

// CompareAndSwap moves the state from old to new if it still equals old
func (h *StateHolder) CompareAndSwap(old, new PoolState) bool {
	return h.v.CompareAndSwap(int32(old), int32(new))
}

// Counters holds monotonically increasing pool counters.
// All fields are safe for concurrent use without the pool lock.
type Counters struct {
	Requests           atomic.Int64
	Timeouts           atomic.Int64
	FastFailures       atomic.Int64
	QueueRejections    atomic.Int64
	Created            atomic.Int64
	CreateFailures     atomic.Int64
	Closed             atomic.Int64
	ValidationFailures atomic.Int64
}

// TimeoutRate returns the fraction of all requests that timed out
func (c *Counters) TimeoutRate() float64 {
	return Ratio(c.Timeouts.Load(), c.Requests.Load())
}
