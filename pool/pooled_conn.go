package pool

import (
	"context"
	"sync"
	"time"

	"github.com/go-i2p/go-dbpool/rawconn"
)

// PooledConnection represents a raw connection owned by a pool, together with
// its usage and lifecycle metadata.
//
// A PooledConnection is either idle inside its pool or checked out by exactly
// one caller. Once flagged invalid it is never handed out again and is closed
// and removed on return or during the next maintenance sweep.
type PooledConnection struct {
	// Conn is the underlying raw connection
	Conn rawconn.Connection

	id      uint64
	created time.Time

	mu            sync.Mutex
	lastUsed      time.Time
	lastValidated time.Time
	inUse         bool
	inTransaction bool
	invalid       bool
	validating    bool
	closed        bool
}

func newPooledConnection(id uint64, conn rawconn.Connection) *PooledConnection {
	now := time.Now()
	return &PooledConnection{
		Conn:     conn,
		id:       id,
		created:  now,
		lastUsed: now,
	}
}

// ID returns the pool-unique identifier of the connection
func (pc *PooledConnection) ID() uint64 {
	return pc.id
}

// Created returns when the raw connection was established
func (pc *PooledConnection) Created() time.Time {
	return pc.created
}

// LastUsed returns the last checkout or checkin time
func (pc *PooledConnection) LastUsed() time.Time {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastUsed
}

// LastValidated returns the last successful validation time.
// The boolean is false if the connection was never validated.
func (pc *PooledConnection) LastValidated() (time.Time, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastValidated, !pc.lastValidated.IsZero()
}

// InUse reports whether the connection is checked out
func (pc *PooledConnection) InUse() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.inUse
}

// InTransaction reports whether the holder flagged an open transaction
func (pc *PooledConnection) InTransaction() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.inTransaction
}

// SetInTransaction lets the holder record that a transaction is open.
// Callers must end the transaction before returning the connection; the pool
// only logs a warning and clears the flag if they do not.
func (pc *PooledConnection) SetInTransaction(open bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.inTransaction = open
}

// Invalid reports whether the connection was flagged unusable
func (pc *PooledConnection) Invalid() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.invalid
}

// IsExpired reports whether the connection has been unused for longer than maxIdle.
func (pc *PooledConnection) IsExpired(maxIdle time.Duration) bool {
	return pc.isExpiredAt(time.Now(), maxIdle)
}

func (pc *PooledConnection) isExpiredAt(now time.Time, maxIdle time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return now.Sub(pc.lastUsed) > maxIdle
}

// NeedsValidation reports whether the connection was never validated or its
// last validation is older than interval.
func (pc *PooledConnection) NeedsValidation(interval time.Duration) bool {
	return pc.needsValidationAt(time.Now(), interval)
}

func (pc *PooledConnection) needsValidationAt(now time.Time, interval time.Duration) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.lastValidated.IsZero() || now.Sub(pc.lastValidated) > interval
}

// MarkInUse flags the connection as checked out. Pool implementations call
// this; holders should not.
func (pc *PooledConnection) MarkInUse() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.inUse = true
	advance(&pc.lastUsed, time.Now())
}

// MarkIdle flags the connection as returned and clears the transaction flag.
func (pc *PooledConnection) MarkIdle() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.inUse = false
	pc.inTransaction = false
	advance(&pc.lastUsed, time.Now())
}

// MarkValidated records a successful validation probe.
func (pc *PooledConnection) MarkValidated() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	advance(&pc.lastValidated, time.Now())
}

// Query runs a statement on the underlying raw connection.
func (pc *PooledConnection) Query(ctx context.Context, query string, args ...any) (*rawconn.Result, error) {
	return pc.Conn.Query(ctx, query, args...)
}

func (pc *PooledConnection) markInvalid() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.invalid = true
}

func (pc *PooledConnection) setValidating(v bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.validating = v
}

func (pc *PooledConnection) validatingNow() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.validating
}

// available reports whether the connection may be handed to a caller now
func (pc *PooledConnection) available() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return !pc.inUse && !pc.invalid && !pc.validating && !pc.closed
}

// idle reports whether the connection sits in the idle set (validation included)
func (pc *PooledConnection) idle() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return !pc.inUse
}

// closeRaw closes the raw connection the first time it is called.
// The boolean reports whether this call performed the close.
func (pc *PooledConnection) closeRaw() (bool, error) {
	pc.mu.Lock()
	if pc.closed {
		pc.mu.Unlock()
		return false, nil
	}
	pc.closed = true
	pc.invalid = true
	pc.mu.Unlock()

	return true, pc.Conn.Close()
}

// advance moves *t forward to now, never backwards
func advance(t *time.Time, now time.Time) {
	if now.After(*t) {
		*t = now
	}
}
