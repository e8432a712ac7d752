package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/go-i2p/go-dbpool/rawconn"
)

// Lease wraps a checked-out connection so that it goes back to its pool
// exactly once, however many times Release or Discard are called.
type Lease struct {
	*PooledConnection

	pool Pool
	once sync.Once
	err  error
}

// Acquire checks a connection out of p and wraps it in a Lease.
func Acquire(ctx context.Context, p Pool) (*Lease, error) {
	pc, err := p.GetConnection(ctx)
	if err != nil {
		return nil, err
	}
	return &Lease{PooledConnection: pc, pool: p}, nil
}

// Release returns the connection to the pool
func (l *Lease) Release() error {
	l.once.Do(func() {
		l.err = l.pool.ReturnConnection(l.PooledConnection)
	})
	return l.err
}

// Discard flags the connection invalid and returns it, so the pool closes it
func (l *Lease) Discard() error {
	l.once.Do(func() {
		l.pool.MarkConnectionInvalid(l.PooledConnection)
		l.err = l.pool.ReturnConnection(l.PooledConnection)
	})
	return l.err
}

// WithConnection runs fn with a checked-out connection and always returns it.
// Connections that fail with rawconn.ErrBadConnection are discarded.
func WithConnection(ctx context.Context, p Pool, fn func(ctx context.Context, conn *PooledConnection) error) (err error) {
	lease, err := Acquire(ctx, p)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			lease.Discard()
			panic(r)
		}
		if errors.Is(err, rawconn.ErrBadConnection) {
			lease.Discard()
			return
		}
		if releaseErr := lease.Release(); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()

	return fn(ctx, lease.PooledConnection)
}
