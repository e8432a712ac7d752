package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/go-dbpool/rawconn"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var errRefused = errors.New("connection refused")

// fakeConn is an in-memory rawconn.Connection
type fakeConn struct {
	mu       sync.Mutex
	queryErr error
	closed   bool
	queries  int
}

func (c *fakeConn) Query(ctx context.Context, query string, args ...any) (*rawconn.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	if c.closed {
		return nil, rawconn.ErrBadConnection
	}
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return &rawconn.Result{Columns: []string{"1"}, Rows: [][]any{{int64(1)}}}, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) setQueryErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queryErr = err
}

// fakeConnector hands out fakeConns and can be told to fail or stall
type fakeConnector struct {
	mu         sync.Mutex
	shouldFail func(attempt int64) bool
	delay      time.Duration
	queryErr   error
	conns      []*fakeConn

	attempts atomic.Int64
}

func (f *fakeConnector) Connect(ctx context.Context) (rawconn.Connection, error) {
	attempt := f.attempts.Inc()

	f.mu.Lock()
	delay, shouldFail, queryErr := f.delay, f.shouldFail, f.queryErr
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldFail != nil && shouldFail(attempt) {
		return nil, errRefused
	}

	c := &fakeConn{queryErr: queryErr}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeConnector) setFail(fn func(attempt int64) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shouldFail = fn
}

func (f *fakeConnector) opened() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

func (f *fakeConnector) openCount() int {
	n := 0
	for _, c := range f.opened() {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

var allStrategies = []Strategy{StrategyQueue, StrategySemaphore}

// testConfig returns a small pool whose maintenance loop never fires on its own
func testConfig() *PoolConfig {
	return NewPoolConfig().
		WithMinConnections(1).
		WithMaxConnections(2).
		WithConnectionTimeout(time.Second).
		WithMaxWaitTime(time.Second).
		WithMaxWaitingRequests(10).
		WithMaintenanceInterval(time.Hour)
}

func newTestPool(t *testing.T, strategy Strategy, cfg *PoolConfig, connector rawconn.Connector) Pool {
	t.Helper()
	p, err := New(Selection{Strategy: strategy, Config: *cfg}, connector)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

// sweepNow runs one maintenance pass synchronously
func sweepNow(p Pool) {
	switch impl := p.(type) {
	case *QueuePool:
		impl.sweep()
	case *SemaphorePool:
		impl.sweep()
	}
}

func waitForWaiting(t *testing.T, p Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Stats().WaitingRequests == n
	}, 2*time.Second, time.Millisecond, "expected %d waiting requests", n)
	// semaphore waiters register just before joining the FIFO
	time.Sleep(10 * time.Millisecond)
}
