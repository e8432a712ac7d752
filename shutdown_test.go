package dbpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-i2p/go-dbpool/pool"
	"github.com/go-i2p/go-dbpool/rawconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct{}

func (nopConn) Query(ctx context.Context, query string, args ...any) (*rawconn.Result, error) {
	return &rawconn.Result{}, nil
}

func (nopConn) Close() error { return nil }

func openTestPool(t *testing.T) pool.Pool {
	t.Helper()
	cfg := pool.NewPoolConfig().
		WithMinConnections(1).
		WithMaxConnections(2).
		WithMaintenanceInterval(time.Hour)
	connector := rawconn.ConnectorFunc(func(ctx context.Context) (rawconn.Connection, error) {
		return nopConn{}, nil
	})
	p, err := pool.Open(context.Background(), pool.Selection{Strategy: pool.StrategyQueue, Config: *cfg}, connector)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

type recordingCloser struct {
	mu     sync.Mutex
	closed int
	err    error
	onDone func()
}

func (c *recordingCloser) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	if c.onDone != nil {
		c.onDone()
	}
	return c.err
}

func (c *recordingCloser) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestNewShutdownManager(t *testing.T) {
	tests := []struct {
		name            string
		timeout         time.Duration
		expectedTimeout time.Duration
	}{
		{"with custom timeout", 10 * time.Second, 10 * time.Second},
		{"with zero timeout uses default", 0, DefaultShutdownTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewShutdownManager(tt.timeout)

			require.NotNil(t, sm)
			assert.Equal(t, tt.expectedTimeout, sm.timeout)
			assert.NotNil(t, sm.ctx)
			assert.NotNil(t, sm.pools)
			assert.NotNil(t, sm.closers)
		})
	}
}

func TestShutdownManager_Context(t *testing.T) {
	sm := NewShutdownManager(time.Second)

	select {
	case <-sm.Context().Done():
		t.Fatal("context should not be cancelled before shutdown")
	default:
	}

	require.NoError(t, sm.Shutdown())
	sm.Wait()

	select {
	case <-sm.Context().Done():
	default:
		t.Fatal("context should be cancelled after shutdown")
	}
}

func TestShutdownManager_ClosesEverythingOnce(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	p := openTestPool(t)
	closer := &recordingCloser{}

	sm.RegisterPool("main", p)
	sm.RegisterCloser("monitor", closer)
	sm.RegisterPool("nil", nil)
	sm.RegisterCloser("nil", nil)

	require.NoError(t, sm.Shutdown())
	require.NoError(t, sm.Shutdown())

	assert.Equal(t, 1, closer.count())
	assert.Equal(t, "closed", p.Stats().State)
	_, err := p.GetConnection(context.Background())
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
}

func TestShutdownManager_WaitsForDrain(t *testing.T) {
	sm := NewShutdownManager(2 * time.Second)
	p := openTestPool(t)
	sm.RegisterPool("main", p)

	pc, err := p.GetConnection(context.Background())
	require.NoError(t, err)

	returned := make(chan struct{})
	go func() {
		time.Sleep(200 * time.Millisecond)
		assert.NoError(t, p.ReturnConnection(pc))
		close(returned)
	}()

	start := time.Now()
	require.NoError(t, sm.Shutdown())
	<-returned

	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int64(1), p.Stats().ClosedConnections)
}

func TestShutdownManager_ForcesCloseAfterTimeout(t *testing.T) {
	sm := NewShutdownManager(150 * time.Millisecond)
	p := openTestPool(t)
	sm.RegisterPool("main", p)

	_, err := p.GetConnection(context.Background())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, sm.Shutdown())
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, "closed", p.Stats().State)
}

func TestShutdownManager_ClosersBeforePools(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	p := openTestPool(t)
	sm.RegisterPool("main", p)

	var stateAtClose string
	sm.RegisterCloser("monitor", &recordingCloser{onDone: func() { stateAtClose = p.Stats().State }})

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, "ready", stateAtClose)
}

func TestShutdownManager_ReportsCloserError(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	p := openTestPool(t)
	boom := errors.New("boom")

	sm.RegisterPool("main", p)
	sm.RegisterCloser("monitor", &recordingCloser{err: boom})

	err := sm.Shutdown()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "closed", p.Stats().State, "pools still close after a closer fails")
}

func TestShutdownManager_Unregister(t *testing.T) {
	sm := NewShutdownManager(time.Second)
	p := openTestPool(t)
	sm.RegisterPool("main", p)
	sm.UnregisterPool("main")

	require.NoError(t, sm.Shutdown())
	assert.Equal(t, "ready", p.Stats().State)
}
