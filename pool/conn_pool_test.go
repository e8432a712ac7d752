package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-i2p/go-dbpool/rawconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newQueueTestPool(t *testing.T, cfg *PoolConfig, connector *fakeConnector) *QueuePool {
	t.Helper()
	p, err := NewQueuePool(cfg, connector)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestQueuePool_FreedCapacityRefillsForWaiter(t *testing.T) {
	connector := &fakeConnector{}
	cfg := testConfig().WithMinConnections(0).WithMaxConnections(1).WithMaxWaitTime(5 * time.Second)
	p := newQueueTestPool(t, cfg, connector)
	ctx := context.Background()

	held, err := p.GetConnection(ctx)
	require.NoError(t, err)

	got := make(chan *PooledConnection, 1)
	go func() {
		pc, err := p.GetConnection(ctx)
		assert.NoError(t, err)
		got <- pc
	}()
	waitForWaiting(t, p, 1)

	p.MarkConnectionInvalid(held)
	require.NoError(t, p.ReturnConnection(held))

	select {
	case pc := <-got:
		require.NotNil(t, pc)
		assert.NotEqual(t, held.ID(), pc.ID(), "waiter gets a fresh connection")
		require.NoError(t, p.ReturnConnection(pc))
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never received the replacement connection")
	}
	assert.Equal(t, int64(2), p.Stats().CreatedConnections)
}

func TestQueuePool_AbandonKeepsConcurrentHandoff(t *testing.T) {
	p := newQueueTestPool(t, testConfig(), &fakeConnector{})
	pc, err := p.GetConnection(context.Background())
	require.NoError(t, err)

	t.Run("timed out caller keeps the connection", func(t *testing.T) {
		w := &waiter{result: make(chan checkout, 1), settled: true}
		w.result <- checkout{conn: pc}

		got, err := p.abandon(w, nil)
		require.NoError(t, err)
		assert.Same(t, pc, got)
		assert.Equal(t, int64(0), p.Stats().TimeoutCount, "served callers are not timeouts")
	})

	t.Run("canceled caller passes the connection on", func(t *testing.T) {
		w := &waiter{result: make(chan checkout, 1), settled: true}
		w.result <- checkout{conn: pc}

		got, err := p.abandon(w, context.Canceled)
		assert.Nil(t, got)
		assert.True(t, errors.Is(err, context.Canceled))
		assert.False(t, pc.InUse(), "connection went back to the pool")
	})
}

func TestQueuePool_FailedRefillLeavesWaiterToTimeout(t *testing.T) {
	connector := &fakeConnector{}
	cfg := testConfig().WithMinConnections(0).WithMaxConnections(1).WithMaxWaitTime(100 * time.Millisecond)
	p := newQueueTestPool(t, cfg, connector)
	ctx := context.Background()

	held, err := p.GetConnection(ctx)
	require.NoError(t, err)
	connector.setFail(func(int64) bool { return true })

	errs := make(chan error, 1)
	go func() {
		_, err := p.GetConnection(ctx)
		errs <- err
	}()
	waitForWaiting(t, p, 1)

	p.MarkConnectionInvalid(held)
	require.NoError(t, p.ReturnConnection(held))

	err = <-errs
	assert.True(t, errors.Is(err, ErrPoolTimeout))

	p.mu.Lock()
	assert.Zero(t, p.pending, "reservations released after failed refill")
	assert.Zero(t, p.refilling)
	p.mu.Unlock()
}

func TestQueuePool_CloseWaitsForInFlightRefill(t *testing.T) {
	connector := &fakeConnector{}
	gate := make(chan struct{})
	var calls atomic.Int64
	// every connect after the first blocks until gate opens, ignoring ctx
	stalling := rawconn.ConnectorFunc(func(ctx context.Context) (rawconn.Connection, error) {
		if calls.Inc() > 1 {
			<-gate
		}
		return connector.Connect(context.Background())
	})

	cfg := testConfig().WithMinConnections(0).WithMaxConnections(1).WithMaxWaitTime(5 * time.Second)
	p, err := NewQueuePool(cfg, stalling)
	require.NoError(t, err)
	ctx := context.Background()

	held, err := p.GetConnection(ctx)
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := p.GetConnection(ctx)
		errs <- err
	}()
	waitForWaiting(t, p, 1)

	p.MarkConnectionInvalid(held)
	require.NoError(t, p.ReturnConnection(held))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()

	assert.True(t, errors.Is(<-errs, ErrPoolClosing))
	select {
	case <-closed:
		t.Fatal("Close returned while a refill was still connecting")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close never returned")
	}

	require.Len(t, connector.opened(), 2)
	assert.Zero(t, connector.openCount(), "refilled connection closed by the time Close returns")
}
