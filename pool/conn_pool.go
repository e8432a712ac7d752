package pool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-i2p/go-dbpool/internal"
	"github.com/go-i2p/go-dbpool/rawconn"
	"github.com/sirupsen/logrus"
)

// errLostRace is returned internally when a freshly created connection finds
// the pool already at capacity; the caller retries admission.
var errLostRace = errors.New("pool: capacity taken while connecting")

// QueuePool admits callers through a FIFO wait queue protected by the pool
// lock. A returned connection is handed directly to the oldest waiter, so
// waiters are served in arrival order.
type QueuePool struct {
	*poolCore

	mu      sync.Mutex
	conns   []*PooledConnection
	waiters *list.List // of *waiter, oldest first
	// pending counts connections being created outside the lock; they
	// reserve capacity so the pool never exceeds MaxConnections
	pending   int
	refilling int
}

type waiter struct {
	result   chan checkout
	elem     *list.Element
	settled  bool
	enqueued time.Time
}

type checkout struct {
	conn *PooledConnection
	err  error
}

// NewQueuePool creates a queue-and-lock pool. The pool opens no connections
// until Initialize or the first GetConnection.
func NewQueuePool(config *PoolConfig, connector rawconn.Connector) (*QueuePool, error) {
	core, err := newPoolCore(config, connector, StrategyQueue)
	if err != nil {
		return nil, err
	}
	return &QueuePool{
		poolCore: core,
		waiters:  list.New(),
	}, nil
}

// Initialize opens MinConnections connections and starts the maintenance loop.
func (p *QueuePool) Initialize(ctx context.Context) error {
	return p.initialize(ctx, p.warmUp, p.sweep)
}

func (p *QueuePool) warmUp(ctx context.Context) error {
	for i := 0; i < p.config.MinConnections; i++ {
		pc, err := p.connect(ctx)
		if err != nil {
			if i == 0 {
				return err
			}
			log.WithError(err).WithField("opened", i).Warn("Pool warm-up stopped early")
			return nil
		}

		p.mu.Lock()
		if p.state.Load().Terminal() {
			p.mu.Unlock()
			p.closeConnection(pc, "pool closed during warm-up")
			return errPoolClosed(p.strategy)
		}
		pc.MarkIdle()
		p.conns = append(p.conns, pc)
		p.mu.Unlock()
	}
	return nil
}

// GetConnection checks out a connection. When the pool is at capacity the
// caller waits in FIFO order for up to MaxWaitTime, unless FastFail is set.
func (p *QueuePool) GetConnection(ctx context.Context) (*PooledConnection, error) {
	p.counters.Requests.Inc()

	if err := p.ensureReady(ctx, p.Initialize); err != nil {
		return nil, err
	}

	for {
		pc, err := p.acquire(ctx)
		if errors.Is(err, errLostRace) {
			continue
		}
		return pc, err
	}
}

func (p *QueuePool) acquire(ctx context.Context) (*PooledConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, errContextDone(err)
	}

	p.mu.Lock()
	if p.state.Load().Terminal() {
		p.mu.Unlock()
		return nil, errPoolClosed(p.strategy)
	}

	var stale []*PooledConnection
	if p.waiters.Len() == 0 {
		var pc *PooledConnection
		p.conns, pc, stale = takeIdle(p.conns, p.config.MaxIdleTime)
		if pc != nil {
			p.mu.Unlock()
			p.closeAll(stale, "expired or invalid")
			return pc, nil
		}

		if len(p.conns)+p.pending < p.config.MaxConnections {
			p.pending++
			p.mu.Unlock()
			p.closeAll(stale, "expired or invalid")
			return p.createForCaller(ctx)
		}
	}

	if p.config.FastFail {
		active := p.activeLocked()
		p.mu.Unlock()
		p.closeAll(stale, "expired or invalid")
		p.counters.FastFailures.Inc()
		return nil, errPoolExhausted(p.strategy, active, p.config.MaxConnections)
	}

	if p.waiters.Len() >= p.config.MaxWaitingRequests {
		waiting := p.waiters.Len()
		p.mu.Unlock()
		p.closeAll(stale, "expired or invalid")
		p.counters.QueueRejections.Inc()
		return nil, errWaitQueueFull(p.strategy, waiting, p.config.MaxWaitingRequests)
	}

	w := &waiter{
		result:   make(chan checkout, 1),
		enqueued: time.Now(),
	}
	w.elem = p.waiters.PushBack(w)
	// capacity freed by evictions goes to the queue, not to later arrivals
	p.refillLocked()
	p.mu.Unlock()
	p.closeAll(stale, "expired or invalid")

	return p.await(ctx, w)
}

// createForCaller opens a connection for a caller that reserved a slot.
func (p *QueuePool) createForCaller(ctx context.Context) (*PooledConnection, error) {
	pc, err := p.connect(ctx)

	p.mu.Lock()
	p.pending--
	if err != nil {
		p.refillLocked()
		p.mu.Unlock()
		return nil, err
	}

	if p.state.Load().Terminal() {
		p.mu.Unlock()
		p.closeConnection(pc, "pool closed")
		return nil, errPoolClosed(p.strategy)
	}

	if len(p.conns) >= p.config.MaxConnections {
		p.mu.Unlock()
		p.closeConnection(pc, "surplus")
		return nil, errLostRace
	}

	pc.MarkInUse()
	p.conns = append(p.conns, pc)
	p.mu.Unlock()
	return pc, nil
}

// await blocks until the waiter is served, MaxWaitTime passes or ctx ends.
func (p *QueuePool) await(ctx context.Context, w *waiter) (*PooledConnection, error) {
	timer := time.NewTimer(p.config.MaxWaitTime)
	defer timer.Stop()

	select {
	case res := <-w.result:
		p.logServed(w, res)
		return res.conn, res.err
	case <-timer.C:
		return p.abandon(w, nil)
	case <-ctx.Done():
		return p.abandon(w, ctx.Err())
	}
}

// abandon removes a waiter that gave up. If a connection was handed over
// concurrently, a timed-out caller keeps it and a canceled caller passes it on.
func (p *QueuePool) abandon(w *waiter, cause error) (*PooledConnection, error) {
	p.mu.Lock()
	if w.settled {
		p.mu.Unlock()
		res := <-w.result
		if cause != nil && res.conn != nil {
			p.ReturnConnection(res.conn)
			return nil, errContextDone(cause)
		}
		return res.conn, res.err
	}
	p.waiters.Remove(w.elem)
	w.settled = true
	p.mu.Unlock()

	if cause != nil {
		return nil, errContextDone(cause)
	}

	p.counters.Timeouts.Inc()
	rate := p.counters.TimeoutRate()
	log.WithFields(logrus.Fields{
		"strategy":     p.strategy.String(),
		"waited":       time.Since(w.enqueued).String(),
		"timeout_rate": rate,
	}).Warn("Timed out waiting for connection")
	return nil, errPoolTimeout(p.strategy, p.config.MaxWaitTime, rate)
}

func (p *QueuePool) logServed(w *waiter, res checkout) {
	if res.conn == nil {
		return
	}
	log.WithFields(logrus.Fields{
		"connection_id": res.conn.ID(),
		"waited":        time.Since(w.enqueued).String(),
	}).Debug("Waiter served")
}

// releaseLocked hands pc to the oldest waiter, or idles it if none wait.
func (p *QueuePool) releaseLocked(pc *PooledConnection) {
	pc.MarkIdle()

	front := p.waiters.Front()
	if front == nil {
		return
	}

	w := p.waiters.Remove(front).(*waiter)
	w.settled = true
	pc.MarkInUse()
	w.result <- checkout{conn: pc}
}

// refillLocked starts background creations for waiters that spare capacity
// can serve. A failed refill is not retried until the next state change.
func (p *QueuePool) refillLocked() {
	for p.waiters.Len() > p.refilling &&
		len(p.conns)+p.pending < p.config.MaxConnections &&
		!p.state.Load().Terminal() {
		p.pending++
		p.refilling++
		p.background.Add(1)
		go p.refill()
	}
}

func (p *QueuePool) refill() {
	defer p.background.Done()

	pc, err := p.connect(p.lifetime)

	p.mu.Lock()
	p.pending--
	p.refilling--
	if err != nil {
		p.mu.Unlock()
		log.WithError(err).Warn("Failed to create connection for waiting request")
		return
	}
	if p.state.Load().Terminal() {
		p.mu.Unlock()
		p.closeConnection(pc, "pool closed")
		return
	}
	p.conns = append(p.conns, pc)
	p.releaseLocked(pc)
	p.mu.Unlock()
}

// ReturnConnection checks pc back in. Invalid connections are closed and the
// freed capacity is used to serve waiters.
func (p *QueuePool) ReturnConnection(pc *PooledConnection) error {
	if pc == nil {
		return errNotCheckedOut(0)
	}

	p.mu.Lock()
	if !containsConn(p.conns, pc) || !pc.InUse() {
		terminal := p.state.Load().Terminal()
		p.mu.Unlock()
		if terminal {
			return p.closeConnection(pc, "returned after close")
		}
		log.WithField("connection_id", pc.ID()).Warn("Rejected return of connection not checked out")
		return errNotCheckedOut(pc.ID())
	}

	p.warnOpenTransaction(pc)

	if pc.Invalid() {
		p.conns, _ = removeConn(p.conns, pc)
		p.refillLocked()
		p.mu.Unlock()
		return p.closeConnection(pc, "invalid on return")
	}

	p.releaseLocked(pc)
	p.mu.Unlock()
	return nil
}

// MarkConnectionInvalid flags pc so it is closed instead of reused.
func (p *QueuePool) MarkConnectionInvalid(pc *PooledConnection) {
	if pc == nil {
		return
	}
	pc.markInvalid()
	log.WithField("connection_id", pc.ID()).Debug("Connection marked invalid")
}

// Stats returns a snapshot of the pool.
func (p *QueuePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(p.conns, p.waiters.Len())
}

// HealthCheck scores the pool.
func (p *QueuePool) HealthCheck() HealthReport {
	return ScoreHealth(p.Stats(), p.config.FastFail)
}

// Close fails every waiter with a closing error, stops maintenance and closes
// all connections. Connections still checked out are closed when returned.
func (p *QueuePool) Close() error {
	if !p.beginClose() {
		return nil
	}

	p.mu.Lock()
	failed := p.waiters.Len()
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		w.settled = true
		w.result <- checkout{err: errPoolClosing(p.strategy)}
	}
	p.waiters.Init()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	if failed > 0 {
		log.WithField("waiters", failed).Debug("Failed waiting requests on close")
	}

	p.stopBackground()
	return p.finishClose(conns)
}

// sweep evicts stale idle connections, validates idle ones that are due and
// tops the pool up to MinConnections.
func (p *QueuePool) sweep() {
	p.mu.Lock()
	var stale []*PooledConnection
	p.conns, stale = evictIdle(p.conns, p.config.MaxIdleTime)

	var due []*PooledConnection
	for _, pc := range p.conns {
		if pc.available() && pc.NeedsValidation(p.config.ValidationInterval) {
			pc.setValidating(true)
			due = append(due, pc)
		}
	}
	p.refillLocked()
	p.mu.Unlock()

	p.closeAll(stale, "expired or invalid")
	if len(stale) > 0 {
		log.WithField("evicted", len(stale)).Debug("Evicted idle connections")
	}

	for _, pc := range due {
		p.validateIdle(pc)
	}

	p.topUp()
}

func (p *QueuePool) validateIdle(pc *PooledConnection) {
	err := p.validate(pc)

	p.mu.Lock()
	pc.setValidating(false)
	if p.state.Load().Terminal() {
		p.mu.Unlock()
		return
	}

	if err != nil {
		pc.markInvalid()
		p.conns, _ = removeConn(p.conns, pc)
		p.refillLocked()
		p.mu.Unlock()
		p.closeConnection(pc, "validation failed")
		return
	}

	if p.waiters.Len() > 0 {
		p.releaseLocked(pc)
	}
	p.mu.Unlock()
}

// topUp opens connections until MinConnections exist, best effort.
func (p *QueuePool) topUp() {
	for {
		p.mu.Lock()
		if p.state.Load() != internal.StateReady || len(p.conns)+p.pending >= p.config.MinConnections {
			p.mu.Unlock()
			return
		}
		p.pending++
		p.mu.Unlock()

		pc, err := p.connect(p.lifetime)

		p.mu.Lock()
		p.pending--
		if err != nil {
			p.mu.Unlock()
			return
		}
		if p.state.Load().Terminal() || len(p.conns) >= p.config.MaxConnections {
			p.mu.Unlock()
			p.closeConnection(pc, "surplus")
			return
		}
		p.conns = append(p.conns, pc)
		p.releaseLocked(pc)
		p.mu.Unlock()
	}
}

// activeLocked counts checked-out connections. Callers hold p.mu.
func (p *QueuePool) activeLocked() int {
	active := 0
	for _, pc := range p.conns {
		if pc.InUse() {
			active++
		}
	}
	return active
}
