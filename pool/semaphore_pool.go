package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/go-i2p/go-dbpool/internal"
	"github.com/go-i2p/go-dbpool/rawconn"
	"github.com/sirupsen/logrus"
)

// SemaphorePool admits callers with a counting semaphore of MaxConnections
// permits. A caller holds one permit from checkout until return, so the
// number of checked-out connections never exceeds MaxConnections. The pool
// lock only guards the connection set; it is never held while waiting on
// the semaphore. Idle connections hold no permit, so evicting one releases
// none.
type SemaphorePool struct {
	*poolCore

	sem   *Semaphore
	mu    sync.Mutex
	conns []*PooledConnection
}

// NewSemaphorePool creates a semaphore pool. The pool opens no connections
// until Initialize or the first GetConnection.
func NewSemaphorePool(config *PoolConfig, connector rawconn.Connector) (*SemaphorePool, error) {
	core, err := newPoolCore(config, connector, StrategySemaphore)
	if err != nil {
		return nil, err
	}
	return &SemaphorePool{
		poolCore: core,
		sem:      NewSemaphore(core.config.MaxConnections),
	}, nil
}

// Initialize opens MinConnections connections and starts the maintenance loop.
func (p *SemaphorePool) Initialize(ctx context.Context) error {
	return p.initialize(ctx, p.warmUp, p.sweep)
}

func (p *SemaphorePool) warmUp(ctx context.Context) error {
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

// GetConnection acquires a permit and then checks out an idle connection or
// creates one. Every failure after the permit is taken releases it.
func (p *SemaphorePool) GetConnection(ctx context.Context) (*PooledConnection, error) {
	p.counters.Requests.Inc()

	if err := p.ensureReady(ctx, p.Initialize); err != nil {
		return nil, err
	}

	if err := p.admit(ctx); err != nil {
		return nil, err
	}

	pc, err := p.checkout(ctx)
	if err != nil {
		p.sem.Release()
		return nil, err
	}
	return pc, nil
}

// admit takes one permit according to the fast-fail and wait settings.
func (p *SemaphorePool) admit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errContextDone(err)
	}

	if p.sem.TryAcquire() {
		return nil
	}

	if p.config.FastFail {
		p.counters.FastFailures.Inc()
		return errPoolExhausted(p.strategy, p.sem.Held(), p.config.MaxConnections)
	}

	wctx, cancel := context.WithTimeout(ctx, p.config.MaxWaitTime)
	defer cancel()
	stop := context.AfterFunc(p.lifetime, cancel)
	defer stop()

	err := p.sem.AcquireBounded(wctx, p.config.MaxWaitingRequests)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errTooManyWaiters):
		p.counters.QueueRejections.Inc()
		return errWaitQueueFull(p.strategy, p.sem.Waiting(), p.config.MaxWaitingRequests)
	case p.state.Load().Terminal():
		return errPoolClosing(p.strategy)
	case ctx.Err() != nil:
		return errContextDone(ctx.Err())
	}

	p.counters.Timeouts.Inc()
	rate := p.counters.TimeoutRate()
	log.WithFields(logrus.Fields{
		"strategy":     p.strategy.String(),
		"waiting":      p.sem.Waiting(),
		"timeout_rate": rate,
	}).Warn("Timed out waiting for connection permit")
	return errPoolTimeout(p.strategy, p.config.MaxWaitTime, rate)
}

// checkout runs with a permit held.
func (p *SemaphorePool) checkout(ctx context.Context) (*PooledConnection, error) {
	p.mu.Lock()
	if p.state.Load().Terminal() {
		p.mu.Unlock()
		return nil, errPoolClosed(p.strategy)
	}

	var pc *PooledConnection
	var stale []*PooledConnection
	p.conns, pc, stale = takeIdle(p.conns, p.config.MaxIdleTime)
	p.mu.Unlock()

	p.closeAll(stale, "expired or invalid")
	if pc != nil {
		return pc, nil
	}

	pc, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.state.Load().Terminal() {
		p.mu.Unlock()
		p.closeConnection(pc, "pool closed")
		return nil, errPoolClosed(p.strategy)
	}

	// a concurrent top-up may have filled the set; trade an idle connection
	// for the new one so the total stays within MaxConnections
	var surplus *PooledConnection
	if len(p.conns) >= p.config.MaxConnections {
		surplus = p.takeSurplusLocked()
	}
	pc.MarkInUse()
	p.conns = append(p.conns, pc)
	p.mu.Unlock()

	if surplus != nil {
		p.closeConnection(surplus, "surplus")
	}
	return pc, nil
}

// takeSurplusLocked removes one idle connection from the set.
func (p *SemaphorePool) takeSurplusLocked() *PooledConnection {
	for _, candidate := range p.conns {
		if candidate.available() {
			p.conns, _ = removeConn(p.conns, candidate)
			return candidate
		}
	}
	return nil
}

// ReturnConnection checks pc back in and releases its permit. Invalid
// connections are closed and removed first.
func (p *SemaphorePool) ReturnConnection(pc *PooledConnection) error {
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

	invalid := pc.Invalid()
	if invalid {
		p.conns, _ = removeConn(p.conns, pc)
	}
	pc.MarkIdle()
	p.mu.Unlock()

	var err error
	if invalid {
		err = p.closeConnection(pc, "invalid on return")
	}
	p.sem.Release()
	return err
}

// MarkConnectionInvalid flags pc so it is closed instead of reused.
func (p *SemaphorePool) MarkConnectionInvalid(pc *PooledConnection) {
	if pc == nil {
		return
	}
	pc.markInvalid()
	log.WithField("connection_id", pc.ID()).Debug("Connection marked invalid")
}

// Stats returns a snapshot of the pool.
func (p *SemaphorePool) Stats() PoolStats {
	waiting := p.sem.Waiting()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot(p.conns, waiting)
}

// HealthCheck scores the pool.
func (p *SemaphorePool) HealthCheck() HealthReport {
	return ScoreHealth(p.Stats(), p.config.FastFail)
}

// AvailablePermits returns the number of permits not currently held.
func (p *SemaphorePool) AvailablePermits() int {
	return p.sem.Available()
}

// Close cancels blocked acquirers, stops maintenance and closes all
// connections. Blocked callers fail with a closing error.
func (p *SemaphorePool) Close() error {
	if !p.beginClose() {
		return nil
	}

	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	p.stopBackground()
	return p.finishClose(conns)
}

// sweep evicts stale idle connections, validates due idle connections while
// holding a permit for each, and tops the pool up to MinConnections.
func (p *SemaphorePool) sweep() {
	p.mu.Lock()
	var stale []*PooledConnection
	p.conns, stale = evictIdle(p.conns, p.config.MaxIdleTime)

	var due []*PooledConnection
	for _, pc := range p.conns {
		if pc.available() && pc.NeedsValidation(p.config.ValidationInterval) {
			due = append(due, pc)
		}
	}
	p.mu.Unlock()

	p.closeAll(stale, "expired or invalid")
	if len(stale) > 0 {
		log.WithField("evicted", len(stale)).Debug("Evicted idle connections")
	}

	for _, pc := range due {
		// a saturated pool skips validation until a quieter sweep
		if !p.sem.TryAcquire() {
			break
		}
		p.validateIdle(pc)
		p.sem.Release()
	}

	p.topUp()
}

// validateIdle probes pc while the caller holds a permit.
func (p *SemaphorePool) validateIdle(pc *PooledConnection) {
	p.mu.Lock()
	if p.state.Load() != internal.StateReady || !containsConn(p.conns, pc) || !pc.available() {
		p.mu.Unlock()
		return
	}
	pc.setValidating(true)
	p.mu.Unlock()

	err := p.validate(pc)

	p.mu.Lock()
	pc.setValidating(false)
	if err == nil || p.state.Load().Terminal() {
		p.mu.Unlock()
		return
	}
	pc.markInvalid()
	p.conns, _ = removeConn(p.conns, pc)
	p.mu.Unlock()
	p.closeConnection(pc, "validation failed")
}

// topUp opens idle connections until MinConnections exist, best effort.
func (p *SemaphorePool) topUp() {
	for {
		p.mu.Lock()
		short := p.state.Load() == internal.StateReady && len(p.conns) < p.config.MinConnections
		p.mu.Unlock()
		if !short {
			return
		}

		pc, err := p.connect(p.lifetime)
		if err != nil {
			return
		}

		p.mu.Lock()
		if p.state.Load().Terminal() || len(p.conns) >= p.config.MaxConnections {
			p.mu.Unlock()
			p.closeConnection(pc, "surplus")
			return
		}
		pc.MarkIdle()
		p.conns = append(p.conns, pc)
		p.mu.Unlock()
	}
}
