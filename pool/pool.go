// Package pool provides bounded database connection pools with two admission
// strategies behind one Pool interface: a FIFO wait queue guarded by the pool
// lock, and a counting semaphore.
package pool

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-i2p/go-dbpool/internal"
	"github.com/go-i2p/go-dbpool/rawconn"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

var log = logger.GetGoI2PLogger()

// Pool hands out bounded, reusable database connections.
type Pool interface {
	// Initialize opens MinConnections connections and starts maintenance.
	// It is idempotent and fails only if the first connection cannot be opened.
	Initialize(ctx context.Context) error

	// GetConnection checks out a connection, initializing the pool on first use.
	GetConnection(ctx context.Context) (*PooledConnection, error)

	// ReturnConnection checks a connection back in. Invalid connections are
	// closed and removed instead of being reused.
	ReturnConnection(conn *PooledConnection) error

	// MarkConnectionInvalid flags a connection so it is never reused.
	MarkConnectionInvalid(conn *PooledConnection)

	// Stats returns a consistent snapshot of the pool.
	Stats() PoolStats

	// HealthCheck scores the pool's current health.
	HealthCheck() HealthReport

	// Close fails all waiters, closes every connection and stops maintenance.
	Close() error

	// Strategy returns the admission strategy of the pool.
	Strategy() Strategy

	// Config returns a copy of the pool configuration.
	Config() PoolConfig
}

// Strategy selects how a pool admits callers when it is saturated.
type Strategy int

const (
	// StrategyQueue parks callers in a FIFO wait queue under the pool lock
	StrategyQueue Strategy = iota
	// StrategySemaphore bounds checkouts with a counting semaphore
	StrategySemaphore
)

// String returns the string representation of the strategy
func (s Strategy) String() string {
	switch s {
	case StrategyQueue:
		return "queue"
	case StrategySemaphore:
		return "semaphore"
	default:
		return "unknown"
	}
}

// ParseStrategy parses "queue" or "semaphore", case-insensitively.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queue", "queue_lock", "queue-lock":
		return StrategyQueue, nil
	case "semaphore":
		return StrategySemaphore, nil
	default:
		return 0, oops.
			Code("UNKNOWN_STRATEGY").
			In("pool").
			With("strategy", s).
			Wrap(ErrUnknownStrategy)
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// poolCore holds the lifecycle, counters and connection plumbing shared by
// both strategies. It never decides admission.
type poolCore struct {
	config    PoolConfig
	connector rawconn.Connector
	strategy  Strategy

	state    internal.StateHolder
	counters internal.Counters
	nextID   atomic.Uint64

	// lifetime is canceled by Close and bounds all background I/O
	lifetime context.Context
	cancel   context.CancelFunc

	initMu      sync.Mutex
	maintenance sync.WaitGroup
	// background tracks one-off creations started on behalf of waiters
	background sync.WaitGroup
}

func newPoolCore(config *PoolConfig, connector rawconn.Connector, strategy Strategy) (*poolCore, error) {
	if config == nil {
		config = NewPoolConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if connector == nil {
		return nil, oops.
			Code("INVALID_CONFIG").
			In("pool").
			With("field", "connector").
			Wrapf(ErrConfigInvalid, "connector is required")
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &poolCore{
		config:    *config,
		connector: connector,
		strategy:  strategy,
		lifetime:  lifetime,
		cancel:    cancel,
	}, nil
}

// Strategy returns the admission strategy of the pool
func (c *poolCore) Strategy() Strategy {
	return c.strategy
}

// Config returns a copy of the pool configuration
func (c *poolCore) Config() PoolConfig {
	return c.config
}

// initialize runs warm under initMu and moves the pool to ready.
func (c *poolCore) initialize(ctx context.Context, warm func(context.Context) error, sweep func()) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	switch state := c.state.Load(); {
	case state == internal.StateReady:
		return nil
	case state.Terminal():
		return errPoolClosed(c.strategy)
	}

	log.WithFields(logrus.Fields{
		"strategy":        c.strategy.String(),
		"min_connections": c.config.MinConnections,
		"max_connections": c.config.MaxConnections,
	}).Debug("Initializing connection pool")

	if err := warm(ctx); err != nil {
		log.WithError(err).WithField("strategy", c.strategy.String()).Error("Pool initialization failed")
		return err
	}

	if !c.state.CompareAndSwap(internal.StateUninitialized, internal.StateReady) {
		return errPoolClosed(c.strategy)
	}

	c.maintenance.Add(1)
	go c.maintain(sweep)

	log.WithFields(logrus.Fields{
		"strategy": c.strategy.String(),
		"warm":     c.config.MinConnections,
	}).Info("Connection pool ready")
	return nil
}

// ensureReady lazily initializes the pool on first checkout.
func (c *poolCore) ensureReady(ctx context.Context, initialize func(context.Context) error) error {
	switch state := c.state.Load(); {
	case state == internal.StateReady:
		return nil
	case state.Terminal():
		return errPoolClosed(c.strategy)
	}
	return initialize(ctx)
}

// maintain runs sweep every MaintenanceInterval until the pool closes.
func (c *poolCore) maintain(sweep func()) {
	defer c.maintenance.Done()

	ticker := time.NewTicker(c.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.lifetime.Done():
			return
		case <-ticker.C:
			if c.state.Load() != internal.StateReady {
				continue
			}
			sweep()
		}
	}
}

// beginClose moves the pool to closing. It returns false if another Close
// already did.
func (c *poolCore) beginClose() bool {
	for {
		state := c.state.Load()
		if state.Terminal() {
			return false
		}
		if c.state.CompareAndSwap(state, internal.StateClosing) {
			log.WithField("strategy", c.strategy.String()).Debug("Closing connection pool")
			return true
		}
	}
}

// stopBackground cancels background I/O and waits for maintenance and any
// in-flight background creation to exit. Callers must have moved the pool to
// a terminal state under their lock first, so no new background work starts.
func (c *poolCore) stopBackground() {
	c.cancel()

	// Holding initMu orders the Wait after any in-flight initialize.
	c.initMu.Lock()
	defer c.initMu.Unlock()
	c.maintenance.Wait()
	c.background.Wait()
}

// finishClose closes the given connections and moves the pool to closed.
func (c *poolCore) finishClose(conns []*PooledConnection) error {
	var firstErr error
	for _, pc := range conns {
		if err := c.closeConnection(pc, "pool closed"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.state.Store(internal.StateClosed)

	log.WithFields(logrus.Fields{
		"strategy":    c.strategy.String(),
		"closed":      len(conns),
		"created":     c.counters.Created.Load(),
		"requests":    c.counters.Requests.Load(),
		"timeouts":    c.counters.Timeouts.Load(),
		"fast_failed": c.counters.FastFailures.Load(),
	}).Info("Connection pool closed")

	if firstErr != nil {
		return oops.
			Code("POOL_CLOSE_FAILED").
			In("pool").
			With("strategy", c.strategy.String()).
			Wrapf(firstErr, "failed to close pooled connection")
	}
	return nil
}

// connect opens one raw connection bounded by ConnectionTimeout and by the
// pool lifetime.
func (c *poolCore) connect(ctx context.Context) (*PooledConnection, error) {
	cctx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
	defer cancel()
	stop := context.AfterFunc(c.lifetime, cancel)
	defer stop()

	raw, err := c.connector.Connect(cctx)
	if err != nil {
		c.counters.CreateFailures.Inc()
		log.WithError(err).WithField("strategy", c.strategy.String()).Warn("Failed to create connection")
		return nil, errCreateFailed(err)
	}

	c.counters.Created.Inc()
	pc := newPooledConnection(c.nextID.Inc(), raw)

	log.WithFields(logrus.Fields{
		"strategy":      c.strategy.String(),
		"connection_id": pc.ID(),
	}).Debug("Created connection")
	return pc, nil
}

// validate runs the validation query against pc.
func (c *poolCore) validate(pc *PooledConnection) error {
	vctx, cancel := context.WithTimeout(c.lifetime, c.config.validationTimeout())
	defer cancel()

	if _, err := pc.Conn.Query(vctx, c.config.ValidationQuery); err != nil {
		c.counters.ValidationFailures.Inc()
		log.WithError(err).WithField("connection_id", pc.ID()).Warn("Connection failed validation")
		return errValidationFailed(pc.ID(), err)
	}

	pc.MarkValidated()
	return nil
}

// closeConnection closes the raw connection once and counts it.
func (c *poolCore) closeConnection(pc *PooledConnection, reason string) error {
	closed, err := pc.closeRaw()
	if !closed {
		return nil
	}
	c.counters.Closed.Inc()

	entry := log.WithFields(logrus.Fields{
		"strategy":      c.strategy.String(),
		"connection_id": pc.ID(),
		"reason":        reason,
	})
	if err != nil {
		entry.WithError(err).Warn("Error closing connection")
		return err
	}
	entry.Debug("Closed connection")
	return nil
}

func (c *poolCore) closeAll(conns []*PooledConnection, reason string) {
	for _, pc := range conns {
		c.closeConnection(pc, reason)
	}
}

// warnOpenTransaction logs a holder returning a connection mid-transaction.
func (c *poolCore) warnOpenTransaction(pc *PooledConnection) {
	if pc.InTransaction() {
		log.WithFields(logrus.Fields{
			"strategy":      c.strategy.String(),
			"connection_id": pc.ID(),
		}).Warn("Connection returned with an open transaction; clearing flag")
	}
}

// snapshot builds stats from the connection set. Callers hold the pool lock.
func (c *poolCore) snapshot(conns []*PooledConnection, waiting int) PoolStats {
	stats := PoolStats{
		TotalConnections:   len(conns),
		WaitingRequests:    waiting,
		MaxConnections:     c.config.MaxConnections,
		MaxWaitingRequests: c.config.MaxWaitingRequests,
		TotalRequests:      c.counters.Requests.Load(),
		TimeoutCount:       c.counters.Timeouts.Load(),
		FastFailCount:      c.counters.FastFailures.Load(),
		CreatedConnections: c.counters.Created.Load(),
		ClosedConnections:  c.counters.Closed.Load(),
		Strategy:           c.strategy.String(),
		State:              c.state.Load().String(),
		Timestamp:          time.Now(),
	}

	for _, pc := range conns {
		if pc.InUse() {
			stats.ActiveConnections++
		} else {
			stats.IdleConnections++
		}
		if pc.Invalid() {
			stats.InvalidConnections++
		}
	}
	return stats
}

// takeIdle picks the first available idle connection and marks it in use.
// Idle connections that are invalid or expired are removed from the set and
// returned as stale so the caller can close them outside the lock.
func takeIdle(conns []*PooledConnection, maxIdle time.Duration) (kept []*PooledConnection, picked *PooledConnection, stale []*PooledConnection) {
	kept = conns[:0]
	now := time.Now()

	for i, pc := range conns {
		if picked == nil && pc.idle() {
			if pc.Invalid() || pc.isExpiredAt(now, maxIdle) {
				if !pc.validatingNow() {
					stale = append(stale, pc)
					continue
				}
			} else if pc.available() {
				pc.MarkInUse()
				picked = pc
			}
		}
		kept = append(kept, conns[i])
	}

	clearTail(conns, len(kept))
	return kept, picked, stale
}

// evictIdle removes idle connections that are invalid or expired.
func evictIdle(conns []*PooledConnection, maxIdle time.Duration) (kept, stale []*PooledConnection) {
	kept = conns[:0]
	now := time.Now()

	for _, pc := range conns {
		if pc.idle() && !pc.validatingNow() && (pc.Invalid() || pc.isExpiredAt(now, maxIdle)) {
			stale = append(stale, pc)
			continue
		}
		kept = append(kept, pc)
	}

	clearTail(conns, len(kept))
	return kept, stale
}

// removeConn deletes pc from conns and reports whether it was present.
func removeConn(conns []*PooledConnection, pc *PooledConnection) ([]*PooledConnection, bool) {
	for i, candidate := range conns {
		if candidate == pc {
			copy(conns[i:], conns[i+1:])
			conns[len(conns)-1] = nil
			return conns[:len(conns)-1], true
		}
	}
	return conns, false
}

func containsConn(conns []*PooledConnection, pc *PooledConnection) bool {
	for _, candidate := range conns {
		if candidate == pc {
			return true
		}
	}
	return false
}

// clearTail drops references past n so evicted connections can be collected
func clearTail(conns []*PooledConnection, n int) {
	for i := n; i < len(conns); i++ {
		conns[i] = nil
	}
}
