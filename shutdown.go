package dbpool

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-i2p/go-dbpool/pool"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

const drainPollInterval = 100 * time.Millisecond

// ShutdownManager coordinates graceful shutdown of pools and the auxiliary
// components around them, such as the monitor server.
type ShutdownManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	// mu protects pools and closers
	mu      sync.RWMutex
	pools   map[string]pool.Pool
	closers map[string]io.Closer

	// timeout bounds the wait for checked-out connections to come back
	timeout time.Duration

	done chan struct{}
	once sync.Once
}

// NewShutdownManager creates a shutdown manager with the given drain timeout.
// If timeout is 0, DefaultShutdownTimeout is used.
func NewShutdownManager(timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = DefaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ShutdownManager{
		ctx:     ctx,
		cancel:  cancel,
		pools:   make(map[string]pool.Pool),
		closers: make(map[string]io.Closer),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// RegisterPool adds a pool to drain and close during shutdown.
func (sm *ShutdownManager) RegisterPool(name string, p pool.Pool) {
	if p == nil {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.pools[name] = p
	log.WithFields(logrus.Fields{
		"name":        name,
		"total_pools": len(sm.pools),
	}).Debug("Registered pool for shutdown management")
}

// UnregisterPool removes a pool, typically after it was closed directly.
func (sm *ShutdownManager) UnregisterPool(name string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.pools, name)
}

// RegisterCloser adds a component closed before pools are drained.
func (sm *ShutdownManager) RegisterCloser(name string, c io.Closer) {
	if c == nil {
		return
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.closers[name] = c
	log.WithFields(logrus.Fields{
		"name":          name,
		"total_closers": len(sm.closers),
	}).Debug("Registered closer for shutdown management")
}

// Context is canceled as soon as Shutdown starts.
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

// Shutdown closes auxiliary components, waits up to the timeout for every
// pool's checked-out connections to come back, then closes the pools.
// Only the first call does any work; later calls return nil.
func (sm *ShutdownManager) Shutdown() error {
	var shutdownErr error

	sm.once.Do(func() {
		defer close(sm.done)

		sm.mu.RLock()
		log.WithFields(logrus.Fields{
			"timeout": sm.timeout.String(),
			"pools":   len(sm.pools),
			"closers": len(sm.closers),
		}).Info("Initiating graceful shutdown")
		sm.mu.RUnlock()

		sm.cancel()
		shutdownErr = sm.executeShutdownSequence()
		log.Info("Graceful shutdown complete")
	})

	return shutdownErr
}

// Wait blocks until Shutdown has finished.
func (sm *ShutdownManager) Wait() {
	<-sm.done
}

func (sm *ShutdownManager) executeShutdownSequence() error {
	shutdownErr := sm.closeClosers()

	if err := sm.waitForDrain(); err != nil {
		log.WithError(err).Warn("Timeout waiting for connections to drain, forcing close")
	}

	if err := sm.closePools(); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	return shutdownErr
}

func (sm *ShutdownManager) closeClosers() error {
	sm.mu.RLock()
	closers := make(map[string]io.Closer, len(sm.closers))
	for name, c := range sm.closers {
		closers[name] = c
	}
	sm.mu.RUnlock()

	var firstError error
	for name, c := range closers {
		if err := c.Close(); err != nil {
			log.WithError(err).WithField("name", name).Error("Error closing component during shutdown")
			if firstError == nil {
				firstError = err
			}
		}
	}
	return firstError
}

func (sm *ShutdownManager) activeConnections() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	active := 0
	for _, p := range sm.pools {
		active += p.Stats().ActiveConnections
	}
	return active
}

// waitForDrain polls until no registered pool has a connection checked out.
func (sm *ShutdownManager) waitForDrain() error {
	if sm.activeConnections() == 0 {
		return nil
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	timeout := time.NewTimer(sm.timeout)
	defer timeout.Stop()

	for {
		select {
		case <-timeout.C:
			return oops.
				Code("SHUTDOWN_TIMEOUT").
				In("shutdown").
				With("active_connections", sm.activeConnections()).
				With("timeout", sm.timeout.String()).
				Errorf("timeout waiting for connections to drain")

		case <-ticker.C:
			active := sm.activeConnections()
			if active == 0 {
				return nil
			}
			log.WithField("active_connections", active).Debug("Waiting for connections to drain")
		}
	}
}

func (sm *ShutdownManager) closePools() error {
	sm.mu.RLock()
	pools := make(map[string]pool.Pool, len(sm.pools))
	for name, p := range sm.pools {
		pools[name] = p
	}
	sm.mu.RUnlock()

	var firstError error
	for name, p := range pools {
		if err := p.Close(); err != nil {
			log.WithError(err).WithField("name", name).Error("Error closing pool during shutdown")
			if firstError == nil {
				firstError = err
			}
		}
	}
	return firstError
}
