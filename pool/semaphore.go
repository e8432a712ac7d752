package pool

import (
	"context"
	"errors"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// errTooManyWaiters is returned by AcquireBounded when the wait bound is hit
var errTooManyWaiters = errors.New("pool: too many semaphore waiters")

// Semaphore is a counting semaphore with FIFO waiters and a clamped release:
// releasing more permits than were acquired is ignored instead of raising the
// permit count above its maximum.
type Semaphore struct {
	weighted *semaphore.Weighted
	max      int64
	held     atomic.Int64
	waiting  atomic.Int64
}

// NewSemaphore creates a semaphore with max permits.
func NewSemaphore(max int) *Semaphore {
	return &Semaphore{
		weighted: semaphore.NewWeighted(int64(max)),
		max:      int64(max),
	}
}

// TryAcquire takes a permit without blocking. It fails while other callers
// are waiting so that waiters keep their FIFO order.
func (s *Semaphore) TryAcquire() bool {
	if !s.weighted.TryAcquire(1) {
		return false
	}
	s.held.Inc()
	return true
}

// Acquire blocks until a permit is available or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.waiting.Inc()
	defer s.waiting.Dec()
	return s.acquire(ctx)
}

// AcquireBounded is Acquire but fails fast once maxWaiting callers are
// already blocked.
func (s *Semaphore) AcquireBounded(ctx context.Context, maxWaiting int) error {
	if s.waiting.Inc() > int64(maxWaiting) {
		s.waiting.Dec()
		return errTooManyWaiters
	}
	defer s.waiting.Dec()
	return s.acquire(ctx)
}

func (s *Semaphore) acquire(ctx context.Context) error {
	if err := s.weighted.Acquire(ctx, 1); err != nil {
		return err
	}
	s.held.Inc()
	return nil
}

// Release returns one permit. It reports false, and changes nothing, if no
// permit is held.
func (s *Semaphore) Release() bool {
	for {
		held := s.held.Load()
		if held <= 0 {
			log.Warn("Semaphore released more often than acquired; ignoring")
			return false
		}
		if s.held.CompareAndSwap(held, held-1) {
			break
		}
	}
	s.weighted.Release(1)
	return true
}

// Available returns the number of permits not currently held.
func (s *Semaphore) Available() int {
	return int(s.max - s.held.Load())
}

// Held returns the number of permits currently held.
func (s *Semaphore) Held() int {
	return int(s.held.Load())
}

// Waiting returns the number of callers blocked in Acquire.
func (s *Semaphore) Waiting() int {
	return int(s.waiting.Load())
}

// Max returns the permit capacity.
func (s *Semaphore) Max() int {
	return int(s.max)
}
