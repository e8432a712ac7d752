package rawconn

import (
	"context"
	"math"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// maxRetryDelay caps the exponential backoff between connection attempts
const maxRetryDelay = 30 * time.Second

// RetryConnector retries a failing Connector with exponential backoff.
// The delay before attempt n+1 is Backoff * 2^n, capped at 30 seconds.
type RetryConnector struct {
	inner Connector

	// Retries is the number of extra attempts after the first one.
	// 0 disables retries, -1 retries until ctx is done.
	Retries int

	// Backoff is the base delay between attempts; 0 retries immediately
	Backoff time.Duration
}

// NewRetryConnector wraps inner with retry behavior.
func NewRetryConnector(inner Connector, retries int, backoff time.Duration) *RetryConnector {
	return &RetryConnector{
		inner:   inner,
		Retries: retries,
		Backoff: backoff,
	}
}

// Connect opens a connection, retrying failed attempts.
func (r *RetryConnector) Connect(ctx context.Context) (Connection, error) {
	if r.Retries == 0 {
		return r.inner.Connect(ctx)
	}

	attempt := 0
	for {
		conn, err := r.inner.Connect(ctx)
		if err == nil {
			r.logSuccessAfterRetries(attempt)
			return conn, nil
		}

		if !r.shouldRetry(attempt) {
			return nil, r.wrapRetryError(err, attempt+1)
		}

		if waitErr := r.waitForRetry(ctx, attempt); waitErr != nil {
			return nil, r.wrapRetryError(err, attempt+1)
		}

		attempt++
		r.logRetryAttempt(attempt, err)
	}
}

// shouldRetry reports whether another attempt is allowed
func (r *RetryConnector) shouldRetry(attempt int) bool {
	return r.Retries == -1 || attempt < r.Retries
}

// retryDelay returns the backoff before the attempt following attempt
func (r *RetryConnector) retryDelay(attempt int) time.Duration {
	if r.Backoff <= 0 {
		return 0
	}
	delay := time.Duration(float64(r.Backoff) * math.Pow(2, float64(attempt)))
	if delay > maxRetryDelay || delay < 0 {
		delay = maxRetryDelay
	}
	return delay
}

// waitForRetry sleeps for the backoff delay or until ctx is done
func (r *RetryConnector) waitForRetry(ctx context.Context, attempt int) error {
	delay := r.retryDelay(attempt)
	if delay == 0 {
		return ctx.Err()
	}

	log.WithFields(logrus.Fields{
		"attempt": attempt + 1,
		"delay":   delay,
	}).Debug("Waiting before connection retry")

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *RetryConnector) logSuccessAfterRetries(attempt int) {
	if attempt > 0 {
		log.WithField("attempts", attempt+1).Info("Connection established after retries")
	}
}

func (r *RetryConnector) logRetryAttempt(attempt int, lastErr error) {
	log.WithFields(logrus.Fields{
		"attempt":    attempt + 1,
		"last_error": lastErr.Error(),
	}).Warn("Connection attempt failed, retrying")
}

func (r *RetryConnector) wrapRetryError(err error, totalAttempts int) error {
	return oops.
		Code("CONNECT_RETRY_FAILED").
		In("rawconn").
		With("total_attempts", totalAttempts).
		With("max_retries", r.Retries).
		Wrapf(err, "connect failed after %d attempts", totalAttempts)
}
