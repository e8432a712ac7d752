// Package bench drives synthetic query load through a pool and reports
// throughput, latency and admission failures per strategy.
package bench

import (
	"context"
	"errors"
	"time"

	"github.com/go-i2p/go-dbpool/pool"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var log = logger.GetGoI2PLogger()

// Error kinds recorded per failed request
const (
	KindExhausted     = "pool_exhausted"
	KindWaitQueueFull = "wait_queue_full"
	KindTimeout       = "pool_timeout"
	KindClosed        = "pool_closed"
	KindCreateFailed  = "create_failed"
	KindContext       = "context"
	KindQuery         = "query"
)

// Options controls one benchmark run.
type Options struct {
	// Requests is the total number of queries issued
	Requests int `json:"requests" toml:"requests" yaml:"requests"`
	// Concurrency bounds the number of in-flight requests
	Concurrency int `json:"concurrency" toml:"concurrency" yaml:"concurrency"`
	// Hold keeps each connection checked out this much longer, simulating work
	Hold time.Duration `json:"hold" toml:"-" yaml:"-"`
	// RequestTimeout bounds each request, zero for no bound
	RequestTimeout time.Duration `json:"request_timeout" toml:"-" yaml:"-"`
	Workload       Workload      `json:"workload" toml:"workload" yaml:"workload"`
}

// DefaultOptions returns a modest run: 1000 requests at concurrency 20.
func DefaultOptions() Options {
	return Options{
		Requests:    1000,
		Concurrency: 20,
		Workload:    DefaultWorkload(),
	}
}

// Validate checks that the run has work to do.
func (o Options) Validate() error {
	if o.Requests <= 0 {
		return oops.
			Code("INVALID_OPTIONS").
			In("bench").
			With("requests", o.Requests).
			Errorf("requests must be positive")
	}
	if o.Concurrency <= 0 {
		return oops.
			Code("INVALID_OPTIONS").
			In("bench").
			With("concurrency", o.Concurrency).
			Errorf("concurrency must be positive")
	}
	if o.Hold < 0 || o.RequestTimeout < 0 {
		return oops.
			Code("INVALID_OPTIONS").
			In("bench").
			With("hold", o.Hold.String()).
			With("request_timeout", o.RequestTimeout.String()).
			Errorf("durations must not be negative")
	}
	return nil
}

// Result holds the measurements for one pool.
type Result struct {
	Name        string            `json:"name"`
	Strategy    string            `json:"strategy"`
	Requests    int               `json:"requests"`
	Concurrency int               `json:"concurrency"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	Errors      map[string]int    `json:"errors"`
	Duration    time.Duration     `json:"duration"`
	Throughput  float64           `json:"throughput_per_sec"`
	Latency     LatencySummary    `json:"latency"`
	Stats       pool.PoolStats    `json:"stats"`
	Health      pool.HealthReport `json:"health"`
}

// SuccessRate returns the fraction of requests that succeeded.
func (r *Result) SuccessRate() float64 {
	if r.Requests == 0 {
		return 0
	}
	return float64(r.Succeeded) / float64(r.Requests)
}

// Run issues opts.Requests queries against p with at most opts.Concurrency
// in flight. Individual request failures are measurements, not errors; Run
// fails only for invalid options or when ctx ends before the run completes.
func Run(ctx context.Context, name string, p pool.Pool, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"name":        name,
		"strategy":    p.Strategy().String(),
		"requests":    opts.Requests,
		"concurrency": opts.Concurrency,
	}).Info("Starting benchmark run")

	latencies := make([]time.Duration, opts.Requests)
	kinds := make([]string, opts.Requests)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	start := time.Now()
	for i := 0; i < opts.Requests; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			began := time.Now()
			err := runOne(gctx, p, opts, i)
			latencies[i] = time.Since(began)
			if err != nil {
				kinds[i] = errorKind(err)
			}
			return nil
		})
	}
	g.Wait()
	elapsed := time.Since(start)

	if err := ctx.Err(); err != nil {
		return nil, oops.
			Code("BENCH_ABORTED").
			In("bench").
			With("name", name).
			Wrapf(err, "benchmark run interrupted")
	}

	result := summarize(name, p, opts, latencies, kinds, elapsed)

	log.WithFields(logrus.Fields{
		"name":       name,
		"succeeded":  result.Succeeded,
		"failed":     result.Failed,
		"throughput": result.Throughput,
		"p95":        result.Latency.P95.String(),
	}).Info("Benchmark run finished")
	return result, nil
}

func runOne(ctx context.Context, p pool.Pool, opts Options, i int) error {
	if opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.RequestTimeout)
		defer cancel()
	}

	return pool.WithConnection(ctx, p, func(ctx context.Context, conn *pool.PooledConnection) error {
		if _, err := conn.Query(ctx, opts.Workload.QueryFor(i)); err != nil {
			return err
		}
		if opts.Hold > 0 {
			select {
			case <-time.After(opts.Hold):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
}

func summarize(name string, p pool.Pool, opts Options, latencies []time.Duration, kinds []string, elapsed time.Duration) *Result {
	result := &Result{
		Name:        name,
		Strategy:    p.Strategy().String(),
		Requests:    opts.Requests,
		Concurrency: opts.Concurrency,
		Errors:      make(map[string]int),
		Duration:    elapsed,
		Stats:       p.Stats(),
		Health:      p.HealthCheck(),
	}

	succeeded := make([]time.Duration, 0, len(latencies))
	for i, kind := range kinds {
		if kind != "" {
			result.Failed++
			result.Errors[kind]++
			continue
		}
		succeeded = append(succeeded, latencies[i])
	}
	result.Succeeded = len(succeeded)
	result.Latency = Summarize(succeeded)

	if elapsed > 0 {
		result.Throughput = float64(result.Succeeded) / elapsed.Seconds()
	}
	return result
}

// errorKind classifies a failed request.
func errorKind(err error) string {
	switch {
	case errors.Is(err, pool.ErrPoolExhausted):
		return KindExhausted
	case errors.Is(err, pool.ErrWaitQueueFull):
		return KindWaitQueueFull
	case errors.Is(err, pool.ErrPoolTimeout):
		return KindTimeout
	case errors.Is(err, pool.ErrPoolClosed), errors.Is(err, pool.ErrPoolClosing):
		return KindClosed
	case errors.Is(err, pool.ErrConnectionCreateFailed):
		return KindCreateFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindContext
	default:
		return KindQuery
	}
}
