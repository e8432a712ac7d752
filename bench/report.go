package bench

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/go-i2p/go-dbpool/pool"
	"github.com/go-i2p/go-dbpool/rawconn"
	"github.com/samber/oops"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Report compares the results of several runs made with the same options.
type Report struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Environment Environment `json:"environment"`
	Options     Options     `json:"options"`
	Results     []*Result   `json:"results"`
	// Winner names the result with the highest throughput, empty when no
	// run succeeded at all
	Winner string `json:"winner,omitempty"`
}

// Compare builds a report over results and picks the winner: highest
// throughput, ties broken by the lower p95 latency.
func Compare(opts Options, results ...*Result) *Report {
	report := &Report{
		GeneratedAt: time.Now().UTC(),
		Environment: CaptureEnvironment(),
		Options:     opts,
		Results:     results,
	}

	var best *Result
	for _, r := range results {
		if r == nil || r.Succeeded == 0 {
			continue
		}
		if best == nil || beats(r, best) {
			best = r
		}
	}
	if best != nil {
		report.Winner = best.Name
	}
	return report
}

func beats(a, b *Result) bool {
	if a.Throughput != b.Throughput {
		return a.Throughput > b.Throughput
	}
	return a.Latency.P95 < b.Latency.P95
}

// Find returns the result named name.
func (r *Report) Find(name string) (*Result, bool) {
	for _, res := range r.Results {
		if res != nil && res.Name == name {
			return res, true
		}
	}
	return nil, false
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return oops.
			Code("REPORT_WRITE_FAILED").
			In("bench").
			Wrapf(err, "failed to encode report")
	}
	return nil
}

// WriteText writes a human readable summary of the report.
func (r *Report) WriteText(w io.Writer) error {
	p := message.NewPrinter(language.English)
	ew := &errWriter{w: w}

	env := r.Environment
	ew.printf(p, "Benchmark %s\n", r.GeneratedAt.Format(time.RFC3339))
	ew.printf(p, "Host: %s/%s %s, %d CPUs, GOMAXPROCS %d, %s\n",
		env.OS, env.Arch, env.Platform, env.LogicalCPUs, env.GOMAXPROCS, env.GoVersion)
	if env.TotalMemory > 0 {
		ew.printf(p, "Memory: %d MiB\n", env.TotalMemory/(1<<20))
	}
	ew.printf(p, "Load: %d requests, concurrency %d\n\n", r.Options.Requests, r.Options.Concurrency)

	for _, res := range r.Results {
		if res == nil {
			continue
		}
		ew.printf(p, "%s (%s)\n", res.Name, res.Strategy)
		ew.printf(p, "  succeeded  %d / %d (%.1f%%)\n", res.Succeeded, res.Requests, res.SuccessRate()*100)
		ew.printf(p, "  throughput %.1f req/s over %v\n", res.Throughput, res.Duration.Round(time.Millisecond))
		l := res.Latency
		ew.printf(p, "  latency    min %v  mean %v  p50 %v  p95 %v  p99 %v  max %v\n",
			l.Min, l.Mean, l.P50, l.P95, l.P99, l.Max)
		for _, kind := range sortedKinds(res.Errors) {
			ew.printf(p, "  error      %-16s %d\n", kind, res.Errors[kind])
		}
		ew.printf(p, "  health     %s (score %d)\n", res.Health.Status, res.Health.Score)
		ew.printf(p, "  pool       total %d  active %d  idle %d  created %d  closed %d  timeouts %d\n\n",
			res.Stats.TotalConnections, res.Stats.ActiveConnections, res.Stats.IdleConnections,
			res.Stats.CreatedConnections, res.Stats.ClosedConnections, res.Stats.TimeoutCount)
	}

	if r.Winner != "" {
		ew.printf(p, "Winner: %s\n", r.Winner)
	} else {
		ew.printf(p, "Winner: none\n")
	}

	if ew.err != nil {
		return oops.
			Code("REPORT_WRITE_FAILED").
			In("bench").
			Wrapf(ew.err, "failed to write report")
	}
	return nil
}

func sortedKinds(errs map[string]int) []string {
	kinds := make([]string, 0, len(errs))
	for k := range errs {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) printf(p *message.Printer, format string, args ...interface{}) {
	if e.err != nil {
		return
	}
	_, e.err = p.Fprintf(e.w, format, args...)
}

// RunStrategies opens one pool per selection, runs the same load against
// each in turn and returns the comparison. Each pool is closed after its run.
// Results are named after the selection's strategy, suffixed by tier when set.
func RunStrategies(ctx context.Context, connector rawconn.Connector, opts Options, selections ...pool.Selection) (*Report, error) {
	if len(selections) == 0 {
		return nil, oops.
			Code("INVALID_OPTIONS").
			In("bench").
			Errorf("no pool selections to compare")
	}

	results := make([]*Result, 0, len(selections))
	for _, sel := range selections {
		name := sel.Strategy.String()
		if sel.Tier != "" {
			name += "/" + sel.Tier
		}

		p, err := pool.Open(ctx, sel, connector)
		if err != nil {
			return nil, oops.
				Code("BENCH_POOL_OPEN_FAILED").
				In("bench").
				With("name", name).
				Wrap(err)
		}

		res, err := Run(ctx, name, p, opts)
		if closeErr := p.Close(); closeErr != nil {
			log.WithError(closeErr).WithField("name", name).Warn("Closing benchmark pool failed")
		}
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}

	return Compare(opts, results...), nil
}
