package pool

import (
	"fmt"
	"math"
	"time"

	"github.com/go-i2p/go-dbpool/internal"
)

// PoolStats is a point-in-time snapshot of a pool.
type PoolStats struct {
	TotalConnections   int       `json:"total_connections"`
	ActiveConnections  int       `json:"active_connections"`
	IdleConnections    int       `json:"idle_connections"`
	WaitingRequests    int       `json:"waiting_requests"`
	InvalidConnections int       `json:"invalid_connections"`
	MaxConnections     int       `json:"max_connections"`
	MaxWaitingRequests int       `json:"max_waiting_requests"`
	TotalRequests      int64     `json:"total_requests"`
	TimeoutCount       int64     `json:"timeout_count"`
	FastFailCount      int64     `json:"fast_fail_count"`
	CreatedConnections int64     `json:"created_connections"`
	ClosedConnections  int64     `json:"closed_connections"`
	Strategy           string    `json:"strategy"`
	State              string    `json:"state"`
	Timestamp          time.Time `json:"timestamp"`
}

// Utilization returns the fraction of MaxConnections currently checked out.
func (s PoolStats) Utilization() float64 {
	return internal.Ratio(int64(s.ActiveConnections), int64(s.MaxConnections))
}

// WaitUtilization returns the fraction of the wait queue in use.
func (s PoolStats) WaitUtilization() float64 {
	return math.Min(1, internal.Ratio(int64(s.WaitingRequests), int64(s.MaxWaitingRequests)))
}

// TimeoutRate returns the fraction of requests that timed out waiting.
func (s PoolStats) TimeoutRate() float64 {
	return internal.Ratio(s.TimeoutCount, s.TotalRequests)
}

// HealthStatus classifies a health score
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Score thresholds for the status bands
const (
	healthyScore  = 80
	degradedScore = 50
)

// Penalties subtracted from a perfect score of 100
const (
	waitQueuePenalty       = 35
	criticalUtilPenalty    = 20
	highUtilPenalty        = 10
	severeTimeoutPenalty   = 25
	elevatedTimeoutPenalty = 15
	fastFailPenalty        = 5
	uninitializedPenalty   = 50
)

const (
	criticalUtilThreshold    = 0.9
	highUtilThreshold        = 0.8
	severeTimeoutThreshold   = 0.10
	elevatedTimeoutThreshold = 0.05
)

// HealthReport summarizes pool health as a score in [0, 100].
type HealthReport struct {
	Status HealthStatus `json:"status"`
	Score  int          `json:"score"`
	Issues []string     `json:"issues"`
	Stats  PoolStats    `json:"stats"`
}

// Healthy reports whether the pool is in the healthy band.
func (r HealthReport) Healthy() bool {
	return r.Status == HealthHealthy
}

// StatusForScore maps a score onto its band.
func StatusForScore(score int) HealthStatus {
	switch {
	case score >= healthyScore:
		return HealthHealthy
	case score >= degradedScore:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// ScoreHealth derives a health report from a stats snapshot.
// The score never increases as the wait queue, the timeout rate or the
// connection utilization grows.
func ScoreHealth(stats PoolStats, fastFail bool) HealthReport {
	score := 100
	issues := make([]string, 0)

	if stats.WaitingRequests > 0 {
		util := stats.WaitUtilization()
		score -= int(math.Round(util * waitQueuePenalty))
		issues = append(issues, fmt.Sprintf("%d requests waiting (%.0f%% of queue)", stats.WaitingRequests, util*100))
	}

	switch util := stats.Utilization(); {
	case util >= criticalUtilThreshold:
		score -= criticalUtilPenalty
		issues = append(issues, fmt.Sprintf("connection utilization critical at %.0f%%", util*100))
	case util >= highUtilThreshold:
		score -= highUtilPenalty
		issues = append(issues, fmt.Sprintf("connection utilization high at %.0f%%", util*100))
	}

	switch rate := stats.TimeoutRate(); {
	case rate > severeTimeoutThreshold:
		score -= severeTimeoutPenalty
		issues = append(issues, fmt.Sprintf("timeout rate %.1f%%", rate*100))
	case rate > elevatedTimeoutThreshold:
		score -= elevatedTimeoutPenalty
		issues = append(issues, fmt.Sprintf("timeout rate %.1f%%", rate*100))
	}

	if fastFail {
		score -= fastFailPenalty
		issues = append(issues, "fast-fail enabled: saturated checkouts are rejected")
	}

	switch stats.State {
	case internal.StateUninitialized.String():
		score -= uninitializedPenalty
		issues = append(issues, "pool is not initialized")
	case internal.StateClosing.String(), internal.StateClosed.String():
		score = 0
		issues = append(issues, "pool is "+stats.State)
	}

	score = internal.Clamp(score, 0, 100)
	return HealthReport{
		Status: StatusForScore(score),
		Score:  score,
		Issues: issues,
		Stats:  stats,
	}
}
