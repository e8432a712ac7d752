package pool

import (
	"time"

	"github.com/samber/oops"
)

// Default pool tuning values
const (
	DefaultMinConnections      = 2
	DefaultMaxConnections      = 10
	DefaultConnectionTimeout   = 10 * time.Second
	DefaultMaxIdleTime         = 5 * time.Minute
	DefaultValidationQuery     = "SELECT 1"
	DefaultValidationInterval  = 30 * time.Second
	DefaultMaxWaitTime         = 5 * time.Second
	DefaultMaxWaitingRequests  = 100
	DefaultMaintenanceInterval = 30 * time.Second
)

// PoolConfig configures a connection pool.
// Pools copy the configuration at construction; changing a PoolConfig after
// passing it to a constructor has no effect on the pool.
type PoolConfig struct {
	// MinConnections is the number of warm connections kept open.
	// Default: 2
	MinConnections int

	// MaxConnections bounds the number of open connections.
	// Default: 10
	MaxConnections int

	// ConnectionTimeout bounds establishing one raw connection.
	// Default: 10 seconds
	ConnectionTimeout time.Duration

	// MaxIdleTime is how long an unused connection may stay in the pool.
	// Default: 5 minutes
	MaxIdleTime time.Duration

	// ValidationQuery is the probe run against idle connections.
	// Default: "SELECT 1"
	ValidationQuery string

	// ValidationInterval is how old a validation may get before an idle
	// connection is probed again.
	// Default: 30 seconds
	ValidationInterval time.Duration

	// ValidationTimeout bounds one validation probe.
	// Default: 0 (use ConnectionTimeout)
	ValidationTimeout time.Duration

	// MaxWaitTime bounds how long a caller waits for a connection.
	// Default: 5 seconds
	MaxWaitTime time.Duration

	// MaxWaitingRequests bounds the number of callers waiting at once.
	// Default: 100
	MaxWaitingRequests int

	// FastFail rejects callers immediately instead of queueing them when the
	// pool is saturated.
	// Default: false
	FastFail bool

	// MaintenanceInterval is the period of the eviction and top-up sweep.
	// Default: 30 seconds
	MaintenanceInterval time.Duration
}

// NewPoolConfig creates a PoolConfig with sensible defaults.
func NewPoolConfig() *PoolConfig {
	return &PoolConfig{
		MinConnections:      DefaultMinConnections,
		MaxConnections:      DefaultMaxConnections,
		ConnectionTimeout:   DefaultConnectionTimeout,
		MaxIdleTime:         DefaultMaxIdleTime,
		ValidationQuery:     DefaultValidationQuery,
		ValidationInterval:  DefaultValidationInterval,
		MaxWaitTime:         DefaultMaxWaitTime,
		MaxWaitingRequests:  DefaultMaxWaitingRequests,
		MaintenanceInterval: DefaultMaintenanceInterval,
	}
}

// WithMinConnections sets the warm pool size.
func (c *PoolConfig) WithMinConnections(n int) *PoolConfig {
	c.MinConnections = n
	return c
}

// WithMaxConnections sets the connection bound.
func (c *PoolConfig) WithMaxConnections(n int) *PoolConfig {
	c.MaxConnections = n
	return c
}

// WithConnectionTimeout sets the raw connect timeout.
func (c *PoolConfig) WithConnectionTimeout(timeout time.Duration) *PoolConfig {
	c.ConnectionTimeout = timeout
	return c
}

// WithMaxIdleTime sets the idle eviction threshold.
func (c *PoolConfig) WithMaxIdleTime(d time.Duration) *PoolConfig {
	c.MaxIdleTime = d
	return c
}

// WithValidationQuery sets the validation probe.
func (c *PoolConfig) WithValidationQuery(query string) *PoolConfig {
	c.ValidationQuery = query
	return c
}

// WithValidationInterval sets how often idle connections are probed.
func (c *PoolConfig) WithValidationInterval(d time.Duration) *PoolConfig {
	c.ValidationInterval = d
	return c
}

// WithValidationTimeout sets the per-probe bound.
func (c *PoolConfig) WithValidationTimeout(d time.Duration) *PoolConfig {
	c.ValidationTimeout = d
	return c
}

// WithMaxWaitTime sets the checkout wait bound.
func (c *PoolConfig) WithMaxWaitTime(d time.Duration) *PoolConfig {
	c.MaxWaitTime = d
	return c
}

// WithMaxWaitingRequests sets the wait queue bound.
func (c *PoolConfig) WithMaxWaitingRequests(n int) *PoolConfig {
	c.MaxWaitingRequests = n
	return c
}

// WithFastFail enables or disables immediate rejection on saturation.
func (c *PoolConfig) WithFastFail(enabled bool) *PoolConfig {
	c.FastFail = enabled
	return c
}

// WithMaintenanceInterval sets the maintenance sweep period.
func (c *PoolConfig) WithMaintenanceInterval(d time.Duration) *PoolConfig {
	c.MaintenanceInterval = d
	return c
}

// Validate checks that the configuration satisfies 0 <= min <= max, that all
// durations are positive and that the wait queue bound is positive.
func (c *PoolConfig) Validate() error {
	if err := c.validateBounds(); err != nil {
		return err
	}

	if err := c.validateDurations(); err != nil {
		return err
	}

	if err := c.validateQueue(); err != nil {
		return err
	}

	return c.validateProbe()
}

// validateBounds checks the min/max connection relationship.
func (c *PoolConfig) validateBounds() error {
	if c.MinConnections < 0 {
		return configError("min_connections", c.MinConnections, "min connections must be non-negative")
	}
	if c.MaxConnections < 1 {
		return configError("max_connections", c.MaxConnections, "max connections must be at least 1")
	}
	if c.MinConnections > c.MaxConnections {
		return oops.
			Code("INVALID_CONFIG").
			In("pool").
			With("min_connections", c.MinConnections).
			With("max_connections", c.MaxConnections).
			Wrapf(ErrConfigInvalid, "min connections must not exceed max connections")
	}
	return nil
}

// validateDurations checks that every duration is positive.
func (c *PoolConfig) validateDurations() error {
	durations := []struct {
		field string
		value time.Duration
	}{
		{"connection_timeout", c.ConnectionTimeout},
		{"max_idle_time", c.MaxIdleTime},
		{"validation_interval", c.ValidationInterval},
		{"max_wait_time", c.MaxWaitTime},
		{"maintenance_interval", c.MaintenanceInterval},
	}

	for _, d := range durations {
		if d.value <= 0 {
			return configError(d.field, d.value, d.field+" must be positive")
		}
	}

	if c.ValidationTimeout < 0 {
		return configError("validation_timeout", c.ValidationTimeout, "validation_timeout must be non-negative")
	}
	return nil
}

// validateQueue checks the wait queue bound.
func (c *PoolConfig) validateQueue() error {
	if c.MaxWaitingRequests <= 0 {
		return configError("max_waiting_requests", c.MaxWaitingRequests, "max waiting requests must be positive")
	}
	return nil
}

// validateProbe checks that a validation query is configured.
func (c *PoolConfig) validateProbe() error {
	if c.ValidationQuery == "" {
		return configError("validation_query", c.ValidationQuery, "validation query is required")
	}
	return nil
}

// validationTimeout returns the effective per-probe bound
func (c *PoolConfig) validationTimeout() time.Duration {
	if c.ValidationTimeout > 0 {
		return c.ValidationTimeout
	}
	return c.ConnectionTimeout
}

func configError(field string, value any, msg string) error {
	return oops.
		Code("INVALID_CONFIG").
		In("pool").
		With("field", field).
		With("value", value).
		Wrapf(ErrConfigInvalid, "%s", msg)
}
