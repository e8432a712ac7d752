package dbpool

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-i2p/go-dbpool/bench"
	"github.com/go-i2p/go-dbpool/pool"
	"github.com/go-i2p/go-dbpool/rawconn"
	"github.com/pelletier/go-toml/v2"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Defaults for Config fields not present in a file
const (
	DefaultMonitorListen   = "127.0.0.1:9090"
	DefaultPoolName        = "default"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultRetryBackoff    = 200 * time.Millisecond
)

// Duration is a time.Duration written as a string ("250ms", "5s") in
// configuration files.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return oops.
			Code("INVALID_CONFIG").
			In("config").
			With("value", string(text)).
			Wrapf(err, "invalid duration")
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the file configuration of a pool and its surroundings.
type Config struct {
	// Name identifies the pool in logs and on the monitor endpoint
	Name string `toml:"name" yaml:"name"`

	Database  rawconn.Settings `toml:"database" yaml:"database"`
	Connect   ConnectSection   `toml:"connect" yaml:"connect"`
	Selection SelectionSection `toml:"selection" yaml:"selection"`
	Pool      PoolOverrides    `toml:"pool" yaml:"pool"`
	Monitor   MonitorSection   `toml:"monitor" yaml:"monitor"`
	Bench     BenchSection     `toml:"bench" yaml:"bench"`

	// ShutdownTimeout bounds how long Shutdown waits for checkouts to drain
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// ConnectSection configures retries around raw connection attempts.
type ConnectSection struct {
	// Retries is the number of extra attempts, -1 for unlimited
	Retries      int      `toml:"retries" yaml:"retries"`
	RetryBackoff Duration `toml:"retry_backoff" yaml:"retry_backoff"`
}

// SelectionSection decides the strategy and base tuning. Profile wins over
// Concurrency; Strategy, when set, replaces the selected strategy.
type SelectionSection struct {
	Profile     string `toml:"profile,omitempty" yaml:"profile,omitempty"`
	Concurrency int    `toml:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Strategy    string `toml:"strategy,omitempty" yaml:"strategy,omitempty"`
}

// PoolOverrides replace individual values of the selected pool.PoolConfig.
// Unset values keep the selected value. Connection counts and FastFail are
// pointers so that zero and false can be set explicitly.
type PoolOverrides struct {
	MinConnections      *int     `toml:"min_connections,omitempty" yaml:"min_connections,omitempty"`
	MaxConnections      *int     `toml:"max_connections,omitempty" yaml:"max_connections,omitempty"`
	ConnectionTimeout   Duration `toml:"connection_timeout,omitempty" yaml:"connection_timeout,omitempty"`
	MaxIdleTime         Duration `toml:"max_idle_time,omitempty" yaml:"max_idle_time,omitempty"`
	ValidationQuery     string   `toml:"validation_query,omitempty" yaml:"validation_query,omitempty"`
	ValidationInterval  Duration `toml:"validation_interval,omitempty" yaml:"validation_interval,omitempty"`
	ValidationTimeout   Duration `toml:"validation_timeout,omitempty" yaml:"validation_timeout,omitempty"`
	MaxWaitTime         Duration `toml:"max_wait_time,omitempty" yaml:"max_wait_time,omitempty"`
	MaxWaitingRequests  *int     `toml:"max_waiting_requests,omitempty" yaml:"max_waiting_requests,omitempty"`
	FastFail            *bool    `toml:"fast_fail,omitempty" yaml:"fast_fail,omitempty"`
	MaintenanceInterval Duration `toml:"maintenance_interval,omitempty" yaml:"maintenance_interval,omitempty"`
}

// MonitorSection configures the HTTP stats endpoint.
type MonitorSection struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" yaml:"listen"`
}

// BenchSection configures the benchmark driver.
type BenchSection struct {
	Requests       int      `toml:"requests" yaml:"requests"`
	Concurrency    int      `toml:"concurrency" yaml:"concurrency"`
	Hold           Duration `toml:"hold,omitempty" yaml:"hold,omitempty"`
	RequestTimeout Duration `toml:"request_timeout,omitempty" yaml:"request_timeout,omitempty"`
	Queries        []string `toml:"queries,omitempty" yaml:"queries,omitempty"`
	Seed           uint64   `toml:"seed,omitempty" yaml:"seed,omitempty"`
}

// DefaultConfig returns an in-memory SQLite configuration. With no selection
// set it resolves to the small tier, the same as the development profile.
func DefaultConfig() *Config {
	opts := bench.DefaultOptions()
	return &Config{
		Name:     DefaultPoolName,
		Database: rawconn.Settings{Driver: rawconn.DriverSQLite},
		Connect: ConnectSection{
			RetryBackoff: Duration(DefaultRetryBackoff),
		},
		Monitor:   MonitorSection{Listen: DefaultMonitorListen},
		Bench: BenchSection{
			Requests:    opts.Requests,
			Concurrency: opts.Concurrency,
		},
		ShutdownTimeout: Duration(DefaultShutdownTimeout),
	}
}

type format int

const (
	formatTOML format = iota
	formatYAML
)

func formatFor(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return formatTOML, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, oops.
			Code("UNSUPPORTED_CONFIG_FORMAT").
			In("config").
			With("path", path).
			Errorf("config file must end in .toml, .yaml or .yml")
	}
}

// LoadConfig reads a TOML or YAML file, chosen by extension, on top of
// DefaultConfig. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	f, err := formatFor(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.WithField("path", path).Debug("Config file not found, using defaults")
			return cfg, nil
		}
		return nil, oops.
			Code("CONFIG_READ_FAILED").
			In("config").
			With("path", path).
			Wrapf(err, "reading config file")
	}

	switch f {
	case formatTOML:
		err = toml.Unmarshal(data, cfg)
	case formatYAML:
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, oops.
			Code("CONFIG_PARSE_FAILED").
			In("config").
			With("path", path).
			Wrapf(err, "parsing config file")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes cfg to path as TOML or YAML, chosen by extension.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	f, err := formatFor(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return oops.
			Code("CONFIG_WRITE_FAILED").
			In("config").
			With("path", path).
			Wrapf(err, "creating config directory")
	}

	var data []byte
	switch f {
	case formatTOML:
		data, err = toml.Marshal(cfg)
	case formatYAML:
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return oops.
			Code("CONFIG_WRITE_FAILED").
			In("config").
			With("path", path).
			Wrapf(err, "marshaling config")
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return oops.
			Code("CONFIG_WRITE_FAILED").
			In("config").
			With("path", path).
			Wrapf(err, "writing config file")
	}
	return nil
}

// Validate checks the configuration, including the pool configuration it
// resolves to.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return invalidConfig("database", err)
	}

	if c.Connect.Retries < -1 {
		return invalidConfig("connect.retries", oops.
			With("retries", c.Connect.Retries).
			Errorf("retries must be >= -1 (-1 = unlimited, 0 = no retries)"))
	}
	if c.Connect.RetryBackoff < 0 {
		return invalidConfig("connect.retry_backoff", oops.
			With("retry_backoff", c.Connect.RetryBackoff.Std().String()).
			Errorf("retry backoff must not be negative"))
	}

	if c.ShutdownTimeout < 0 {
		return invalidConfig("shutdown_timeout", oops.
			With("shutdown_timeout", c.ShutdownTimeout.Std().String()).
			Errorf("shutdown timeout must not be negative"))
	}

	if c.Monitor.Enabled && c.Monitor.Listen == "" {
		return invalidConfig("monitor.listen", oops.
			Errorf("monitor listen address is required when the monitor is enabled"))
	}

	if _, err := c.BenchOptions(); err != nil {
		return invalidConfig("bench", err)
	}

	if _, err := c.PoolSelection(); err != nil {
		return err
	}
	return nil
}

// PoolSelection resolves the selection section and the pool overrides into
// a validated pool.Selection.
func (c *Config) PoolSelection() (pool.Selection, error) {
	s := c.Selection

	var sel pool.Selection
	switch {
	case s.Profile != "":
		var err error
		sel, err = pool.SelectForProfile(s.Profile)
		if err != nil {
			return pool.Selection{}, invalidConfig("selection.profile", err)
		}
	case s.Concurrency < 0:
		return pool.Selection{}, invalidConfig("selection.concurrency", oops.
			With("concurrency", s.Concurrency).
			Errorf("expected concurrency must not be negative"))
	default:
		sel = pool.SelectForConcurrency(s.Concurrency)
	}

	if s.Strategy != "" {
		strategy, err := pool.ParseStrategy(s.Strategy)
		if err != nil {
			return pool.Selection{}, invalidConfig("selection.strategy", err)
		}
		sel.Strategy = strategy
	}

	c.Pool.apply(&sel.Config)
	if err := sel.Config.Validate(); err != nil {
		return pool.Selection{}, invalidConfig("pool", err)
	}
	return sel, nil
}

func (o PoolOverrides) apply(cfg *pool.PoolConfig) {
	if o.MinConnections != nil {
		cfg.MinConnections = *o.MinConnections
	}
	if o.MaxConnections != nil {
		cfg.MaxConnections = *o.MaxConnections
	}
	if o.ConnectionTimeout != 0 {
		cfg.ConnectionTimeout = o.ConnectionTimeout.Std()
	}
	if o.MaxIdleTime != 0 {
		cfg.MaxIdleTime = o.MaxIdleTime.Std()
	}
	if o.ValidationQuery != "" {
		cfg.ValidationQuery = o.ValidationQuery
	}
	if o.ValidationInterval != 0 {
		cfg.ValidationInterval = o.ValidationInterval.Std()
	}
	if o.ValidationTimeout != 0 {
		cfg.ValidationTimeout = o.ValidationTimeout.Std()
	}
	if o.MaxWaitTime != 0 {
		cfg.MaxWaitTime = o.MaxWaitTime.Std()
	}
	if o.MaxWaitingRequests != nil {
		cfg.MaxWaitingRequests = *o.MaxWaitingRequests
	}
	if o.FastFail != nil {
		cfg.FastFail = *o.FastFail
	}
	if o.MaintenanceInterval != 0 {
		cfg.MaintenanceInterval = o.MaintenanceInterval.Std()
	}
}

// BenchOptions converts the bench section into bench.Options.
func (c *Config) BenchOptions() (bench.Options, error) {
	opts := bench.Options{
		Requests:       c.Bench.Requests,
		Concurrency:    c.Bench.Concurrency,
		Hold:           c.Bench.Hold.Std(),
		RequestTimeout: c.Bench.RequestTimeout.Std(),
		Workload:       bench.DefaultWorkload(),
	}
	if len(c.Bench.Queries) > 0 {
		opts.Workload.Queries = c.Bench.Queries
	}
	if c.Bench.Seed != 0 {
		opts.Workload.Seed = c.Bench.Seed
	}
	return opts, opts.Validate()
}

func invalidConfig(field string, cause error) error {
	return oops.
		Code("INVALID_CONFIG").
		In("config").
		With("field", field).
		Wrapf(errors.Join(pool.ErrConfigInvalid, cause), "invalid %s configuration", field)
}
