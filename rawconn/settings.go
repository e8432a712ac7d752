package rawconn

import (
	"net"
	"net/url"
	"strconv"

	"github.com/go-sql-driver/mysql"
	"github.com/samber/oops"
)

// Supported driver names
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite3"
)

// DefaultMySQLPort is used when Settings.Port is zero for the mysql driver
const DefaultMySQLPort = 3306

// Settings identifies the database a Connector opens connections to.
type Settings struct {
	// Driver is the database/sql driver name ("mysql" or "sqlite3")
	Driver string `toml:"driver" yaml:"driver" json:"driver"`

	// Host is the server host name (mysql only)
	Host string `toml:"host" yaml:"host" json:"host"`

	// Port is the server port (mysql only, default 3306)
	Port int `toml:"port" yaml:"port" json:"port"`

	// User is the login name (mysql only)
	User string `toml:"user" yaml:"user" json:"user"`

	// Password is the login password (mysql only)
	Password string `toml:"password" yaml:"password" json:"-"`

	// Database is the schema name for mysql or the file path for sqlite3.
	// An empty sqlite3 database means an in-memory database per connection.
	Database string `toml:"database" yaml:"database" json:"database"`

	// Params are extra driver parameters appended to the DSN
	Params map[string]string `toml:"params,omitempty" yaml:"params,omitempty" json:"params,omitempty"`
}

// Validate checks that the settings are complete for the selected driver.
func (s Settings) Validate() error {
	switch s.Driver {
	case DriverMySQL:
		if s.Host == "" {
			return oops.
				Code("INVALID_SETTINGS").
				In("rawconn").
				With("driver", s.Driver).
				Errorf("mysql host is required")
		}
		if s.Port < 0 || s.Port > 65535 {
			return oops.
				Code("INVALID_SETTINGS").
				In("rawconn").
				With("driver", s.Driver).
				With("port", s.Port).
				Errorf("port must be between 0 and 65535")
		}
	case DriverSQLite:
	default:
		return oops.
			Code("INVALID_SETTINGS").
			In("rawconn").
			With("driver", s.Driver).
			Errorf("unsupported driver %q", s.Driver)
	}
	return nil
}

// DSN builds the database/sql data source name for the settings.
func (s Settings) DSN() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	if s.Driver == DriverMySQL {
		return s.mysqlDSN(), nil
	}
	return s.sqliteDSN(), nil
}

// Redacted returns a copy of the settings that is safe to log.
func (s Settings) Redacted() Settings {
	if s.Password != "" {
		s.Password = "xxxxx"
	}
	return s
}

func (s Settings) mysqlDSN() string {
	port := s.Port
	if port == 0 {
		port = DefaultMySQLPort
	}

	cfg := mysql.NewConfig()
	cfg.User = s.User
	cfg.Passwd = s.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(s.Host, strconv.Itoa(port))
	cfg.DBName = s.Database
	if len(s.Params) > 0 {
		cfg.Params = make(map[string]string, len(s.Params))
		for k, v := range s.Params {
			cfg.Params[k] = v
		}
	}
	return cfg.FormatDSN()
}

func (s Settings) sqliteDSN() string {
	dsn := s.Database
	if dsn == "" {
		dsn = ":memory:"
	}
	if len(s.Params) == 0 {
		return dsn
	}

	values := url.Values{}
	for k, v := range s.Params {
		values.Set(k, v)
	}
	return "file:" + dsn + "?" + values.Encode()
}
