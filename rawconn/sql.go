package rawconn

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"fmt"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	// Registered drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// SQLConnector opens raw connections through database/sql.
// Each Connection it returns owns exactly one driver connection; database/sql
// keeps no idle connections of its own, so closing a Connection closes the
// network session instead of parking it in a second, hidden pool.
type SQLConnector struct {
	settings Settings
	db       *sql.DB
}

// NewSQLConnector validates settings and prepares a connector.
// No network I/O happens until Connect is called.
func NewSQLConnector(settings Settings) (*SQLConnector, error) {
	dsn, err := settings.DSN()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(settings.Driver, dsn)
	if err != nil {
		return nil, oops.
			Code("INVALID_SETTINGS").
			In("rawconn").
			With("driver", settings.Driver).
			Wrapf(err, "failed to open %s handle", settings.Driver)
	}
	db.SetMaxIdleConns(0)

	log.WithFields(logrus.Fields{
		"driver":   settings.Driver,
		"host":     settings.Host,
		"database": settings.Database,
	}).Debug("sql connector created")

	return &SQLConnector{settings: settings, db: db}, nil
}

// Connect opens and pings a new connection, bounded by ctx.
func (c *SQLConnector) Connect(ctx context.Context) (Connection, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, c.wrapConnectError(err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, c.wrapConnectError(err)
	}

	return &sqlConnection{conn: conn, driver: c.settings.Driver}, nil
}

// Settings returns the settings the connector was built from
func (c *SQLConnector) Settings() Settings {
	return c.settings
}

// Close releases the database/sql handle. Connections already handed out
// stay usable until they are closed themselves.
func (c *SQLConnector) Close() error {
	return c.db.Close()
}

func (c *SQLConnector) wrapConnectError(err error) error {
	return oops.
		Code("CONNECT_FAILED").
		In("rawconn").
		With("driver", c.settings.Driver).
		With("host", c.settings.Host).
		With("database", c.settings.Database).
		Wrapf(err, "failed to connect to %s database", c.settings.Driver)
}

// sqlConnection is a Connection backed by a single *sql.Conn
type sqlConnection struct {
	conn   *sql.Conn
	driver string
}

// Query runs the statement and materializes every row.
func (c *sqlConnection) Query(ctx context.Context, query string, args ...any) (*Result, error) {
	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, c.wrapQueryError(err, query)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, c.wrapQueryError(err, query)
	}

	result := &Result{Columns: columns}
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, c.wrapQueryError(err, query)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, c.wrapQueryError(err, query)
	}

	return result, nil
}

// Close closes the driver connection
func (c *sqlConnection) Close() error {
	return c.conn.Close()
}

func (c *sqlConnection) wrapQueryError(err error, query string) error {
	if isBadConnection(err) {
		return oops.
			Code("BAD_CONNECTION").
			In("rawconn").
			With("driver", c.driver).
			With("query", query).
			Wrapf(fmt.Errorf("%w: %w", ErrBadConnection, err), "connection is no longer usable")
	}
	return oops.
		Code("QUERY_FAILED").
		In("rawconn").
		With("driver", c.driver).
		With("query", query).
		Wrapf(err, "query failed")
}

func isBadConnection(err error) bool {
	return errors.Is(err, sqldriver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}
