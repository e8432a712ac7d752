// Package rawconn defines the raw database connection collaborator that the
// pool manages. A Connection is one opaque, stateful session with the
// database server; a Connector knows how to open new ones.
//
// The pool never looks inside a Connection. It only opens, probes, and closes
// them, which keeps wire protocol, authentication and SQL handling in the
// driver where they belong.
package rawconn

import (
	"context"
	"errors"

	"github.com/go-i2p/logger"
)

var log = logger.GetGoI2PLogger()

// ErrBadConnection marks errors after which a connection must not be reused.
// Use errors.Is to detect it.
var ErrBadConnection = errors.New("rawconn: bad connection")

// Result is a fully materialized query result.
type Result struct {
	// Columns holds the column names in select order
	Columns []string
	// Rows holds one slice of values per row, aligned with Columns
	Rows [][]any
}

// Connection is a single live connection to the database.
type Connection interface {
	// Query runs a statement and returns its materialized result.
	Query(ctx context.Context, query string, args ...any) (*Result, error)
	// Close releases the underlying network connection.
	Close() error
}

// Connector opens new connections. Implementations must honor the
// deadline carried by ctx, which the pool derives from its connection timeout.
type Connector interface {
	Connect(ctx context.Context) (Connection, error)
}

// ConnectorFunc adapts an ordinary function to the Connector interface.
type ConnectorFunc func(ctx context.Context) (Connection, error)

// Connect calls f(ctx).
func (f ConnectorFunc) Connect(ctx context.Context) (Connection, error) {
	return f(ctx)
}
