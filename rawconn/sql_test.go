package rawconn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteConnector(t *testing.T) *SQLConnector {
	t.Helper()
	connector, err := NewSQLConnector(Settings{Driver: DriverSQLite})
	require.NoError(t, err)
	t.Cleanup(func() { connector.Close() })
	return connector
}

func TestNewSQLConnector_InvalidSettings(t *testing.T) {
	_, err := NewSQLConnector(Settings{Driver: DriverMySQL})
	require.Error(t, err)

	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "INVALID_SETTINGS", oopsErr.Code())
}

func TestSQLConnector_ConnectAndQuery(t *testing.T) {
	connector := newSQLiteConnector(t)
	assert.Equal(t, DriverSQLite, connector.Settings().Driver)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := connector.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	result, err := conn.Query(ctx, "SELECT 1 AS one, 'pool' AS name")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "name"}, result.Columns)
	require.Len(t, result.Rows, 1)
	assert.EqualValues(t, 1, result.Rows[0][0])
	assert.Equal(t, "pool", result.Rows[0][1])
}

func TestSQLConnector_QueryWithArgs(t *testing.T) {
	connector := newSQLiteConnector(t)
	ctx := context.Background()

	conn, err := connector.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Query(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT)")
	require.NoError(t, err)
	_, err = conn.Query(ctx, "INSERT INTO items (label) VALUES (?), (?)", "a", "b")
	require.NoError(t, err)

	result, err := conn.Query(ctx, "SELECT label FROM items WHERE id > ? ORDER BY id", 0)
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, "a", result.Rows[0][0])
	assert.Equal(t, "b", result.Rows[1][0])
}

func TestSQLConnector_QueryError(t *testing.T) {
	connector := newSQLiteConnector(t)
	ctx := context.Background()

	conn, err := connector.Connect(ctx)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Query(ctx, "SELECT * FROM missing_table")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrBadConnection))

	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "QUERY_FAILED", oopsErr.Code())
}

func TestSQLConnector_QueryAfterClose(t *testing.T) {
	connector := newSQLiteConnector(t)
	ctx := context.Background()

	conn, err := connector.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = conn.Query(ctx, "SELECT 1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadConnection), "closed connection should report bad connection: %v", err)
}

func TestSQLConnector_ConnectCanceled(t *testing.T) {
	connector := newSQLiteConnector(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := connector.Connect(ctx)
	require.Error(t, err)

	oopsErr, ok := oops.AsOops(err)
	require.True(t, ok)
	assert.Equal(t, "CONNECT_FAILED", oopsErr.Code())
}

func TestConnectorFunc(t *testing.T) {
	called := false
	var c Connector = ConnectorFunc(func(ctx context.Context) (Connection, error) {
		called = true
		return nil, errors.New("boom")
	})

	_, err := c.Connect(context.Background())
	assert.True(t, called)
	assert.EqualError(t, err, "boom")
}
