package rawconn

import (
	"strings"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		wantErr  bool
	}{
		{
			name:     "mysql with host",
			settings: Settings{Driver: DriverMySQL, Host: "db.internal", Database: "orders"},
		},
		{
			name:     "mysql without host",
			settings: Settings{Driver: DriverMySQL, Database: "orders"},
			wantErr:  true,
		},
		{
			name:     "mysql with bad port",
			settings: Settings{Driver: DriverMySQL, Host: "db", Port: 70000},
			wantErr:  true,
		},
		{
			name:     "sqlite in memory",
			settings: Settings{Driver: DriverSQLite},
		},
		{
			name:     "unknown driver",
			settings: Settings{Driver: "oracle"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.settings.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}

			require.Error(t, err)
			oopsErr, ok := oops.AsOops(err)
			require.True(t, ok, "expected oops error, got %T", err)
			assert.Equal(t, "INVALID_SETTINGS", oopsErr.Code())
		})
	}
}

func TestSettingsDSN(t *testing.T) {
	t.Run("mysql", func(t *testing.T) {
		s := Settings{
			Driver:   DriverMySQL,
			Host:     "db.internal",
			User:     "app",
			Password: "secret",
			Database: "orders",
		}
		dsn, err := s.DSN()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(dsn, "app:secret@tcp(db.internal:3306)/orders"), dsn)
	})

	t.Run("mysql with params and port", func(t *testing.T) {
		s := Settings{
			Driver:   DriverMySQL,
			Host:     "10.0.0.5",
			Port:     3307,
			User:     "app",
			Database: "orders",
			Params:   map[string]string{"charset": "utf8mb4"},
		}
		dsn, err := s.DSN()
		require.NoError(t, err)
		assert.Contains(t, dsn, "tcp(10.0.0.5:3307)")
		assert.Contains(t, dsn, "charset=utf8mb4")
	})

	t.Run("sqlite memory default", func(t *testing.T) {
		dsn, err := Settings{Driver: DriverSQLite}.DSN()
		require.NoError(t, err)
		assert.Equal(t, ":memory:", dsn)
	})

	t.Run("sqlite file with params", func(t *testing.T) {
		s := Settings{
			Driver:   DriverSQLite,
			Database: "/tmp/pool.db",
			Params:   map[string]string{"cache": "shared"},
		}
		dsn, err := s.DSN()
		require.NoError(t, err)
		assert.Equal(t, "file:/tmp/pool.db?cache=shared", dsn)
	})

	t.Run("invalid settings", func(t *testing.T) {
		_, err := Settings{Driver: "nope"}.DSN()
		assert.Error(t, err)
	})
}

func TestSettingsRedacted(t *testing.T) {
	s := Settings{Driver: DriverMySQL, Host: "db", Password: "hunter2"}
	r := s.Redacted()

	assert.Equal(t, "xxxxx", r.Password)
	assert.Equal(t, "hunter2", s.Password, "original must be untouched")
	assert.Empty(t, Settings{}.Redacted().Password)
}
