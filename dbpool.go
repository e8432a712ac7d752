// Package dbpool opens client-side database connection pools from file
// configuration and coordinates their shutdown.
//
// Pools themselves live in the pool package, which offers two admission
// strategies behind one interface: a FIFO wait queue guarded by a lock, and a
// counting semaphore. This package resolves a Config into one of them,
// connects it to a database/sql driver and hands back an initialized pool.
package dbpool

import (
	"context"

	"github.com/go-i2p/go-dbpool/pool"
	"github.com/go-i2p/go-dbpool/rawconn"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
)

// DB is an initialized pool together with the connector feeding it.
type DB struct {
	pool.Pool

	name      string
	selection pool.Selection
	connector *rawconn.SQLConnector
}

// Name returns the configured pool name
func (db *DB) Name() string {
	return db.name
}

// Selection returns the strategy and pool configuration in use
func (db *DB) Selection() pool.Selection {
	return db.selection
}

// Close closes the pool and then releases the database handle.
func (db *DB) Close() error {
	poolErr := db.Pool.Close()
	if err := db.connector.Close(); err != nil {
		log.WithError(err).WithField("name", db.name).Warn("Closing database handle failed")
		if poolErr == nil {
			return oops.
				Code("CLOSE_FAILED").
				In("dbpool").
				With("name", db.name).
				Wrapf(err, "failed to close database handle")
		}
	}
	return poolErr
}

// Open validates cfg, builds the connector and returns an initialized pool.
func Open(ctx context.Context, cfg *Config) (*DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sel, err := cfg.PoolSelection()
	if err != nil {
		return nil, err
	}

	sqlConnector, err := rawconn.NewSQLConnector(cfg.Database)
	if err != nil {
		return nil, oops.
			Code("OPEN_FAILED").
			In("dbpool").
			With("name", cfg.Name).
			Wrap(err)
	}

	var connector rawconn.Connector = sqlConnector
	if cfg.Connect.Retries != 0 {
		connector = rawconn.NewRetryConnector(sqlConnector, cfg.Connect.Retries, cfg.Connect.RetryBackoff.Std())
	}

	p, err := pool.Open(ctx, sel, connector)
	if err != nil {
		sqlConnector.Close()
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"name":     cfg.Name,
		"driver":   cfg.Database.Driver,
		"strategy": sel.Strategy.String(),
		"tier":     sel.Tier,
		"min":      sel.Config.MinConnections,
		"max":      sel.Config.MaxConnections,
	}).Info("Database pool opened")

	return &DB{
		Pool:      p,
		name:      cfg.Name,
		selection: sel,
		connector: sqlConnector,
	}, nil
}
