// Package store opens the narinfo cache on one of its storage engines.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/store/boltdb"
	"github.com/wolfeidau/narinfo-cache/store/sqlitedb"
)

// Backend names accepted by Open.
const (
	BackendSQLite = sqlitedb.Backend
	BackendBolt   = boltdb.Backend
)

// Backends lists the accepted backend names.
var Backends = []string{BackendSQLite, BackendBolt}

// Config selects and tunes a storage engine.
type Config struct {
	// Backend is "sqlite" (the default) or "bolt".
	Backend string
	// Path is the database file. Its directory is created when missing.
	Path string
	// LockTimeout bounds the wait for another process's lock. Zero uses
	// the guard default; negative means a single attempt.
	LockTimeout time.Duration
	// ResolvePolicy controls what re-registering a known cache refreshes.
	ResolvePolicy narinfocache.ResolvePolicy
	Logger        *slog.Logger
}

// Open opens the store described by cfg.
func Open(ctx context.Context, cfg Config) (narinfocache.Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Backend {
	case "", BackendSQLite:
		opts := []sqlitedb.Option{
			sqlitedb.WithLogger(logger),
			sqlitedb.WithResolvePolicy(cfg.ResolvePolicy),
		}
		if cfg.LockTimeout != 0 {
			opts = append(opts, sqlitedb.WithLockTimeout(cfg.LockTimeout))
		}
		db := sqlitedb.New(opts...)
		if err := db.Open(ctx, cfg.Path); err != nil {
			return nil, err
		}
		return db, nil

	case BackendBolt:
		opts := []boltdb.Option{
			boltdb.WithLogger(logger),
			boltdb.WithResolvePolicy(cfg.ResolvePolicy),
		}
		if cfg.LockTimeout != 0 {
			opts = append(opts, boltdb.WithLockTimeout(cfg.LockTimeout))
		}
		db := boltdb.New(opts...)
		if err := db.Open(ctx, cfg.Path); err != nil {
			return nil, err
		}
		return db, nil

	default:
		return nil, fmt.Errorf("store: unknown backend %q (want one of %v)", cfg.Backend, Backends)
	}
}
