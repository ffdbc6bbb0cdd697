// Package sqlitedb stores the narinfo cache in an SQLite database.
//
// The file layout is the one Nix uses for its binary cache metadata cache:
// BinaryCaches, NARs and LastPurge. Several processes may share one file.
// Every write runs in a BEGIN IMMEDIATE transaction so writers queue on the
// database lock instead of failing half way, and lock contention is retried
// by the store guard until the lock timeout expires.
package sqlitedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/store/guard"
)

// Backend is the name reported in logs and metrics.
const Backend = "sqlite"

// DefaultBusyTimeout is how long SQLite itself waits on a lock before
// handing SQLITE_BUSY back to the guard.
const DefaultBusyTimeout = 250 * time.Millisecond

var _ narinfocache.Store = (*DB)(nil)

// DB implements narinfocache.Store on SQLite.
type DB struct {
	db            *sql.DB
	path          string
	guard         *guard.Guard
	logger        *slog.Logger
	lockTimeout   time.Duration
	busyTimeout   time.Duration
	resolvePolicy narinfocache.ResolvePolicy
	closed        atomic.Bool
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithLockTimeout bounds how long an operation waits for another process to
// release the database lock.
func WithLockTimeout(timeout time.Duration) Option {
	return func(d *DB) {
		d.lockTimeout = timeout
	}
}

// WithBusyTimeout sets the per-attempt SQLite busy_timeout.
func WithBusyTimeout(timeout time.Duration) Option {
	return func(d *DB) {
		d.busyTimeout = timeout
	}
}

// WithResolvePolicy controls what ResolveCache refreshes for a known URL.
func WithResolvePolicy(policy narinfocache.ResolvePolicy) Option {
	return func(d *DB) {
		d.resolvePolicy = policy
	}
}

// New creates a DB instance with options. Call Open before use.
func New(opts ...Option) *DB {
	d := &DB{
		logger:      slog.Default(),
		lockTimeout: guard.DefaultTimeout,
		busyTimeout: DefaultBusyTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens or creates the database at path and ensures the schema exists.
// A file that is not an SQLite database, or whose tables do not match the
// expected layout, fails with narinfocache.ErrCorruptSchema.
func (d *DB) Open(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return narinfocache.IOFailure("sqlite: create directory", err)
	}

	db, err := sql.Open("sqlite", dsn(path, d.busyTimeout))
	if err != nil {
		return narinfocache.IOFailure("sqlite: open", err)
	}
	d.db = db
	d.path = path
	d.guard = guard.New(Backend, isBusy,
		guard.WithTimeout(d.lockTimeout),
		guard.WithLogger(d.logger),
	)

	if err := d.createSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}

	d.logger.Debug("opened narinfo cache",
		"backend", Backend,
		"path", path,
		"resolve_policy", d.resolvePolicy.String())
	return nil
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Close closes the database. It is safe to call more than once.
func (d *DB) Close() error {
	if d.db == nil || d.closed.Swap(true) {
		return nil
	}
	return d.db.Close()
}

// dsn builds a modernc.org/sqlite connection string. Pragmas set here are
// applied to every pooled connection, which foreign_keys requires. The path
// is percent-encoded so '?', '#' and '%' stay part of the file name.
func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return "file:" + (&url.URL{Path: path}).EscapedPath() + "?" + q.Encode()
}

// update runs fn inside one write transaction, retried under the guard.
func (d *DB) update(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	if d.closed.Load() {
		return narinfocache.ErrClosed
	}
	err := d.guard.Do(ctx, op, func() error {
		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	return wrapErr(op, err)
}

// view runs a single-statement read under the guard. Statements outside an
// explicit transaction do not take the write lock.
func (d *DB) view(ctx context.Context, op string, fn func(*sql.DB) error) error {
	if d.closed.Load() {
		return narinfocache.ErrClosed
	}
	return wrapErr(op, d.guard.Do(ctx, op, func() error {
		return fn(d.db)
	}))
}

func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, narinfocache.ErrLockTimeout),
		errors.Is(err, narinfocache.ErrNotFound),
		errors.Is(err, narinfocache.ErrInvalidHashPart),
		errors.Is(err, narinfocache.ErrInvalidCacheURL),
		errors.Is(err, narinfocache.ErrCorruptSchema):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case isCorrupt(err):
		return narinfocache.Corrupt("%s: %v", op, err)
	default:
		return narinfocache.IOFailure(op, err)
	}
}

// isBusy reports whether err means another connection holds the lock.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

func isCorrupt(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "file is not a database") ||
		strings.Contains(msg, "database disk image is malformed")
}
