// Package boltdb stores the narinfo cache in a bbolt file.
//
// bbolt keeps an exclusive flock for as long as a read-write handle is open,
// so the file is opened per operation: read-only with a shared lock for
// lookups and read-write with an exclusive lock for mutations. Processes
// sharing the file therefore take turns, and a lock that cannot be had
// within the flock timeout is retried by the store guard.
package boltdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/store/guard"
)

// Backend is the name reported in logs and metrics.
const Backend = "bolt"

// DefaultFlockTimeout is how long one open attempt waits for the file lock
// before handing control back to the guard.
const DefaultFlockTimeout = 100 * time.Millisecond

var _ narinfocache.Store = (*DB)(nil)

// DB implements narinfocache.Store using bbolt.
type DB struct {
	path          string
	codec         *codec
	guard         *guard.Guard
	logger        *slog.Logger
	lockTimeout   time.Duration
	flockTimeout  time.Duration
	resolvePolicy narinfocache.ResolvePolicy
	noSync        bool

	// mu orders operations within this process; the flock orders processes.
	mu     sync.RWMutex
	closed atomic.Bool
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
// release the file lock.
func WithLockTimeout(timeout time.Duration) Option {
	return func(d *DB) {
		d.lockTimeout = timeout
	}
}

// WithFlockTimeout sets how long a single open waits on the file lock.
func WithFlockTimeout(timeout time.Duration) Option {
	return func(d *DB) {
		d.flockTimeout = timeout
	}
}

// WithResolvePolicy controls what ResolveCache refreshes for a known URL.
func WithResolvePolicy(policy narinfocache.ResolvePolicy) Option {
	return func(d *DB) {
		d.resolvePolicy = policy
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// New creates a DB instance with options. Call Open before use.
func New(opts ...Option) *DB {
	d := &DB{
		logger:       slog.Default(),
		lockTimeout:  guard.DefaultTimeout,
		flockTimeout: DefaultFlockTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open creates the file and its buckets if needed and checks that an
// existing file was written by this package.
func (d *DB) Open(ctx context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return narinfocache.IOFailure("bolt: create directory", err)
	}

	codec, err := newCodec()
	if err != nil {
		return err
	}
	d.codec = codec
	d.path = path
	d.guard = guard.New(Backend, isBusy,
		guard.WithTimeout(d.lockTimeout),
		guard.WithLogger(d.logger),
	)

	if err := d.createBuckets(ctx); err != nil {
		codec.close()
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

// Close releases the codec. No file handle is held between operations.
func (d *DB) Close() error {
	if d.codec == nil || d.closed.Swap(true) {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codec.close()
	return nil
}

// createBuckets initialises a new file, or verifies the schema version of an
// existing one. A bbolt file that holds other buckets is rejected.
func (d *DB) createBuckets(ctx context.Context) error {
	return d.update(ctx, "bolt: create buckets", func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			foreign := 0
			if err := tx.ForEach(func(_ []byte, _ *bbolt.Bucket) error {
				foreign++
				return nil
			}); err != nil {
				return err
			}
			if foreign > 0 {
				return narinfocache.Corrupt("file holds %d unknown buckets", foreign)
			}
			var err error
			meta, err = tx.CreateBucket(bucketMeta)
			if err != nil {
				return err
			}
			if err := meta.Put(keySchemaVersion, []byte{schemaVersion}); err != nil {
				return err
			}
		}

		v := meta.Get(keySchemaVersion)
		if len(v) != 1 || v[0] != schemaVersion {
			return narinfocache.Corrupt("unsupported schema version %v", v)
		}

		for _, name := range [][]byte{bucketCaches, bucketCacheURLs, bucketNARs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (d *DB) open(readOnly bool) (*bbolt.DB, error) {
	return bbolt.Open(d.path, 0o600, &bbolt.Options{
		Timeout:  d.flockTimeout,
		ReadOnly: readOnly,
		NoSync:   d.noSync,
	})
}

// update opens the file exclusively and runs fn in one read-write
// transaction, retried under the guard.
func (d *DB) update(ctx context.Context, op string, fn func(*bbolt.Tx) error) error {
	if d.closed.Load() {
		return narinfocache.ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	return wrapErr(op, d.guard.Do(ctx, op, func() error {
		db, err := d.open(false)
		if err != nil {
			return err
		}
		if err := db.Update(fn); err != nil {
			_ = db.Close()
			return err
		}
		return db.Close()
	}))
}

// view opens the file with a shared lock and runs fn in a read-only
// transaction.
func (d *DB) view(ctx context.Context, op string, fn func(*bbolt.Tx) error) error {
	if d.closed.Load() {
		return narinfocache.ErrClosed
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	return wrapErr(op, d.guard.Do(ctx, op, func() error {
		db, err := d.open(true)
		if err != nil {
			return err
		}
		if err := db.View(fn); err != nil {
			_ = db.Close()
			return err
		}
		return db.Close()
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
		errors.Is(err, narinfocache.ErrCorruptSchema),
		errors.Is(err, narinfocache.ErrClosed):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case isCorrupt(err):
		return narinfocache.Corrupt("%s: %v", op, err)
	default:
		return narinfocache.IOFailure(op, err)
	}
}

// isBusy reports whether err means another handle holds the file lock.
func isBusy(err error) bool {
	return errors.Is(err, berrors.ErrTimeout)
}

func isCorrupt(err error) bool {
	return errors.Is(err, berrors.ErrInvalid) ||
		errors.Is(err, berrors.ErrVersionMismatch) ||
		errors.Is(err, berrors.ErrChecksum)
}
