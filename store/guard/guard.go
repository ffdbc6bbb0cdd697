// Package guard serialises store transactions across processes.
//
// Storage engines classify their own lock-contention errors; the guard retries
// those with bounded exponential backoff and turns exhaustion into
// narinfocache.ErrLockTimeout, so every engine shares one lock discipline.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/telemetry"
)

// DefaultTimeout is how long an operation waits for the store lock.
const DefaultTimeout = 5 * time.Second

// Guard runs transaction attempts until they succeed, fail permanently or the
// lock timeout elapses.
type Guard struct {
	backend         string
	isBusy          func(error) bool
	timeout         time.Duration
	initialInterval time.Duration
	maxInterval     time.Duration
	logger          *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithTimeout bounds the total time spent waiting for the lock.
// Zero or negative means a single attempt.
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) {
		g.timeout = d
	}
}

// WithBackoff sets the first and the largest delay between attempts.
func WithBackoff(initial, max time.Duration) Option {
	return func(g *Guard) {
		g.initialInterval = initial
		g.maxInterval = max
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = logger
	}
}

// New creates a guard for the named backend. isBusy reports whether an error
// from an attempt means another writer holds the lock.
func New(backend string, isBusy func(error) bool, opts ...Option) *Guard {
	g := &Guard{
		backend:         backend,
		isBusy:          isBusy,
		timeout:         DefaultTimeout,
		initialInterval: 10 * time.Millisecond,
		maxInterval:     250 * time.Millisecond,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn, which must perform exactly one complete transaction, retrying
// while it reports contention.
func (g *Guard) Do(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	attempts := 0

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.initialInterval
	b.MaxInterval = g.maxInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			telemetry.RecordLockRetry(ctx, g.backend, op)
			g.logger.Debug("store busy, retrying",
				"backend", g.backend,
				"op", op,
				"attempt", attempts,
				"next", next,
				"error", err)
		}),
	}
	if g.timeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(g.timeout))
	} else {
		opts = append(opts, backoff.WithMaxTries(1))
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := fn()
		switch {
		case err == nil:
			return struct{}{}, nil
		case g.isBusy(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, opts...)

	outcome := "ok"
	defer func() {
		telemetry.RecordStoreOp(ctx, g.backend, op, outcome, time.Since(start))
	}()

	if err == nil {
		return nil
	}
	if g.isBusy(err) {
		outcome = "lock_timeout"
		telemetry.RecordLockTimeout(ctx, g.backend, op)
		g.logger.Warn("gave up waiting for store lock",
			"backend", g.backend,
			"op", op,
			"attempts", attempts,
			"waited", time.Since(start))
		return fmt.Errorf("%s: %w (%d attempts): %v", op, narinfocache.ErrLockTimeout, attempts, err)
	}
	outcome = "error"
	return err
}
