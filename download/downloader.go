// Package download coalesces concurrent upstream narinfo fetches. When several
// lookups miss on the same key at once, only one request goes upstream and
// every caller receives its answer.
package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	narinfocache "github.com/wolfeidau/narinfo-cache"
)

// Result holds the outcome of a fetch. A nil Info means upstream confirmed
// the path does not exist.
type Result struct {
	Info *narinfocache.NarInfo
}

// FetchFunc asks upstream and records the answer. The context passed to it
// is detached from any single caller, so one caller timing out does not
// cancel the fetch for the others.
type FetchFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent fetches for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Key identifies a narinfo within a binary cache.
func Key(cacheURL, hashPart string) string {
	return cacheURL + "\x00" + hashPart
}

// Do runs fn once for all concurrent callers using key. It returns the
// result, whether it was shared with another caller, and any error. If the
// caller's context ends first, Do returns the context error and the fetch
// carries on for the remaining waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn FetchFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			d.logger.Debug("coalesced upstream fetch", "key", key)
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
