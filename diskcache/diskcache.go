// Package diskcache puts a process-local view in front of a shared
// narinfocache.Store: it memoises cache descriptors by URL, applies the TTL
// policy, and offers a read-through query that asks an upstream binary cache
// only when the stored answer is missing or stale.
package diskcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/download"
	"github.com/wolfeidau/narinfo-cache/telemetry"
)

// Upstream fetches narinfo from a remote binary cache. A nil info with a nil
// error means the cache confirmed the path does not exist.
type Upstream interface {
	FetchNarInfo(ctx context.Context, cacheURL, hashPart string) (*narinfocache.NarInfo, error)
}

// UpstreamFunc adapts a function to Upstream.
type UpstreamFunc func(ctx context.Context, cacheURL, hashPart string) (*narinfocache.NarInfo, error)

// FetchNarInfo calls f.
func (f UpstreamFunc) FetchNarInfo(ctx context.Context, cacheURL, hashPart string) (*narinfocache.NarInfo, error) {
	return f(ctx, cacheURL, hashPart)
}

// Cache is safe for concurrent use.
type Cache struct {
	store             narinfocache.Store
	ttl               narinfocache.TTL
	purgeInterval     time.Duration
	unseenCacheAge    time.Duration
	cacheInfoTTL      time.Duration
	serveStale        bool
	lockTimeoutAsMiss bool
	skipStartupPurge  bool
	now               func() time.Time
	logger            *slog.Logger

	mu     sync.RWMutex
	caches map[string]narinfocache.CacheInfo

	fetches *download.Downloader
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the entry TTLs.
func WithTTL(ttl narinfocache.TTL) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithPurgeInterval sets the minimum time between purge passes.
func WithPurgeInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.purgeInterval = d
	}
}

// WithUnseenCacheAge makes purges drop caches not contacted for d.
func WithUnseenCacheAge(d time.Duration) Option {
	return func(c *Cache) {
		c.unseenCacheAge = d
	}
}

// WithCacheInfoTTL sets how long a registered cache is trusted by
// CacheExists without being contacted again.
func WithCacheInfoTTL(d time.Duration) Option {
	return func(c *Cache) {
		c.cacheInfoTTL = d
	}
}

// WithServeStale makes QueryNarInfo return a stale positive entry when the
// upstream fails.
func WithServeStale(enabled bool) Option {
	return func(c *Cache) {
		c.serveStale = enabled
	}
}

// WithLockTimeoutAsMiss makes QueryNarInfo treat a store lock timeout as a
// cache miss instead of failing the query.
func WithLockTimeoutAsMiss(enabled bool) Option {
	return func(c *Cache) {
		c.lockTimeoutAsMiss = enabled
	}
}

// WithStartupPurge controls the purge attempt made by New.
func WithStartupPurge(enabled bool) Option {
	return func(c *Cache) {
		c.skipStartupPurge = !enabled
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New wraps store and makes one rate-limited purge attempt. A purge that
// cannot get the lock is logged and skipped; any other purge failure, such
// as a corrupt file, is returned.
func New(ctx context.Context, store narinfocache.Store, opts ...Option) (*Cache, error) {
	c := &Cache{
		store:         store,
		ttl:           narinfocache.DefaultTTL(),
		purgeInterval: narinfocache.DefaultPurgeInterval,
		cacheInfoTTL:  narinfocache.DefaultCacheInfoTTL,
		now:           time.Now,
		logger:        slog.Default(),
		caches:        make(map[string]narinfocache.CacheInfo),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.fetches = download.New(download.WithLogger(c.logger))

	if !c.skipStartupPurge {
		res, err := store.MaybePurge(ctx, c.now(), c.PurgePolicy())
		switch {
		case errors.Is(err, narinfocache.ErrLockTimeout):
			c.logger.Warn("skipping startup purge, store is busy", "error", err)
		case err != nil:
			return nil, fmt.Errorf("startup purge: %w", err)
		case res.Ran:
			c.logger.Info("purged expired narinfo entries",
				"entries_deleted", res.EntriesDeleted,
				"caches_deleted", res.CachesDeleted)
		}
	}

	return c, nil
}

// Store returns the underlying store.
func (c *Cache) Store() narinfocache.Store {
	return c.store
}

// TTL returns the entry TTL policy.
func (c *Cache) TTL() narinfocache.TTL {
	return c.ttl
}

// PurgePolicy returns the policy used for purges.
func (c *Cache) PurgePolicy() narinfocache.PurgePolicy {
	return narinfocache.PurgePolicy{
		TTL:            c.ttl,
		MinInterval:    c.purgeInterval,
		UnseenCacheAge: c.unseenCacheAge,
	}
}

// CreateCache registers the cache at url, or marks it contacted, and
// remembers its descriptor for the life of the process.
func (c *Cache) CreateCache(ctx context.Context, url, storeDir string, wantMassQuery bool, priority int) (narinfocache.CacheInfo, error) {
	id, err := c.store.ResolveCache(ctx, narinfocache.CacheParams{
		URL:           url,
		StoreDir:      storeDir,
		WantMassQuery: wantMassQuery,
		Priority:      priority,
	}, c.now())
	if err != nil {
		return narinfocache.CacheInfo{}, err
	}

	info, err := c.store.GetCache(ctx, id)
	if err != nil {
		return narinfocache.CacheInfo{}, err
	}

	c.mu.Lock()
	c.caches[url] = *info
	c.mu.Unlock()
	return *info, nil
}

// CacheExists reports whether url is registered and was contacted within the
// cache-info TTL. Descriptors already known to this process always count.
func (c *Cache) CacheExists(ctx context.Context, url string) (*narinfocache.CacheInfo, bool, error) {
	c.mu.RLock()
	info, ok := c.caches[url]
	c.mu.RUnlock()
	if ok {
		return &info, true, nil
	}

	stored, err := c.store.GetCacheByURL(ctx, url)
	if errors.Is(err, narinfocache.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if c.now().Unix()-stored.LastContact.Unix() > int64(c.cacheInfoTTL/time.Second) {
		return nil, false, nil
	}

	c.mu.Lock()
	c.caches[url] = *stored
	c.mu.Unlock()
	return stored, true, nil
}

// LookupNarInfo classifies the stored entry for hashPart in the cache at url.
func (c *Cache) LookupNarInfo(ctx context.Context, url, hashPart string) (narinfocache.LookupResult, error) {
	id, err := c.cacheID(ctx, url)
	if err != nil {
		return narinfocache.LookupResult{}, err
	}
	return c.store.Lookup(ctx, id, hashPart, c.now(), c.ttl)
}

// UpsertNarInfo stores info for hashPart in the cache at url. A nil info
// records that the path does not exist.
func (c *Cache) UpsertNarInfo(ctx context.Context, url, hashPart string, info *narinfocache.NarInfo) error {
	id, err := c.cacheID(ctx, url)
	if err != nil {
		return err
	}
	if info == nil {
		return c.store.UpsertNegative(ctx, id, hashPart, c.now())
	}
	return c.store.UpsertPositive(ctx, id, hashPart, *info, c.now())
}

// QueryNarInfo answers from the store when the entry is fresh and otherwise
// asks upstream, storing its answer. Concurrent queries for the same key in
// this process share one upstream request, which keeps running if the caller
// that started it gives up. A nil info with a nil error means
// the path does not exist. The returned value may be shared between callers
// and must not be modified.
func (c *Cache) QueryNarInfo(ctx context.Context, url, hashPart string, upstream Upstream) (*narinfocache.NarInfo, error) {
	res, err := c.LookupNarInfo(ctx, url, hashPart)
	switch {
	case err == nil:
	case c.lockTimeoutAsMiss && errors.Is(err, narinfocache.ErrLockTimeout):
		c.logger.Warn("store busy, treating lookup as a miss", "url", url, "hash_part", hashPart)
		res = narinfocache.LookupResult{Outcome: narinfocache.OutcomeMiss}
	default:
		return nil, err
	}

	if res.Fresh() {
		return res.Entry.Info, nil
	}

	fetched, _, err := c.fetches.Do(ctx, download.Key(url, hashPart), func(ctx context.Context) (*download.Result, error) {
		info, err := c.fetch(ctx, url, hashPart, upstream)
		if err != nil {
			return nil, err
		}
		return &download.Result{Info: info}, nil
	})
	if err != nil {
		if c.serveStale && res.Outcome == narinfocache.OutcomeStale && res.Entry.Present() {
			c.logger.Warn("upstream failed, serving stale narinfo",
				"url", url,
				"hash_part", hashPart,
				"age", c.now().Sub(res.Entry.Timestamp),
				"error", err)
			return res.Entry.Info, nil
		}
		return nil, err
	}
	return fetched.Info, nil
}

func (c *Cache) fetch(ctx context.Context, url, hashPart string, upstream Upstream) (*narinfocache.NarInfo, error) {
	start := time.Now()
	info, err := upstream.FetchNarInfo(ctx, url, hashPart)
	switch {
	case err != nil:
		telemetry.RecordUpstreamFetch(ctx, "error", time.Since(start))
		return nil, fmt.Errorf("fetching %s from %s: %w", hashPart, url, err)
	case info == nil:
		telemetry.RecordUpstreamFetch(ctx, "absent", time.Since(start))
	default:
		telemetry.RecordUpstreamFetch(ctx, "found", time.Since(start))
	}

	if err := c.UpsertNarInfo(ctx, url, hashPart, info); err != nil {
		if !c.lockTimeoutAsMiss || !errors.Is(err, narinfocache.ErrLockTimeout) {
			return nil, err
		}
		c.logger.Warn("store busy, upstream answer not cached", "url", url, "hash_part", hashPart)
	}
	return info, nil
}

// cacheID resolves url to its descriptor id, consulting the store when this
// process has not seen the cache yet.
func (c *Cache) cacheID(ctx context.Context, url string) (int64, error) {
	c.mu.RLock()
	info, ok := c.caches[url]
	c.mu.RUnlock()
	if ok {
		return info.ID, nil
	}

	stored, err := c.store.GetCacheByURL(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("cache %q: %w", url, err)
	}
	c.mu.Lock()
	c.caches[url] = *stored
	c.mu.Unlock()
	return stored.ID, nil
}

// Forget drops the memoised descriptor for url, for example after the cache
// was removed from the store.
func (c *Cache) Forget(url string) {
	c.mu.Lock()
	delete(c.caches, url)
	c.mu.Unlock()
}
