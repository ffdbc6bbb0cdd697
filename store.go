package narinfocache

import (
	"context"
	"fmt"
	"time"
)

// ResolvePolicy decides what re-registering a known cache URL updates.
type ResolvePolicy int

const (
	// ResolveRefreshTimestamp only bumps the last-contact time.
	ResolveRefreshTimestamp ResolvePolicy = iota
	// ResolveRefreshAll also overwrites store dir, mass-query flag and priority.
	ResolveRefreshAll
)

func (p ResolvePolicy) String() string {
	if p == ResolveRefreshAll {
		return "all"
	}
	return "timestamp"
}

// ParseResolvePolicy parses "timestamp" or "all". An empty string selects
// ResolveRefreshTimestamp.
func ParseResolvePolicy(s string) (ResolvePolicy, error) {
	switch s {
	case "", "timestamp":
		return ResolveRefreshTimestamp, nil
	case "all":
		return ResolveRefreshAll, nil
	default:
		return 0, fmt.Errorf("unknown resolve policy %q (want timestamp or all)", s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ResolvePolicy) UnmarshalText(text []byte) error {
	v, err := ParseResolvePolicy(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p ResolvePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Store is the on-disk cache shared by every process on the machine.
// All methods are safe to call from concurrent goroutines and processes, and
// every method may block while another process holds the store lock.
type Store interface {
	// ResolveCache returns the id for params.URL, creating the descriptor on
	// first sight. Known URLs get their last-contact time set to now.
	ResolveCache(ctx context.Context, params CacheParams, now time.Time) (int64, error)
	// GetCache returns ErrNotFound for an unknown id.
	GetCache(ctx context.Context, id int64) (*CacheInfo, error)
	// GetCacheByURL returns ErrNotFound for an unknown URL.
	GetCacheByURL(ctx context.Context, url string) (*CacheInfo, error)
	// ListCaches returns all descriptors ordered by priority, then id.
	ListCaches(ctx context.Context) ([]CacheInfo, error)
	// RemoveCache deletes a descriptor and all of its entries atomically.
	// Removing an unknown id is not an error.
	RemoveCache(ctx context.Context, id int64) error

	// Lookup classifies the stored entry for (cacheID, hashPart) at now.
	Lookup(ctx context.Context, cacheID int64, hashPart string, now time.Time, ttl TTL) (LookupResult, error)
	// UpsertPositive overwrites the entry with info, stamped now.
	UpsertPositive(ctx context.Context, cacheID int64, hashPart string, info NarInfo, now time.Time) error
	// UpsertNegative overwrites the entry with a confirmed absence, stamped now.
	UpsertNegative(ctx context.Context, cacheID int64, hashPart string, now time.Time) error

	// MaybePurge deletes expired entries when the last purge is older than
	// policy.MinInterval, recording now as the new watermark.
	MaybePurge(ctx context.Context, now time.Time, policy PurgePolicy) (PurgeResult, error)
	// Stats counts descriptors and entries.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}
