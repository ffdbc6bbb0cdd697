package narinfocache

import "time"

// Defaults used when no explicit policy is configured.
const (
	DefaultPositiveTTL   = 30 * 24 * time.Hour
	DefaultNegativeTTL   = time.Hour
	DefaultCacheInfoTTL  = 7 * 24 * time.Hour
	DefaultPurgeInterval = 24 * time.Hour
)

// TTL holds the time-to-live for each class of entry.
type TTL struct {
	Positive time.Duration `json:"positive" yaml:"positive"`
	Negative time.Duration `json:"negative" yaml:"negative"`
}

// DefaultTTL returns the default TTL policy.
func DefaultTTL() TTL {
	return TTL{Positive: DefaultPositiveTTL, Negative: DefaultNegativeTTL}
}

// For returns the TTL that applies to an entry.
func (t TTL) For(present bool) time.Duration {
	if present {
		return t.Positive
	}
	return t.Negative
}

// Expired reports whether an entry written at written has outlived its TTL at now.
// Ages are compared in whole seconds, matching the on-disk epoch resolution;
// an entry whose age equals the TTL is still fresh.
func (t TTL) Expired(written, now time.Time, present bool) bool {
	return now.Unix()-written.Unix() > ttlSeconds(t.For(present))
}

// Classify turns a stored entry, or nil when nothing is stored, into a
// lookup result at now.
func (t TTL) Classify(entry *Entry, now time.Time) LookupResult {
	switch {
	case entry == nil:
		return LookupResult{Outcome: OutcomeMiss}
	case t.Expired(entry.Timestamp, now, entry.Present()):
		return LookupResult{Outcome: OutcomeStale, Entry: entry}
	default:
		return LookupResult{Outcome: OutcomeFresh, Entry: entry}
	}
}

// Cutoffs returns, for positive and negative entries, the epoch second such
// that entries written strictly before it are expired at now.
func (t TTL) Cutoffs(now time.Time) (positive, negative int64) {
	n := now.Unix()
	return n - ttlSeconds(t.Positive), n - ttlSeconds(t.Negative)
}

func ttlSeconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// PurgePolicy controls MaybePurge.
type PurgePolicy struct {
	TTL TTL
	// MinInterval is the minimum time between two purge passes.
	MinInterval time.Duration
	// UnseenCacheAge removes caches not contacted for this long, along with
	// their entries. Zero disables it.
	UnseenCacheAge time.Duration
}

// DefaultPurgePolicy returns the default purge policy.
func DefaultPurgePolicy() PurgePolicy {
	return PurgePolicy{TTL: DefaultTTL(), MinInterval: DefaultPurgeInterval}
}

// Due reports whether a purge should run at now given the last watermark.
// A zero last means the store has never been purged.
func (p PurgePolicy) Due(last, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	return now.Unix()-last.Unix() >= ttlSeconds(p.MinInterval)
}

// UnseenCutoff returns the epoch second before which a cache counts as unseen,
// and false when unseen eviction is disabled.
func (p PurgePolicy) UnseenCutoff(now time.Time) (int64, bool) {
	if p.UnseenCacheAge <= 0 {
		return 0, false
	}
	return now.Unix() - ttlSeconds(p.UnseenCacheAge), true
}

// PurgeResult reports what a MaybePurge call did.
type PurgeResult struct {
	Ran            bool      `json:"ran" yaml:"ran"`
	EntriesDeleted int       `json:"entries_deleted" yaml:"entries_deleted"`
	CachesDeleted  int       `json:"caches_deleted" yaml:"caches_deleted"`
	LastPurge      time.Time `json:"last_purge" yaml:"last_purge"`
}
