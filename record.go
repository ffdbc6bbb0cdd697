// Package narinfocache is a disk-resident cache of binary cache metadata.
//
// It remembers, per remote binary cache, whether a store path's .narinfo exists
// and what it contains, so repeated lookups do not need a network round-trip.
// Storage engines live under store/; this package holds the record types, the
// TTL policy and the Store contract they implement.
package narinfocache

import (
	"slices"
	"time"
)

// CacheInfo describes a remote binary cache known to the store.
type CacheInfo struct {
	ID            int64     `json:"id" yaml:"id"`
	URL           string    `json:"url" yaml:"url"`
	LastContact   time.Time `json:"last_contact" yaml:"last_contact"`
	StoreDir      string    `json:"store_dir" yaml:"store_dir"`
	WantMassQuery bool      `json:"want_mass_query" yaml:"want_mass_query"`
	Priority      int       `json:"priority" yaml:"priority"`
}

// CacheParams are the caller-supplied attributes used to register a cache.
type CacheParams struct {
	URL           string
	StoreDir      string
	WantMassQuery bool
	Priority      int
}

// NarInfo is the metadata of a single artifact as published by a binary cache.
type NarInfo struct {
	NamePart    string   `json:"name_part" yaml:"name_part"`
	URL         string   `json:"url" yaml:"url"`
	Compression string   `json:"compression,omitempty" yaml:"compression,omitempty"`
	FileHash    string   `json:"file_hash,omitempty" yaml:"file_hash,omitempty"`
	FileSize    uint64   `json:"file_size,omitempty" yaml:"file_size,omitempty"`
	NarHash     string   `json:"nar_hash" yaml:"nar_hash"`
	NarSize     uint64   `json:"nar_size" yaml:"nar_size"`
	References  []string `json:"references,omitempty" yaml:"references,omitempty"`
	Deriver     string   `json:"deriver,omitempty" yaml:"deriver,omitempty"`
	Sigs        []string `json:"sigs,omitempty" yaml:"sigs,omitempty"`
	CA          string   `json:"ca,omitempty" yaml:"ca,omitempty"`
}

// Equal reports whether two NarInfo values carry the same metadata.
func (n *NarInfo) Equal(o *NarInfo) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.NamePart == o.NamePart &&
		n.URL == o.URL &&
		n.Compression == o.Compression &&
		n.FileHash == o.FileHash &&
		n.FileSize == o.FileSize &&
		n.NarHash == o.NarHash &&
		n.NarSize == o.NarSize &&
		slices.Equal(n.References, o.References) &&
		n.Deriver == o.Deriver &&
		slices.Equal(n.Sigs, o.Sigs) &&
		n.CA == o.CA
}

// Entry is a cached lookup result for one hash part within one cache.
// A nil Info records a confirmed absence.
type Entry struct {
	HashPart  string    `json:"hash_part" yaml:"hash_part"`
	Info      *NarInfo  `json:"info,omitempty" yaml:"info,omitempty"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Present reports whether the entry records an existing artifact.
func (e *Entry) Present() bool {
	return e != nil && e.Info != nil
}

// Kind names the entry class for logs and metrics: "positive", "negative",
// or "none" for a nil entry.
func (e *Entry) Kind() string {
	switch {
	case e == nil:
		return "none"
	case e.Present():
		return "positive"
	default:
		return "negative"
	}
}

// Outcome classifies a lookup.
type Outcome int

const (
	// OutcomeMiss means nothing is stored for the key.
	OutcomeMiss Outcome = iota
	// OutcomeStale means an entry exists but its TTL has run out.
	OutcomeStale
	// OutcomeFresh means an entry exists and is within its TTL.
	OutcomeFresh
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMiss:
		return "miss"
	case OutcomeStale:
		return "stale"
	case OutcomeFresh:
		return "fresh"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// LookupResult is returned by Store.Lookup. Entry is nil for a miss and set
// for both stale and fresh results.
type LookupResult struct {
	Outcome Outcome `json:"outcome" yaml:"outcome"`
	Entry   *Entry  `json:"entry,omitempty" yaml:"entry,omitempty"`
}

// Fresh reports whether the result may be used without asking upstream.
func (r LookupResult) Fresh() bool {
	return r.Outcome == OutcomeFresh
}

// Stats summarises the contents of a store.
type Stats struct {
	Caches          int       `json:"caches" yaml:"caches"`
	PositiveEntries int       `json:"positive_entries" yaml:"positive_entries"`
	NegativeEntries int       `json:"negative_entries" yaml:"negative_entries"`
	LastPurge       time.Time `json:"last_purge,omitzero" yaml:"last_purge,omitempty"`
}
