package boltdb

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/telemetry"
)

// Lookup classifies the entry for (cacheID, hashPart) at now.
func (d *DB) Lookup(ctx context.Context, cacheID int64, hashPart string, now time.Time, ttl narinfocache.TTL) (narinfocache.LookupResult, error) {
	if err := narinfocache.ValidateHashPart(hashPart); err != nil {
		return narinfocache.LookupResult{}, err
	}

	var entry *narinfocache.Entry
	err := d.view(ctx, "bolt: lookup", func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketNARs).Get(makeNARKey(cacheID, hashPart))
		if raw == nil {
			return nil
		}
		var err error
		entry, err = d.decodeEntry(hashPart, raw)
		return err
	})
	if err != nil {
		return narinfocache.LookupResult{}, err
	}

	res := ttl.Classify(entry, now)
	telemetry.RecordLookup(ctx, res.Outcome.String(), entry.Kind())
	return res, nil
}

// UpsertPositive stores info for (cacheID, hashPart), replacing any previous
// entry.
func (d *DB) UpsertPositive(ctx context.Context, cacheID int64, hashPart string, info narinfocache.NarInfo, now time.Time) error {
	if err := narinfocache.ValidateHashPart(hashPart); err != nil {
		return err
	}
	err := d.putEntry(ctx, "bolt: upsert positive", cacheID, hashPart, envelope{
		present:   true,
		timestamp: now.Unix(),
		payload:   marshalNarInfo(&info),
	})
	if err != nil {
		return err
	}
	telemetry.RecordUpsert(ctx, "positive")
	return nil
}

// UpsertNegative records that hashPart does not exist in cacheID.
func (d *DB) UpsertNegative(ctx context.Context, cacheID int64, hashPart string, now time.Time) error {
	if err := narinfocache.ValidateHashPart(hashPart); err != nil {
		return err
	}
	err := d.putEntry(ctx, "bolt: upsert negative", cacheID, hashPart, envelope{
		timestamp: now.Unix(),
	})
	if err != nil {
		return err
	}
	telemetry.RecordUpsert(ctx, "negative")
	return nil
}

func (d *DB) putEntry(ctx context.Context, op string, cacheID int64, hashPart string, env envelope) error {
	return d.update(ctx, op, func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketCaches).Get(encodeID(cacheID)) == nil {
			return fmt.Errorf("cache %d: %w", cacheID, narinfocache.ErrNotFound)
		}
		return tx.Bucket(bucketNARs).Put(makeNARKey(cacheID, hashPart), d.codec.encode(env))
	})
}

func (d *DB) decodeEntry(hashPart string, raw []byte) (*narinfocache.Entry, error) {
	env, err := d.codec.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", hashPart, err)
	}

	entry := &narinfocache.Entry{HashPart: hashPart, Timestamp: time.Unix(env.timestamp, 0)}
	if !env.present {
		return entry, nil
	}
	info := &narinfocache.NarInfo{}
	if err := unmarshalNarInfo(env.payload, info); err != nil {
		return nil, fmt.Errorf("entry %s: %w", hashPart, err)
	}
	entry.Info = info
	return entry, nil
}
