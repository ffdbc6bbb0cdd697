package boltdb

import (
	"bytes"
	"context"
	"time"

	"go.etcd.io/bbolt"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/telemetry"
)

// MaybePurge deletes expired entries when the shared watermark says the last
// purge is at least policy.MinInterval old. The exclusive file lock makes the
// read-delete-advance sequence atomic across processes.
func (d *DB) MaybePurge(ctx context.Context, now time.Time, policy narinfocache.PurgePolicy) (narinfocache.PurgeResult, error) {
	start := time.Now()
	var result narinfocache.PurgeResult

	err := d.update(ctx, "bolt: purge", func(tx *bbolt.Tx) error {
		result = narinfocache.PurgeResult{}

		meta := tx.Bucket(bucketMeta)
		if raw := meta.Get(keyLastPurge); raw != nil {
			sec, ok := decodeUnix(raw)
			if !ok {
				return narinfocache.Corrupt("last purge watermark of %d bytes", len(raw))
			}
			result.LastPurge = time.Unix(sec, 0)
		}
		if !policy.Due(result.LastPurge, now) {
			return nil
		}

		if cutoff, ok := policy.UnseenCutoff(now); ok {
			var unseen []int64
			err := tx.Bucket(bucketCaches).ForEach(func(k, v []byte) error {
				h, err := readHeader(v)
				if err != nil {
					return err
				}
				if h.timestamp < cutoff {
					unseen = append(unseen, decodeID(k))
				}
				return nil
			})
			if err != nil {
				return err
			}
			for _, id := range unseen {
				ok, entries, err := d.deleteCache(tx, id)
				if err != nil {
					return err
				}
				if ok {
					result.CachesDeleted++
					result.EntriesDeleted += entries
				}
			}
		}

		positive, negative := policy.TTL.Cutoffs(now)
		nars := tx.Bucket(bucketNARs)
		var expired [][]byte
		err := nars.ForEach(func(k, v []byte) error {
			h, err := readHeader(v)
			if err != nil {
				return err
			}
			cutoff := negative
			if h.present {
				cutoff = positive
			}
			if h.timestamp < cutoff {
				expired = append(expired, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := nars.Delete(k); err != nil {
				return err
			}
		}
		result.EntriesDeleted += len(expired)

		if err := meta.Put(keyLastPurge, encodeUnix(now.Unix())); err != nil {
			return err
		}
		result.Ran = true
		result.LastPurge = time.Unix(now.Unix(), 0)
		return nil
	})
	if err != nil {
		telemetry.RecordPurgeCycle(ctx, "error", 0, 0, time.Since(start))
		return narinfocache.PurgeResult{}, err
	}

	if result.Ran {
		telemetry.RecordPurgeCycle(ctx, "ran", result.EntriesDeleted, result.CachesDeleted, time.Since(start))
		telemetry.RecordCacheRemoved(ctx, "unseen", result.CachesDeleted)
		d.logger.Debug("purged narinfo cache",
			"backend", Backend,
			"entries_deleted", result.EntriesDeleted,
			"caches_deleted", result.CachesDeleted)
	} else {
		telemetry.RecordPurgeCycle(ctx, "skipped", 0, 0, time.Since(start))
	}
	return result, nil
}

// Stats counts descriptors and entries. Entry kinds are read from the
// envelope header only.
func (d *DB) Stats(ctx context.Context) (narinfocache.Stats, error) {
	var stats narinfocache.Stats
	err := d.view(ctx, "bolt: stats", func(tx *bbolt.Tx) error {
		stats = narinfocache.Stats{}
		stats.Caches = tx.Bucket(bucketCaches).Stats().KeyN

		if err := tx.Bucket(bucketNARs).ForEach(func(_, v []byte) error {
			h, err := readHeader(v)
			if err != nil {
				return err
			}
			if h.present {
				stats.PositiveEntries++
			} else {
				stats.NegativeEntries++
			}
			return nil
		}); err != nil {
			return err
		}

		if raw := tx.Bucket(bucketMeta).Get(keyLastPurge); raw != nil {
			if sec, ok := decodeUnix(raw); ok {
				stats.LastPurge = time.Unix(sec, 0)
			}
		}
		return nil
	})
	if err != nil {
		return narinfocache.Stats{}, err
	}
	return stats, nil
}
