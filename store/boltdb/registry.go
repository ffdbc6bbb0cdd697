package boltdb

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/telemetry"
)

// ResolveCache returns the id for params.URL, inserting the descriptor when
// the URL is new. Ids come from the bucket sequence and are never reused.
func (d *DB) ResolveCache(ctx context.Context, params narinfocache.CacheParams, now time.Time) (int64, error) {
	if err := narinfocache.ValidateCacheURL(params.URL); err != nil {
		return 0, err
	}

	var id int64
	err := d.update(ctx, "bolt: resolve cache", func(tx *bbolt.Tx) error {
		caches := tx.Bucket(bucketCaches)
		urls := tx.Bucket(bucketCacheURLs)

		info := narinfocache.CacheInfo{
			URL:           params.URL,
			StoreDir:      params.StoreDir,
			WantMassQuery: params.WantMassQuery,
			Priority:      params.Priority,
		}

		if raw := urls.Get([]byte(params.URL)); raw != nil {
			id = decodeID(raw)
			if d.resolvePolicy != narinfocache.ResolveRefreshAll {
				existing, err := d.getCache(caches, id)
				if err != nil {
					return err
				}
				info = *existing
			}
		} else {
			seq, err := caches.NextSequence()
			if err != nil {
				return err
			}
			id = int64(seq) //nolint:gosec // sequences start at 1 and stay far below MaxInt64
			if err := urls.Put([]byte(params.URL), encodeID(id)); err != nil {
				return err
			}
		}

		info.ID = id
		info.LastContact = now
		return d.putCache(caches, &info)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetCache returns the descriptor with the given id.
func (d *DB) GetCache(ctx context.Context, id int64) (*narinfocache.CacheInfo, error) {
	var info *narinfocache.CacheInfo
	err := d.view(ctx, "bolt: get cache", func(tx *bbolt.Tx) error {
		var err error
		info, err = d.getCache(tx.Bucket(bucketCaches), id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// GetCacheByURL returns the descriptor registered for url.
func (d *DB) GetCacheByURL(ctx context.Context, url string) (*narinfocache.CacheInfo, error) {
	var info *narinfocache.CacheInfo
	err := d.view(ctx, "bolt: get cache by url", func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketCacheURLs).Get([]byte(url))
		if raw == nil {
			return narinfocache.ErrNotFound
		}
		var err error
		info, err = d.getCache(tx.Bucket(bucketCaches), decodeID(raw))
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// ListCaches returns every descriptor ordered by priority, then id.
func (d *DB) ListCaches(ctx context.Context) ([]narinfocache.CacheInfo, error) {
	var caches []narinfocache.CacheInfo
	err := d.view(ctx, "bolt: list caches", func(tx *bbolt.Tx) error {
		caches = caches[:0]
		return tx.Bucket(bucketCaches).ForEach(func(k, v []byte) error {
			info, err := d.decodeCache(decodeID(k), v)
			if err != nil {
				return err
			}
			caches = append(caches, *info)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(caches, func(a, b narinfocache.CacheInfo) int {
		return cmp.Or(cmp.Compare(a.Priority, b.Priority), cmp.Compare(a.ID, b.ID))
	})
	return caches, nil
}

// RemoveCache deletes the descriptor, its URL index entry and every entry
// stored under its id in one transaction.
func (d *DB) RemoveCache(ctx context.Context, id int64) error {
	removed := 0
	err := d.update(ctx, "bolt: remove cache", func(tx *bbolt.Tx) error {
		removed = 0
		ok, _, err := d.deleteCache(tx, id)
		if ok {
			removed = 1
		}
		return err
	})
	if err != nil {
		return err
	}
	telemetry.RecordCacheRemoved(ctx, "explicit", removed)
	return nil
}

// deleteCache removes a descriptor and cascades to its entries. It reports
// whether the descriptor existed and how many entries were removed.
func (d *DB) deleteCache(tx *bbolt.Tx, id int64) (bool, int, error) {
	caches := tx.Bucket(bucketCaches)
	key := encodeID(id)
	raw := caches.Get(key)
	if raw == nil {
		return false, 0, nil
	}

	info, err := d.decodeCache(id, raw)
	if err != nil {
		return false, 0, err
	}
	if err := tx.Bucket(bucketCacheURLs).Delete([]byte(info.URL)); err != nil {
		return false, 0, err
	}
	if err := caches.Delete(key); err != nil {
		return false, 0, err
	}

	nars := tx.Bucket(bucketNARs)
	keys := keysWithPrefix(nars.Cursor(), key)
	for _, k := range keys {
		if err := nars.Delete(k); err != nil {
			return false, 0, err
		}
	}
	return true, len(keys), nil
}

func (d *DB) getCache(caches *bbolt.Bucket, id int64) (*narinfocache.CacheInfo, error) {
	raw := caches.Get(encodeID(id))
	if raw == nil {
		return nil, fmt.Errorf("cache %d: %w", id, narinfocache.ErrNotFound)
	}
	return d.decodeCache(id, raw)
}

func (d *DB) putCache(caches *bbolt.Bucket, info *narinfocache.CacheInfo) error {
	return caches.Put(encodeID(info.ID), d.codec.encode(envelope{
		timestamp: info.LastContact.Unix(),
		payload:   marshalCache(info),
	}))
}

func (d *DB) decodeCache(id int64, raw []byte) (*narinfocache.CacheInfo, error) {
	env, err := d.codec.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("cache %d: %w", id, err)
	}
	info := &narinfocache.CacheInfo{ID: id, LastContact: time.Unix(env.timestamp, 0)}
	if err := unmarshalCache(env.payload, info); err != nil {
		return nil, fmt.Errorf("cache %d: %w", id, err)
	}
	return info, nil
}
