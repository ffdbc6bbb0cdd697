package boltdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	narinfocache "github.com/wolfeidau/narinfo-cache"
)

func newTestBoltDB(t *testing.T, path string, opts ...Option) *DB {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "narinfo.db")
	}
	db := New(append([]Option{WithNoSync(true)}, opts...)...)
	require.NoError(t, db.Open(context.Background(), path))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_CreatesBuckets(t *testing.T) {
	db := newTestBoltDB(t, "")

	raw, err := bbolt.Open(db.Path(), 0o600, &bbolt.Options{ReadOnly: true, Timeout: time.Second})
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.View(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCaches, bucketCacheURLs, bucketNARs, bucketMeta} {
			assert.NotNil(t, tx.Bucket(name), string(name))
		}
		assert.Equal(t, []byte{schemaVersion}, tx.Bucket(bucketMeta).Get(keySchemaVersion))
		return nil
	}))
}

func TestOpen_NoHandleHeldBetweenOperations(t *testing.T) {
	db := newTestBoltDB(t, "")

	// An exclusive open would time out if the store kept the file open.
	raw, err := bbolt.Open(db.Path(), 0o600, &bbolt.Options{Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, raw.Close())
}

func TestOpen_NotADatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.db")
	junk := make([]byte, 64*1024)
	for i := range junk {
		junk[i] = byte('A' + i%26)
	}
	require.NoError(t, os.WriteFile(path, junk, 0o600))

	db := New(WithLockTimeout(100 * time.Millisecond))
	err := db.Open(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, narinfocache.ErrCorruptSchema)
	assert.False(t, narinfocache.IsRetryable(err))
}

func TestOpen_ForeignBuckets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreign.db")
	raw, err := bbolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, raw.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucket([]byte("blobs_by_hash"))
		return err
	}))
	require.NoError(t, raw.Close())

	err = New().Open(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, narinfocache.ErrCorruptSchema)
}

func TestOpen_NewerSchemaVersion(t *testing.T) {
	db := newTestBoltDB(t, "")
	require.NoError(t, db.Close())

	raw, err := bbolt.Open(db.Path(), 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, raw.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keySchemaVersion, []byte{schemaVersion + 1})
	}))
	require.NoError(t, raw.Close())

	err = New().Open(context.Background(), db.Path())
	assert.ErrorIs(t, err, narinfocache.ErrCorruptSchema)
}

func TestLockTimeout(t *testing.T) {
	db := newTestBoltDB(t, "",
		WithLockTimeout(150*time.Millisecond),
		WithFlockTimeout(20*time.Millisecond),
	)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	id, err := db.ResolveCache(ctx, narinfocache.CacheParams{URL: "https://cache.example/"}, now)
	require.NoError(t, err)

	// Another "process" holds the file open read-write, keeping its
	// exclusive lock.
	holder, err := bbolt.Open(db.Path(), 0o600, &bbolt.Options{Timeout: time.Second})
	require.NoError(t, err)

	err = db.UpsertNegative(ctx, id, "abcd1234", now)
	require.Error(t, err)
	assert.ErrorIs(t, err, narinfocache.ErrLockTimeout)
	assert.True(t, narinfocache.IsRetryable(err))

	_, err = db.Lookup(ctx, id, "abcd1234", now, narinfocache.DefaultTTL())
	assert.ErrorIs(t, err, narinfocache.ErrLockTimeout)

	require.NoError(t, holder.Close())
	require.NoError(t, db.UpsertNegative(ctx, id, "abcd1234", now))
}

func TestLookup_CorruptRecord(t *testing.T) {
	db := newTestBoltDB(t, "")
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	id, err := db.ResolveCache(ctx, narinfocache.CacheParams{URL: "https://cache.example/"}, now)
	require.NoError(t, err)
	require.NoError(t, db.UpsertPositive(ctx, id, "abcd1234", narinfocache.NarInfo{NamePart: "hello", NarSize: 1}, now))

	raw, err := bbolt.Open(db.Path(), 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, raw.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNARs)
		key := makeNARKey(id, "abcd1234")
		v := append([]byte(nil), b.Get(key)...)
		v[len(v)-1] ^= 0xff
		return b.Put(key, v)
	}))
	require.NoError(t, raw.Close())

	_, err = db.Lookup(ctx, id, "abcd1234", now, narinfocache.DefaultTTL())
	assert.ErrorIs(t, err, narinfocache.ErrCorruptSchema)
}

func TestRemoveCache_DeletesOnlyItsKeyRange(t *testing.T) {
	db := newTestBoltDB(t, "")
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	a, err := db.ResolveCache(ctx, narinfocache.CacheParams{URL: "https://a.example/"}, now)
	require.NoError(t, err)
	b, err := db.ResolveCache(ctx, narinfocache.CacheParams{URL: "https://b.example/"}, now)
	require.NoError(t, err)

	for _, h := range []string{"aaaa", "bbbb", "cccc"} {
		require.NoError(t, db.UpsertNegative(ctx, a, h, now))
		require.NoError(t, db.UpsertNegative(ctx, b, h, now))
	}

	require.NoError(t, db.RemoveCache(ctx, a))

	_, err = db.GetCacheByURL(ctx, "https://a.example/")
	assert.ErrorIs(t, err, narinfocache.ErrNotFound)

	stats, err := db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Caches)
	assert.Equal(t, 3, stats.NegativeEntries)

	// A re-registered URL gets a fresh id.
	again, err := db.ResolveCache(ctx, narinfocache.CacheParams{URL: "https://a.example/"}, now)
	require.NoError(t, err)
	assert.Greater(t, again, b)
}

func TestNARKey(t *testing.T) {
	key := makeNARKey(258, "abcd1234")
	id, hashPart := parseNARKey(key)
	assert.Equal(t, int64(258), id)
	assert.Equal(t, "abcd1234", hashPart)

	sec, ok := decodeUnix(encodeUnix(-5))
	require.True(t, ok)
	assert.Equal(t, int64(-5), sec)
}
