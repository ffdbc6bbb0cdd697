package boltdb

import (
	"bytes"
	"encoding/binary"
)

// Bucket names for bbolt storage.
var (
	bucketCaches    = []byte("caches")     // 8-byte id -> cache envelope
	bucketCacheURLs = []byte("cache_urls") // url -> 8-byte id
	bucketNARs      = []byte("nars")       // 8-byte id|hashPart -> entry envelope
	bucketMeta      = []byte("meta")       // last_purge, schema_version

	keyLastPurge     = []byte("last_purge")
	keySchemaVersion = []byte("schema_version")
)

// schemaVersion is bumped whenever the key or record layout changes.
const schemaVersion = 1

// encodeID converts a cache id to a fixed-width big-endian key so that ids
// sort numerically and every entry key of one cache shares a prefix.
func encodeID(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id)) //nolint:gosec // ids come from NextSequence and are positive
	return buf
}

func decodeID(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8])) //nolint:gosec // see encodeID
}

// encodeUnix stores epoch seconds with the sign bit flipped, preserving
// ordering for pre-1970 values.
func encodeUnix(sec int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(sec-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

func decodeUnix(b []byte) (int64, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(b)) + (-1 << 63), true //nolint:gosec // intentional unsigned->signed shift
}

// makeNARKey creates a key for the nars bucket.
// Format: [8-byte cache id][hash part]
func makeNARKey(cacheID int64, hashPart string) []byte {
	key := make([]byte, 8+len(hashPart))
	copy(key[:8], encodeID(cacheID))
	copy(key[8:], hashPart)
	return key
}

// parseNARKey extracts the cache id and hash part from a nars key.
func parseNARKey(key []byte) (cacheID int64, hashPart string) {
	if len(key) < 8 {
		return 0, ""
	}
	return decodeID(key[:8]), string(key[8:])
}

// keysWithPrefix collects the keys under prefix. bbolt cursors must not be
// advanced across deletes, so callers delete after collecting.
func keysWithPrefix(c interface {
	Seek([]byte) ([]byte, []byte)
	Next() ([]byte, []byte)
}, prefix []byte) [][]byte {
	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, bytes.Clone(k))
	}
	return keys
}
