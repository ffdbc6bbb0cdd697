package boltdb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	narinfocache "github.com/wolfeidau/narinfo-cache"
)

func newTestCodec(t *testing.T) *codec {
	t.Helper()
	c, err := newCodec()
	require.NoError(t, err)
	t.Cleanup(c.close)
	return c
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newTestCodec(t)

	t.Run("small payload is stored raw", func(t *testing.T) {
		raw := c.encode(envelope{present: true, timestamp: 1_700_000_000, payload: []byte("hello")})
		assert.Zero(t, raw[1]&flagZstd)

		env, err := c.decode(raw)
		require.NoError(t, err)
		assert.True(t, env.present)
		assert.Equal(t, int64(1_700_000_000), env.timestamp)
		assert.Equal(t, []byte("hello"), env.payload)
	})

	t.Run("large payload is compressed", func(t *testing.T) {
		payload := []byte(strings.Repeat("p4pclmv1gyja5kzc26npqpia1qqxrf0l-ruby-2.7.3 ", 100))
		raw := c.encode(envelope{present: true, timestamp: 42, payload: payload})
		assert.NotZero(t, raw[1]&flagZstd)
		assert.Less(t, len(raw), len(payload))

		env, err := c.decode(raw)
		require.NoError(t, err)
		assert.Equal(t, payload, env.payload)
	})

	t.Run("negative entry has no payload", func(t *testing.T) {
		raw := c.encode(envelope{timestamp: 7})
		assert.Len(t, raw, headerLen)

		env, err := c.decode(raw)
		require.NoError(t, err)
		assert.False(t, env.present)
		assert.Empty(t, env.payload)
	})

	t.Run("pre-epoch timestamp", func(t *testing.T) {
		env, err := c.decode(c.encode(envelope{timestamp: -86400}))
		require.NoError(t, err)
		assert.Equal(t, int64(-86400), env.timestamp)
	})
}

func TestCodec_Corruption(t *testing.T) {
	c := newTestCodec(t)
	good := c.encode(envelope{present: true, timestamp: 1, payload: []byte("payload")})

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"truncated header", func(b []byte) []byte { return b[:headerLen-1] }},
		{"unknown version", func(b []byte) []byte { b[0] = 9; return b }},
		{"unknown flags", func(b []byte) []byte { b[1] |= 0x80; return b }},
		{"flipped payload byte", func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }},
		{"flipped present flag", func(b []byte) []byte { b[1] ^= flagPresent; return b }},
		{"changed timestamp", func(b []byte) []byte { b[9]++; return b }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := tt.mutate(append([]byte(nil), good...))
			_, err := c.decode(raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, narinfocache.ErrCorruptSchema)
		})
	}
}

func TestReadHeader(t *testing.T) {
	c := newTestCodec(t)
	h, err := readHeader(c.encode(envelope{present: true, timestamp: 99, payload: []byte("x")}))
	require.NoError(t, err)
	assert.True(t, h.present)
	assert.Equal(t, int64(99), h.timestamp)
}

func TestNarInfoRecord_RoundTrip(t *testing.T) {
	info := narinfocache.NarInfo{
		NamePart:    "ruby-2.7.3",
		URL:         "nar/1w1fff338fvdw53sqgamddn1b2xgds473pv6y13gizdbqjv4i5p3.nar.xz",
		Compression: "xz",
		FileHash:    "sha256:1w1fff338fvdw53sqgamddn1b2xgds473pv6y13gizdbqjv4i5p3",
		FileSize:    4029176,
		NarHash:     "sha256:1impfw8zdgisxkghq9a3q7cn7jb9zyzgxdydiamp8z2nlyyl0h5h",
		NarSize:     18735072,
		References:  []string{"0d71ygfwbmy1xjlbj1v027dfmy9cqavy-libffi-3.3", "p4pclmv1gyja5kzc26npqpia1qqxrf0l-ruby-2.7.3"},
		Deriver:     "bidkcs01mww363s4s7akdhbl6ws66b0z-ruby-2.7.3.drv",
		Sigs:        []string{"cache.nixos.org-1:GrGV/Ls10TzoOaCnrcAqmPbKXFLLSBDeGNh5EQGKyuGA4K1wv1LcRVb6/sU+NAPK8lDiam8XcdJzUngmdhfTBQ=="},
		CA:          "",
	}

	var got narinfocache.NarInfo
	require.NoError(t, unmarshalNarInfo(marshalNarInfo(&info), &got))
	assert.Equal(t, info, got)

	var empty narinfocache.NarInfo
	require.NoError(t, unmarshalNarInfo(marshalNarInfo(&narinfocache.NarInfo{}), &empty))
	assert.Nil(t, empty.References)
	assert.Nil(t, empty.Sigs)
}

func TestCacheRecord_RoundTrip(t *testing.T) {
	info := narinfocache.CacheInfo{
		URL:           "https://cache.example/",
		StoreDir:      "/nix/store",
		WantMassQuery: true,
		Priority:      -5,
	}

	var got narinfocache.CacheInfo
	require.NoError(t, unmarshalCache(marshalCache(&info), &got))
	assert.Equal(t, info, got)
}

func TestRecord_Truncated(t *testing.T) {
	raw := marshalNarInfo(&narinfocache.NarInfo{NamePart: "hello-2.12"})

	var got narinfocache.NarInfo
	err := unmarshalNarInfo(raw[:len(raw)-3], &got)
	assert.ErrorIs(t, err, narinfocache.ErrCorruptSchema)
}
