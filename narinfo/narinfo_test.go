package narinfo

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	narinfocache "github.com/wolfeidau/narinfo-cache"
)

const netTools = `StorePath: /nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-net-tools-1.60_p20170221182432
URL: nar/1094wph9z4nwlgvsd53abfz8i117ykiv5dwnq9nnhz846s7xqd7d.nar.xz
Compression: xz
FileHash: sha256:1094wph9z4nwlgvsd53abfz8i117ykiv5dwnq9nnhz846s7xqd7d
FileSize: 114980
NarHash: sha256:0lxjvvpr59c2mdram7ympy5ay741f180kv3349hvfc3f8nrmbqf6
NarSize: 464152
References: 7gx4kiv5m0i7d7qkixq2cwzbr10lvxwc-glibc-2.27
Deriver: 10dx1q4ivjb115y3h90mipaaz533nr0d-net-tools-1.60_p20170221182432.drv
Sig: cache.nixos.org-1:sn5s/RrqEI+YG6/PjwdbPjcAC7rcta7sJU4mFOawGvJBLsWkyLtBrT2EuFt/LJjWkTZ+ZWOI9NTtjo/woMdvAg==
`

func TestParse(t *testing.T) {
	hashPart, info, err := Parse(strings.NewReader(netTools))
	require.NoError(t, err)

	assert.Equal(t, "00bgd045z0d4icpbc2yyz4gx48ak44la", hashPart)
	assert.Equal(t, "net-tools-1.60_p20170221182432", info.NamePart)
	assert.Equal(t, "nar/1094wph9z4nwlgvsd53abfz8i117ykiv5dwnq9nnhz846s7xqd7d.nar.xz", info.URL)
	assert.Equal(t, "xz", info.Compression)
	assert.Equal(t, "sha256:1094wph9z4nwlgvsd53abfz8i117ykiv5dwnq9nnhz846s7xqd7d", info.FileHash)
	assert.Equal(t, uint64(114980), info.FileSize)
	assert.Equal(t, "sha256:0lxjvvpr59c2mdram7ympy5ay741f180kv3349hvfc3f8nrmbqf6", info.NarHash)
	assert.Equal(t, uint64(464152), info.NarSize)
	assert.Equal(t, []string{"7gx4kiv5m0i7d7qkixq2cwzbr10lvxwc-glibc-2.27"}, info.References)
	assert.Equal(t, "10dx1q4ivjb115y3h90mipaaz533nr0d-net-tools-1.60_p20170221182432.drv", info.Deriver)
	require.Len(t, info.Sigs, 1)
	assert.True(t, strings.HasPrefix(info.Sigs[0], "cache.nixos.org-1:"))
}

func TestParse_Invalid(t *testing.T) {
	_, _, err := Parse(strings.NewReader("StorePath: nonsense\n"))
	require.Error(t, err)
}

func TestFormat_RoundTrip(t *testing.T) {
	hashPart, info, err := Parse(strings.NewReader(netTools))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Format(&buf, "", hashPart, info))
	assert.Contains(t, buf.String(), "StorePath: /nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-net-tools-1.60_p20170221182432\n")

	again, reparsed, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, hashPart, again)
	assert.True(t, info.Equal(&reparsed), "round trip changed the record: %+v", reparsed)
}

func TestFormat_RejectsBadInput(t *testing.T) {
	var buf bytes.Buffer
	err := Format(&buf, "", "", narinfocache.NarInfo{NamePart: "hello"})
	assert.ErrorIs(t, err, narinfocache.ErrInvalidHashPart)

	err = Format(&buf, "", "abcd1234", narinfocache.NarInfo{NamePart: "hello", NarHash: "not-a-hash"})
	assert.Error(t, err)
}

func TestHashPartFromPath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "/nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-net-tools-1.60", want: "00bgd045z0d4icpbc2yyz4gx48ak44la"},
		{in: "00bgd045z0d4icpbc2yyz4gx48ak44la-net-tools-1.60", want: "00bgd045z0d4icpbc2yyz4gx48ak44la"},
		{in: "00bgd045z0d4icpbc2yyz4gx48ak44la.narinfo", want: "00bgd045z0d4icpbc2yyz4gx48ak44la"},
		{in: "abcd1234", want: "abcd1234"},
		{in: "bad/", want: "bad"},
		{in: "no_underscores", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := HashPartFromPath(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, narinfocache.ErrInvalidHashPart)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
