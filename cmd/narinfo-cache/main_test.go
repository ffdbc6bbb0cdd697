package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

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

const cacheURL = "https://cache.example/"

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var cli CLI
	var out bytes.Buffer
	cli.stdout, cli.stderr, cli.stdin = &out, io.Discard, strings.NewReader(stdin)

	parser, err := kong.New(&cli,
		kong.Name("narinfo-cache"),
		kong.Vars{"version": "test"},
		kong.Exit(func(code int) { t.Fatalf("unexpected exit %d", code) }),
	)
	require.NoError(t, err)

	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	kctx.BindTo(context.Background(), (*context.Context)(nil))
	err = kctx.Run(&cli.Globals)
	return out.String(), err
}

func TestCLI(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())

	for _, backend := range []string{"sqlite", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "narinfo."+backend)
			global := []string{"--backend", backend, "--path", path}
			run := func(stdin string, args ...string) string {
				t.Helper()
				out, err := runCLI(t, stdin, append(args, global...)...)
				require.NoError(t, err, "narinfo-cache %v", args)
				return out
			}

			var info narinfocache.CacheInfo
			require.NoError(t, yaml.Unmarshal([]byte(run("", "register", cacheURL, "--priority", "40", "--want-mass-query")), &info))
			assert.Equal(t, int64(1), info.ID)
			assert.Equal(t, 40, info.Priority)
			assert.True(t, info.WantMassQuery)

			var caches []narinfocache.CacheInfo
			require.NoError(t, json.Unmarshal([]byte(run("", "caches", "-o", "json")), &caches))
			require.Len(t, caches, 1)
			assert.Equal(t, cacheURL, caches[0].URL)

			run(netTools, "put", cacheURL, "-")
			run("", "put-absent", cacheURL, "/nix/store/ffffffffffffffffffffffffffffffff-missing")

			var res struct {
				Outcome string             `json:"outcome"`
				Entry   narinfocache.Entry `json:"entry"`
			}
			require.NoError(t, json.Unmarshal([]byte(run("", "lookup", cacheURL, "00bgd045z0d4icpbc2yyz4gx48ak44la", "-o", "json")), &res))
			assert.Equal(t, "fresh", res.Outcome)
			require.NotNil(t, res.Entry.Info)
			assert.Equal(t, uint64(464152), res.Entry.Info.NarSize)

			doc := run("", "lookup", cacheURL, "00bgd045z0d4icpbc2yyz4gx48ak44la", "--narinfo")
			assert.Contains(t, doc, "StorePath: /nix/store/00bgd045z0d4icpbc2yyz4gx48ak44la-net-tools-1.60_p20170221182432")

			var stats narinfocache.Stats
			require.NoError(t, json.Unmarshal([]byte(run("", "stats", "-o", "json")), &stats))
			assert.Equal(t, 1, stats.Caches)
			assert.Equal(t, 1, stats.PositiveEntries)
			assert.Equal(t, 1, stats.NegativeEntries)

			var purge struct {
				Ran bool `json:"ran"`
			}
			require.NoError(t, json.Unmarshal([]byte(run("", "purge", "--force", "-o", "json")), &purge))
			assert.True(t, purge.Ran)

			run("", "remove", cacheURL)
			_, err := runCLI(t, "", append([]string{"info", cacheURL}, global...)...)
			assert.ErrorIs(t, err, narinfocache.ErrNotFound)
		})
	}
}

func TestCLI_PutFile(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	dir := t.TempDir()
	file := filepath.Join(dir, "00bgd045z0d4icpbc2yyz4gx48ak44la.narinfo")
	require.NoError(t, os.WriteFile(file, []byte(netTools), 0o600))
	global := []string{"--path", filepath.Join(dir, "narinfo.sqlite")}

	_, err := runCLI(t, "", append([]string{"put", cacheURL, file}, global...)...)
	assert.ErrorIs(t, err, narinfocache.ErrNotFound, "cache must be registered first")

	_, err = runCLI(t, "", append([]string{"register", cacheURL}, global...)...)
	require.NoError(t, err)
	_, err = runCLI(t, "", append([]string{"put", cacheURL, file}, global...)...)
	require.NoError(t, err)
}
