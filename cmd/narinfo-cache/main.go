// Command narinfo-cache inspects and maintains the on-disk narinfo cache
// shared by the processes on a machine.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/config"
	"github.com/wolfeidau/narinfo-cache/diskcache"
	"github.com/wolfeidau/narinfo-cache/logging"
	"github.com/wolfeidau/narinfo-cache/store"
)

var version = "dev"

// Globals are the flags shared by every command.
type Globals struct {
	Config  string `help:"Config file (yaml, toml or json)." type:"path" env:"NARINFO_CACHE_CONFIG" short:"c"`
	Backend string `help:"Storage backend, overriding the config file." enum:",sqlite,bolt" default:""`
	Path    string `help:"Database file, overriding the config file." type:"path"`
	Output  string `help:"Output format." enum:"yaml,json" default:"yaml" short:"o"`

	Version kong.VersionFlag `help:"Print version and exit."`

	stdout io.Writer
	stderr io.Writer
	stdin  io.Reader
}

// CLI is the command tree.
type CLI struct {
	Globals

	Register  RegisterCmd  `cmd:"" help:"Register a binary cache or mark it contacted."`
	Caches    CachesCmd    `cmd:"" help:"List registered binary caches."`
	Info      InfoCmd      `cmd:"" help:"Show a binary cache and whether it is still trusted."`
	Remove    RemoveCmd    `cmd:"" help:"Remove a binary cache and all of its entries."`
	Lookup    LookupCmd    `cmd:"" help:"Look up the cached narinfo for a store path."`
	Put       PutCmd       `cmd:"" help:"Import a .narinfo file as a positive entry."`
	PutAbsent PutAbsentCmd `cmd:"" name:"put-absent" help:"Record that a store path does not exist in a cache."`
	Purge     PurgeCmd     `cmd:"" help:"Delete expired entries."`
	Stats     StatsCmd     `cmd:"" help:"Count caches and entries."`
	Reap      ReapCmd      `cmd:"" help:"Purge periodically until interrupted, optionally serving metrics."`
}

func main() {
	var cli CLI
	cli.stdout, cli.stderr, cli.stdin = os.Stdout, os.Stderr, os.Stdin

	kctx := kong.Parse(&cli,
		kong.Name("narinfo-cache"),
		kong.Description("Shared on-disk cache of binary cache narinfo lookups."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(&cli.Globals))
}

// app is what a command needs once configuration is resolved.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	store  narinfocache.Store
	cache  *diskcache.Cache

	closeLog io.Closer
}

func (a *app) Close() error {
	err := a.store.Close()
	_ = a.closeLog.Close()
	return err
}

// open loads configuration and opens the store. Commands that manage purging
// themselves pass startupPurge false.
func (g *Globals) open(ctx context.Context, startupPurge bool) (*app, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.Backend != "" {
		cfg.Backend = g.Backend
		if g.Path == "" && g.Config == "" {
			if cfg.Path, err = config.DefaultPath(cfg.Backend); err != nil {
				return nil, err
			}
		}
	}
	if g.Path != "" {
		cfg.Path = g.Path
	}

	logger, closeLog, err := logging.New(g.stderr, logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, err
	}

	sc := cfg.StoreConfig()
	sc.Logger = logger
	s, err := store.Open(ctx, sc)
	if err != nil {
		_ = closeLog.Close()
		return nil, fmt.Errorf("opening %s store %s: %w", cfg.Backend, cfg.Path, err)
	}

	cache, err := diskcache.New(ctx, s,
		diskcache.WithTTL(cfg.TTL()),
		diskcache.WithPurgeInterval(cfg.PurgeInterval),
		diskcache.WithUnseenCacheAge(cfg.UnseenCacheAge),
		diskcache.WithCacheInfoTTL(cfg.CacheInfoTTL),
		diskcache.WithServeStale(cfg.ServeStale),
		diskcache.WithStartupPurge(startupPurge),
		diskcache.WithLogger(logger),
	)
	if err != nil {
		_ = s.Close()
		_ = closeLog.Close()
		return nil, err
	}

	logger.Debug("store opened", "backend", cfg.Backend, "path", cfg.Path, "version", version)
	return &app{cfg: cfg, logger: logger, store: s, cache: cache, closeLog: closeLog}, nil
}
