package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"gopkg.in/yaml.v3"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/narinfo"
	"github.com/wolfeidau/narinfo-cache/store/gc"
	"github.com/wolfeidau/narinfo-cache/telemetry"
)

func (g *Globals) print(v any) error {
	if g.Output == "json" {
		enc := json.NewEncoder(g.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(g.stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// withApp opens the store for the duration of fn.
func (g *Globals) withApp(ctx context.Context, startupPurge bool, fn func(*app) error) error {
	a, err := g.open(ctx, startupPurge)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

type RegisterCmd struct {
	URL           string `arg:"" help:"Binary cache URL."`
	StoreDir      string `help:"Store directory the cache serves." default:"/nix/store"`
	WantMassQuery bool   `help:"Cache supports mass queries."`
	Priority      int    `help:"Cache priority; lower is preferred." default:"50"`
}

func (c *RegisterCmd) Run(ctx context.Context, g *Globals) error {
	return g.withApp(ctx, true, func(a *app) error {
		info, err := a.cache.CreateCache(ctx, c.URL, c.StoreDir, c.WantMassQuery, c.Priority)
		if err != nil {
			return err
		}
		return g.print(info)
	})
}

type CachesCmd struct{}

func (c *CachesCmd) Run(ctx context.Context, g *Globals) error {
	return g.withApp(ctx, true, func(a *app) error {
		caches, err := a.store.ListCaches(ctx)
		if err != nil {
			return err
		}
		if caches == nil {
			caches = []narinfocache.CacheInfo{}
		}
		return g.print(caches)
	})
}

type InfoCmd struct {
	URL string `arg:"" help:"Binary cache URL."`
}

func (c *InfoCmd) Run(ctx context.Context, g *Globals) error {
	return g.withApp(ctx, true, func(a *app) error {
		info, err := a.store.GetCacheByURL(ctx, c.URL)
		if err != nil {
			return err
		}
		_, trusted, err := a.cache.CacheExists(ctx, c.URL)
		if err != nil {
			return err
		}
		return g.print(struct {
			narinfocache.CacheInfo `yaml:",inline"`
			Trusted                bool `json:"trusted" yaml:"trusted"`
		}{*info, trusted})
	})
}

type RemoveCmd struct {
	URL string `arg:"" help:"Binary cache URL."`
}

func (c *RemoveCmd) Run(ctx context.Context, g *Globals) error {
	return g.withApp(ctx, true, func(a *app) error {
		info, err := a.store.GetCacheByURL(ctx, c.URL)
		if err != nil {
			return err
		}
		if err := a.store.RemoveCache(ctx, info.ID); err != nil {
			return err
		}
		a.cache.Forget(c.URL)
		a.logger.Info("removed cache", "url", c.URL, "id", info.ID)
		return nil
	})
}

type LookupCmd struct {
	URL       string `arg:"" help:"Binary cache URL."`
	StorePath string `arg:"" help:"Store path, base name or hash part."`
	NarInfo   bool   `name:"narinfo" help:"Print a positive entry as a .narinfo document."`
}

func (c *LookupCmd) Run(ctx context.Context, g *Globals) error {
	hashPart, err := narinfo.HashPartFromPath(c.StorePath)
	if err != nil {
		return err
	}
	return g.withApp(ctx, true, func(a *app) error {
		res, err := a.cache.LookupNarInfo(ctx, c.URL, hashPart)
		if err != nil {
			return err
		}
		if c.NarInfo && res.Entry.Present() {
			info, err := a.store.GetCacheByURL(ctx, c.URL)
			if err != nil {
				return err
			}
			return narinfo.Format(g.stdout, info.StoreDir, hashPart, *res.Entry.Info)
		}
		return g.print(res)
	})
}

type PutCmd struct {
	URL  string `arg:"" help:"Binary cache URL."`
	File string `arg:"" help:".narinfo file, or - for stdin."`
}

func (c *PutCmd) Run(ctx context.Context, g *Globals) error {
	var r io.Reader = g.stdin
	if c.File != "-" {
		f, err := os.Open(c.File)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	hashPart, info, err := narinfo.Parse(r)
	if err != nil {
		return err
	}
	return g.withApp(ctx, true, func(a *app) error {
		if err := a.cache.UpsertNarInfo(ctx, c.URL, hashPart, &info); err != nil {
			return err
		}
		a.logger.Info("stored narinfo", "url", c.URL, "hash_part", hashPart, "name", info.NamePart)
		return nil
	})
}

type PutAbsentCmd struct {
	URL       string `arg:"" help:"Binary cache URL."`
	StorePath string `arg:"" help:"Store path, base name or hash part."`
}

func (c *PutAbsentCmd) Run(ctx context.Context, g *Globals) error {
	hashPart, err := narinfo.HashPartFromPath(c.StorePath)
	if err != nil {
		return err
	}
	return g.withApp(ctx, true, func(a *app) error {
		return a.cache.UpsertNarInfo(ctx, c.URL, hashPart, nil)
	})
}

type PurgeCmd struct {
	Force bool `help:"Purge even if another process purged recently."`
}

func (c *PurgeCmd) Run(ctx context.Context, g *Globals) error {
	return g.withApp(ctx, false, func(a *app) error {
		mgr := gc.New(a.store, gc.Config{Policy: a.cache.PurgePolicy()}, gc.WithLogger(a.logger))
		result, err := mgr.RunNow(ctx, c.Force)
		if err != nil {
			return err
		}
		return g.print(result)
	})
}

type StatsCmd struct{}

func (c *StatsCmd) Run(ctx context.Context, g *Globals) error {
	return g.withApp(ctx, true, func(a *app) error {
		stats, err := a.store.Stats(ctx)
		if err != nil {
			return err
		}
		return g.print(stats)
	})
}

type ReapCmd struct {
	Interval       time.Duration `help:"How often to attempt a purge." default:"1h"`
	StartupDelay   time.Duration `help:"Delay before the first attempt." default:"0s"`
	MetricsAddress string        `help:"Serve Prometheus metrics on this address, overriding the config file."`
}

func (c *ReapCmd) Run(ctx context.Context, g *Globals) error {
	return g.withApp(ctx, false, func(a *app) error {
		address := a.cfg.Metrics.Address
		if c.MetricsAddress != "" {
			address = c.MetricsAddress
		}
		serveMetrics := a.cfg.Metrics.Prometheus || c.MetricsAddress != ""

		shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
			ServiceVersion:   version,
			OTLPEndpoint:     a.cfg.Metrics.OTLPEndpoint,
			EnablePrometheus: serveMetrics,
		})
		if err != nil {
			return fmt.Errorf("initialising metrics: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownMetrics(shutdownCtx); err != nil {
				a.logger.Warn("metrics shutdown failed", "error", err)
			}
		}()

		errCh := make(chan error, 1)
		var srv *http.Server
		if serveMetrics {
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.PrometheusHandler())
			srv = &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			a.logger.Info("serving metrics", "address", address)
		}

		mgr := gc.New(a.store, gc.Config{
			Interval:     c.Interval,
			StartupDelay: c.StartupDelay,
			Policy:       a.cache.PurgePolicy(),
		},
			gc.WithLogger(a.logger),
			gc.WithMetrics(otel.Meter("github.com/wolfeidau/narinfo-cache/store/gc")),
		)
		mgr.Start(ctx)

		var runErr error
		select {
		case <-ctx.Done():
			a.logger.Info("received signal, shutting down")
		case runErr = <-errCh:
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mgr.Stop(shutdownCtx); err != nil {
			a.logger.Warn("gc manager did not stop cleanly", "error", err)
		}
		if srv != nil {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("metrics server shutdown failed", "error", err)
			}
		}
		return runErr
	})
}
