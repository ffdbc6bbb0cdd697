// Package config loads narinfo-cache settings from an optional file and
// NARINFO_CACHE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	narinfocache "github.com/wolfeidau/narinfo-cache"
	"github.com/wolfeidau/narinfo-cache/store"
)

// EnvPrefix is prepended to every environment override, so log.level is read
// from NARINFO_CACHE_LOG_LEVEL.
const EnvPrefix = "NARINFO_CACHE"

// Config holds every setting of the command.
type Config struct {
	Path           string                     `mapstructure:"path" yaml:"path"`
	Backend        string                     `mapstructure:"backend" yaml:"backend"`
	PositiveTTL    time.Duration              `mapstructure:"positive_ttl" yaml:"positive_ttl"`
	NegativeTTL    time.Duration              `mapstructure:"negative_ttl" yaml:"negative_ttl"`
	CacheInfoTTL   time.Duration              `mapstructure:"cache_info_ttl" yaml:"cache_info_ttl"`
	PurgeInterval  time.Duration              `mapstructure:"purge_interval" yaml:"purge_interval"`
	UnseenCacheAge time.Duration              `mapstructure:"unseen_cache_age" yaml:"unseen_cache_age"`
	LockTimeout    time.Duration              `mapstructure:"lock_timeout" yaml:"lock_timeout"`
	ResolvePolicy  narinfocache.ResolvePolicy `mapstructure:"resolve_policy" yaml:"resolve_policy"`
	ServeStale     bool                       `mapstructure:"serve_stale" yaml:"serve_stale"`
	Log            Log                        `mapstructure:"log" yaml:"log"`
	Metrics        Metrics                    `mapstructure:"metrics" yaml:"metrics"`
}

// Log configures logging.
type Log struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// Metrics configures metric export.
type Metrics struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	Prometheus   bool   `mapstructure:"prometheus" yaml:"prometheus"`
	Address      string `mapstructure:"address" yaml:"address"`
}

// TTL returns the entry TTL policy.
func (c *Config) TTL() narinfocache.TTL {
	return narinfocache.TTL{Positive: c.PositiveTTL, Negative: c.NegativeTTL}
}

// PurgePolicy returns the purge policy.
func (c *Config) PurgePolicy() narinfocache.PurgePolicy {
	return narinfocache.PurgePolicy{
		TTL:            c.TTL(),
		MinInterval:    c.PurgeInterval,
		UnseenCacheAge: c.UnseenCacheAge,
	}
}

// StoreConfig returns the settings store.Open needs.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Backend:       c.Backend,
		Path:          c.Path,
		LockTimeout:   c.LockTimeout,
		ResolvePolicy: c.ResolvePolicy,
	}
}

// Load reads path, when given, on top of the defaults and applies environment
// overrides. A missing path is an error; an empty path uses defaults and the
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.TextUnmarshallerHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.Path == "" {
		cfg.Path, err = DefaultPath(cfg.Backend)
		if err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("path", "")
	v.SetDefault("backend", store.BackendSQLite)
	v.SetDefault("positive_ttl", narinfocache.DefaultPositiveTTL)
	v.SetDefault("negative_ttl", narinfocache.DefaultNegativeTTL)
	v.SetDefault("cache_info_ttl", narinfocache.DefaultCacheInfoTTL)
	v.SetDefault("purge_interval", narinfocache.DefaultPurgeInterval)
	v.SetDefault("unseen_cache_age", time.Duration(0))
	v.SetDefault("lock_timeout", time.Duration(0))
	v.SetDefault("resolve_policy", narinfocache.ResolveRefreshTimestamp.String())
	v.SetDefault("serve_stale", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)
	v.SetDefault("metrics.otlp_endpoint", "")
	v.SetDefault("metrics.prometheus", false)
	v.SetDefault("metrics.address", "127.0.0.1:9464")
}

// DefaultPath returns the per-user database location for backend.
func DefaultPath(backend string) (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locating cache directory: %w", err)
	}
	name := "binary-cache-v6.sqlite"
	if backend == store.BackendBolt {
		name = "binary-cache-v6.db"
	}
	return filepath.Join(dir, "narinfo-cache", name), nil
}

// Validate checks the settings for values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(store.Backends, c.Backend) {
		errs = append(errs, fmt.Errorf("backend: unknown %q (want one of %v)", c.Backend, store.Backends))
	}
	if c.PositiveTTL <= 0 {
		errs = append(errs, fmt.Errorf("positive_ttl: must be positive, got %s", c.PositiveTTL))
	}
	if c.NegativeTTL <= 0 {
		errs = append(errs, fmt.Errorf("negative_ttl: must be positive, got %s", c.NegativeTTL))
	}
	if c.CacheInfoTTL <= 0 {
		errs = append(errs, fmt.Errorf("cache_info_ttl: must be positive, got %s", c.CacheInfoTTL))
	}
	if c.PurgeInterval < 0 {
		errs = append(errs, fmt.Errorf("purge_interval: must not be negative, got %s", c.PurgeInterval))
	}
	if c.UnseenCacheAge < 0 {
		errs = append(errs, fmt.Errorf("unseen_cache_age: must not be negative, got %s", c.UnseenCacheAge))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown %q (want text or json)", c.Log.Format))
	}
	return errors.Join(errs...)
}

// durationDecodeHook accepts Go duration strings and bare numbers of seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Duration(0), nil
			}
			if d, err := time.ParseDuration(v); err == nil {
				return d, nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(seconds * float64(time.Second)), nil
			}
			return nil, fmt.Errorf("invalid duration %q", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type %T", v)
		}
	}
}
