// Package gc runs the narinfo purge on a schedule for long-lived processes.
package gc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	narinfocache "github.com/wolfeidau/narinfo-cache"
)

// Config configures the purge manager.
type Config struct {
	Interval     time.Duration // How often to attempt a purge; non-positive means 1h
	StartupDelay time.Duration // Delay before the first attempt; zero runs it immediately
	Policy       narinfocache.PurgePolicy
}

// DefaultConfig returns the default manager configuration. Attempts are
// cheap: the store skips the purge unless its shared watermark is older than
// Policy.MinInterval.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Hour,
		StartupDelay: time.Minute,
		Policy:       narinfocache.DefaultPurgePolicy(),
	}
}

// Result contains the outcome of one purge attempt.
type Result struct {
	StartedAt      time.Time     `json:"started_at" yaml:"started_at"`
	Duration       time.Duration `json:"duration" yaml:"duration"`
	Ran            bool          `json:"ran" yaml:"ran"`
	Busy           bool          `json:"busy,omitempty" yaml:"busy,omitempty"`
	EntriesDeleted int           `json:"entries_deleted" yaml:"entries_deleted"`
	CachesDeleted  int           `json:"caches_deleted" yaml:"caches_deleted"`
	LastPurge      time.Time     `json:"last_purge" yaml:"last_purge"`
	Error          string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Manager purges a store periodically.
type Manager struct {
	store   narinfocache.Store
	config  Config
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// New creates a purge manager for store.
func New(store narinfocache.Store, config Config, opts ...ManagerOption) *Manager {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.StartupDelay < 0 {
		config.StartupDelay = 0
	}
	m := &Manager{
		store:  store,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background purge goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	go m.run(ctx, stopCh, doneCh)
}

// Stop stops the background goroutine and waits for it to exit.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	m.running = false
	m.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow makes one purge attempt. With force set the watermark is ignored
// and the purge runs regardless of when the last one happened.
func (m *Manager) RunNow(ctx context.Context, force bool) (*Result, error) {
	return m.runPurge(ctx, force)
}

// Status returns the result of the last attempt, or nil before the first.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	m.logger.Info("gc manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"min_interval", m.config.Policy.MinInterval,
		"unseen_cache_age", m.config.Policy.UnseenCacheAge,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-stopCh:
		m.logger.Info("gc manager stopped during startup delay")
		return
	case <-ctx.Done():
		m.logger.Info("gc manager context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	_, _ = m.runPurge(ctx, false)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = m.runPurge(ctx, false)
		case <-stopCh:
			m.logger.Info("gc manager stopped")
			return
		case <-ctx.Done():
			m.logger.Info("gc manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) runPurge(ctx context.Context, force bool) (*Result, error) {
	policy := m.config.Policy
	if force {
		policy.MinInterval = 0
	}

	start := time.Now()
	result := &Result{StartedAt: m.now()}
	res, err := m.store.MaybePurge(ctx, result.StartedAt, policy)
	result.Duration = time.Since(start)
	result.Ran = res.Ran
	result.EntriesDeleted = res.EntriesDeleted
	result.CachesDeleted = res.CachesDeleted
	result.LastPurge = res.LastPurge

	switch {
	case errors.Is(err, narinfocache.ErrLockTimeout):
		result.Busy = true
		result.Error = err.Error()
		m.logger.Warn("store busy, purge skipped", "error", err)
	case err != nil:
		result.Error = err.Error()
		m.logger.Error("purge failed", "error", err)
	case res.Ran:
		m.logger.Info("purge completed",
			"duration", result.Duration,
			"entries_deleted", result.EntriesDeleted,
			"caches_deleted", result.CachesDeleted,
		)
	default:
		m.logger.Debug("purge not due", "last_purge", result.LastPurge)
	}

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	return result, err
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.attemptsTotal.Add(ctx, 1)
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	switch {
	case result.Busy:
		m.metrics.busyTotal.Add(ctx, 1)
		m.metrics.lastRunSuccess.Record(ctx, 0)
	case result.Error != "":
		m.metrics.errorsTotal.Add(ctx, 1)
		m.metrics.lastRunSuccess.Record(ctx, 0)
	default:
		m.metrics.lastRunSuccess.Record(ctx, 1)
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create gc metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}
