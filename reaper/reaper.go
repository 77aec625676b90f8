// Package reaper provides periodic cleanup for the delivery subsystem:
// expired objects are removed from every backend, the local cache is held to
// its TTL and size bound, and stale scratch files are swept.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/videobot/delivery/cache"
	"github.com/videobot/delivery/policy"
	"github.com/videobot/delivery/router"
	"github.com/videobot/delivery/telemetry"
)

// State describes what the reaper is doing right now.
type State string

const (
	StateIdle     State = "idle"
	StateScanning State = "scanning"
	StateDeleting State = "deleting"
)

// Config configures the reaper.
type Config struct {
	Interval      time.Duration // How often to run (default: 1h)
	StartupDelay  time.Duration // Delay before first run (default: 5m)
	CacheTTL      time.Duration // Evict cache entries not accessed in this long (0 = no TTL)
	MaxCacheBytes int64         // Target max cache size (0 = no limit)
	TempDir       string        // Scratch directory to sweep (empty = skip)
	TempMaxAge    time.Duration // Delete scratch files older than this (default: 1h)
	BatchSize     int           // Max items to process per phase per run (default: 1000)
}

// DefaultConfig returns the default reaper configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Hour,
		StartupDelay: 5 * time.Minute,
		TempMaxAge:   1 * time.Hour,
		BatchSize:    1000,
	}
}

// Result contains the results of a single reaper cycle.
type Result struct {
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
	ExpiredDeleted  int           `json:"expired_deleted"`
	CacheTTLEvicted int           `json:"cache_ttl_evicted"`
	CacheLRUEvicted int           `json:"cache_lru_evicted"`
	TempDeleted     int           `json:"temp_deleted"`
	BytesFreed      int64         `json:"bytes_freed"`
	Errors          []string      `json:"errors,omitempty"`
}

func (r *Result) deleted() int {
	return r.ExpiredDeleted + r.CacheTTLEvicted + r.CacheLRUEvicted + r.TempDeleted
}

// Manager runs the cleanup cycle on a ticker.
type Manager struct {
	router   *router.Router
	index    *cache.Index
	cacheDir string
	config   Config
	policy   policy.Policy
	logger   *slog.Logger
	now      func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	state   State
	lastRun *Result
}

// Option configures optional Manager behaviour.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithNow overrides the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a reaper Manager. The cache directory is where the engine
// stages cached files; it must match the engine's directory so evictions
// remove the right files.
func New(rt *router.Router, index *cache.Index, cacheDir string, config Config, pol policy.Policy, opts ...Option) *Manager {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.TempMaxAge <= 0 {
		config.TempMaxAge = DefaultConfig().TempMaxAge
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	m := &Manager{
		router:   rt,
		index:    index,
		cacheDir: cacheDir,
		config:   config,
		policy:   pol,
		logger:   slog.Default(),
		now:      time.Now,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background cleanup goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the manager, waiting for an in-flight cycle.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	close(m.stopCh)

	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate cleanup cycle.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	return m.runCycle(ctx), nil
}

// Status returns the last cycle's result, nil before the first cycle.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

// State reports what the reaper is doing right now.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("reaper starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
		"cache_ttl", m.config.CacheTTL,
		"max_cache_bytes", m.config.MaxCacheBytes,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("reaper stopped during startup delay")
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.logger.Info("reaper context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	m.runCycle(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCycle(ctx)
		case <-m.stopCh:
			m.logger.Info("reaper stopped")
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.logger.Info("reaper context cancelled")
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

func (m *Manager) runCycle(ctx context.Context) *Result {
	result := &Result{StartedAt: m.now().UTC()}

	m.logger.Info("starting cleanup cycle")
	m.setState(StateScanning)
	defer m.setState(StateIdle)

	m.phaseExpiredObjects(ctx, result)
	m.phaseCacheTTL(ctx, result)
	m.phaseCacheSize(ctx, result)
	m.phaseTempSweep(ctx, result)
	m.phaseOrphans(ctx, result)

	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	telemetry.RecordReaperCycle(ctx, result.Duration)

	if err := m.index.RecordCleanupRun(ctx, result.deleted(), result.BytesFreed); err != nil {
		m.logger.Warn("failed to persist cleanup stats", "error", err)
	}

	m.logger.Info("cleanup cycle completed",
		"duration", result.Duration,
		"expired_deleted", result.ExpiredDeleted,
		"cache_ttl_evicted", result.CacheTTLEvicted,
		"cache_lru_evicted", result.CacheLRUEvicted,
		"temp_deleted", result.TempDeleted,
		"bytes_freed", result.BytesFreed,
		"errors", len(result.Errors),
	)

	return result
}
