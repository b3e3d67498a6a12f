// Package connwatch keeps a long-lived connection to an external
// service healthy. The chat gateway is the main user: its websocket
// drops on gateway restarts and network partitions, and nothing else
// in the process would notice until a reply failed.
//
// A Watcher probes one service in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling (every 60s) with state-transition callbacks
//
// A probe may repair as well as check, for example by redialing when a
// cheap request fails.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/tollgate/internal/clock"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped), with
// 10 startup retries and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// Config configures a Watcher.
type Config struct {
	// Name identifies the service in logs (e.g., "chat").
	Name string

	// Probe checks service health. Required.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady is called when the service transitions from not-ready to
	// ready. Called in a separate goroutine. Optional.
	OnReady func()

	// OnDown is called when the service transitions from ready to
	// not-ready. Called in a separate goroutine. Optional.
	OnDown func(err error)

	Clock  clock.Clock  // nil = wall clock
	Logger *slog.Logger // nil = slog.Default()
}

// Status is the health of a watched service, suitable for JSON
// serialization.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single service's health.
type Watcher struct {
	config Config
	ready  atomic.Bool

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// New creates a Watcher. It panics if Name is empty or Probe is nil;
// those are programming errors.
func New(cfg Config) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: Config.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	defaults := DefaultBackoffConfig()
	b := &cfg.Backoff
	if b.InitialDelay <= 0 {
		b.InitialDelay = defaults.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = defaults.MaxDelay
	}
	if b.Multiplier <= 0 {
		b.Multiplier = defaults.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = defaults.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = defaults.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = defaults.ProbeTimeout
	}

	return &Watcher{config: cfg}
}

// IsReady reports whether the watched service is currently reachable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Run probes until ctx is cancelled. It always returns nil so it can
// run as a supervised task.
func (w *Watcher) Run(ctx context.Context) error {
	cfg := w.config.Backoff
	logger := w.config.Logger
	clk := w.config.Clock

	// Phase 1: startup probe with exponential backoff.
	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		if err == nil {
			logger.Info("service connected",
				"service", w.config.Name,
				"after_attempts", attempt,
			)
			w.markReady()
			break
		}

		if attempt == cfg.MaxRetries {
			logger.Warn("startup connection failed, entering background polling",
				"service", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		logger.Debug("startup probe failed, retrying",
			"service", w.config.Name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(delay):
		}

		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}

	// Phase 2: background periodic polling.
	ticker := clk.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := w.probe(ctx)
		wasReady := w.ready.Load()
		switch {
		case wasReady && err != nil:
			w.ready.Store(false)
			logger.Warn("service became unreachable",
				"service", w.config.Name,
				"error", err,
			)
			if w.config.OnDown != nil {
				go w.config.OnDown(err)
			}
		case !wasReady && err == nil:
			logger.Info("service recovered", "service", w.config.Name)
			w.markReady()
		case !wasReady && err != nil:
			logger.Debug("service still unreachable",
				"service", w.config.Name,
				"error", err,
			)
		}
	}
}

func (w *Watcher) markReady() {
	w.ready.Store(true)
	if w.config.OnReady != nil {
		go w.config.OnReady()
	}
}

// probe calls the configured ProbeFunc with a timeout and records the
// outcome.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()

	err := w.config.Probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = w.config.Clock.Now()
	w.mu.Unlock()
	return err
}
