// Package registry holds a read-mostly table behind an atomically
// swapped snapshot pointer. Readers never block: they load the current
// snapshot and keep using it for as long as they like. Reload builds a
// complete replacement off to the side and publishes it in one store,
// or leaves the current snapshot untouched if the build fails.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/tollgate/internal/clock"
	"github.com/nugget/tollgate/internal/events"
)

// ErrNilSnapshot is returned when a builder succeeds without producing
// a table.
var ErrNilSnapshot = errors.New("builder returned no table")

// Builder produces the complete contents of a new snapshot.
type Builder[H any] func(ctx context.Context) (map[string]H, error)

// Snapshot is an immutable name-to-handler table. It is never modified
// after publication.
type Snapshot[H any] struct {
	version   uint64
	createdAt time.Time
	entries   map[string]H
	names     []string
}

func newSnapshot[H any](version uint64, at time.Time, entries map[string]H) *Snapshot[H] {
	entries = maps.Clone(entries)
	if entries == nil {
		entries = make(map[string]H)
	}
	return &Snapshot[H]{
		version:   version,
		createdAt: at,
		entries:   entries,
		names:     slices.Sorted(maps.Keys(entries)),
	}
}

// Version increases by one with every successful reload. The initial
// empty snapshot is version 0.
func (s *Snapshot[H]) Version() uint64 { return s.version }

// CreatedAt returns when the snapshot was published.
func (s *Snapshot[H]) CreatedAt() time.Time { return s.createdAt }

// Lookup returns the handler registered under name.
func (s *Snapshot[H]) Lookup(name string) (H, bool) {
	h, ok := s.entries[name]
	return h, ok
}

// Names returns the registered names in sorted order.
func (s *Snapshot[H]) Names() []string { return slices.Clone(s.names) }

// Len returns the number of entries.
func (s *Snapshot[H]) Len() int { return len(s.entries) }

// Config holds the dependencies for a Registry.
type Config struct {
	Name   string       // labels log lines and events
	Clock  clock.Clock  // nil = wall clock
	Logger *slog.Logger // nil = slog.Default()
	Events *events.Bus  // optional
}

// Stats describes reload history.
type Stats struct {
	Version      uint64
	Entries      int
	LoadedAt     time.Time
	Reloads      uint64
	Failures     uint64
	LastError    string
	LastFailedAt time.Time
}

// Registry publishes snapshots of type H. Snapshot is lock-free; Reload
// calls are serialized so versions stay monotonic.
type Registry[H any] struct {
	name   string
	clock  clock.Clock
	logger *slog.Logger
	events *events.Bus

	current atomic.Pointer[Snapshot[H]]

	// reloadMu serializes Reload; mu guards the counters below so
	// Stats never waits on a slow build.
	reloadMu     sync.Mutex
	mu           sync.Mutex
	reloads      uint64
	failures     uint64
	lastError    string
	lastFailedAt time.Time
}

// New creates a registry holding an empty version-0 snapshot.
func New[H any](cfg Config) *Registry[H] {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "registry"
	}
	r := &Registry[H]{
		name:   cfg.Name,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		events: cfg.Events,
	}
	r.current.Store(newSnapshot[H](0, cfg.Clock.Now(), nil))
	return r
}

// Snapshot returns the current snapshot. It never blocks and never
// returns nil.
func (r *Registry[H]) Snapshot() *Snapshot[H] {
	return r.current.Load()
}

// Reload runs build and, if it succeeds, publishes the result as the
// next version. On failure (an error, a nil table, or a panic in build)
// the current snapshot stays in place and is returned along with the
// error.
func (r *Registry[H]) Reload(ctx context.Context, build Builder[H]) (*Snapshot[H], error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	prev := r.current.Load()
	entries, err := r.runBuilder(ctx, build)
	if err == nil && entries == nil {
		err = ErrNilSnapshot
	}
	if err != nil {
		r.mu.Lock()
		r.failures++
		r.lastError = err.Error()
		r.lastFailedAt = r.clock.Now()
		r.mu.Unlock()
		r.logger.Error("registry reload failed, keeping previous snapshot",
			"registry", r.name,
			"version", prev.version,
			"error", err,
		)
		r.events.Emit(events.SourceRegistry, events.KindRegistryReloadFailed,
			"registry", r.name,
			"version", prev.version,
			"error", err.Error(),
		)
		return prev, fmt.Errorf("reload %s: %w", r.name, err)
	}

	next := newSnapshot(prev.version+1, r.clock.Now(), entries)
	r.current.Store(next)
	r.mu.Lock()
	r.reloads++
	r.mu.Unlock()

	r.logger.Info("registry reloaded",
		"registry", r.name,
		"version", next.version,
		"entries", next.Len(),
	)
	r.events.Emit(events.SourceRegistry, events.KindRegistryReloaded,
		"registry", r.name,
		"version", next.version,
		"entries", next.Len(),
	)
	return next, nil
}

func (r *Registry[H]) runBuilder(ctx context.Context, build Builder[H]) (entries map[string]H, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("registry builder panicked",
				"registry", r.name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			entries, err = nil, fmt.Errorf("builder panicked: %v", p)
		}
	}()
	return build(ctx)
}

// Stats returns the current version and reload history.
func (r *Registry[H]) Stats() Stats {
	snap := r.current.Load()
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Version:      snap.version,
		Entries:      snap.Len(),
		LoadedAt:     snap.createdAt,
		Reloads:      r.reloads,
		Failures:     r.failures,
		LastError:    r.lastError,
		LastFailedAt: r.lastFailedAt,
	}
}
