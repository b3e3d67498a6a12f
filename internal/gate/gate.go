// Package gate wires the admission controller, the rate limiter and the
// capability registry into one facade for the request path, and
// registers their background maintenance with a supervisor.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/tollgate/internal/buildinfo"
	"github.com/nugget/tollgate/internal/capability"
	"github.com/nugget/tollgate/internal/clock"
	"github.com/nugget/tollgate/internal/config"
	"github.com/nugget/tollgate/internal/events"
	"github.com/nugget/tollgate/internal/ratelimit"
	"github.com/nugget/tollgate/internal/registry"
	"github.com/nugget/tollgate/internal/session"
	"github.com/nugget/tollgate/internal/supervisor"
)

// ReasonError is recorded on sessions whose work returned an error.
const ReasonError = "error"

// ReasonPanic is recorded on sessions whose work panicked.
const ReasonPanic = "panic"

// Config sizes every component behind the gate.
type Config struct {
	GlobalMax     int
	PerOwnerMax   int
	IdleTimeout   time.Duration
	MaxDuration   time.Duration
	SweepInterval time.Duration

	Rate            float64
	Burst           float64
	GlobalRate      float64
	GlobalBurst     float64
	IdleRetention   time.Duration
	JanitorInterval time.Duration
	// AcquireTimeout bounds Wait.
	AcquireTimeout time.Duration

	// Builder produces the capability table on Reload. Nil leaves the
	// table empty and makes Reload fail.
	Builder registry.Builder[*capability.Capability]

	// Observers see every terminal session transition, in order.
	Observers []session.Observer

	Clock  clock.Clock  // nil = wall clock
	Logger *slog.Logger // nil = slog.Default()
	Events *events.Bus  // optional
}

// ConfigFrom maps the loaded configuration file onto a gate Config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		GlobalMax:       c.Sessions.GlobalMax,
		PerOwnerMax:     c.Sessions.PerOwnerMax,
		IdleTimeout:     c.Sessions.IdleTimeout,
		MaxDuration:     c.Sessions.MaxDuration,
		SweepInterval:   c.Sessions.SweepInterval,
		Rate:            c.RateLimit.Rate,
		Burst:           c.RateLimit.Burst,
		GlobalRate:      c.RateLimit.GlobalRate,
		GlobalBurst:     c.RateLimit.GlobalBurst,
		IdleRetention:   c.RateLimit.IdleRetention,
		JanitorInterval: c.RateLimit.JanitorInterval,
		AcquireTimeout:  c.RateLimit.AcquireTimeout,
	}
}

// Stats combines the state of every component.
type Stats struct {
	Sessions     session.Stats
	RateLimit    ratelimit.Stats
	Capabilities registry.Stats
}

// Gate is the request-path facade. All methods are safe for concurrent
// use.
type Gate struct {
	sessions *session.Registry
	limiter  *ratelimit.Limiter
	caps     *registry.Registry[*capability.Capability]
	builder  registry.Builder[*capability.Capability]

	sweepInterval   time.Duration
	janitorInterval time.Duration
	acquireTimeout  time.Duration

	clock  clock.Clock
	logger *slog.Logger
}

// New builds a gate. It does not load capabilities; call Reload.
func New(cfg Config) *Gate {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = 10 * time.Minute
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}

	var observer session.Observer
	if observers := cfg.Observers; len(observers) > 0 {
		observer = func(s *session.Session) {
			for _, o := range observers {
				o(s)
			}
		}
	}

	return &Gate{
		sessions: session.New(session.Config{
			GlobalMax:   cfg.GlobalMax,
			PerOwnerMax: cfg.PerOwnerMax,
			IdleTimeout: cfg.IdleTimeout,
			MaxDuration: cfg.MaxDuration,
			Clock:       cfg.Clock,
			Logger:      cfg.Logger.With("component", "session"),
			Events:      cfg.Events,
			Observer:    observer,
		}),
		limiter: ratelimit.New(ratelimit.Config{
			Rate:          cfg.Rate,
			Burst:         cfg.Burst,
			GlobalRate:    cfg.GlobalRate,
			GlobalBurst:   cfg.GlobalBurst,
			IdleRetention: cfg.IdleRetention,
			Clock:         cfg.Clock,
			Logger:        cfg.Logger.With("component", "ratelimit"),
			Events:        cfg.Events,
		}),
		caps: registry.New[*capability.Capability](registry.Config{
			Name:   "capabilities",
			Clock:  cfg.Clock,
			Logger: cfg.Logger.With("component", "registry"),
			Events: cfg.Events,
		}),
		builder:         cfg.Builder,
		sweepInterval:   cfg.SweepInterval,
		janitorInterval: cfg.JanitorInterval,
		acquireTimeout:  cfg.AcquireTimeout,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
	}
}

// Start registers the session sweep and the rate-limit janitor with
// sup. Both stop when sup does.
func (g *Gate) Start(sup *supervisor.Supervisor) {
	sup.Every("session-sweep", g.sweepInterval, g.sessions.Run)
	sup.Every("ratelimit-janitor", g.janitorInterval, g.limiter.Run)
}

// Admit adds a session for ownerID under sessionKey, or fails with an
// error matching session.ErrGlobalLimit or session.ErrOwnerLimit.
func (g *Gate) Admit(ownerID, sessionKey, scopeID string) (*session.Session, error) {
	return g.sessions.Admit(ownerID, sessionKey, scopeID)
}

// Release ends the session under sessionKey. Releasing twice is safe.
func (g *Gate) Release(sessionKey string, status session.Status) {
	g.sessions.Release(sessionKey, status)
}

// ReleaseWithReason is Release with a recorded reason.
func (g *Gate) ReleaseWithReason(sessionKey string, status session.Status, reason string) bool {
	return g.sessions.ReleaseWithReason(sessionKey, status, reason)
}

// Touch refreshes the session's activity time.
func (g *Gate) Touch(sessionKey string) {
	g.sessions.Touch(sessionKey)
}

// Sessions exposes the admission controller for listing and metadata.
func (g *Gate) Sessions() *session.Registry { return g.sessions }

// Acquire takes one rate token for identity, waiting up to timeout.
func (g *Gate) Acquire(ctx context.Context, identity string, timeout time.Duration) bool {
	return g.limiter.Acquire(ctx, identity, timeout)
}

// TryAcquire takes a token only if one is available now.
func (g *Gate) TryAcquire(identity string) bool {
	return g.limiter.TryAcquire(identity)
}

// Wait takes one rate token for identity, waiting up to the configured
// acquire timeout. It returns ratelimit.ErrTimeout or the context's
// error on failure.
func (g *Gate) Wait(ctx context.Context, identity string) error {
	return g.limiter.Wait(ctx, identity, g.acquireTimeout)
}

// Snapshot returns the live capability table.
func (g *Gate) Snapshot() *capability.Snapshot {
	return g.caps.Snapshot()
}

// Reload rebuilds the capability table. On failure the previous table
// stays live and is returned with the error.
func (g *Gate) Reload(ctx context.Context) (*capability.Snapshot, error) {
	if g.builder == nil {
		return g.caps.Snapshot(), errors.New("no capability builder configured")
	}
	return g.caps.Reload(ctx, g.builder)
}

// Serve runs fn inside an admitted session. The session travels in
// fn's context and is released on every exit path: completed when fn
// succeeds, completed with reason "error" when it fails, and with
// reason "panic" (re-panicking) when it panics. A call made from
// inside a session already holding sessionKey runs fn directly.
func (g *Gate) Serve(ctx context.Context, ownerID, sessionKey, scopeID string, fn func(ctx context.Context) error) (err error) {
	if s := session.FromContext(ctx); s != nil && s.Key == sessionKey {
		g.sessions.Touch(sessionKey)
		return fn(ctx)
	}

	s, err := g.sessions.Admit(ownerID, sessionKey, scopeID)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			g.sessions.ReleaseWithReason(sessionKey, session.StatusCompleted, ReasonPanic)
			panic(r)
		}
		if err != nil {
			g.sessions.ReleaseWithReason(sessionKey, session.StatusCompleted, ReasonError)
			return
		}
		g.sessions.Release(sessionKey, session.StatusCompleted)
	}()

	return fn(session.WithSession(ctx, s))
}

// Stats returns a point-in-time view of every component.
func (g *Gate) Stats() Stats {
	return Stats{
		Sessions:     g.sessions.Stats(),
		RateLimit:    g.limiter.Stats(),
		Capabilities: g.caps.Stats(),
	}
}

// StatusLine is a one-line human summary of Stats.
func (g *Gate) StatusLine() string {
	st := g.Stats()
	return fmt.Sprintf("%d/%d sessions active, %.1f global tokens, %d capabilities (v%d), up %s",
		st.Sessions.Active, st.Sessions.GlobalMax,
		st.RateLimit.GlobalAvailable,
		st.Capabilities.Entries, st.Capabilities.Version,
		buildinfo.Uptime().Truncate(time.Second))
}

// The methods below satisfy mqtt.StatsSource.

func (g *Gate) Uptime() time.Duration { return buildinfo.Uptime() }
func (g *Gate) Version() string       { return buildinfo.Version }
func (g *Gate) ActiveSessions() int   { return g.sessions.Stats().Active }
func (g *Gate) SessionCapacity() int  { return g.sessions.Stats().GlobalMax }
func (g *Gate) GlobalTokens() float64 { return g.limiter.Stats().GlobalAvailable }
func (g *Gate) RegistryVersion() uint64 {
	return g.caps.Snapshot().Version()
}
