// Package ratelimit throttles calls to a rate-limited downstream API
// with token buckets: one per identity plus an optional global bucket
// shared by everyone.
//
// Tokens refill lazily from elapsed time, so an idle limiter costs
// nothing. Callers that find a bucket empty queue in arrival order and
// are woken by a timer set for the instant the next token accrues; no
// caller polls. A caller that times out or is cancelled leaves the
// queue before returning, and a token already assigned to it is given
// back.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/tollgate/internal/clock"
	"github.com/nugget/tollgate/internal/config"
	"github.com/nugget/tollgate/internal/events"
)

// ErrTimeout is returned by Wait when the timeout elapses before a
// token is granted.
var ErrTimeout = errors.New("rate limit wait timed out")

// globalIdentity labels the shared bucket in logs and events.
const globalIdentity = "*global*"

// Config holds bucket parameters and dependencies for a Limiter.
type Config struct {
	Rate  float64 // per-identity tokens per second
	Burst float64 // per-identity capacity

	// GlobalRate and GlobalBurst size the shared bucket. A zero
	// GlobalBurst disables it.
	GlobalRate  float64
	GlobalBurst float64

	// IdleRetention is how long an untouched identity bucket survives
	// EvictIdle. Zero disables eviction.
	IdleRetention time.Duration

	Clock  clock.Clock  // nil = wall clock
	Logger *slog.Logger // nil = slog.Default()
	Events *events.Bus  // optional
}

// BucketStats describes one identity's bucket.
type BucketStats struct {
	Available float64
	Waiting   int
}

// Stats is a point-in-time view of the limiter.
type Stats struct {
	Rate            float64
	Burst           float64
	GlobalRate      float64
	GlobalBurst     float64
	GlobalAvailable float64
	GlobalWaiting   int
	Identities      map[string]BucketStats
	Granted         uint64
	TimedOut        uint64 // waits that timed out or were cancelled
	Evicted         uint64
}

// Limiter is a set of token buckets keyed by identity. All methods are
// safe for concurrent use.
type Limiter struct {
	rate          float64
	burst         float64
	idleRetention time.Duration

	clock  clock.Clock
	logger *slog.Logger
	events *events.Bus

	global *bucket // nil when disabled

	// timeoutLog throttles warnings while the API is saturated.
	timeoutLog rate.Sometimes

	mu       sync.Mutex
	buckets  map[string]*bucket
	granted  uint64
	timedOut uint64
	evicted  uint64
}

// New creates a Limiter. A burst below 1 is raised to 1 so every bucket
// can hold at least one whole token.
func New(cfg Config) *Limiter {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	l := &Limiter{
		rate:          cfg.Rate,
		burst:         cfg.Burst,
		idleRetention: cfg.IdleRetention,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		events:        cfg.Events,
		timeoutLog:    rate.Sometimes{First: 1, Interval: 30 * time.Second},
		buckets:       make(map[string]*bucket),
	}
	if cfg.GlobalBurst > 0 {
		l.global = newBucket(cfg.Clock, cfg.GlobalRate, max(cfg.GlobalBurst, 1))
	}
	return l
}

// lockBucket returns the identity's bucket, locked. A bucket evicted
// between lookup and lock is never used: the lookup is retried and a
// fresh bucket is created in its place.
func (l *Limiter) lockBucket(identity string) *bucket {
	for {
		l.mu.Lock()
		b, ok := l.buckets[identity]
		if !ok {
			b = newBucket(l.clock, l.rate, l.burst)
			l.buckets[identity] = b
		}
		l.mu.Unlock()

		b.mu.Lock()
		if !b.evicted {
			return b
		}
		b.mu.Unlock()
	}
}

// TryAcquire takes a token for identity without blocking. It returns
// false if the identity bucket or the global bucket is empty, or if
// other callers are already queued on either.
func (l *Limiter) TryAcquire(identity string) bool {
	b := l.lockBucket(identity)
	ok := b.tryTakeLocked(l.clock.Now())
	b.mu.Unlock()
	if !ok {
		return false
	}

	if l.global != nil {
		l.global.mu.Lock()
		ok = l.global.tryTakeLocked(l.clock.Now())
		l.global.mu.Unlock()
		if !ok {
			b.refund()
			return false
		}
	}
	l.countGranted()
	return true
}

// Acquire waits up to timeout for a token. It reports whether a token
// was granted; a false return never consumes a token. A timeout of
// zero or less waits until ctx is done.
func (l *Limiter) Acquire(ctx context.Context, identity string, timeout time.Duration) bool {
	return l.Wait(ctx, identity, timeout) == nil
}

// Wait is Acquire with the failure reason: ErrTimeout, or the
// context's error wrapped.
func (l *Limiter) Wait(ctx context.Context, identity string, timeout time.Duration) error {
	start := l.clock.Now()
	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = l.clock.After(timeout)
	}

	b := l.lockBucket(identity)
	if err := l.waitOn(ctx, b, identity, deadline, start); err != nil {
		return err
	}
	if l.global != nil {
		l.global.mu.Lock()
		if err := l.waitOn(ctx, l.global, globalIdentity, deadline, start); err != nil {
			b.refund()
			return err
		}
	}
	l.countGranted()
	return nil
}

// waitOn takes a token from b, queueing if necessary. b must be locked
// on entry; it is unlocked on return.
func (l *Limiter) waitOn(ctx context.Context, b *bucket, identity string, deadline <-chan time.Time, start time.Time) error {
	now := l.clock.Now()
	if b.tryTakeLocked(now) {
		b.mu.Unlock()
		return nil
	}
	w, position := b.enqueueLocked(now)
	b.mu.Unlock()

	l.logger.Log(ctx, config.LevelTrace, "rate limit wait queued", "identity", identity, "position", position)
	l.events.Emit(events.SourceRateLimit, events.KindRateWait, "identity", identity, "position", position)

	var cause error
	select {
	case <-w.ready:
		return nil
	case <-deadline:
		cause = ErrTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	b.mu.Lock()
	refunded := b.abandonLocked(w, l.clock.Now())
	b.mu.Unlock()

	waited := l.clock.Now().Sub(start)
	l.mu.Lock()
	l.timedOut++
	l.mu.Unlock()

	l.logger.Log(ctx, config.LevelTrace, "rate limit wait abandoned",
		"identity", identity,
		"refunded", refunded,
		"error", cause,
	)
	l.timeoutLog.Do(func() {
		l.logger.Warn("rate limit wait failed", "identity", identity, "waited", waited, "error", cause)
	})
	l.events.Emit(events.SourceRateLimit, events.KindRateTimeout,
		"identity", identity,
		"waited_ms", waited.Milliseconds(),
	)
	if errors.Is(cause, ErrTimeout) {
		return cause
	}
	return fmt.Errorf("rate limit wait for %s: %w", identity, cause)
}

func (l *Limiter) countGranted() {
	l.mu.Lock()
	l.granted++
	l.mu.Unlock()
}

// Available returns the tokens currently in identity's bucket. An
// identity with no bucket reports a full burst.
func (l *Limiter) Available(identity string) float64 {
	l.mu.Lock()
	b, ok := l.buckets[identity]
	l.mu.Unlock()
	if !ok {
		return l.burst
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.availableLocked(l.clock.Now())
}

// Waiting returns the number of callers queued on identity's bucket.
func (l *Limiter) Waiting(identity string) int {
	l.mu.Lock()
	b, ok := l.buckets[identity]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// TimeUntilAvailable estimates how long a new caller for identity would
// wait, accounting for callers already queued. It ignores the global
// bucket.
func (l *Limiter) TimeUntilAvailable(identity string) time.Duration {
	l.mu.Lock()
	b, ok := l.buckets[identity]
	l.mu.Unlock()
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	need := float64(len(b.waiters)+1) - b.availableLocked(l.clock.Now())
	if need <= tokenEpsilon {
		return 0
	}
	if l.rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(need / l.rate * float64(time.Second))
}

// EvictIdle drops identity buckets unused for longer than the idle
// retention with nobody waiting on them, and returns how many were
// dropped.
func (l *Limiter) EvictIdle(now time.Time) int {
	if l.idleRetention <= 0 {
		return 0
	}

	l.mu.Lock()
	n := 0
	for identity, b := range l.buckets {
		b.mu.Lock()
		if len(b.waiters) == 0 && now.Sub(b.lastUsed) > l.idleRetention {
			b.evicted = true
			delete(l.buckets, identity)
			n++
		}
		b.mu.Unlock()
	}
	l.evicted += uint64(n)
	l.mu.Unlock()

	if n > 0 {
		l.logger.Debug("idle rate buckets evicted", "count", n)
		l.events.Emit(events.SourceRateLimit, events.KindBucketsEvicted, "evicted", n)
	}
	return n
}

// Run evicts idle buckets as of the current clock time. It has the
// shape of a supervisor task so it can be scheduled with Every.
func (l *Limiter) Run(ctx context.Context) error {
	l.EvictIdle(l.clock.Now())
	return ctx.Err()
}

// Stats returns bucket parameters, current token levels and counters.
func (l *Limiter) Stats() Stats {
	now := l.clock.Now()

	l.mu.Lock()
	buckets := maps.Clone(l.buckets)
	st := Stats{
		Rate:       l.rate,
		Burst:      l.burst,
		Identities: make(map[string]BucketStats, len(buckets)),
		Granted:    l.granted,
		TimedOut:   l.timedOut,
		Evicted:    l.evicted,
	}
	l.mu.Unlock()

	for identity, b := range buckets {
		b.mu.Lock()
		st.Identities[identity] = BucketStats{Available: b.availableLocked(now), Waiting: len(b.waiters)}
		b.mu.Unlock()
	}
	if l.global != nil {
		l.global.mu.Lock()
		st.GlobalRate = l.global.rate
		st.GlobalBurst = l.global.capacity
		st.GlobalAvailable = l.global.availableLocked(now)
		st.GlobalWaiting = len(l.global.waiters)
		l.global.mu.Unlock()
	}
	return st
}
