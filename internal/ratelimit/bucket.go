package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/nugget/tollgate/internal/clock"
)

// tokenEpsilon absorbs floating-point shortfall when a wake timer fires
// exactly at the instant the next token accrues.
const tokenEpsilon = 1e-9

// waiter is one queued Wait call. ready is closed once a token has
// been assigned to it.
type waiter struct {
	ready   chan struct{}
	granted bool
}

// bucket is a token bucket with lazy refill and a FIFO wait queue.
// Every field is guarded by mu.
type bucket struct {
	clock    clock.Clock
	capacity float64
	rate     float64 // tokens per second

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
	waiters    []*waiter
	wake       *clock.Timer
	evicted    bool
}

func newBucket(clk clock.Clock, rate, capacity float64) *bucket {
	now := clk.Now()
	return &bucket{
		clock:      clk,
		capacity:   capacity,
		rate:       rate,
		tokens:     capacity,
		lastRefill: now,
		lastUsed:   now,
	}
}

// refillLocked accrues tokens for the time elapsed since the last
// refill, capped at capacity.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed.Seconds()*b.rate)
	b.lastRefill = now
}

func (b *bucket) hasTokenLocked() bool {
	return b.tokens >= 1-tokenEpsilon
}

func (b *bucket) takeLocked() {
	b.tokens = math.Max(0, b.tokens-1)
}

// tryTakeLocked takes a token if one is available and nobody is queued
// ahead of the caller.
func (b *bucket) tryTakeLocked(now time.Time) bool {
	b.refillLocked(now)
	b.lastUsed = now
	if len(b.waiters) > 0 || !b.hasTokenLocked() {
		return false
	}
	b.takeLocked()
	return true
}

// enqueueLocked appends a waiter and makes sure a wake is scheduled.
// It returns the waiter and its 1-based queue position.
func (b *bucket) enqueueLocked(now time.Time) (*waiter, int) {
	w := &waiter{ready: make(chan struct{})}
	b.waiters = append(b.waiters, w)
	b.serviceLocked(now)
	return w, len(b.waiters)
}

// serviceLocked hands available tokens to waiters in arrival order,
// then schedules a wake for the instant the next token accrues.
func (b *bucket) serviceLocked(now time.Time) {
	b.refillLocked(now)
	for len(b.waiters) > 0 && b.hasTokenLocked() {
		w := b.waiters[0]
		b.waiters[0] = nil
		b.waiters = b.waiters[1:]
		b.takeLocked()
		w.granted = true
		close(w.ready)
	}

	if len(b.waiters) == 0 {
		if b.wake != nil {
			b.wake.Stop()
			b.wake = nil
		}
		return
	}
	if b.wake != nil || b.rate <= 0 {
		return
	}
	b.wake = b.clock.AfterFunc(b.untilTokenLocked(), b.onWake)
}

func (b *bucket) onWake() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wake = nil
	b.serviceLocked(b.clock.Now())
}

// untilTokenLocked returns how long until one whole token is available,
// rounded up to the next nanosecond and never zero.
func (b *bucket) untilTokenLocked() time.Duration {
	need := 1 - b.tokens
	if need <= 0 {
		return time.Nanosecond
	}
	d := time.Duration(math.Ceil(need / b.rate * float64(time.Second)))
	if d < time.Nanosecond {
		d = time.Nanosecond
	}
	return d
}

// abandonLocked removes a waiter that gave up. If a token was already
// assigned to it, the token is returned to the bucket (and may go to
// the next waiter). It reports whether the waiter had been granted.
func (b *bucket) abandonLocked(w *waiter, now time.Time) bool {
	b.lastUsed = now
	if w.granted {
		b.refundLocked(now)
		return true
	}
	for i, q := range b.waiters {
		if q == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			break
		}
	}
	b.serviceLocked(now)
	return false
}

// refundLocked returns one token, capped at capacity, and passes it on
// to the queue if anyone is waiting.
func (b *bucket) refundLocked(now time.Time) {
	b.refillLocked(now)
	b.tokens = math.Min(b.capacity, b.tokens+1)
	b.serviceLocked(now)
}

func (b *bucket) refund() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refundLocked(b.clock.Now())
}

// availableLocked returns the refilled token count.
func (b *bucket) availableLocked(now time.Time) float64 {
	b.refillLocked(now)
	return b.tokens
}
