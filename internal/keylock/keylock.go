// Package keylock provides per-key exclusive locks for read-modify-write
// cycles on persistent records and for per-resource client calls.
// Callers holding different keys never block each other. Entries are reference
// counted and removed once no holder or waiter remains, so the lock
// table only grows with the number of keys in active use.
package keylock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type entry struct {
	// sem is a one-slot semaphore: a send acquires, a receive releases.
	sem  chan struct{}
	refs int
}

// Locker maps keys to exclusive locks. The zero value is not usable;
// construct with New.
type Locker struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a Locker. The name labels its log lines (for example
// "records" or "client"). A nil logger uses slog.Default().
func New(name string, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{
		name:    name,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Lock blocks until the lock for key is held or ctx is done. A context
// that is already done never acquires, even when the lock is free. On success
// the returned function releases the lock; calls after the first are
// no-ops. On cancellation the caller's reference is dropped before the
// context error is returned.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s lock %q: %w", l.name, key, err)
	}
	e := l.ref(key)

	start := time.Now()
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, e)
		return nil, fmt.Errorf("%s lock %q: %w", l.name, key, ctx.Err())
	}
	l.logger.Debug("lock acquired", "lock", l.name, "key", key, "waited", time.Since(start))

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.unref(key, e)
			l.logger.Debug("lock released", "lock", l.name, "key", key)
		})
	}, nil
}

// WithLock runs fn while holding the lock for key. The lock is released
// on every exit path, including a panic in fn, and fn's error is
// returned unchanged.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	unlock, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Do runs fn under the lock for key and returns its result.
func Do[T any](ctx context.Context, l *Locker, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := l.WithLock(ctx, key, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}

// Len returns the number of keys with a holder or waiter.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Locker) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locker) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
