// Package serial forces calls into a client that is not safe for
// concurrent use through a lock: either one lock for the whole client,
// or one lock per resource (for example per chat room) when the client
// only shares state within a resource.
//
// A call that re-enters the same proxy and lock from inside its own
// callback would deadlock; it fails with ErrReentrant instead.
package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/tollgate/internal/keylock"
)

// ErrReentrant is returned when a call is made through a proxy while
// the same context already holds the lock it needs.
var ErrReentrant = errors.New("reentrant call through serializing proxy")

// Mode selects lock granularity.
type Mode string

const (
	// ModeGlobal serializes every call.
	ModeGlobal Mode = "global"
	// ModeResource serializes calls that name the same resource.
	ModeResource Mode = "resource"
)

// GlobalResource is the lock key used in global mode, and in resource
// mode for calls that do not name a resource.
const GlobalResource = "*"

// ParseMode converts a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeGlobal:
		return ModeGlobal, nil
	case ModeResource:
		return ModeResource, nil
	}
	return "", fmt.Errorf("unknown lock mode %q", s)
}

var proxyIDs atomic.Uint64

type heldKey struct{}

// held is a context-carried chain of locks owned by the current call
// stack.
type held struct {
	proxy  uint64
	key    string
	parent *held
}

func (h *held) contains(proxy uint64, key string) bool {
	for ; h != nil; h = h.parent {
		if h.proxy == proxy && h.key == key {
			return true
		}
	}
	return false
}

// Proxy serializes access to a client of type C.
type Proxy[C any] struct {
	id     uint64
	client C
	mode   Mode
	locks  *keylock.Locker
	logger *slog.Logger
}

// New wraps client. A nil logger uses slog.Default(); an empty mode is
// global.
func New[C any](client C, mode Mode, logger *slog.Logger) *Proxy[C] {
	if logger == nil {
		logger = slog.Default()
	}
	if mode == "" {
		mode = ModeGlobal
	}
	return &Proxy[C]{
		id:     proxyIDs.Add(1),
		client: client,
		mode:   mode,
		locks:  keylock.New("client", logger),
		logger: logger,
	}
}

// Mode returns the proxy's lock granularity.
func (p *Proxy[C]) Mode() Mode { return p.mode }

func (p *Proxy[C]) lockKey(resource string) string {
	if p.mode == ModeGlobal || resource == "" {
		return GlobalResource
	}
	return resource
}

// Exec runs fn with exclusive access to the client for resource. The
// lock is released on every exit path; fn's error is returned
// unchanged. Waiting for the lock honours ctx.
func (p *Proxy[C]) Exec(ctx context.Context, resource string, fn func(ctx context.Context, client C) error) error {
	key := p.lockKey(resource)
	chain, _ := ctx.Value(heldKey{}).(*held)
	if chain.contains(p.id, key) {
		p.logger.Error("reentrant client call refused", "resource", resource, "lock", key)
		return fmt.Errorf("resource %q: %w", resource, ErrReentrant)
	}

	unlock, err := p.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	start := time.Now()
	ctx = context.WithValue(ctx, heldKey{}, &held{proxy: p.id, key: key, parent: chain})
	err = fn(ctx, p.client)
	p.logger.Debug("client call finished",
		"resource", resource,
		"held", time.Since(start),
		"error", err,
	)
	return err
}

// Do is Exec for calls that return a value.
func Do[C, T any](ctx context.Context, p *Proxy[C], resource string, fn func(ctx context.Context, client C) (T, error)) (T, error) {
	var result T
	err := p.Exec(ctx, resource, func(ctx context.Context, client C) error {
		var err error
		result, err = fn(ctx, client)
		return err
	})
	return result, err
}
