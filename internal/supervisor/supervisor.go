// Package supervisor runs named background tasks that are cancelled and
// awaited together on shutdown. Periodic tasks survive failing
// iterations: errors are logged, panics are recovered, and the next
// tick runs as scheduled.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/nugget/tollgate/internal/clock"
)

// Task is the body of a background task. It should return when ctx is
// cancelled.
type Task func(ctx context.Context) error

// Supervisor owns a set of named goroutines.
type Supervisor struct {
	logger *slog.Logger
	clock  clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]int
	stopped bool
}

// New creates a supervisor whose tasks run under a context derived from
// parent. A nil logger uses slog.Default(); a nil clock uses the wall
// clock.
func New(parent context.Context, logger *slog.Logger, clk clock.Clock) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		logger:  logger,
		clock:   clk,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]int),
	}
}

// Go starts fn in its own goroutine. A non-nil error other than
// context cancellation is logged when fn returns. Go after Stop is a
// no-op.
func (s *Supervisor) Go(name string, fn Task) {
	if !s.track(name) {
		s.logger.Warn("supervisor stopped, task not started", "task", name)
		return
	}
	go func() {
		defer s.untrack(name)
		err := s.runOnce(name, fn)
		if err != nil && s.ctx.Err() == nil {
			s.logger.Error("background task failed", "task", name, "error", err)
			return
		}
		s.logger.Debug("background task exited", "task", name)
	}()
}

// Every runs fn once per interval until the supervisor stops. Each
// iteration is isolated: an error or panic is logged and the loop
// continues.
func (s *Supervisor) Every(name string, interval time.Duration, fn Task) {
	if interval <= 0 {
		s.logger.Error("invalid task interval", "task", name, "interval", interval)
		return
	}
	s.Go(name, func(ctx context.Context) error {
		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := s.runOnce(name, fn); err != nil {
					s.logger.Warn("background iteration failed", "task", name, "error", err)
				}
			}
		}
	})
}

// runOnce calls fn, converting a panic into an error.
func (s *Supervisor) runOnce(name string, fn Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("background task panicked",
				"task", name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()
	return fn(s.ctx)
}

// Stop cancels every task and waits for them to return, or for ctx to
// expire. It is safe to call more than once.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks %v: %w", s.Running(), ctx.Err())
	}
}

// Running returns the names of tasks that have not yet returned, sorted.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.running))
	for name := range s.running {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Supervisor) track(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.running[name]++
	s.wg.Add(1)
	return true
}

func (s *Supervisor) untrack(name string) {
	s.mu.Lock()
	s.running[name]--
	if s.running[name] <= 0 {
		delete(s.running, name)
	}
	s.mu.Unlock()
	s.wg.Done()
}
