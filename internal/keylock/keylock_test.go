package keylock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLocker() *Locker {
	return New("test", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWithLock_NoLostUpdates(t *testing.T) {
	l := testLocker()
	const writers = 64

	// record is deliberately read and written in separate steps so that
	// an unserialized interleaving would lose appends.
	var record []int
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(t.Context(), "owner:alice", func(ctx context.Context) error {
				snapshot := append([]int(nil), record...)
				time.Sleep(100 * time.Microsecond)
				record = append(snapshot, i)
				return nil
			})
			if err != nil {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(record) != writers {
		t.Errorf("len(record) = %d, want %d", len(record), writers)
	}
	if n := l.Len(); n != 0 {
		t.Errorf("Len() = %d after all writers finished, want 0", n)
	}
}

func TestWithLock_DifferentKeysDoNotBlock(t *testing.T) {
	l := testLocker()

	unlock, err := l.Lock(t.Context(), "a")
	if err != nil {
		t.Fatalf("Lock(a): %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	if err := l.WithLock(ctx, "b", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("WithLock(b) while a is held: %v", err)
	}
}

func TestWithLock_ErrorReleases(t *testing.T) {
	l := testLocker()
	boom := errors.New("write failed")

	err := l.WithLock(t.Context(), "k", func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("WithLock error = %v, want %v", err, boom)
	}

	got, err := Do(t.Context(), l, "k", func(ctx context.Context) (string, error) { return "ok", nil })
	if err != nil || got != "ok" {
		t.Fatalf("Do after failure = %q, %v; want ok, nil", got, err)
	}
}

func TestWithLock_PanicReleases(t *testing.T) {
	l := testLocker()

	func() {
		defer func() { _ = recover() }()
		_ = l.WithLock(t.Context(), "k", func(ctx context.Context) error { panic("boom") })
	}()

	if n := l.Len(); n != 0 {
		t.Errorf("Len() = %d after panic, want 0", n)
	}
}

func TestLock_CancelledWaiterLeavesNoEntry(t *testing.T) {
	l := testLocker()

	unlock, err := l.Lock(t.Context(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Lock error = %v, want DeadlineExceeded", err)
	}

	unlock()
	unlock() // second call is a no-op
	if n := l.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
}

func TestLock_DoneContextNeverAcquires(t *testing.T) {
	l := testLocker()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	// The lock is free, so a select on both cases would sometimes win.
	for range 100 {
		unlock, err := l.Lock(ctx, "k")
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Lock on cancelled context = %v, want Canceled", err)
		}
		if unlock != nil {
			t.Fatal("Lock returned an unlock func on failure")
		}
	}
	if n := l.Len(); n != 0 {
		t.Errorf("Len() = %d, want 0", n)
	}
	ran := false
	if err := l.WithLock(ctx, "k", func(context.Context) error { ran = true; return nil }); err == nil || ran {
		t.Errorf("WithLock on cancelled context ran fn (err = %v)", err)
	}
}
