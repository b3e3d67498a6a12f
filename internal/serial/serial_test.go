package serial

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClient records how many calls are inside it at once.
type fakeClient struct {
	inFlight atomic.Int64
	peak     atomic.Int64
	calls    atomic.Int64
}

func (c *fakeClient) call() {
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(50 * time.Microsecond)
	c.calls.Add(1)
	c.inFlight.Add(-1)
}

func testProxy(mode Mode) (*Proxy[*fakeClient], *fakeClient) {
	c := &fakeClient{}
	return New(c, mode, slog.New(slog.NewTextHandler(io.Discard, nil))), c
}

func TestGlobalMode_OneCallAtATime(t *testing.T) {
	p, c := testProxy(ModeGlobal)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resource := []string{"room-a", "room-b", ""}[i%3]
			err := p.Exec(t.Context(), resource, func(ctx context.Context, c *fakeClient) error {
				c.call()
				return nil
			})
			if err != nil {
				t.Errorf("Exec: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := c.peak.Load(); got != 1 {
		t.Errorf("peak concurrent calls = %d, want 1", got)
	}
	if got := c.calls.Load(); got != 50 {
		t.Errorf("calls = %d, want 50", got)
	}
}

func TestResourceMode_UnrelatedResourcesRunConcurrently(t *testing.T) {
	p, _ := testProxy(ModeResource)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = p.Exec(t.Context(), "room-a", func(ctx context.Context, c *fakeClient) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	defer close(release)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	if err := p.Exec(ctx, "room-b", func(ctx context.Context, c *fakeClient) error { return nil }); err != nil {
		t.Fatalf("Exec(room-b) while room-a held: %v", err)
	}

	short, cancelShort := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancelShort()
	err := p.Exec(short, "room-a", func(ctx context.Context, c *fakeClient) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Exec(room-a) while held = %v, want DeadlineExceeded", err)
	}
}

func TestResourceMode_SameResourceSerialized(t *testing.T) {
	p, c := testProxy(ModeResource)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Exec(t.Context(), "room-a", func(ctx context.Context, c *fakeClient) error {
				c.call()
				return nil
			})
		}()
	}
	wg.Wait()
	if got := c.peak.Load(); got != 1 {
		t.Errorf("peak concurrent calls on one resource = %d, want 1", got)
	}
}

func TestExec_ErrorAndPanicRelease(t *testing.T) {
	p, _ := testProxy(ModeGlobal)
	boom := errors.New("send failed")

	if err := p.Exec(t.Context(), "", func(ctx context.Context, c *fakeClient) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Exec error = %v, want %v", err, boom)
	}

	func() {
		defer func() { _ = recover() }()
		_ = p.Exec(t.Context(), "", func(ctx context.Context, c *fakeClient) error { panic("boom") })
	}()

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	got, err := Do(ctx, p, "", func(ctx context.Context, c *fakeClient) (int, error) { return 7, nil })
	if err != nil || got != 7 {
		t.Fatalf("Do after error and panic = %d, %v; want 7, nil", got, err)
	}
}

func TestExec_Reentrant(t *testing.T) {
	p, _ := testProxy(ModeResource)

	err := p.Exec(t.Context(), "room-a", func(ctx context.Context, c *fakeClient) error {
		if err := p.Exec(ctx, "room-b", func(ctx context.Context, c *fakeClient) error { return nil }); err != nil {
			t.Errorf("nested call on another resource: %v", err)
		}
		return p.Exec(ctx, "room-a", func(ctx context.Context, c *fakeClient) error { return nil })
	})
	if !errors.Is(err, ErrReentrant) {
		t.Fatalf("nested call on held resource = %v, want ErrReentrant", err)
	}

	other, _ := testProxy(ModeGlobal)
	err = p.Exec(t.Context(), "room-a", func(ctx context.Context, c *fakeClient) error {
		return other.Exec(ctx, "room-a", func(ctx context.Context, c *fakeClient) error { return nil })
	})
	if err != nil {
		t.Errorf("nested call through a different proxy: %v", err)
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeGlobal, false},
		{"global", ModeGlobal, false},
		{"resource", ModeResource, false},
		{"room", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseMode(%q) = %q, %v; want %q, wantErr %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}
