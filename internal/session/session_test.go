package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/tollgate/internal/clock"
	"github.com/nugget/tollgate/internal/events"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func testRegistry(t *testing.T, cfg Config) (*Registry, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	if cfg.Clock == nil {
		cfg.Clock = clk
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg), clk
}

func TestAdmit_ConcurrentNeverExceedsLimits(t *testing.T) {
	r, _ := testRegistry(t, Config{GlobalMax: 10, PerOwnerMax: 3})

	const callers = 1000
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := fmt.Sprintf("owner-%d", i%25)
			_, err := r.Admit(owner, fmt.Sprintf("key-%d", i), "")
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrGlobalLimit), errors.Is(err, ErrOwnerLimit):
			default:
				t.Errorf("Admit: unexpected error %v", err)
			}
		}()
	}
	wg.Wait()

	st := r.Stats()
	if st.Active != 10 {
		t.Errorf("Active = %d, want 10", st.Active)
	}
	if admitted.Load() != 10 {
		t.Errorf("successful admits = %d, want 10", admitted.Load())
	}
	for owner, n := range st.PerOwner {
		if n > 3 {
			t.Errorf("owner %s has %d sessions, want <= 3", owner, n)
		}
	}
	if st.Admitted+st.Rejected != callers {
		t.Errorf("Admitted+Rejected = %d, want %d", st.Admitted+st.Rejected, callers)
	}
}

func TestAdmit_ConcurrentWithRelease(t *testing.T) {
	const globalMax, perOwnerMax = 10, 2

	var current atomic.Int64
	var overflow atomic.Bool
	r, _ := testRegistry(t, Config{GlobalMax: globalMax, PerOwnerMax: perOwnerMax})

	var wg sync.WaitGroup
	for i := range 1000 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			if _, err := r.Admit(fmt.Sprintf("owner-%d", i%7), key, ""); err != nil {
				return
			}
			if current.Add(1) > globalMax {
				overflow.Store(true)
			}
			st := r.Stats()
			for _, n := range st.PerOwner {
				if n > perOwnerMax {
					overflow.Store(true)
				}
			}
			current.Add(-1)
			r.Release(key, StatusCompleted)
		}()
	}
	wg.Wait()

	if overflow.Load() {
		t.Error("observed more active sessions than the limits allow")
	}
	if st := r.Stats(); st.Active != 0 || len(st.PerOwner) != 0 {
		t.Errorf("after all releases Active = %d, PerOwner = %v; want 0, empty", st.Active, st.PerOwner)
	}
}

func TestScenario_GlobalMaxTwo(t *testing.T) {
	r, _ := testRegistry(t, Config{GlobalMax: 2, PerOwnerMax: 2})

	if _, err := r.Admit("A", "s1", ""); err != nil {
		t.Fatalf("Admit(A, s1): %v", err)
	}
	if _, err := r.Admit("B", "s2", ""); err != nil {
		t.Fatalf("Admit(B, s2): %v", err)
	}
	_, err := r.Admit("C", "s3", "")
	if !errors.Is(err, ErrGlobalLimit) {
		t.Fatalf("Admit(C, s3) error = %v, want ErrGlobalLimit", err)
	}
	var admitErr *AdmissionError
	if !errors.As(err, &admitErr) || admitErr.Active != 2 || admitErr.Max != 2 {
		t.Errorf("AdmissionError = %+v, want Active=2 Max=2", admitErr)
	}

	r.Release("s1", StatusCompleted)
	if _, err := r.Admit("C", "s3", ""); err != nil {
		t.Fatalf("Admit(C, s3) after release: %v", err)
	}
}

func TestAdmit_OwnerLimit(t *testing.T) {
	r, _ := testRegistry(t, Config{GlobalMax: 10, PerOwnerMax: 1})

	if _, err := r.Admit("alice", "a1", ""); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	_, err := r.Admit("alice", "a2", "")
	if !errors.Is(err, ErrOwnerLimit) {
		t.Fatalf("error = %v, want ErrOwnerLimit", err)
	}
	if errors.Is(err, ErrGlobalLimit) {
		t.Error("owner rejection also matched ErrGlobalLimit")
	}
	if _, err := r.Admit("bob", "b1", ""); err != nil {
		t.Errorf("Admit(bob) blocked by alice's limit: %v", err)
	}
}

func TestAdmit_ReentryRefreshesActivity(t *testing.T) {
	r, clk := testRegistry(t, Config{GlobalMax: 1, PerOwnerMax: 1})

	first, err := r.Admit("alice", "room-1", "thread-9")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	clk.Advance(time.Minute)

	again, err := r.Admit("alice", "room-1", "thread-9")
	if err != nil {
		t.Fatalf("re-Admit at capacity: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("re-Admit ID = %q, want %q", again.ID, first.ID)
	}
	if !again.LastActivityAt.Equal(epoch.Add(time.Minute)) {
		t.Errorf("LastActivityAt = %v, want %v", again.LastActivityAt, epoch.Add(time.Minute))
	}
	if got := r.Stats().Active; got != 1 {
		t.Errorf("Active = %d, want 1", got)
	}
}

func TestAdmit_ReturnsCopy(t *testing.T) {
	r, _ := testRegistry(t, Config{GlobalMax: 2, PerOwnerMax: 2})

	s, err := r.Admit("alice", "k", "")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	s.Status = StatusCompleted
	s.OwnerID = "mallory"

	got, ok := r.Get("k")
	if !ok {
		t.Fatal("Get(k) not found")
	}
	if got.Status != StatusActive || got.OwnerID != "alice" {
		t.Errorf("stored session mutated through returned copy: %+v", got)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	var ended atomic.Int64
	r, _ := testRegistry(t, Config{
		GlobalMax:   5,
		PerOwnerMax: 5,
		Observer:    func(s *Session) { ended.Add(1) },
	})

	for _, key := range []string{"a", "b"} {
		if _, err := r.Admit("alice", key, ""); err != nil {
			t.Fatalf("Admit(%s): %v", key, err)
		}
	}

	r.Release("a", StatusCompleted)
	once := r.Stats()
	r.Release("a", StatusCompleted)
	r.Release("never-admitted", StatusCompleted)
	r.Release("", StatusCompleted)
	twice := r.Stats()

	if once.Active != 1 || twice.Active != 1 {
		t.Errorf("Active after one/two releases = %d/%d, want 1/1", once.Active, twice.Active)
	}
	if twice.PerOwner["alice"] != 1 {
		t.Errorf("PerOwner[alice] = %d, want 1", twice.PerOwner["alice"])
	}
	if ended.Load() != 1 {
		t.Errorf("observer calls = %d, want 1", ended.Load())
	}
}

func TestRelease_NonTerminalStatusBecomesCompleted(t *testing.T) {
	var got *Session
	r, _ := testRegistry(t, Config{
		GlobalMax:   1,
		PerOwnerMax: 1,
		Observer:    func(s *Session) { got = s },
	})
	if _, err := r.Admit("alice", "k", ""); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	r.Release("k", StatusActive)
	if got == nil || got.Status != StatusCompleted {
		t.Fatalf("released session = %+v, want status completed", got)
	}
}

func TestTouch_AbsentIsNoop(t *testing.T) {
	r, _ := testRegistry(t, Config{GlobalMax: 1, PerOwnerMax: 1})
	r.Touch("missing")
	if _, ok := r.Get("missing"); ok {
		t.Error("Touch created a session")
	}
}

func TestSweep_ReclaimsIdleOnly(t *testing.T) {
	r, clk := testRegistry(t, Config{
		GlobalMax:   5,
		PerOwnerMax: 5,
		IdleTimeout: 5 * time.Minute,
		MaxDuration: time.Hour,
	})

	if _, err := r.Admit("alice", "stale", ""); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	clk.Advance(3 * time.Minute)
	if _, err := r.Admit("alice", "fresh", ""); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	clk.Advance(3 * time.Minute)

	reclaimed := r.Sweep(clk.Now())
	if len(reclaimed) != 1 {
		t.Fatalf("reclaimed %d sessions, want 1", len(reclaimed))
	}
	if reclaimed[0].Key != "stale" {
		t.Errorf("reclaimed %q, want stale", reclaimed[0].Key)
	}
	if reclaimed[0].Status != StatusTimedOut || reclaimed[0].Reason != ReasonIdle {
		t.Errorf("reclaimed status/reason = %s/%s, want %s/%s",
			reclaimed[0].Status, reclaimed[0].Reason, StatusTimedOut, ReasonIdle)
	}
	if _, ok := r.Get("fresh"); !ok {
		t.Error("fresh session was reclaimed")
	}
	if got := r.Stats().Reclaimed; got != 1 {
		t.Errorf("Reclaimed = %d, want 1", got)
	}
}

func TestSweep_ExactTimeoutIsNotIdle(t *testing.T) {
	r, clk := testRegistry(t, Config{GlobalMax: 1, PerOwnerMax: 1, IdleTimeout: time.Minute})
	if _, err := r.Admit("alice", "k", ""); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	clk.Advance(time.Minute)
	if got := r.Sweep(clk.Now()); len(got) != 0 {
		t.Errorf("Sweep at exactly idle timeout reclaimed %d, want 0", len(got))
	}
}

func TestSweep_MaxDurationDespiteActivity(t *testing.T) {
	r, clk := testRegistry(t, Config{
		GlobalMax:   1,
		PerOwnerMax: 1,
		IdleTimeout: 5 * time.Minute,
		MaxDuration: 10 * time.Minute,
	})
	if _, err := r.Admit("alice", "chatty", ""); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	for range 11 {
		clk.Advance(time.Minute)
		r.Touch("chatty")
	}

	reclaimed := r.Sweep(clk.Now())
	if len(reclaimed) != 1 || reclaimed[0].Reason != ReasonMaxDuration {
		t.Fatalf("reclaimed = %v, want one session with reason %s", reclaimed, ReasonMaxDuration)
	}
}

func TestObserver_RejectionAndReentrancy(t *testing.T) {
	var mu sync.Mutex
	var statuses []Status
	var r *Registry
	r, _ = testRegistry(t, Config{
		GlobalMax:   1,
		PerOwnerMax: 1,
		Observer: func(s *Session) {
			// Calling back into the registry must not deadlock.
			_ = r.Stats()
			mu.Lock()
			statuses = append(statuses, s.Status)
			mu.Unlock()
		},
	})

	if _, err := r.Admit("alice", "a", ""); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := r.Admit("bob", "b", ""); err == nil {
		t.Fatal("second Admit should be rejected")
	}
	r.Release("a", StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 2 || statuses[0] != StatusRejected || statuses[1] != StatusCompleted {
		t.Errorf("observed statuses = %v, want [rejected completed]", statuses)
	}
}

func TestEventsPublished(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	r, _ := testRegistry(t, Config{GlobalMax: 1, PerOwnerMax: 1, Events: bus})
	if _, err := r.Admit("alice", "a", ""); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	r.Release("a", StatusCompleted)

	for _, want := range []string{events.KindSessionAdmitted, events.KindSessionReleased} {
		select {
		case e := <-ch:
			if e.Kind != want {
				t.Errorf("event kind = %q, want %q", e.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestActive_FiltersAndOrders(t *testing.T) {
	r, clk := testRegistry(t, Config{GlobalMax: 5, PerOwnerMax: 5})
	for _, k := range []struct{ owner, key string }{{"alice", "a1"}, {"bob", "b1"}, {"alice", "a2"}} {
		if _, err := r.Admit(k.owner, k.key, ""); err != nil {
			t.Fatalf("Admit(%s): %v", k.key, err)
		}
		clk.Advance(time.Second)
	}

	got := r.Active("alice")
	if len(got) != 2 || got[0].Key != "a1" || got[1].Key != "a2" {
		t.Errorf("Active(alice) keys = %v, want [a1 a2]", keys(got))
	}
	if all := r.Active(""); len(all) != 3 {
		t.Errorf("len(Active(\"\")) = %d, want 3", len(all))
	}
}

func keys(ss []*Session) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.Key
	}
	return out
}

func TestSetMetadata(t *testing.T) {
	r, _ := testRegistry(t, Config{GlobalMax: 1, PerOwnerMax: 1})
	if r.SetMetadata("k", "model", "x") {
		t.Error("SetMetadata on absent session reported true")
	}
	if _, err := r.Admit("alice", "k", ""); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !r.SetMetadata("k", "model", "small") {
		t.Fatal("SetMetadata on active session reported false")
	}
	s, _ := r.Get("k")
	if s.Metadata["model"] != "small" {
		t.Errorf("Metadata[model] = %q, want small", s.Metadata["model"])
	}
}

func TestRun_SweepsAtClockTime(t *testing.T) {
	r, clk := testRegistry(t, Config{GlobalMax: 1, PerOwnerMax: 1, IdleTimeout: time.Minute})
	if _, err := r.Admit("alice", "k", ""); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	clk.Advance(2 * time.Minute)

	if err := r.Run(t.Context()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := r.Stats().Active; got != 0 {
		t.Errorf("Active after Run = %d, want 0", got)
	}
}

func TestContextRoundTrip(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Error("FromContext on empty context returned a session")
	}
	s := &Session{ID: "id-1"}
	if got := FromContext(WithSession(t.Context(), s)); got != s {
		t.Errorf("FromContext = %v, want %v", got, s)
	}
}
