package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/nugget/tollgate/internal/events"
)

func testRegistry(bus *events.Bus) *Registry[string] {
	return New[string](Config{
		Name:   "test",
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Events: bus,
	})
}

func table(kv ...string) Builder[string] {
	return func(ctx context.Context) (map[string]string, error) {
		m := make(map[string]string)
		for i := 0; i+1 < len(kv); i += 2 {
			m[kv[i]] = kv[i+1]
		}
		return m, nil
	}
}

func TestInitialSnapshot(t *testing.T) {
	r := testRegistry(nil)
	snap := r.Snapshot()
	if snap == nil {
		t.Fatal("Snapshot() = nil")
	}
	if snap.Version() != 0 || snap.Len() != 0 {
		t.Errorf("initial snapshot version=%d len=%d, want 0/0", snap.Version(), snap.Len())
	}
}

func TestReload_PublishesNewVersion(t *testing.T) {
	r := testRegistry(nil)

	snap, err := r.Reload(t.Context(), table("ping", "v1", "roll", "v1"))
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if snap.Version() != 1 {
		t.Errorf("Version = %d, want 1", snap.Version())
	}
	if got := r.Snapshot(); got != snap {
		t.Error("Snapshot() after Reload is not the returned snapshot")
	}
	if names := snap.Names(); len(names) != 2 || names[0] != "ping" || names[1] != "roll" {
		t.Errorf("Names() = %v, want [ping roll]", names)
	}
}

func TestReload_FailureKeepsPrevious(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)
	r := testRegistry(bus)

	good, err := r.Reload(t.Context(), table("ping", "v1"))
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	<-ch

	boom := errors.New("manifest invalid")
	failing := []struct {
		name  string
		build Builder[string]
		want  error
	}{
		{"error", func(ctx context.Context) (map[string]string, error) { return nil, boom }, boom},
		{"nil table", func(ctx context.Context) (map[string]string, error) { return nil, nil }, ErrNilSnapshot},
		{"panic", func(ctx context.Context) (map[string]string, error) { panic("bad handler") }, nil},
	}
	for _, tt := range failing {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Reload(t.Context(), tt.build)
			if err == nil {
				t.Fatal("Reload should fail")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if got != good || r.Snapshot() != good {
				t.Error("failed reload replaced the current snapshot")
			}
			if e := <-ch; e.Kind != events.KindRegistryReloadFailed {
				t.Errorf("event kind = %q, want %q", e.Kind, events.KindRegistryReloadFailed)
			}
		})
	}

	st := r.Stats()
	if st.Version != 1 || st.Reloads != 1 || st.Failures != 3 || st.LastError == "" {
		t.Errorf("Stats = %+v, want version 1, 1 reload, 3 failures", st)
	}
}

func TestReload_CapturedSnapshotSurvives(t *testing.T) {
	r := testRegistry(nil)
	if _, err := r.Reload(t.Context(), table("ping", "old")); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	captured := r.Snapshot()

	building := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := r.Reload(t.Context(), func(ctx context.Context) (map[string]string, error) {
			close(building)
			<-finish
			return map[string]string{"ping": "new", "pong": "new"}, nil
		})
		done <- err
	}()

	<-building
	if h, _ := captured.Lookup("ping"); h != "old" {
		t.Errorf("captured lookup during reload = %q, want old", h)
	}
	if h, _ := r.Snapshot().Lookup("ping"); h != "old" {
		t.Errorf("fresh lookup during reload = %q, want old", h)
	}

	close(finish)
	if err := <-done; err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if h, _ := captured.Lookup("ping"); h != "old" {
		t.Errorf("captured lookup after reload = %q, want old", h)
	}
	if _, ok := captured.Lookup("pong"); ok {
		t.Error("captured snapshot gained an entry from the reload")
	}
	if h, _ := r.Snapshot().Lookup("ping"); h != "new" {
		t.Errorf("fresh lookup after reload = %q, want new", h)
	}
}

func TestReload_BuilderMapNotShared(t *testing.T) {
	r := testRegistry(nil)
	m := map[string]string{"ping": "v1"}
	snap, err := r.Reload(t.Context(), func(ctx context.Context) (map[string]string, error) { return m, nil })
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	m["ping"] = "mutated"
	if h, _ := snap.Lookup("ping"); h != "v1" {
		t.Errorf("snapshot changed after builder mutated its map: %q", h)
	}
}

func TestConcurrentReadersAndReloads(t *testing.T) {
	r := testRegistry(nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for range 1000 {
				snap := r.Snapshot()
				if snap.Version() < last {
					t.Errorf("version went backwards: %d after %d", snap.Version(), last)
					return
				}
				last = snap.Version()
				// Every published table holds both names or neither.
				_, a := snap.Lookup("a")
				_, b := snap.Lookup("b")
				if a != b {
					t.Errorf("snapshot v%d is half-built", snap.Version())
					return
				}
			}
		}()
	}
	for range 50 {
		if _, err := r.Reload(t.Context(), table("a", "1", "b", "2")); err != nil {
			t.Errorf("Reload: %v", err)
		}
	}
	wg.Wait()

	if got := r.Snapshot().Version(); got != 50 {
		t.Errorf("final version = %d, want 50", got)
	}
}
