package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/tollgate/internal/clock"
	"github.com/nugget/tollgate/internal/config"
	"github.com/nugget/tollgate/internal/session"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStats struct {
	active, capacity int
	tokens           float64
	version          uint64
}

func (f fakeStats) Uptime() time.Duration   { return 90*time.Minute + 1500*time.Millisecond }
func (f fakeStats) Version() string         { return "v1.2.3" }
func (f fakeStats) ActiveSessions() int     { return f.active }
func (f fakeStats) SessionCapacity() int    { return f.capacity }
func (f fakeStats) GlobalTokens() float64   { return f.tokens }
func (f fakeStats) RegistryVersion() uint64 { return f.version }

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "test-gate",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("id %q is not a UUID: %v", id, err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}

	again, err := LoadOrCreateInstanceID(dir)
	if err != nil || again != id {
		t.Errorf("second call = %q, %v; want %q (stable)", again, err, id)
	}
}

func TestLoadOrCreateInstanceID_ReplacesGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "instance_id"), []byte("not-a-uuid\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "not-a-uuid" {
		t.Error("garbage instance ID was returned")
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "test-device")
	if info.Name != "test-device" {
		t.Errorf("Name = %q, want %q", info.Name, "test-device")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
	if info.Model != "Tollgate" {
		t.Errorf("Model = %q, want Tollgate", info.Model)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := New(testConfig(), "test-id", nil, fakeStats{}, quietLogger())

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "tollgate/test-gate"},
		{"availabilityTopic", p.availabilityTopic(), "tollgate/test-gate/availability"},
		{"stateTopic", p.stateTopic("active_sessions"), "tollgate/test-gate/active_sessions/state"},
		{"commandTopic", p.commandTopic(), "tollgate/test-gate/command"},
		{"discoveryTopic", p.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/test-gate/uptime/config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, "instance-123", NewDailyOutcomes(time.UTC, nil), fakeStats{}, quietLogger())

	want := []string{
		"uptime", "version", "active_sessions", "session_capacity",
		"global_tokens", "registry_version",
		"completed_today", "timed_out_today", "rejected_today",
	}
	defs := p.sensorDefinitions()
	if len(defs) != len(want) {
		t.Fatalf("got %d sensor definitions, want %d", len(defs), len(want))
	}

	for i, d := range defs {
		if d.entitySuffix != want[i] {
			t.Errorf("sensor %d = %q, want %q", i, d.entitySuffix, want[i])
		}
		if strings.Contains(d.config.Name, cfg.DeviceName) {
			t.Errorf("sensor %s: Name %q contains the device name", d.entitySuffix, d.config.Name)
		}
		if !strings.HasPrefix(d.config.UniqueID, "instance-123_") {
			t.Errorf("sensor %s: UniqueID = %q", d.entitySuffix, d.config.UniqueID)
		}
		if d.config.ObjectID != d.entitySuffix || !d.config.HasEntityName {
			t.Errorf("sensor %s: ObjectID = %q, HasEntityName = %v", d.entitySuffix, d.config.ObjectID, d.config.HasEntityName)
		}
		if d.config.AvailabilityTopic != "tollgate/test-gate/availability" {
			t.Errorf("sensor %s: AvailabilityTopic = %q", d.entitySuffix, d.config.AvailabilityTopic)
		}
		if _, err := json.Marshal(d.config); err != nil {
			t.Errorf("sensor %s: marshal: %v", d.entitySuffix, err)
		}
	}

	if n := len(New(cfg, "x", nil, fakeStats{}, quietLogger()).sensorDefinitions()); n != 6 {
		t.Errorf("without outcome counter: %d sensors, want 6", n)
	}
}

func TestPublisher_States(t *testing.T) {
	outcomes := NewDailyOutcomes(time.UTC, nil)
	outcomes.Observe(&session.Session{Status: session.StatusCompleted})
	outcomes.Observe(&session.Session{Status: session.StatusRejected})
	outcomes.Observe(&session.Session{Status: session.StatusRejected})

	p := New(testConfig(), "id", outcomes, fakeStats{active: 3, capacity: 4, tokens: 12.345, version: 7}, quietLogger())
	got := p.states()

	want := map[string]string{
		"uptime":           "1h30m1s",
		"version":          "v1.2.3",
		"active_sessions":  "3",
		"session_capacity": "75",
		"global_tokens":    "12.3",
		"registry_version": "7",
		"completed_today":  "1",
		"timed_out_today":  "0",
		"rejected_today":   "2",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("state %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestPublisher_HandleCommand(t *testing.T) {
	p := New(testConfig(), "id", nil, fakeStats{}, quietLogger())

	if p.handleMessage(t.Context(), "some/other/topic", []byte("reload")) {
		t.Error("message on another topic reported as handled")
	}
	if !p.handleMessage(t.Context(), p.commandTopic(), []byte("reload")) {
		t.Error("command without handler should still be consumed")
	}

	var got []string
	p.SetCommandHandler(func(ctx context.Context, command string) (string, error) {
		got = append(got, command)
		if command == "explode" {
			return "", errors.New("boom")
		}
		return "ok", nil
	})
	p.handleMessage(t.Context(), p.commandTopic(), []byte("  RELOAD\n"))
	p.handleMessage(t.Context(), p.commandTopic(), []byte("explode"))
	p.handleMessage(t.Context(), p.commandTopic(), []byte("   "))

	if len(got) != 2 || got[0] != "reload" || got[1] != "explode" {
		t.Errorf("commands = %q, want [reload explode]", got)
	}
}

func TestPublisher_CommandRateLimit(t *testing.T) {
	p := New(testConfig(), "id", nil, fakeStats{}, quietLogger())
	calls := 0
	p.SetCommandHandler(func(ctx context.Context, command string) (string, error) {
		calls++
		return "", nil
	})

	for range commandLimit + 5 {
		p.handleMessage(t.Context(), p.commandTopic(), []byte("reload"))
	}
	if calls != commandLimit {
		t.Errorf("handler calls = %d, want %d", calls, commandLimit)
	}

	p.commands.reset()
	p.handleMessage(t.Context(), p.commandTopic(), []byte("reload"))
	if calls != commandLimit+1 {
		t.Errorf("after reset calls = %d, want %d", calls, commandLimit+1)
	}
}

func TestDailyOutcomes_ResetsAtMidnight(t *testing.T) {
	fake := clock.Fake(time.Date(2026, 5, 1, 23, 59, 0, 0, time.UTC))
	d := NewDailyOutcomes(time.UTC, fake)

	d.Observe(&session.Session{Status: session.StatusTimedOut})
	d.Observe(&session.Session{Status: session.StatusActive})
	if c := d.Snapshot(); c.TimedOut != 1 || c.Completed != 0 {
		t.Errorf("before midnight = %+v, want one timed out", c)
	}

	fake.Advance(2 * time.Minute)
	if c := d.Snapshot(); c != (OutcomeCounts{}) {
		t.Errorf("after midnight = %+v, want zero", c)
	}
}
