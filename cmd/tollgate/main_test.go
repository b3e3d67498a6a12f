package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/nugget/tollgate/internal/capability"
	"github.com/nugget/tollgate/internal/config"
	"github.com/nugget/tollgate/internal/gate"
	"github.com/nugget/tollgate/internal/ledger"
	"github.com/nugget/tollgate/internal/session"
)

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(t.Context(), &out, &out, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: tollgate") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"frobnicate"}, "unknown command: frobnicate"},
		{[]string{"--verbose"}, "unknown flag: --verbose"},
		{[]string{"-o", "xml", "version"}, "unknown output format"},
		{[]string{"stats", "yesterday"}, "usage: tollgate stats"},
		{[]string{"-config", "/nonexistent/tollgate.yaml", "stats"}, "config file not found"},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		err := run(t.Context(), &out, &out, tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
		}
	}
}

func TestRunVersion(t *testing.T) {
	var text bytes.Buffer
	if err := run(t.Context(), &text, &text, []string{"version"}); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(text.String(), "tollgate ") || !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text version output:\n%s", text.String())
	}

	var js bytes.Buffer
	if err := run(t.Context(), &js, &js, []string{"-o", "json", "version"}); err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("json version output does not parse: %v\n%s", err, js.String())
	}
	if info["version"] == "" || info["os"] == "" {
		t.Errorf("json version info = %v", info)
	}
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	for _, sub := range []string{"data", "capabilities"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		if err != nil {
			t.Errorf("expected directory %s: %v", sub, err)
		} else if !info.IsDir() {
			t.Errorf("%s is not a directory", sub)
		}
	}

	cfgInfo, err := os.Stat(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}

	// The example config must load cleanly.
	if _, err := config.Load(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("example config does not load: %v", err)
	}

	// The starter manifests must build against the builtin catalog.
	catalog := capability.NewCatalog()
	if err := capability.RegisterBuiltins(catalog, capability.Deps{
		Records: nil,
		Status:  func(context.Context) string { return "ok" },
	}); err != nil {
		t.Fatal(err)
	}
	manifests, err := capability.LoadManifests(filepath.Join(dir, "capabilities"))
	if err != nil {
		t.Fatalf("LoadManifests: %v", err)
	}
	if len(manifests) == 0 {
		t.Fatal("no capability manifests installed")
	}
	if _, err := capability.Build(catalog, map[string][]capability.Manifest{"core.yaml": manifests["core.yaml"]}); err != nil {
		t.Errorf("core.yaml does not build: %v", err)
	}

	if !strings.Contains(buf.String(), "core.yaml") {
		t.Errorf("output does not list core.yaml:\n%s", buf.String())
	}
}

func TestRunInit_PreservesExisting(t *testing.T) {
	dir := t.TempDir()
	custom := []byte("sessions:\n  global_max: 99\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), custom, 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, custom) {
		t.Errorf("config.yaml was overwritten:\n%s", got)
	}
}

// writeConfig writes a minimal config rooted in a temp data dir and
// returns its path and the loaded config.
func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "data_dir: " + filepath.Join(dir, "data") + "\n" +
		"sessions:\n  global_max: 4\n  per_owner_max: 2\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return path, cfg
}

func TestRunStats_NoLedger(t *testing.T) {
	path, cfg := writeConfig(t)

	var out bytes.Buffer
	if err := runStats(&out, path, "text", 24*time.Hour, time.Now()); err != nil {
		t.Fatalf("runStats: %v", err)
	}
	s := out.String()
	if !strings.Contains(s, "4 global, 2 per owner") {
		t.Errorf("limits missing from output:\n%s", s)
	}
	if !strings.Contains(s, "Sessions in the last 24h0m0s: 0") {
		t.Errorf("summary line missing:\n%s", s)
	}
	if _, err := os.Stat(cfg.Ledger.Path); !os.IsNotExist(err) {
		t.Errorf("stats created a ledger at %s", cfg.Ledger.Path)
	}
}

func TestRunStats_WithOutcomes(t *testing.T) {
	path, cfg := writeConfig(t)
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	store, err := ledger.NewStore(cfg.Ledger.Path)
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range []ledger.Outcome{
		{SessionKey: "alice|!a", OwnerID: "alice", Status: session.StatusCompleted,
			StartedAt: now.Add(-time.Hour - 30*time.Second), EndedAt: now.Add(-time.Hour)},
		{SessionKey: "bob|!a", OwnerID: "bob", Status: session.StatusTimedOut, Reason: session.ReasonIdle,
			StartedAt: now.Add(-2*time.Hour - time.Minute), EndedAt: now.Add(-2 * time.Hour)},
		// Outside the window.
		{SessionKey: "carol|!a", OwnerID: "carol", Status: session.StatusCompleted,
			StartedAt: now.Add(-49 * time.Hour), EndedAt: now.Add(-48 * time.Hour)},
	} {
		if err := store.Record(t.Context(), o); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	store.Close()

	var out bytes.Buffer
	if err := runStats(&out, path, "text", 24*time.Hour, now); err != nil {
		t.Fatalf("runStats: %v", err)
	}
	s := out.String()
	for _, want := range []string{
		"Sessions in the last 24h0m0s: 2 (avg 45s, max 1m0s)",
		"By status:",
		"completed",
		"timed_out",
		"By owner:",
		"alice",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("output missing %q:\n%s", want, s)
		}
	}
	if strings.Contains(s, "carol") {
		t.Errorf("output includes an outcome outside the window:\n%s", s)
	}

	var js bytes.Buffer
	if err := runStats(&js, path, "json", 24*time.Hour, now); err != nil {
		t.Fatalf("runStats json: %v", err)
	}
	var report statsReport
	if err := json.Unmarshal(js.Bytes(), &report); err != nil {
		t.Fatalf("json stats do not parse: %v\n%s", err, js.String())
	}
	if report.Total.Sessions != 2 || report.ByOwner["bob"].Sessions != 1 || report.Limits.GlobalMax != 4 {
		t.Errorf("report = %+v", report)
	}
}

func TestOperatorCommands(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "core.yaml"), []byte("- name: ping\n  description: Ping.\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	catalog := capability.NewCatalog()
	if err := capability.RegisterBuiltins(catalog, capability.Deps{}); err != nil {
		t.Fatal(err)
	}
	gcfg := gate.ConfigFrom(config.Default())
	gcfg.Builder = capability.Builder(dir, catalog)
	gcfg.Logger = quietLogger()
	g := gate.New(gcfg)

	handle := operatorCommands(g)
	got, err := handle(t.Context(), "reload")
	if err != nil || got != "1 capabilities (version 1)" {
		t.Errorf("reload = %q, %v", got, err)
	}
	got, err = handle(t.Context(), "status")
	if err != nil || !strings.HasPrefix(got, "0/10 sessions active") {
		t.Errorf("status = %q, %v", got, err)
	}
	if _, err := handle(t.Context(), "explode"); err == nil {
		t.Error("unknown operator command did not fail")
	}
}
