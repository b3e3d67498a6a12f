// Tollgate is a rate-limited, capacity-bounded chat command bot.
//
// It admits each conversation under global and per-sender session
// limits, throttles senders with token buckets, serializes calls into
// its single chat connection, and dispatches "!command" messages to a
// hot-reloadable capability table. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	tollgate serve              Connect to chat and serve commands
//	tollgate init [dir]         Write an example config and capabilities
//	tollgate stats [window]     Print limits and recent session outcomes
//	tollgate version            Print version and build information
//	tollgate -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/tollgate/internal/buildinfo"
	"github.com/nugget/tollgate/internal/capability"
	"github.com/nugget/tollgate/internal/chat"
	"github.com/nugget/tollgate/internal/clock"
	"github.com/nugget/tollgate/internal/config"
	"github.com/nugget/tollgate/internal/connwatch"
	"github.com/nugget/tollgate/internal/defaults"
	"github.com/nugget/tollgate/internal/events"
	"github.com/nugget/tollgate/internal/gate"
	"github.com/nugget/tollgate/internal/ledger"
	"github.com/nugget/tollgate/internal/mqtt"
	"github.com/nugget/tollgate/internal/records"
	"github.com/nugget/tollgate/internal/serial"
	"github.com/nugget/tollgate/internal/session"
	"github.com/nugget/tollgate/internal/supervisor"
)

// shutdownTimeout bounds how long serve waits for background tasks and
// in-flight commands after a shutdown signal.
const shutdownTimeout = 15 * time.Second

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run], keeping os.Exit and os.Args out of
// the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the tollgate command. Structured logs
// go to stdout; fatal error messages are returned to main. Arguments
// are parsed by hand because the flag package's global state gets in
// the way of calling run from parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "stats":
		window := 24 * time.Hour
		if len(cmdArgs) > 0 {
			d, err := time.ParseDuration(cmdArgs[0])
			if err != nil || d <= 0 {
				return fmt.Errorf("usage: tollgate stats [window], e.g. 24h")
			}
			window = d
		}
		return runStats(stdout, configPath, outputFmt, window, time.Now())
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tollgate - capacity-bounded chat command bot")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tollgate [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve           Connect to chat and serve commands")
	fmt.Fprintln(w, "  init [dir]      Write an example config and capabilities (default: .)")
	fmt.Fprintln(w, "  stats [window]  Show limits and session outcomes (default: 24h)")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/tollgate/config.yaml, /etc/tollgate/config.yaml")
	return nil
}

// runInit writes the example configuration and starter capability
// manifests into dir. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing tollgate in %s\n", dir)

	for _, sub := range []string{"data", "capabilities"} {
		p := filepath.Join(dir, sub)
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
	}

	// The config may carry tokens; keep it private.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	err := fs.WalkDir(defaults.Capabilities, "capabilities", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".yaml" {
			return nil
		}
		content, err := defaults.Capabilities.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", p, err)
		}
		dest := filepath.Join(dir, "capabilities", d.Name())
		if err := writeIfMissing(dest, content, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(w, "  ✓ %s\n", dest)
		return nil
	})
	if err != nil {
		return fmt.Errorf("install capabilities: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your chat gateway, then run: tollgate serve")
	return nil
}

// writeIfMissing writes content to p only if the file does not already
// exist.
func writeIfMissing(p string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.WriteFile(p, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}

// statsReport is the JSON shape of "tollgate stats".
type statsReport struct {
	Limits   statsLimits             `json:"limits"`
	Window   string                  `json:"window"`
	Total    statsSummary            `json:"total"`
	ByStatus map[string]statsSummary `json:"by_status,omitempty"`
	ByReason map[string]statsSummary `json:"by_reason,omitempty"`
	ByOwner  map[string]statsSummary `json:"by_owner,omitempty"`
}

type statsLimits struct {
	GlobalMax   int     `json:"global_max"`
	PerOwnerMax int     `json:"per_owner_max"`
	IdleTimeout string  `json:"idle_timeout"`
	MaxDuration string  `json:"max_duration"`
	Rate        float64 `json:"rate"`
	Burst       float64 `json:"burst"`
	GlobalRate  float64 `json:"global_rate"`
	GlobalBurst float64 `json:"global_burst"`
	LockMode    string  `json:"lock_mode"`
}

type statsSummary struct {
	Sessions    int    `json:"sessions"`
	AvgDuration string `json:"avg_duration"`
	MaxDuration string `json:"max_duration"`
}

func toStatsSummary(s *ledger.Summary) statsSummary {
	return statsSummary{
		Sessions:    s.Total,
		AvgDuration: s.AvgDuration().Round(time.Millisecond).String(),
		MaxDuration: s.MaxDuration.Round(time.Millisecond).String(),
	}
}

func toStatsSummaries(m map[string]*ledger.Summary) map[string]statsSummary {
	out := make(map[string]statsSummary, len(m))
	for k, s := range m {
		out[k] = toStatsSummary(s)
	}
	return out
}

// runStats prints the configured limits and the session outcomes
// recorded in the ledger during the window ending at now.
func runStats(w io.Writer, configPath, outputFmt string, window time.Duration, now time.Time) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	report := statsReport{
		Limits: statsLimits{
			GlobalMax:   cfg.Sessions.GlobalMax,
			PerOwnerMax: cfg.Sessions.PerOwnerMax,
			IdleTimeout: cfg.Sessions.IdleTimeout.String(),
			MaxDuration: cfg.Sessions.MaxDuration.String(),
			Rate:        cfg.RateLimit.Rate,
			Burst:       cfg.RateLimit.Burst,
			GlobalRate:  cfg.RateLimit.GlobalRate,
			GlobalBurst: cfg.RateLimit.GlobalBurst,
			LockMode:    cfg.Client.LockMode,
		},
		Window: window.String(),
		Total:  toStatsSummary(&ledger.Summary{}),
	}

	// A server that never ran has no ledger yet; don't create one here.
	if _, err := os.Stat(cfg.Ledger.Path); err == nil {
		store, err := ledger.NewStore(cfg.Ledger.Path)
		if err != nil {
			return fmt.Errorf("open ledger %s: %w", cfg.Ledger.Path, err)
		}
		defer store.Close()

		start := now.Add(-window)
		total, err := store.Summary(start, now)
		if err != nil {
			return fmt.Errorf("ledger summary: %w", err)
		}
		byStatus, err := store.SummaryByStatus(start, now)
		if err != nil {
			return fmt.Errorf("ledger summary by status: %w", err)
		}
		byReason, err := store.SummaryByReason(start, now)
		if err != nil {
			return fmt.Errorf("ledger summary by reason: %w", err)
		}
		byOwner, err := store.SummaryByOwner(start, now)
		if err != nil {
			return fmt.Errorf("ledger summary by owner: %w", err)
		}
		report.Total = toStatsSummary(total)
		report.ByStatus = toStatsSummaries(byStatus)
		report.ByReason = toStatsSummaries(byReason)
		report.ByOwner = toStatsSummaries(byOwner)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	l := report.Limits
	fmt.Fprintln(w, "Limits:")
	fmt.Fprintf(w, "  %-14s %d global, %d per owner\n", "sessions:", l.GlobalMax, l.PerOwnerMax)
	fmt.Fprintf(w, "  %-14s idle %s, max %s\n", "timeouts:", l.IdleTimeout, l.MaxDuration)
	fmt.Fprintf(w, "  %-14s %g/s burst %g per sender, %g/s burst %g global\n", "rate:",
		l.Rate, l.Burst, l.GlobalRate, l.GlobalBurst)
	fmt.Fprintf(w, "  %-14s %s\n", "lock mode:", l.LockMode)
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Sessions in the last %s: %d (avg %s, max %s)\n",
		report.Window, report.Total.Sessions, report.Total.AvgDuration, report.Total.MaxDuration)
	printGroup(w, "By status", report.ByStatus)
	printGroup(w, "By reason", report.ByReason)
	printGroup(w, "By owner", report.ByOwner)
	return nil
}

func printGroup(w io.Writer, title string, group map[string]statsSummary) {
	if len(group) == 0 {
		return
	}
	fmt.Fprintf(w, "%s:\n", title)
	keys := make([]string, 0, len(group))
	for k := range group {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		s := group[k]
		label := k
		if label == "" {
			label = "(none)"
		}
		fmt.Fprintf(w, "  %-24s %5d  avg %s\n", label, s.Sessions, s.AvgDuration)
	}
}

// runServe is the primary operating mode: it opens the stores, builds
// the gate, connects to chat and MQTT, and blocks until a shutdown
// signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. MQTT publishes "offline"
//  3. Background tasks, including in-flight commands, drain
//  4. The chat connection and the ledger close
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting tollgate", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"global_max", cfg.Sessions.GlobalMax,
		"per_owner_max", cfg.Sessions.PerOwnerMax,
		"rate", cfg.RateLimit.Rate,
		"lock_mode", cfg.Client.LockMode,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	bus := events.New()

	// --- Session outcome ledger ---
	ledgerStore, err := ledger.NewStore(cfg.Ledger.Path)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", cfg.Ledger.Path, err)
	}
	defer ledgerStore.Close()
	logger.Info("ledger opened", "path", cfg.Ledger.Path)

	outcomes := mqtt.NewDailyOutcomes(time.Local, clock.Real())

	// --- Record store ---
	recordStore, err := records.NewStore(records.Config{
		Dir:    cfg.Records.Dir,
		Logger: logger.With("component", "records"),
		Events: bus,
	})
	if err != nil {
		return fmt.Errorf("open records %s: %w", cfg.Records.Dir, err)
	}

	// --- Capabilities and gate ---
	// The status capability reports on the gate it runs behind, so the
	// closure captures g before it is assigned.
	var g *gate.Gate
	catalog := capability.NewCatalog()
	if err := capability.RegisterBuiltins(catalog, capability.Deps{
		Records: recordStore,
		Status:  func(context.Context) string { return g.StatusLine() },
	}); err != nil {
		return fmt.Errorf("register capabilities: %w", err)
	}

	gcfg := gate.ConfigFrom(cfg)
	gcfg.Builder = capability.Builder(cfg.Capabilities.Dir, catalog)
	gcfg.Observers = []session.Observer{
		ledgerStore.Observer(logger.With("component", "ledger")),
		outcomes.Observe,
	}
	gcfg.Logger = logger
	gcfg.Events = bus
	g = gate.New(gcfg)

	if snap, err := g.Reload(ctx); err != nil {
		logger.Warn("initial capability load failed, serving none until !reload",
			"dir", cfg.Capabilities.Dir,
			"error", err,
		)
	} else {
		logger.Info("capabilities loaded", "dir", cfg.Capabilities.Dir, "count", snap.Len())
	}

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sup := supervisor.New(ctx, logger.With("component", "supervisor"), nil)
	g.Start(sup)
	sup.Go("event-log", func(ctx context.Context) error {
		return logEvents(ctx, bus, logger.With("component", "events"))
	})

	// --- MQTT telemetry ---
	var publisher *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		publisher = mqtt.New(cfg.MQTT, instanceID, outcomes, g, logger.With("component", "mqtt"))
		publisher.SetCommandHandler(operatorCommands(g))
		sup.Go("mqtt", publisher.Start)
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "device", cfg.MQTT.DeviceName)
	}

	// --- Chat ---
	var chatSafe *chat.Safe
	if cfg.Chat.Configured() {
		mode, err := serial.ParseMode(cfg.Client.LockMode)
		if err != nil {
			return err
		}
		chatSafe = chat.NewSafe(chat.NewClient(chat.Config{
			URL:    cfg.Chat.URL,
			Token:  cfg.Chat.Token,
			Logger: logger.With("component", "chat"),
		}), mode, logger.With("component", "chat"))

		bridge := NewBridge(BridgeConfig{
			Chat:        chatSafe,
			Gate:        g,
			UserID:      cfg.Chat.UserID,
			Admins:      cfg.Chat.Admins,
			SyncTimeout: cfg.Chat.SyncTimeout,
			Events:      bus,
			Logger:      logger.With("component", "bridge"),
		})

		watcher := connwatch.New(connwatch.Config{
			Name:    "chat",
			Probe:   chatProbe(chatSafe),
			OnReady: func() { onChatReady(ctx, chatSafe, bridge, cfg.Chat, logger) },
			Logger:  logger.With("component", "connwatch"),
		})
		sup.Go("chat-watch", watcher.Run)
		sup.Go("chat-bridge", bridge.Start)
	} else {
		logger.Warn("chat not configured, no commands will be served")
	}

	logger.Info("tollgate ready", "capabilities", g.Snapshot().Len())

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if publisher != nil {
		if err := publisher.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	if err := sup.Stop(shutdownCtx); err != nil {
		logger.Error("background tasks did not stop", "error", err)
	}
	if chatSafe != nil {
		if err := chatSafe.Close(shutdownCtx); err != nil {
			logger.Debug("chat close failed", "error", err)
		}
	}

	logger.Info("tollgate stopped")
	return nil
}

// chatProbe checks the chat connection with a whoami round trip and
// redials when it fails.
func chatProbe(c *chat.Safe) connwatch.ProbeFunc {
	return func(ctx context.Context) error {
		if _, err := c.Whoami(ctx); err == nil {
			return nil
		}
		return c.Connect(ctx)
	}
}

// onChatReady learns the bot's identity from the gateway and applies
// the configured display name.
func onChatReady(ctx context.Context, c *chat.Safe, b *Bridge, cfg config.ChatConfig, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	id, err := c.UserID(ctx)
	if err != nil {
		logger.Warn("chat identity unavailable", "error", err)
		return
	}
	if cfg.UserID == "" {
		b.SetUserID(id)
	}
	logger.Info("connected to chat", "url", cfg.URL, "user_id", id)

	if cfg.DisplayName != "" {
		if err := c.SetDisplayName(ctx, cfg.DisplayName); err != nil {
			logger.Warn("set display name failed", "name", cfg.DisplayName, "error", err)
		}
	}
}

// operatorCommands handles commands arriving on the MQTT command topic.
func operatorCommands(g *gate.Gate) mqtt.CommandFunc {
	return func(ctx context.Context, command string) (string, error) {
		switch command {
		case "reload":
			snap, err := g.Reload(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d capabilities (version %d)", snap.Len(), snap.Version()), nil
		case "status":
			return g.StatusLine(), nil
		}
		return "", fmt.Errorf("unknown command %q", command)
	}
}

// logEvents writes every bus event to the log at trace level.
func logEvents(ctx context.Context, bus *events.Bus, logger *slog.Logger) error {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			logger.Log(ctx, config.LevelTrace, "event",
				"source", e.Source,
				"kind", e.Kind,
				"data", e.Data,
			)
		}
	}
}

// loadConfig locates and loads the configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
