package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/nugget/tollgate/internal/capability"
	"github.com/nugget/tollgate/internal/chat"
	"github.com/nugget/tollgate/internal/events"
	"github.com/nugget/tollgate/internal/gate"
	"github.com/nugget/tollgate/internal/ratelimit"
	"github.com/nugget/tollgate/internal/session"
)

// chatHandleTimeout bounds how long one inbound command may take,
// including the rate-limit wait and the reply.
const chatHandleTimeout = 2 * time.Minute

// failureReplyTimeout bounds the error reply, which is sent even when
// the command's own context has expired.
const failureReplyTimeout = 10 * time.Second

// chatBackoffInit is the initial delay after a sync error.
const chatBackoffInit = 2 * time.Second

// chatBackoffMax is the maximum delay between sync retries.
const chatBackoffMax = 60 * time.Second

// maxReplyLen caps reply length; longer output is truncated.
const maxReplyLen = 4000

// chatClient is the part of *chat.Safe the bridge uses.
type chatClient interface {
	Sync(ctx context.Context, timeout time.Duration) ([]chat.Event, error)
	Send(ctx context.Context, room, text string) (string, error)
	SendTyping(ctx context.Context, room string, typing bool) error
}

// BridgeConfig holds the dependencies for a Bridge.
type BridgeConfig struct {
	Chat chatClient
	Gate *gate.Gate
	// UserID is the bot's own identity; its messages are ignored.
	UserID string
	// Admins may run !reload. Empty allows everyone.
	Admins      []string
	SyncTimeout time.Duration
	// HandleTimeout bounds one command. Zero means chatHandleTimeout.
	HandleTimeout time.Duration
	Events        *events.Bus
	Logger        *slog.Logger
}

// Bridge polls the chat gateway and runs "!command" messages through
// the gate: admit a session per sender and room, take a rate token,
// execute the capability from the table live when the request began,
// reply, release.
type Bridge struct {
	chat          chatClient
	gate          *gate.Gate
	userID        atomic.Pointer[string]
	admins        map[string]bool
	syncTimeout   time.Duration
	handleTimeout time.Duration
	events        *events.Bus
	logger        *slog.Logger

	inflight sync.WaitGroup
}

// NewBridge creates a chat bridge.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 2 * time.Second
	}
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = chatHandleTimeout
	}
	var admins map[string]bool
	if len(cfg.Admins) > 0 {
		admins = make(map[string]bool, len(cfg.Admins))
		for _, a := range cfg.Admins {
			admins[a] = true
		}
	}
	b := &Bridge{
		admins:        admins,
		chat:          cfg.Chat,
		gate:          cfg.Gate,
		syncTimeout:   cfg.SyncTimeout,
		handleTimeout: cfg.HandleTimeout,
		events:        cfg.Events,
		logger:        logger,
	}
	b.SetUserID(cfg.UserID)
	return b
}

// SetUserID records the bot's own identity as reported by the gateway.
func (b *Bridge) SetUserID(id string) {
	b.userID.Store(&id)
}

// Start runs the sync loop until ctx is cancelled, then waits for
// in-flight commands to finish.
func (b *Bridge) Start(ctx context.Context) error {
	b.logger.Info("chat bridge polling started")
	defer b.inflight.Wait()

	backoff := chatBackoffInit
	for {
		if ctx.Err() != nil {
			b.logger.Info("chat bridge shutting down")
			return nil
		}

		evs, err := b.chat.Sync(ctx, b.syncTimeout)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info("chat bridge shutting down")
				return nil
			}
			if errors.Is(err, chat.ErrNotConnected) {
				b.logger.Debug("chat not connected, waiting", "backoff", backoff)
			} else {
				b.logger.Error("chat sync failed", "error", err, "backoff", backoff)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, chatBackoffMax)
			continue
		}
		backoff = chatBackoffInit

		// Sync has returned and released the client lock, so handlers
		// are free to reply through it.
		for _, ev := range evs {
			b.dispatch(ctx, ev)
		}
	}
}

// dispatch starts handling ev in its own goroutine if it is a command
// from someone other than the bot.
func (b *Bridge) dispatch(ctx context.Context, ev chat.Event) {
	if ev.Sender == "" || ev.Sender == *b.userID.Load() {
		return
	}
	name, args, ok := capability.ParseCommand(ev.Body)
	if !ok {
		b.logger.Debug("chat message is not a command", "room", ev.Room, "sender", ev.Sender)
		return
	}

	b.events.Emit(events.SourceBridge, events.KindMessageReceived,
		"room", ev.Room,
		"sender", ev.Sender,
		"command", name,
	)

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.handleCommand(ctx, ev, name, args)
	}()
}

// sessionKey scopes a session to one sender in one room.
func sessionKey(ev chat.Event) string {
	return ev.Sender + "|" + ev.Room
}

func (b *Bridge) handleCommand(ctx context.Context, ev chat.Event, name, args string) {
	ctx, cancel := context.WithTimeout(ctx, b.handleTimeout)
	defer cancel()

	b.logger.Info("chat command received",
		"room", ev.Room,
		"sender", ev.Sender,
		"command", name,
	)

	if name == "reload" {
		if b.admins != nil && !b.admins[ev.Sender] {
			b.reply(ctx, ev.Room, "Only operators can reload capabilities.")
			return
		}
		b.reply(ctx, ev.Room, b.reload(ctx))
		return
	}

	err := b.gate.Serve(ctx, ev.Sender, sessionKey(ev), ev.Room, func(ctx context.Context) error {
		if err := b.gate.Wait(ctx, ev.Sender); err != nil {
			return err
		}
		snap := b.gate.Snapshot()

		if err := b.chat.SendTyping(ctx, ev.Room, true); err != nil {
			b.logger.Debug("typing notification failed", "room", ev.Room, "error", err)
		}
		out, err := capability.Execute(ctx, snap, name, args)
		if err := b.chat.SendTyping(ctx, ev.Room, false); err != nil {
			b.logger.Debug("typing notification failed", "room", ev.Room, "error", err)
		}
		if err != nil {
			return err
		}
		b.reply(ctx, ev.Room, out)
		return nil
	})
	if err == nil {
		return
	}

	b.logger.Warn("chat command failed",
		"room", ev.Room,
		"sender", ev.Sender,
		"command", name,
		"error", err,
	)
	replyCtx, cancelReply := context.WithTimeout(context.WithoutCancel(ctx), failureReplyTimeout)
	defer cancelReply()
	b.reply(replyCtx, ev.Room, failureReply(name, err))
}

// failureReply turns an error into a message for the sender.
func failureReply(name string, err error) string {
	switch {
	case errors.Is(err, session.ErrGlobalLimit):
		return "I'm handling too many conversations right now. Please try again in a minute."
	case errors.Is(err, session.ErrOwnerLimit):
		return "You already have too many conversations open with me. Let one finish first."
	case errors.Is(err, ratelimit.ErrTimeout):
		return "You're sending commands faster than I can answer. Please slow down."
	case errors.Is(err, capability.ErrUnknown):
		return fmt.Sprintf("I don't know !%s. Try !help.", name)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("!%s took too long. Please try again later.", name)
	}
	return fmt.Sprintf("!%s failed: %v", name, err)
}

func (b *Bridge) reload(ctx context.Context) string {
	snap, err := b.gate.Reload(ctx)
	if err != nil {
		return fmt.Sprintf("Reload failed, still serving version %d: %v", snap.Version(), err)
	}
	return fmt.Sprintf("Reloaded %d capabilities (version %d).", snap.Len(), snap.Version())
}

func (b *Bridge) reply(ctx context.Context, room, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	text = truncate(text, maxReplyLen)
	if _, err := b.chat.Send(ctx, room, text); err != nil {
		b.logger.Error("chat reply failed", "room", room, "error", err)
	}
}

// truncate shortens s to at most n bytes without splitting a rune,
// marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
