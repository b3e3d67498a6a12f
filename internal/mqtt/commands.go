package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// commandLimit is how many commands are accepted per minute.
const commandLimit = 10

// CommandFunc handles an operator command (for example "reload")
// received on the command topic and returns a short result for the
// log.
type CommandFunc func(ctx context.Context, command string) (string, error)

// SetCommandHandler installs the command handler. Commands arriving
// with no handler set are logged and dropped.
func (p *Publisher) SetCommandHandler(fn CommandFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCmd = fn
}

func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := p.commandTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Info("mqtt command topic subscribed", "topic", topic)
}

// handleMessage runs the command carried by a message on the command
// topic. It reports whether the message was handled.
func (p *Publisher) handleMessage(ctx context.Context, topic string, payload []byte) bool {
	if topic != p.commandTopic() {
		return false
	}
	command := strings.ToLower(strings.TrimSpace(string(payload)))
	if command == "" {
		return true
	}
	if !p.commands.allow() {
		return true
	}

	p.mu.Lock()
	fn := p.onCmd
	p.mu.Unlock()
	if fn == nil {
		p.logger.Warn("mqtt command ignored, no handler", "command", command)
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	result, err := fn(ctx, command)
	if err != nil {
		p.logger.Error("mqtt command failed", "command", command, "error", err)
		return true
	}
	p.logger.Info("mqtt command handled", "command", command, "result", result)
	return true
}

// messageRateLimiter caps accepted messages per interval using atomic
// counters.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled, and
// logs how many messages were dropped in the interval that ended.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reset()
		}
	}
}

func (r *messageRateLimiter) reset() {
	count := r.count.Swap(0)
	dropped := r.dropped.Swap(0)
	if dropped > 0 {
		r.logger.Warn("mqtt commands dropped due to rate limit",
			"received", count,
			"dropped", dropped,
			"interval", r.interval.String(),
			"limit", r.limit,
		)
	}
}

func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
