package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/tollgate/internal/serial"
)

// Safe exposes a Client to concurrent callers. Room operations lock
// the room (or the whole client in global mode); operations on the
// sync cursor or the connection lock the whole client.
//
// Sync only returns events. Handle them after it returns: a handler
// that replies through the same Safe while Sync still held the lock
// would wait on itself.
type Safe struct {
	proxy *serial.Proxy[*Client]
}

// NewSafe wraps c.
func NewSafe(c *Client, mode serial.Mode, logger *slog.Logger) *Safe {
	return &Safe{proxy: serial.New(c, mode, logger)}
}

// Mode reports the lock granularity.
func (s *Safe) Mode() serial.Mode { return s.proxy.Mode() }

// Exec runs fn with exclusive access to the client for room. Calls
// through s from inside fn that need the same lock fail with
// serial.ErrReentrant.
func (s *Safe) Exec(ctx context.Context, room string, fn func(ctx context.Context, c *Client) error) error {
	return s.proxy.Exec(ctx, room, fn)
}

func (s *Safe) Connect(ctx context.Context) error {
	return s.proxy.Exec(ctx, serial.GlobalResource, func(ctx context.Context, c *Client) error {
		return c.Connect(ctx)
	})
}

func (s *Safe) Close(ctx context.Context) error {
	return s.proxy.Exec(ctx, serial.GlobalResource, func(ctx context.Context, c *Client) error {
		return c.Close()
	})
}

func (s *Safe) Whoami(ctx context.Context) (string, error) {
	return serial.Do(ctx, s.proxy, serial.GlobalResource, func(ctx context.Context, c *Client) (string, error) {
		return c.Whoami(ctx)
	})
}

func (s *Safe) UserID(ctx context.Context) (string, error) {
	return serial.Do(ctx, s.proxy, serial.GlobalResource, func(ctx context.Context, c *Client) (string, error) {
		return c.UserID(), nil
	})
}

func (s *Safe) SetDisplayName(ctx context.Context, name string) error {
	return s.proxy.Exec(ctx, serial.GlobalResource, func(ctx context.Context, c *Client) error {
		return c.SetDisplayName(ctx, name)
	})
}

func (s *Safe) Sync(ctx context.Context, timeout time.Duration) ([]Event, error) {
	return serial.Do(ctx, s.proxy, serial.GlobalResource, func(ctx context.Context, c *Client) ([]Event, error) {
		return c.Sync(ctx, timeout)
	})
}

func (s *Safe) Send(ctx context.Context, room, text string) (string, error) {
	return serial.Do(ctx, s.proxy, room, func(ctx context.Context, c *Client) (string, error) {
		return c.Send(ctx, room, text)
	})
}

func (s *Safe) SendTyping(ctx context.Context, room string, typing bool) error {
	return s.proxy.Exec(ctx, room, func(ctx context.Context, c *Client) error {
		return c.SendTyping(ctx, room, typing)
	})
}

func (s *Safe) Messages(ctx context.Context, room string, limit int) ([]Event, error) {
	return serial.Do(ctx, s.proxy, room, func(ctx context.Context, c *Client) ([]Event, error) {
		return c.Messages(ctx, room, limit)
	})
}
