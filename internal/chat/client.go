// Package chat is a client for the chat gateway's WebSocket API: rooms,
// messages, typing notifications and a long-poll sync cursor.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by requests made before Connect or after
// Close.
var ErrNotConnected = errors.New("chat client not connected")

// Event is a message delivered to a room.
type Event struct {
	ID     string    `json:"event_id"`
	Room   string    `json:"room_id"`
	Sender string    `json:"sender"`
	Body   string    `json:"body"`
	Time   time.Time `json:"ts"`
}

// Config configures a Client.
type Config struct {
	URL   string
	Token string
	// RequestTimeout bounds how long a request waits for its result
	// (default 30s). Sync adds its own long-poll timeout on top.
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type wireMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type response struct {
	Success bool
	Result  json.RawMessage
	Error   *wireError
}

// Client is a connection to the chat gateway.
//
// Writes and the pending-request table are guarded internally, so
// requests for different rooms may overlap. The sync cursor and cached
// identity are not: Sync, Whoami, SetDisplayName, Connect and Close
// must not run concurrently with each other. Use [Safe] to enforce
// that.
type Client struct {
	url     string
	token   string
	timeout time.Duration
	logger  *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	msgID  atomic.Int64

	pending   map[int64]chan response
	pendingMu sync.Mutex

	nextBatch string
	userID    string
}

// NewClient creates a client. It does not connect.
func NewClient(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Client{
		url:     cfg.URL,
		token:   cfg.Token,
		timeout: cfg.RequestTimeout,
		logger:  cfg.Logger,
		pending: make(map[int64]chan response),
	}
}

// Connect dials the gateway and authenticates with the access token.
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parse chat URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	c.logger.Info("connecting to chat gateway", "url", u.String())

	dialer := websocket.Dialer{
		HandshakeTimeout: c.timeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial chat gateway: %w", err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	userID, err := c.authenticate(conn)
	if err != nil {
		conn.Close()
		return err
	}

	c.connMu.Lock()
	old := c.conn
	c.conn = conn
	c.connMu.Unlock()
	if old != nil {
		old.Close()
	}
	c.userID = userID

	c.logger.Info("chat gateway authenticated", "user_id", userID)
	go c.readLoop(conn)
	return nil
}

func (c *Client) authenticate(conn *websocket.Conn) (string, error) {
	var req wireMessage
	if err := conn.ReadJSON(&req); err != nil {
		return "", fmt.Errorf("read auth_required: %w", err)
	}
	if req.Type != "auth_required" {
		return "", fmt.Errorf("expected auth_required, got %s", req.Type)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": c.token}); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}
	var resp wireMessage
	if err := conn.ReadJSON(&resp); err != nil {
		return "", fmt.Errorf("read auth response: %w", err)
	}
	switch resp.Type {
	case "auth_ok":
		return resp.UserID, nil
	case "auth_invalid":
		return "", errors.New("chat authentication failed")
	}
	return "", fmt.Errorf("unexpected auth response: %s", resp.Type)
}

// Close closes the connection. Outstanding requests fail.
func (c *Client) Close() error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return conn.Close()
}

// UserID returns the identity reported at authentication or by the
// last Whoami.
func (c *Client) UserID() string {
	return c.userID
}

// Whoami asks the gateway which user the token belongs to.
func (c *Client) Whoami(ctx context.Context) (string, error) {
	var out struct {
		UserID string `json:"user_id"`
	}
	if err := c.request(ctx, "whoami", nil, c.timeout, &out); err != nil {
		return "", fmt.Errorf("whoami: %w", err)
	}
	c.userID = out.UserID
	return out.UserID, nil
}

// SetDisplayName changes the bot's display name.
func (c *Client) SetDisplayName(ctx context.Context, name string) error {
	if err := c.request(ctx, "set_displayname", map[string]any{"displayname": name}, c.timeout, nil); err != nil {
		return fmt.Errorf("set display name: %w", err)
	}
	return nil
}

// Send posts text to room and returns the new event ID.
func (c *Client) Send(ctx context.Context, room, text string) (string, error) {
	var out struct {
		EventID string `json:"event_id"`
	}
	params := map[string]any{"room_id": room, "body": text}
	if err := c.request(ctx, "room_send", params, c.timeout, &out); err != nil {
		return "", fmt.Errorf("send to %s: %w", room, err)
	}
	return out.EventID, nil
}

// SendTyping sets or clears the typing notification in room.
func (c *Client) SendTyping(ctx context.Context, room string, typing bool) error {
	params := map[string]any{"room_id": room, "typing": typing}
	if err := c.request(ctx, "room_typing", params, c.timeout, nil); err != nil {
		return fmt.Errorf("typing in %s: %w", room, err)
	}
	return nil
}

// Messages returns up to limit of the most recent events in room,
// oldest first.
func (c *Client) Messages(ctx context.Context, room string, limit int) ([]Event, error) {
	var out struct {
		Events []Event `json:"events"`
	}
	params := map[string]any{"room_id": room, "limit": limit}
	if err := c.request(ctx, "room_messages", params, c.timeout, &out); err != nil {
		return nil, fmt.Errorf("messages in %s: %w", room, err)
	}
	return out.Events, nil
}

// Sync returns events that arrived since the previous Sync, waiting up
// to timeout for at least one. The cursor advances only on success.
func (c *Client) Sync(ctx context.Context, timeout time.Duration) ([]Event, error) {
	var out struct {
		NextBatch string  `json:"next_batch"`
		Events    []Event `json:"events"`
	}
	params := map[string]any{"since": c.nextBatch, "timeout_ms": timeout.Milliseconds()}
	if err := c.request(ctx, "sync", params, timeout+c.timeout, &out); err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}
	c.nextBatch = out.NextBatch
	return out.Events, nil
}

// request sends one message and waits for the matching result.
func (c *Client) request(ctx context.Context, typ string, params map[string]any, timeout time.Duration, out any) error {
	id := c.msgID.Add(1)
	msg := map[string]any{"id": id, "type": typ}
	maps.Copy(msg, params)

	respCh := make(chan response, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	if c.conn == nil {
		c.connMu.Unlock()
		return ErrNotConnected
	}
	err := c.conn.WriteJSON(msg)
	c.connMu.Unlock()
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return errors.New("request failed")
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", typ, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout waiting for %s result", typ)
	}
}

// readLoop dispatches results to waiting requests until conn fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("chat connection closed")
			} else {
				c.logger.Error("chat read error, connection lost", "error", err)
			}
			c.failPending(err)
			return
		}

		switch msg.Type {
		case "result":
			c.deliver(msg.ID, response{Success: msg.Success, Result: msg.Result, Error: msg.Error})
		case "pong":
		default:
			c.logger.Debug("unhandled chat message type", "type", msg.Type)
		}
	}
}

func (c *Client) deliver(id int64, resp response) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if ch, ok := c.pending[id]; ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for _, ch := range c.pending {
		select {
		case ch <- response{Error: &wireError{Code: "disconnected", Message: err.Error()}}:
		default:
		}
	}
}
