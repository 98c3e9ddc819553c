// Package feed is a WebSocket client for the live options trade feed.
//
// The client keeps a set of subscribed underlyings, replays it after every
// (re)connect, and reconnects a bounded number of times after the socket
// drops. Consumers register Handlers for lifecycle and message callbacks.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atmx/gamma-engine/internal/metrics"
)

const (
	DefaultReconnectInterval = 5 * time.Second
	DefaultMaxReconnects     = 5

	writeTimeout = 10 * time.Second
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("feed: client closed")

// ServerError is an error frame sent by the feed server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "feed: server error: " + e.Message
}

// Handler receives client callbacks. Nil fields are skipped.
type Handler struct {
	OnConnect    func(message string)
	OnDisconnect func()
	OnError      func(err error)
	OnMessage    func(events []Event)
}

type subscription struct {
	Action string `json:"action"`
	Symbol string `json:"symbol"`
}

// Option configures a Client.
type Option func(*Client)

// WithReconnect sets the delay between reconnect attempts and the number
// of attempts made before giving up.
func WithReconnect(interval time.Duration, max int) Option {
	return func(c *Client) {
		c.reconnectInterval = interval
		c.maxReconnects = max
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// Client is a live feed subscriber. It is safe for concurrent use.
type Client struct {
	baseURL           string
	id                string
	dialer            *websocket.Dialer
	reconnectInterval time.Duration
	maxReconnects     int

	mu       sync.RWMutex
	ctx      context.Context
	conn     *websocket.Conn
	subs     map[string]struct{}
	handlers map[string]Handler
	attempts int
	timer    *time.Timer
	dialing  bool
	closed   bool

	writeMu sync.Mutex
	// wg counts read loops and background dials. Add is only called
	// under mu while closed is false.
	wg sync.WaitGroup
}

// NewClient creates a client for the feed rooted at baseURL. The client id
// is appended as the final path segment when dialing.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		id:                "client_" + uuid.NewString(),
		dialer:            websocket.DefaultDialer,
		reconnectInterval: DefaultReconnectInterval,
		maxReconnects:     DefaultMaxReconnects,
		subs:              make(map[string]struct{}),
		handlers:          make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the client id sent to the server.
func (c *Client) ID() string { return c.id }

func (c *Client) endpoint() string {
	return c.baseURL + "/" + c.id
}

// AddHandler registers h and returns an id for RemoveHandler.
func (c *Client) AddHandler(h Handler) string {
	id := uuid.NewString()
	c.mu.Lock()
	c.handlers[id] = h
	c.mu.Unlock()
	return id
}

// RemoveHandler unregisters the handler with the given id.
func (c *Client) RemoveHandler(id string) {
	c.mu.Lock()
	delete(c.handlers, id)
	c.mu.Unlock()
}

// Connect dials the feed. A failed dial is reported to handlers and
// retried in the background; the error is also returned. ctx bounds the
// lifetime of every connection the client makes.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil || c.dialing {
		c.mu.Unlock()
		return nil
	}
	c.ctx = ctx
	c.dialing = true
	c.mu.Unlock()
	return c.dial()
}

func (c *Client) dial() error {
	conn, _, err := c.dialer.DialContext(c.ctx, c.endpoint(), nil)

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		c.mu.Unlock()
		err = fmt.Errorf("feed: dial %s: %w", c.baseURL, err)
		c.emitError(err)
		c.scheduleReconnect()
		return err
	}
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.attempts = 0
	c.wg.Add(1)
	subs := make([]string, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	slog.Info("feed connected", "url", c.baseURL, "client_id", c.id)

	c.emitConnect("")

	stop := context.AfterFunc(c.ctx, func() { conn.Close() })
	go c.readLoop(conn, stop)

	for _, s := range subs {
		if err := c.send(conn, subscription{Action: "subscribe", Symbol: s}); err != nil {
			slog.Warn("feed resubscribe failed", "symbol", s, "err", err)
		}
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, stop func() bool) {
	defer c.wg.Done()
	defer stop()
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			c.dropConn(conn, err)
			return
		}

		msg, err := DecodeMessage(b)
		if err != nil {
			slog.Debug("feed frame ignored", "err", err)
			continue
		}
		switch {
		case msg.Error != "":
			c.emitError(&ServerError{Message: msg.Error})
		case msg.Status == "connected":
			c.emitConnect(msg.Message)
		case msg.Events != nil:
			c.emitMessage(msg.Events)
		}
	}
}

func (c *Client) dropConn(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	c.mu.Unlock()
	conn.Close()

	if closed {
		return
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Warn("feed connection lost", "err", err)
	}
	c.emitDisconnect()
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.timer != nil || c.attempts >= c.maxReconnects || c.ctx.Err() != nil {
		return
	}
	c.attempts++
	attempt := c.attempts
	c.timer = time.AfterFunc(c.reconnectInterval, func() {
		c.mu.Lock()
		c.timer = nil
		if c.closed || c.conn != nil || c.dialing {
			c.mu.Unlock()
			return
		}
		c.dialing = true
		c.wg.Add(1)
		c.mu.Unlock()
		defer c.wg.Done()

		metrics.FeedReconnects.Inc()
		slog.Info("feed reconnecting", "attempt", attempt, "max", c.maxReconnects)
		c.dial()
	})
}

// Subscribe adds symbol to the subscription set and sends the subscribe
// action if connected. While disconnected the subscription is queued and
// replayed on connect; if the reconnect budget was exhausted, a new
// subscription starts a fresh round of dialing.
func (c *Client) Subscribe(symbol string) error {
	symbol = strings.ToUpper(symbol)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.subs[symbol] = struct{}{}
	conn := c.conn
	redial := conn == nil && c.ctx != nil && c.ctx.Err() == nil && !c.dialing && c.timer == nil
	if redial {
		c.attempts = 0
		c.dialing = true
		c.wg.Add(1)
	}
	c.mu.Unlock()

	if redial {
		go func() {
			defer c.wg.Done()
			c.dial()
		}()
		return nil
	}
	if conn == nil {
		return nil
	}
	return c.send(conn, subscription{Action: "subscribe", Symbol: symbol})
}

// Unsubscribe removes symbol from the subscription set.
func (c *Client) Unsubscribe(symbol string) error {
	symbol = strings.ToUpper(symbol)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	delete(c.subs, symbol)
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return c.send(conn, subscription{Action: "unsubscribe", Symbol: symbol})
}

// Subscriptions returns the current subscription set.
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

func (c *Client) send(conn *websocket.Conn, v subscription) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("feed: %s %s: %w", v.Action, v.Symbol, err)
	}
	return nil
}

// Close stops reconnecting, closes the socket and clears subscriptions.
// It blocks until the read loop and any in-flight dial have exited.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.subs = make(map[string]struct{})
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		conn.Close()
		c.emitDisconnect()
	}
	c.wg.Wait()
	return nil
}

// --- Handler dispatch ---

func (c *Client) snapshotHandlers() []Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hs := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		hs = append(hs, h)
	}
	return hs
}

func (c *Client) emitConnect(message string) {
	for _, h := range c.snapshotHandlers() {
		if h.OnConnect != nil {
			h.OnConnect(message)
		}
	}
}

func (c *Client) emitDisconnect() {
	for _, h := range c.snapshotHandlers() {
		if h.OnDisconnect != nil {
			h.OnDisconnect()
		}
	}
}

func (c *Client) emitError(err error) {
	for _, h := range c.snapshotHandlers() {
		if h.OnError != nil {
			h.OnError(err)
		}
	}
}

func (c *Client) emitMessage(events []Event) {
	for _, h := range c.snapshotHandlers() {
		if h.OnMessage != nil {
			h.OnMessage(events)
		}
	}
}
