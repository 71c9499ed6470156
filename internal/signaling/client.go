package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/clock"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-session/internal/metrics"
)

const (
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second

	wsWriteWait = 5 * time.Second
)

var (
	// ErrDisconnected is returned by Flush when the connection drops before
	// the outbox drains. Buffered messages are kept for the next connection.
	ErrDisconnected = errors.New("signaling disconnected")
	ErrClosed       = errors.New("signaling client closed")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type ClientConfig struct {
	// Endpoint is the room URL (see config.BuildSignalingEndpoint).
	Endpoint string
	UserName string
	// Credentials, when non-nil, is consulted on every dial.
	Credentials auth.TokenSource

	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	Backoff           Backoff

	Dialer  *websocket.Dialer
	Header  http.Header
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type outboxEntry struct {
	kind Kind
	data []byte
}

// Client owns the signaling WebSocket. Messages sent while disconnected are
// buffered in an unbounded FIFO and delivered after the next successful
// connection, followed by a fresh Join.
//
// Inbound frames are delivered to the OnMessage callback from a single
// reader goroutine, in the order the relay forwarded them.
type Client struct {
	cfg     ClientConfig
	clk     clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	state     State
	started   bool
	closed    bool
	gen       uint64
	conn      *websocket.Conn
	connStop  context.CancelFunc
	wake      chan struct{}
	drained   chan struct{}
	outbox    []outboxEntry
	reconnect clock.Timer
	backoff   Backoff
	onMessage func([]byte)
	onState   []func(State)

	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("signaling endpoint is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		clk:     clock.OrReal(cfg.Clock),
		logger:  logger.With("component", "signaling"),
		metrics: cfg.Metrics,
		backoff: cfg.Backoff,
		drained: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// OnMessage sets the inbound frame callback. It must be set before Connect.
func (c *Client) OnMessage(f func([]byte)) {
	c.mu.Lock()
	c.onMessage = f
	c.mu.Unlock()
}

// OnStateChange registers an observer for connection state transitions.
func (c *Client) OnStateChange(f func(State)) {
	c.mu.Lock()
	c.onState = append(c.onState, f)
	c.mu.Unlock()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts connection management in the background. Cancelling ctx is
// equivalent to Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("signaling client already connected")
	}
	c.started = true
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.ctx.Done():
		}
	}()
	go c.dial()
	return nil
}

// Send queues m for delivery. It never blocks on the network: while
// disconnected the message waits in the outbox.
func (c *Client) Send(m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.outbox = append(c.outbox, outboxEntry{kind: m.Kind, data: data})
	if c.state == StateConnected {
		c.signalWriterLocked()
	} else {
		c.metrics.Inc(metrics.SignalingBuffered)
	}
	return nil
}

// Flush waits until the outbox is empty.
func (c *Client) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if len(c.outbox) == 0 {
			c.mu.Unlock()
			return nil
		}
		if c.state != StateConnected {
			c.mu.Unlock()
			return ErrDisconnected
		}
		drained := c.drained
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-drained:
		}
	}
}

// Close sends a normal-closure frame and stops reconnecting. It is
// idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn := c.conn
	c.conn = nil
	if c.connStop != nil {
		c.connStop()
		c.connStop = nil
	}
	c.outbox = nil
	c.notifyDrainedLocked()
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait))
		_ = conn.Close()
	}
	c.setState(StateClosed)
	return nil
}

func (c *Client) dial() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.mu.Unlock()
	c.setState(StateConnecting)

	conn, err := c.dialConn()
	if err != nil {
		c.logger.Warn("signaling dial failed", "err", err)
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.gen++
	gen := c.gen
	connCtx, connStop := context.WithCancel(c.ctx)
	c.conn = conn
	c.connStop = connStop
	c.wake = make(chan struct{}, 1)
	c.backoff.Reset()

	// Heartbeats, their replies and joins from a previous connection are stale.
	kept := c.outbox[:0]
	for _, e := range c.outbox {
		if e.kind == KindPing || e.kind == KindPong || e.kind == KindJoin {
			continue
		}
		kept = append(kept, e)
	}
	c.outbox = kept
	join, _ := Encode(Join(c.cfg.UserName))
	c.outbox = append(c.outbox, outboxEntry{kind: KindJoin, data: join})
	c.state = StateConnected
	wake := c.wake
	c.signalWriterLocked()
	c.mu.Unlock()

	c.metrics.Inc(metrics.SignalingConnected)
	c.logger.Info("signaling connected", "endpoint", c.cfg.Endpoint)
	c.notifyState(StateConnected)

	go c.writeLoop(connCtx, gen, conn, wake)
	go c.readLoop(gen, conn)
	go c.heartbeatLoop(connCtx, gen)
}

func (c *Client) dialConn() (*websocket.Conn, error) {
	endpoint, err := auth.WithCredential(c.cfg.Endpoint, c.cfg.Credentials)
	if err != nil {
		return nil, err
	}

	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.cfg.HandshakeTimeout,
		}
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, endpoint, c.cfg.Header)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if resp != nil {
			return nil, fmt.Errorf("dial signaling: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, nil
}

func (c *Client) writeLoop(ctx context.Context, gen uint64, conn *websocket.Conn, wake <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}

		for {
			c.mu.Lock()
			if c.gen != gen || len(c.outbox) == 0 {
				c.notifyDrainedLocked()
				c.mu.Unlock()
				break
			}
			head := c.outbox[0]
			c.mu.Unlock()

			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, head.data); err != nil {
				c.dropConnection(gen, err)
				return
			}
			if head.kind == KindPing {
				c.metrics.Inc(metrics.SignalingPingSent)
			} else {
				c.metrics.Inc(metrics.SignalingSent)
			}

			// Entries leave the outbox only once written, so a failed write is
			// retried on the next connection.
			c.mu.Lock()
			if c.gen == gen && len(c.outbox) > 0 {
				c.outbox[0] = outboxEntry{}
				c.outbox = c.outbox[1:]
			}
			c.mu.Unlock()
		}
	}
}

func (c *Client) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.dropConnection(gen, err)
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.metrics.Inc(metrics.SignalingReceived)

		c.mu.Lock()
		current := c.gen == gen
		onMessage := c.onMessage
		c.mu.Unlock()
		if !current {
			return
		}
		if onMessage != nil {
			onMessage(data)
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, gen uint64) {
	ticker := c.clk.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	ping, _ := Encode(Ping())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.mu.Lock()
			if c.gen != gen || c.state != StateConnected {
				c.mu.Unlock()
				return
			}
			c.outbox = append(c.outbox, outboxEntry{kind: KindPing, data: ping})
			c.signalWriterLocked()
			c.mu.Unlock()
		}
	}
}

// dropConnection tears down connection gen. A normal closure (1000) from the
// relay leaves the client disconnected; anything else schedules a reconnect.
func (c *Client) dropConnection(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.connStop()
	c.connStop = nil
	c.notifyDrainedLocked()

	normal := websocket.IsCloseError(cause, websocket.CloseNormalClosure)
	if !normal && !c.closed {
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	_ = conn.Close()
	if normal {
		c.logger.Info("signaling closed by relay")
	} else {
		c.logger.Warn("signaling connection lost", "err", cause)
	}
	c.setState(StateDisconnected)
}

func (c *Client) scheduleReconnectLocked() {
	if c.closed || c.reconnect != nil {
		return
	}
	delay := c.backoff.Next()
	c.metrics.Inc(metrics.SignalingReconnect)
	c.logger.Info("signaling reconnect scheduled", "delay", delay)
	c.reconnect = c.clk.AfterFunc(delay, c.dial)
}

func (c *Client) signalWriterLocked() {
	if c.wake == nil {
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) notifyDrainedLocked() {
	close(c.drained)
	c.drained = make(chan struct{})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s || (c.state == StateClosed && s != StateClosed) {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Client) notifyState(s State) {
	c.mu.Lock()
	observers := append([]func(State){}, c.onState...)
	c.mu.Unlock()
	for _, f := range observers {
		f(s)
	}
}
