// Package upstream is a resilient duplex websocket client for a streaming
// recognition backend. Audio and text sent while disconnected are queued
// and flushed in order once the connection is back.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/internal/metrics"
)

// State is the connection state of a Client.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackoffWait  State = "backoff_wait"
)

// Config configures a Client.
type Config struct {
	URL    string
	Header http.Header

	// QueueSize bounds messages held while disconnected. The oldest is dropped on overflow.
	QueueSize   int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// MaxReconnects caps consecutive failed attempts. Zero retries forever.
	MaxReconnects int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	HandshakeTimeout  time.Duration

	// ContextTurns is how many conversation turns SetContext keeps.
	ContextTurns int
	EventBuffer  int

	// SessionStart, when set, is sent as JSON first on every connection.
	SessionStart any
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:         256,
		BaseBackoff:       500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		ContextTurns:      10,
		EventBuffer:       64,
	}
}

// Turn is one entry of conversation context shared with the backend.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type outbound struct {
	kind int
	data []byte
}

// Client keeps one websocket to the backend alive. It reconnects with
// exponential backoff after abnormal closures only. A Client cannot be
// reused after Disconnect or after the server closes it normally.
type Client struct {
	cfg    Config
	logger *zap.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	queue   []outbound
	turns   []Turn
	started bool
	closed  bool
	ctx     context.Context
	cancel  context.CancelFunc

	events     chan Event
	eventsOnce sync.Once
	wg         sync.WaitGroup
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = def.ContextTurns
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		state:  StateDisconnected,
		events: make(chan Event, cfg.EventBuffer),
	}
}

// Backoff returns base*2^attempt capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Events delivers inbound events. It is closed when the client stops for good.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen returns how many outbound messages wait for a connection.
func (c *Client) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Connect dials the backend once. If the first dial fails the error is
// returned and no reconnect is scheduled.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: client is closed", domain.ErrNotConnected)
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.state = StateConnecting
	runCtx := c.ctx
	c.mu.Unlock()

	conn, err := c.dial(runCtx)
	if err == nil {
		err = c.activate(conn)
		if err != nil {
			conn.Close()
		}
	}
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.state = StateDisconnected
		c.cancel()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			c.closeEvents()
		}
		return fmt.Errorf("%w: %v", domain.ErrNotConnected, err)
	}

	c.wg.Add(1)
	go c.run(runCtx, conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.logger.Debug("Dialing upstream", zap.String("url", c.cfg.URL))
	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// activate sends the session preamble and the queued backlog, then marks the
// connection live. Holding mu throughout keeps new sends behind the backlog.
func (c *Client) activate(conn *websocket.Conn) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}

	if c.cfg.SessionStart != nil {
		data, err := json.Marshal(c.cfg.SessionStart)
		if err != nil {
			return fmt.Errorf("encode session start: %w", err)
		}
		if err := c.writeLocked(conn, outbound{websocket.TextMessage, data}); err != nil {
			return err
		}
	}
	if len(c.turns) > 0 {
		if err := c.writeLocked(conn, c.contextMessageLocked()); err != nil {
			return err
		}
	}

	flushed := 0
	for len(c.queue) > 0 {
		if err := c.writeLocked(conn, c.queue[0]); err != nil {
			metrics.UpstreamQueueDepth.Set(float64(len(c.queue)))
			return err
		}
		c.queue = c.queue[1:]
		flushed++
	}
	metrics.UpstreamQueueDepth.Set(0)

	c.conn = conn
	c.state = StateConnected
	c.logger.Info("Upstream connected",
		zap.String("url", c.cfg.URL),
		zap.Int("flushedMessages", flushed))
	return nil
}

func (c *Client) writeLocked(conn *websocket.Conn, msg outbound) error {
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(msg.kind, msg.data)
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()
	defer c.finish()

	for {
		normal := c.serve(ctx, conn)
		if normal || ctx.Err() != nil {
			c.emit(Event{Type: EventDisconnected})
			return
		}

		c.emit(Event{Type: EventDisconnected, Reconnecting: true})
		next, ok := c.reconnect(ctx)
		if !ok {
			return
		}
		conn = next
	}
}

// serve reads from conn until it fails. It reports true for a normal
// closure or an explicit disconnect.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) bool {
	readWindow := c.cfg.HeartbeatInterval + c.cfg.HeartbeatTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readWindow))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWindow))
	})

	stop := make(chan struct{})
	done := make(chan struct{})
	go c.heartbeat(conn, stop, done)
	defer func() {
		close(stop)
		<-done
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
				if !c.closed {
					c.state = StateDisconnected
				}
			}
			c.mu.Unlock()
			conn.Close()

			if ctx.Err() != nil {
				return true
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Info("Upstream closed the connection normally")
				return true
			}
			c.logger.Warn("Upstream connection lost", zap.Error(err))
			return false
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))
		c.handleMessage(kind, data)
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("Upstream ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) reconnect(ctx context.Context) (*websocket.Conn, bool) {
	for attempt := 0; ; attempt++ {
		if c.cfg.MaxReconnects > 0 && attempt >= c.cfg.MaxReconnects {
			err := fmt.Errorf("%w: gave up after %d reconnect attempts", domain.ErrNotConnected, attempt)
			c.logger.Error("Upstream reconnection abandoned", zap.Error(err))
			c.emit(Event{Type: EventError, Err: err, Message: err.Error()})
			return nil, false
		}

		wait := Backoff(attempt, c.cfg.BaseBackoff, c.cfg.MaxBackoff)
		c.setState(StateBackoffWait)
		c.logger.Info("Reconnecting to upstream",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			c.logger.Warn("Upstream reconnect failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		if err := c.activate(conn); err != nil {
			conn.Close()
			c.logger.Warn("Upstream session restore failed", zap.Error(err))
			continue
		}
		metrics.UpstreamReconnectsTotal.Inc()
		return conn, true
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.state = s
	}
}

func (c *Client) finish() {
	c.mu.Lock()
	c.closed = true
	c.state = StateDisconnected
	c.conn = nil
	c.mu.Unlock()
	c.closeEvents()
}

func (c *Client) closeEvents() {
	c.eventsOnce.Do(func() { close(c.events) })
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		metrics.EventsDroppedTotal.WithLabelValues("upstream").Inc()
		c.logger.Warn("Upstream event dropped, consumer is not keeping up",
			zap.String("type", string(ev.Type)))
	}
}

// SendAudio sends a binary audio chunk, or queues it while disconnected.
func (c *Client) SendAudio(data []byte) error {
	return c.send(outbound{websocket.BinaryMessage, data})
}

// SendText sends a typed user utterance.
func (c *Client) SendText(text string) error {
	return c.SendControl(textMessage{Type: "input_text", Text: text})
}

// SendControl sends v encoded as a JSON text message.
func (c *Client) SendControl(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode control message: %w", err)
	}
	return c.send(outbound{websocket.TextMessage, data})
}

func (c *Client) send(msg outbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return domain.ErrNotConnected
	}
	if c.state == StateConnected && c.conn != nil {
		err := c.writeLocked(c.conn, msg)
		if err == nil {
			return nil
		}
		c.logger.Debug("Upstream write failed, queueing", zap.Error(err))
	}
	c.enqueueLocked(msg)
	return nil
}

func (c *Client) enqueueLocked(msg outbound) {
	if len(c.queue) >= c.cfg.QueueSize {
		c.queue = c.queue[1:]
		metrics.UpstreamDroppedTotal.Inc()
		c.logger.Debug("Upstream queue full, dropped oldest message", zap.Int("queueSize", c.cfg.QueueSize))
	}
	c.queue = append(c.queue, msg)
	metrics.UpstreamQueueDepth.Set(float64(len(c.queue)))
}

// SetContext replaces the conversation context, keeping the most recent turns.
func (c *Client) SetContext(turns []Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = trimTurns(append([]Turn(nil), turns...), c.cfg.ContextTurns)
	return c.pushContextLocked()
}

// AppendContext adds one turn to the conversation context.
func (c *Client) AppendContext(turn Turn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = trimTurns(append(c.turns, turn), c.cfg.ContextTurns)
	return c.pushContextLocked()
}

// Context returns a copy of the retained conversation context.
func (c *Client) Context() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Turn(nil), c.turns...)
}

// pushContextLocked sends the context now if connected. Otherwise it goes
// out on the next connection, right after the session preamble.
func (c *Client) pushContextLocked() error {
	if c.state != StateConnected || c.conn == nil {
		return nil
	}
	return c.writeLocked(c.conn, c.contextMessageLocked())
}

func (c *Client) contextMessageLocked() outbound {
	data, _ := json.Marshal(contextMessage{Type: "context", Turns: c.turns})
	return outbound{websocket.TextMessage, data}
}

func trimTurns(turns []Turn, n int) []Turn {
	if len(turns) > n {
		return turns[len(turns)-n:]
	}
	return turns
}

// Disconnect closes the connection and cancels any pending reconnect. It is
// idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closed = true
	c.state = StateDisconnected
	cancel, conn, started := c.cancel, c.conn, c.started
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
	c.wg.Wait()
	if !started {
		c.closeEvents()
	}
	return nil
}
