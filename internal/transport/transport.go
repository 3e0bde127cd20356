// Package transport maintains the duplex WebSocket connection between the
// meeting client and the backend.
//
// A [Channel] owns one logical connection to `{base}/ws/{userID}` and runs a
// small state machine over it:
//
//	connecting ──open──▶ connected ──unexpected close──▶ disconnected ──▶ reconnecting
//	                                                                         │
//	                        ◀──────────────open────────────── timer fires ◀──┘
//
// Reconnection is capped at [DefaultMaxAttempts] attempts with a
// linear-then-capped delay (see [Delay]). A caller-initiated
// [Channel.Disconnect] is terminal for the instance.
//
// All socket events (open, message, close, write failure) and reconnection
// timer firings are serialised through a single event-loop goroutine, so the
// OnMessage, OnError and OnStateChange callbacks never run concurrently with
// each other. Outbound sends are best-effort: they enqueue onto the current
// connection's write queue and never block the caller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/echomeet/internal/observe"
	"github.com/MrWong99/echomeet/internal/protocol"
	"github.com/MrWong99/echomeet/pkg/audio"
	"github.com/MrWong99/echomeet/pkg/types"
)

// Default channel parameters.
const (
	DefaultMaxAttempts  = 5
	DefaultSendQueue    = 64
	DefaultWriteTimeout = 5 * time.Second
	DefaultDialTimeout  = 10 * time.Second

	// maxDelaySteps caps the delay multiplier: attempt n waits
	// min(2n, maxDelaySteps) seconds.
	maxDelaySteps = 10
)

var (
	// ErrNotConnected is returned by sends while the channel is not in the
	// connected state or is closing. The payload is dropped.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrQueueFull is returned by sends when the write queue is saturated.
	// The payload is dropped.
	ErrQueueFull = errors.New("transport: send queue full")

	// ErrClosed is returned by Connect after Disconnect.
	ErrClosed = errors.New("transport: channel closed")

	// ErrReconnectExhausted is reported through OnError when the last
	// reconnection attempt fails. The channel stays disconnected.
	ErrReconnectExhausted = errors.New("transport: reconnection attempts exhausted")
)

// Delay returns the wait before reconnection attempt n (1-indexed):
// 1s * min(2n, 10), i.e. 2s, 4s, 6s, 8s, then 10s.
func Delay(attempt int) time.Duration {
	return time.Second * time.Duration(min(attempt*2, maxDelaySteps))
}

// Conn is the subset of [*websocket.Conn] the channel uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a connection to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// readLimit bounds inbound message size.
const readLimit = 1 << 20

// Dial is the default [DialFunc] backed by [websocket.Dial].
func Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for reconnection scheduling and outbound timestamps.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Config configures a [Channel].
type Config struct {
	// BaseURL is the WebSocket origin, e.g. "ws://localhost:8000".
	BaseURL string

	// UserID is the stable identity embedded in the endpoint path.
	UserID string

	// MaxAttempts caps reconnection attempts. Defaults to 5 if zero.
	MaxAttempts int

	// SendQueue is the per-connection write queue length. Defaults to 64.
	SendQueue int

	// WriteTimeout bounds a single socket write. Defaults to 5s.
	WriteTimeout time.Duration

	// DialTimeout bounds a single connection attempt. Defaults to 10s.
	DialTimeout time.Duration

	// Dial overrides the dialer. Defaults to [Dial].
	Dial DialFunc

	// Clock overrides the time source. Defaults to the wall clock.
	Clock Clock

	// OnMessage receives every successfully classified inbound message.
	OnMessage func(protocol.Message)

	// OnError receives dial failures, write failures, decode failures and
	// [ErrReconnectExhausted].
	OnError func(error)

	// OnStateChange receives every state transition, in order.
	OnStateChange func(types.ConnectionState)

	// Metrics records transport metrics. May be nil.
	Metrics *observe.Metrics
}

// EndpointURL builds `{base}/ws/{userID}` with the user id path-escaped.
func EndpointURL(base, userID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("transport: parse base url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: unsupported url scheme %q", u.Scheme)
	}
	return u.JoinPath("ws", userID).String(), nil
}

// ── events ────────────────────────────────────────────────────────────────────

type event interface{ isEvent() }

type (
	evDialed struct {
		gen  uint64
		conn Conn
		err  error
	}
	evFrame struct {
		gen     uint64
		payload protocol.Payload
	}
	evClosed struct {
		gen uint64
		err error
	}
	evWriteErr struct {
		gen uint64
		err error
	}
	evTimer struct{ id uint64 }
)

func (evDialed) isEvent()   {}
func (evFrame) isEvent()    {}
func (evClosed) isEvent()   {}
func (evWriteErr) isEvent() {}
func (evTimer) isEvent()    {}

type outFrame struct {
	typ  websocket.MessageType
	data []byte
}

// unnotified is the initial value of lastNotified so the first transition is
// always reported.
const unnotified types.ConnectionState = -1

// ── Channel ───────────────────────────────────────────────────────────────────

// Channel is a reconnecting duplex connection. Create one with [New]; every
// Channel must eventually be released with [Channel.Disconnect].
//
// All methods are safe for concurrent use, including from inside callbacks.
type Channel struct {
	cfg   Config
	url   string
	clock Clock

	ctx    context.Context
	cancel context.CancelFunc

	events   chan event
	stop     chan struct{}
	stopOnce sync.Once
	quit     chan struct{}

	// connectReq holds at most one pending Connect. Requests coalesce, so
	// Connect never blocks, even when called from a callback on the loop.
	connectReq chan struct{}

	// Fields below are shared with senders and Disconnect.
	mu      sync.Mutex
	state   types.ConnectionState
	closing bool
	out     chan outFrame
	timer   Timer
	timerID uint64

	// Fields below are owned by the loop goroutine.
	conn         Conn
	connCancel   context.CancelFunc
	gen          uint64
	dialing      bool
	attempts     int
	lastNotified types.ConnectionState
}

// New validates cfg and starts the channel's event loop. The channel stays
// idle until [Channel.Connect] is called.
func New(cfg Config) (*Channel, error) {
	if cfg.UserID == "" {
		return nil, errors.New("transport: user id must not be empty")
	}
	endpoint, err := EndpointURL(cfg.BaseURL, cfg.UserID)
	if err != nil {
		return nil, err
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = DefaultSendQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = Dial
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:          cfg,
		url:          endpoint,
		clock:        clock,
		ctx:          ctx,
		cancel:       cancel,
		events:       make(chan event, 256),
		connectReq:   make(chan struct{}, 1),
		stop:         make(chan struct{}),
		quit:         make(chan struct{}),
		state:        types.StateDisconnected,
		lastNotified: unnotified,
	}
	go c.loop()
	return c, nil
}

// URL returns the endpoint the channel dials.
func (c *Channel) URL() string { return c.url }

// State returns the current connection state.
func (c *Channel) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the event loop has exited after [Channel.Disconnect]
// and the final state notification has been delivered.
func (c *Channel) Done() <-chan struct{} { return c.quit }

// Connect starts connecting. It returns immediately; progress is reported
// through OnStateChange. Calling Connect while a connection is open or
// being dialled is a no-op. Connect resets the reconnection budget, so it is
// also how a caller retries after attempts were exhausted.
func (c *Channel) Connect() error {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return ErrClosed
	}
	select {
	case <-c.quit:
		return ErrClosed
	default:
	}
	select {
	case c.connectReq <- struct{}{}:
	default:
	}
	return nil
}

// Disconnect closes the channel for good. It marks the channel as closing
// before anything else, so no reconnection can start afterwards, cancels
// any pending reconnection timer, and closes the socket. The final
// disconnected notification is delivered asynchronously by the event loop;
// wait on [Channel.Done] to observe it. Safe to call more than once.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.state = types.StateDisconnected
	c.out = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerID++
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })
}

// SendAudio enqueues block's raw little-endian PCM bytes as one binary
// message. It never blocks; see [ErrNotConnected] and [ErrQueueFull].
func (c *Channel) SendAudio(block audio.Block) error {
	err := c.enqueue(outFrame{typ: websocket.MessageBinary, data: block.Bytes()})
	if err != nil {
		slog.Debug("cannot send audio data", "err", err)
		c.cfg.Metrics.RecordDroppedSend(c.ctx, "audio")
	}
	return err
}

// SendJSON encodes msg with the common envelope and enqueues it as one text
// message. It never blocks.
func (c *Channel) SendJSON(msg protocol.Outbound) error {
	data, err := protocol.Encode(msg, c.clock.Now())
	if err != nil {
		return err
	}
	if err := c.enqueue(outFrame{typ: websocket.MessageText, data: data}); err != nil {
		slog.Warn("cannot send message", "type", msg.OutboundType(), "err", err)
		c.cfg.Metrics.RecordDroppedSend(c.ctx, "control")
		return err
	}
	return nil
}

func (c *Channel) enqueue(f outFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing || c.state != types.StateConnected || c.out == nil {
		return ErrNotConnected
	}
	select {
	case c.out <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// post delivers ev to the loop unless the loop has exited.
func (c *Channel) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.quit:
		return false
	}
}

// ── event loop ────────────────────────────────────────────────────────────────

func (c *Channel) loop() {
	defer close(c.quit)
	for {
		select {
		case <-c.stop:
			c.shutdown()
			return
		case <-c.connectReq:
			if !c.isClosing() {
				c.handleConnect()
			}
		case ev := <-c.events:
			if c.isClosing() {
				c.discard(ev)
				continue
			}
			c.handle(ev)
		}
	}
}

func (c *Channel) handle(ev event) {
	switch ev := ev.(type) {
	case evDialed:
		c.handleDialed(ev)
	case evFrame:
		if ev.gen == c.gen && c.conn != nil {
			c.dispatch(ev.payload)
		}
	case evClosed:
		c.handleClosed(ev)
	case evWriteErr:
		if ev.gen == c.gen {
			slog.Error("error sending message", "err", ev.err)
			c.reportError(fmt.Errorf("transport: write: %w", ev.err))
		}
	case evTimer:
		c.handleTimer(ev)
	}
}

// discard releases resources carried by events that arrive after Disconnect.
func (c *Channel) discard(ev event) {
	if d, ok := ev.(evDialed); ok && d.conn != nil {
		_ = d.conn.Close(websocket.StatusNormalClosure, "Client disconnecting")
	}
}

func (c *Channel) handleConnect() {
	if c.conn != nil || c.dialing {
		return
	}
	c.stopTimer()
	c.attempts = 0
	c.setState(types.StateConnecting)
	c.dial()
}

func (c *Channel) dial() {
	c.gen++
	gen := c.gen
	c.dialing = true

	go func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		conn, err := c.cfg.Dial(ctx, c.url)
		cancel()
		if !c.post(evDialed{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close(websocket.StatusGoingAway, "client shut down")
		}
	}()
}

func (c *Channel) handleDialed(ev evDialed) {
	if ev.gen != c.gen {
		if ev.conn != nil {
			_ = ev.conn.Close(websocket.StatusGoingAway, "superseded")
		}
		return
	}
	c.dialing = false

	if ev.err != nil {
		slog.Warn("websocket connection failed", "url", c.url, "attempt", c.attempts, "err", ev.err)
		c.reportError(fmt.Errorf("transport: dial: %w", ev.err))
		c.handleUnexpectedClose()
		return
	}

	connCtx, connCancel := context.WithCancel(c.ctx)
	out := make(chan outFrame, c.cfg.SendQueue)
	c.conn = ev.conn
	c.connCancel = connCancel
	c.attempts = 0

	c.mu.Lock()
	c.out = out
	c.mu.Unlock()

	go c.readLoop(connCtx, ev.gen, ev.conn)
	go c.writeLoop(connCtx, ev.gen, ev.conn, out)

	c.setState(types.StateConnected)
	slog.Info("websocket connected", "url", c.url)
}

func (c *Channel) handleClosed(ev evClosed) {
	if ev.gen != c.gen || c.conn == nil {
		return
	}
	slog.Info("websocket closed",
		"code", websocket.CloseStatus(ev.err),
		"err", ev.err,
	)
	c.releaseConn(websocket.StatusGoingAway, "connection lost")
	c.handleUnexpectedClose()
}

// releaseConn tears down the current socket and its goroutines.
func (c *Channel) releaseConn(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	c.out = nil
	c.mu.Unlock()

	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close(code, reason)
		c.conn = nil
	}
}

func (c *Channel) handleUnexpectedClose() {
	c.setState(types.StateDisconnected)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	if c.isClosing() {
		return
	}
	if c.attempts >= c.cfg.MaxAttempts {
		slog.Warn("max reconnection attempts reached", "max_attempts", c.cfg.MaxAttempts)
		c.setState(types.StateDisconnected)
		c.reportError(ErrReconnectExhausted)
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := Delay(attempt)

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerID++
	id := c.timerID
	c.timer = c.clock.AfterFunc(delay, func() { c.post(evTimer{id: id}) })
	c.mu.Unlock()

	c.setState(types.StateReconnecting)

	c.cfg.Metrics.RecordReconnectScheduled(c.ctx, attempt)
	slog.Info("reconnection scheduled",
		"attempt", attempt,
		"max_attempts", c.cfg.MaxAttempts,
		"delay", delay,
	)
}

func (c *Channel) handleTimer(ev evTimer) {
	c.mu.Lock()
	if ev.id != c.timerID || c.timer == nil {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	slog.Info("attempting reconnection", "attempt", c.attempts, "max_attempts", c.cfg.MaxAttempts)
	c.dial()
}

func (c *Channel) stopTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerID++
}

// shutdown runs on the loop goroutine after Disconnect.
func (c *Channel) shutdown() {
	if c.connCancel != nil {
		// Cancel only after the close handshake so the peer sees 1000.
		conn, cancel := c.conn, c.connCancel
		c.conn, c.connCancel = nil, nil
		go func() {
			if conn != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "Client disconnecting")
			}
			cancel()
			c.cancel()
		}()
	} else {
		c.cancel()
	}
	c.notify(types.StateDisconnected)
	slog.Info("websocket disconnected", "url", c.url)
}

func (c *Channel) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// setState records s and notifies observers when it differs from the last
// reported state.
func (c *Channel) setState(s types.ConnectionState) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notify(s)
}

func (c *Channel) notify(s types.ConnectionState) {
	if s == c.lastNotified {
		return
	}
	c.lastNotified = s
	c.cfg.Metrics.RecordStateChange(c.ctx, s.String())
	if c.cfg.OnStateChange != nil {
		c.invoke("state", func() { c.cfg.OnStateChange(s) })
	}
}

// dispatch classifies one inbound payload and routes the result.
func (c *Channel) dispatch(p protocol.Payload) {
	msg, err := protocol.Classify(p)
	switch {
	case err == nil:
		c.cfg.Metrics.RecordMessage(c.ctx, string(msg.Kind()))
		if c.cfg.OnMessage != nil {
			c.invoke("message", func() { c.cfg.OnMessage(msg) })
		}
	case errors.Is(err, protocol.ErrUnknownType):
		slog.Warn("unknown message type received", "err", err)
		c.cfg.Metrics.RecordMessage(c.ctx, "unknown")
	case errors.Is(err, protocol.ErrBinaryUnsupported):
		slog.Warn("ignoring inbound binary payload", "bytes", len(p.Data))
	default:
		slog.Error("error parsing message", "err", err)
		c.cfg.Metrics.RecordDecodeError(c.ctx)
		c.reportError(err)
	}
}

func (c *Channel) reportError(err error) {
	if c.cfg.OnError != nil {
		c.invoke("error", func() { c.cfg.OnError(err) })
	}
}

// invoke runs a user callback, containing panics so the loop survives.
func (c *Channel) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("transport callback panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}

// ── socket goroutines ─────────────────────────────────────────────────────────

func (c *Channel) readLoop(ctx context.Context, gen uint64, conn Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.post(evClosed{gen: gen, err: err})
			return
		}
		p := protocol.Payload{Binary: typ == websocket.MessageBinary, Data: data}
		if !c.post(evFrame{gen: gen, payload: p}) {
			return
		}
	}
}

func (c *Channel) writeLoop(ctx context.Context, gen uint64, conn Conn, out <-chan outFrame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-out:
			wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
			err := conn.Write(wctx, f.typ, f.data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					c.post(evWriteErr{gen: gen, err: err})
				}
				return
			}
			if f.typ == websocket.MessageBinary {
				c.cfg.Metrics.RecordSentBytes(ctx, "audio", len(f.data))
			} else {
				c.cfg.Metrics.RecordSentBytes(ctx, "control", len(f.data))
			}
		}
	}
}
