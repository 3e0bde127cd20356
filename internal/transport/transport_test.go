package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/echomeet/internal/protocol"
	"github.com/MrWong99/echomeet/pkg/audio"
	"github.com/MrWong99/echomeet/pkg/types"
)

const waitTimeout = 2 * time.Second

// ─── fakes ───────────────────────────────────────────────────────────────────

type frame struct {
	typ  websocket.MessageType
	data []byte
}

type fakeConn struct {
	inbound    chan frame
	writes     chan frame
	lost       chan struct{}
	closed     chan struct{}
	blockWrite bool

	lostOnce  sync.Once
	closeOnce sync.Once
	mu        sync.Mutex
	code      websocket.StatusCode
	reason    string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan frame, 16),
		writes:  make(chan frame, 16),
		lost:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case f := <-c.inbound:
		return f.typ, f.data, nil
	case <-c.lost:
		return 0, nil, errors.New("connection reset by peer")
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	if c.blockWrite {
		<-ctx.Done()
		return ctx.Err()
	}
	select {
	case c.writes <- frame{typ: typ, data: append([]byte(nil), p...)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.code, c.reason = code, reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) closeStatus() (websocket.StatusCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code, c.reason
}

func (c *fakeConn) text(s string) { c.inbound <- frame{typ: websocket.MessageText, data: []byte(s)} }

func (c *fakeConn) drop() { c.lostOnce.Do(func() { close(c.lost) }) }

type dialResult struct {
	conn Conn
	err  error
}

// fakeDialer hands out queued results, then fails with "connection refused".
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
	urls    []string
}

func (d *fakeDialer) dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.urls = append(d.urls, url)
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	return r.conn, r.err
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeTimer struct {
	d  time.Duration
	f  func()
	mu sync.Mutex

	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// fire runs the callback as the runtime would when the timer expires.
func (t *fakeTimer) fire() { t.f() }

type fakeClock struct {
	scheduled chan *fakeTimer
}

func newFakeClock() *fakeClock { return &fakeClock{scheduled: make(chan *fakeTimer, 16)} }

func (c *fakeClock) Now() time.Time {
	return time.Date(2024, 3, 5, 11, 30, 45, 0, time.UTC)
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{d: d, f: f}
	c.scheduled <- t
	return t
}

func (c *fakeClock) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case tm := <-c.scheduled:
		return tm
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a reconnection timer")
		return nil
	}
}

// recorder captures callbacks on buffered channels.
type recorder struct {
	states chan types.ConnectionState
	errs   chan error
	msgs   chan protocol.Message
}

func newRecorder() *recorder {
	return &recorder{
		states: make(chan types.ConnectionState, 64),
		errs:   make(chan error, 64),
		msgs:   make(chan protocol.Message, 64),
	}
}

func (r *recorder) wire(cfg *Config) {
	cfg.OnStateChange = func(s types.ConnectionState) { r.states <- s }
	cfg.OnError = func(err error) { r.errs <- err }
	cfg.OnMessage = func(m protocol.Message) { r.msgs <- m }
}

func (r *recorder) expectStates(t *testing.T, want ...types.ConnectionState) {
	t.Helper()
	for i, w := range want {
		select {
		case got := <-r.states:
			if got != w {
				t.Fatalf("state[%d] = %v, want %v", i, got, w)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for state[%d] = %v", i, w)
		}
	}
}

func (r *recorder) expectError(t *testing.T, target error) error {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case err := <-r.errs:
			if errors.Is(err, target) {
				return err
			}
		case <-deadline:
			t.Fatalf("timed out waiting for error %v", target)
			return nil
		}
	}
}

func (r *recorder) expectMessage(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func newTestChannel(t *testing.T, d *fakeDialer, clock *fakeClock, rec *recorder, mutate ...func(*Config)) *Channel {
	t.Helper()
	cfg := Config{
		BaseURL: "ws://backend.test:8000",
		UserID:  "u1",
		Dial:    d.dial,
		Clock:   clock,
	}
	rec.wire(&cfg)
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}

func waitDone(t *testing.T, c *Channel) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("event loop did not exit")
	}
}

// ─── pure helpers ────────────────────────────────────────────────────────────

func TestDelay(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 6 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{6, 10 * time.Second},
		{50, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		user    string
		want    string
		wantErr bool
	}{
		{name: "ws", base: "ws://localhost:8000", user: "abc", want: "ws://localhost:8000/ws/abc"},
		{name: "trailing slash", base: "wss://api.example.com/", user: "abc", want: "wss://api.example.com/ws/abc"},
		{name: "http upgraded", base: "http://localhost:8000", user: "abc", want: "ws://localhost:8000/ws/abc"},
		{name: "https upgraded", base: "https://example.com", user: "abc", want: "wss://example.com/ws/abc"},
		{name: "escaped", base: "ws://h", user: "a b", want: "ws://h/ws/a%20b"},
		{name: "bad scheme", base: "ftp://h", user: "abc", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EndpointURL(tt.base, tt.user)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("EndpointURL = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("EndpointURL: %v", err)
			}
			if got != tt.want {
				t.Errorf("EndpointURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_RequiresUserID(t *testing.T) {
	if _, err := New(Config{BaseURL: "ws://h"}); err == nil {
		t.Fatal("New without user id succeeded")
	}
}

// ─── state machine ───────────────────────────────────────────────────────────

func TestChannel_ConnectDeliversMessagesAndSends(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	rec := newRecorder()
	c := newTestChannel(t, d, newFakeClock(), rec)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.expectStates(t, types.StateConnecting, types.StateConnected)
	if got := c.State(); got != types.StateConnected {
		t.Fatalf("State() = %v, want connected", got)
	}
	if d.urls[0] != "ws://backend.test:8000/ws/u1" {
		t.Errorf("dialled %q", d.urls[0])
	}

	conn.text(`{"type":"final","text":"hello","confidence":0.9,"timestamp":"t1"}`)
	msg := rec.expectMessage(t)
	final, ok := msg.(protocol.Final)
	if !ok || final.Text != "hello" {
		t.Fatalf("message = %#v, want final hello", msg)
	}

	block := make(audio.Block, audio.BlockSize)
	block[0] = 1
	if err := c.SendAudio(block); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case f := <-conn.writes:
		if f.typ != websocket.MessageBinary || len(f.data) != audio.BlockBytes {
			t.Errorf("audio frame: type=%v len=%d", f.typ, len(f.data))
		}
		if f.data[0] != 1 || f.data[1] != 0 {
			t.Errorf("audio frame not little-endian: % x", f.data[:2])
		}
	case <-time.After(waitTimeout):
		t.Fatal("audio frame not written")
	}

	if err := c.SendJSON(protocol.LanguagePreference{Language: "es"}); err != nil {
		t.Fatalf("SendJSON: %v", err)
	}
	select {
	case f := <-conn.writes:
		if f.typ != websocket.MessageText {
			t.Errorf("control frame type = %v, want text", f.typ)
		}
		for _, want := range []string{`"type":"language_preference"`, `"language":"es"`, `"timestamp":"2024-03-05T11:30:45.000Z"`} {
			if !strings.Contains(string(f.data), want) {
				t.Errorf("control frame %s missing %s", f.data, want)
			}
		}
	case <-time.After(waitTimeout):
		t.Fatal("control frame not written")
	}
}

func TestChannel_ReconnectScheduleIsCapped(t *testing.T) {
	d := &fakeDialer{}
	clock := newFakeClock()
	rec := newRecorder()
	c := newTestChannel(t, d, clock, rec)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.expectStates(t, types.StateConnecting, types.StateDisconnected, types.StateReconnecting)

	for attempt := 1; attempt <= DefaultMaxAttempts; attempt++ {
		tm := clock.next(t)
		if tm.d != Delay(attempt) {
			t.Fatalf("attempt %d delay = %v, want %v", attempt, tm.d, Delay(attempt))
		}
		tm.fire()
		if attempt < DefaultMaxAttempts {
			rec.expectStates(t, types.StateDisconnected, types.StateReconnecting)
		} else {
			rec.expectStates(t, types.StateDisconnected)
		}
	}
	rec.expectError(t, ErrReconnectExhausted)

	select {
	case tm := <-clock.scheduled:
		t.Fatalf("unexpected timer after exhaustion: %v", tm.d)
	case <-time.After(50 * time.Millisecond):
	}
	if got := c.State(); got != types.StateDisconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
	if got := d.callCount(); got != 1+DefaultMaxAttempts {
		t.Errorf("dial calls = %d, want %d", got, 1+DefaultMaxAttempts)
	}
}

func TestChannel_ConnectResetsBudgetAfterExhaustion(t *testing.T) {
	d := &fakeDialer{}
	clock := newFakeClock()
	rec := newRecorder()
	c := newTestChannel(t, d, clock, rec, func(cfg *Config) { cfg.MaxAttempts = 1 })

	_ = c.Connect()
	rec.expectStates(t, types.StateConnecting, types.StateDisconnected, types.StateReconnecting)
	clock.next(t).fire()
	rec.expectStates(t, types.StateDisconnected)
	rec.expectError(t, ErrReconnectExhausted)

	conn := newFakeConn()
	d.mu.Lock()
	d.results = []dialResult{{conn: conn}}
	d.mu.Unlock()

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.expectStates(t, types.StateConnecting, types.StateConnected)
}

func TestChannel_ReconnectsAfterUnexpectedClose(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: first}, {conn: second}}}
	clock := newFakeClock()
	rec := newRecorder()
	c := newTestChannel(t, d, clock, rec)

	_ = c.Connect()
	rec.expectStates(t, types.StateConnecting, types.StateConnected)

	first.drop()
	rec.expectStates(t, types.StateDisconnected, types.StateReconnecting)

	if err := c.SendAudio(make(audio.Block, audio.BlockSize)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAudio while reconnecting = %v, want ErrNotConnected", err)
	}

	tm := clock.next(t)
	if tm.d != 2*time.Second {
		t.Errorf("first delay = %v, want 2s", tm.d)
	}
	tm.fire()
	rec.expectStates(t, types.StateConnected)

	// The budget resets on a successful open.
	second.drop()
	rec.expectStates(t, types.StateDisconnected, types.StateReconnecting)
	if tm := clock.next(t); tm.d != 2*time.Second {
		t.Errorf("delay after reset = %v, want 2s", tm.d)
	}
}

func TestChannel_DisconnectCancelsPendingTimer(t *testing.T) {
	d := &fakeDialer{}
	clock := newFakeClock()
	rec := newRecorder()
	c := newTestChannel(t, d, clock, rec)

	_ = c.Connect()
	rec.expectStates(t, types.StateConnecting, types.StateDisconnected, types.StateReconnecting)
	tm := clock.next(t)

	c.Disconnect()
	if !tm.isStopped() {
		t.Error("pending timer was not stopped")
	}
	if got := c.State(); got != types.StateDisconnected {
		t.Errorf("State() after Disconnect = %v, want disconnected", got)
	}
	waitDone(t, c)
	rec.expectStates(t, types.StateDisconnected)

	// A late firing must not dial.
	tm.fire()
	time.Sleep(20 * time.Millisecond)
	if got := d.callCount(); got != 1 {
		t.Errorf("dial calls = %d, want 1", got)
	}
	if err := c.Connect(); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Disconnect = %v, want ErrClosed", err)
	}
}

func TestChannel_DisconnectClosesNormally(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	rec := newRecorder()
	c := newTestChannel(t, d, newFakeClock(), rec)

	_ = c.Connect()
	rec.expectStates(t, types.StateConnecting, types.StateConnected)

	c.Disconnect()
	c.Disconnect()
	waitDone(t, c)
	rec.expectStates(t, types.StateDisconnected)

	select {
	case <-conn.closed:
	case <-time.After(waitTimeout):
		t.Fatal("socket not closed")
	}
	code, reason := conn.closeStatus()
	if code != websocket.StatusNormalClosure || reason != "Client disconnecting" {
		t.Errorf("close = (%d, %q), want (1000, Client disconnecting)", code, reason)
	}
	if err := c.SendJSON(protocol.LanguagePreference{Language: "fr"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendJSON after Disconnect = %v, want ErrNotConnected", err)
	}
}

func TestChannel_DisconnectFromCallback(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	rec := newRecorder()
	var c *Channel
	c = newTestChannel(t, d, newFakeClock(), rec, func(cfg *Config) {
		cfg.OnMessage = func(protocol.Message) { c.Disconnect() }
	})

	_ = c.Connect()
	rec.expectStates(t, types.StateConnecting, types.StateConnected)
	conn.text(`{"type":"room_closed","message":"bye","timestamp":"t"}`)
	waitDone(t, c)
}

func TestChannel_ConnectFromCallbackNeverBlocks(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	rec := newRecorder()
	var c *Channel
	c = newTestChannel(t, d, newFakeClock(), rec, func(cfg *Config) {
		cfg.OnMessage = func(m protocol.Message) {
			// Well past the event buffer; each call must return at once.
			for range 1000 {
				if err := c.Connect(); err != nil {
					t.Errorf("Connect: %v", err)
					return
				}
			}
			rec.msgs <- m
		}
	})

	_ = c.Connect()
	rec.expectStates(t, types.StateConnecting, types.StateConnected)

	conn.text(`{"type":"final","text":"one","timestamp":"t1"}`)
	rec.expectMessage(t)

	// The loop is still serving events after the burst.
	conn.text(`{"type":"final","text":"two","timestamp":"t2"}`)
	if f, ok := rec.expectMessage(t).(protocol.Final); !ok || f.Text != "two" {
		t.Errorf("second message = %+v", f)
	}
	if n := d.callCount(); n != 1 {
		t.Errorf("dials = %d, want 1 while connected", n)
	}
	if got := c.State(); got != types.StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
}

// ─── inbound classification ──────────────────────────────────────────────────

func TestChannel_InboundErrorsDoNotStopTheLoop(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	rec := newRecorder()
	c := newTestChannel(t, d, newFakeClock(), rec)

	_ = c.Connect()
	rec.expectStates(t, types.StateConnecting, types.StateConnected)

	conn.text(`{not json`)
	rec.expectError(t, protocol.ErrMalformed)

	conn.text(`{"type":"surprise","timestamp":"t"}`)
	conn.inbound <- frame{typ: websocket.MessageBinary, data: []byte{1, 2, 3}}
	conn.text(`{"type":"partial","text":"he","timestamp":"t"}`)

	msg := rec.expectMessage(t)
	if _, ok := msg.(protocol.Partial); !ok {
		t.Fatalf("message = %#v, want partial", msg)
	}
	select {
	case err := <-rec.errs:
		t.Errorf("unexpected error for unknown or binary payload: %v", err)
	default:
	}
}

func TestChannel_CallbackPanicIsContained(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	rec := newRecorder()
	calls := make(chan string, 4)
	c := newTestChannel(t, d, newFakeClock(), rec, func(cfg *Config) {
		cfg.OnMessage = func(m protocol.Message) {
			calls <- string(m.Kind())
			if m.Kind() == protocol.KindPartial {
				panic("boom")
			}
		}
	})

	_ = c.Connect()
	rec.expectStates(t, types.StateConnecting, types.StateConnected)
	conn.text(`{"type":"partial","text":"a","timestamp":"t"}`)
	conn.text(`{"type":"final","text":"a","timestamp":"t"}`)

	for _, want := range []string{"partial", "final"} {
		select {
		case got := <-calls:
			if got != want {
				t.Errorf("callback = %s, want %s", got, want)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("callback for %s not invoked", want)
		}
	}
	if got := c.State(); got != types.StateConnected {
		t.Errorf("State() = %v, want connected", got)
	}
}

// ─── outbound ────────────────────────────────────────────────────────────────

func TestChannel_SendBeforeConnect(t *testing.T) {
	rec := newRecorder()
	c := newTestChannel(t, &fakeDialer{}, newFakeClock(), rec)

	if err := c.SendAudio(make(audio.Block, audio.BlockSize)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendAudio = %v, want ErrNotConnected", err)
	}
	if err := c.SendJSON(protocol.LanguagePreference{Language: "de"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendJSON = %v, want ErrNotConnected", err)
	}
}

func TestChannel_SendQueueFull(t *testing.T) {
	conn := newFakeConn()
	conn.blockWrite = true
	d := &fakeDialer{results: []dialResult{{conn: conn}}}
	rec := newRecorder()
	c := newTestChannel(t, d, newFakeClock(), rec, func(cfg *Config) {
		cfg.SendQueue = 1
		cfg.WriteTimeout = time.Minute
	})

	_ = c.Connect()
	rec.expectStates(t, types.StateConnecting, types.StateConnected)

	block := make(audio.Block, audio.BlockSize)
	var full bool
	for range 4 {
		err := c.SendAudio(block)
		if errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
		if err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !full {
		t.Fatal("SendAudio never reported ErrQueueFull")
	}
}

// ─── real socket ─────────────────────────────────────────────────────────────

func TestChannel_WebSocketRoundTrip(t *testing.T) {
	type serverResult struct {
		path   string
		frame  []byte
		status websocket.StatusCode
	}
	results := make(chan serverResult, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		res := serverResult{path: r.URL.Path}

		_ = conn.Write(ctx, websocket.MessageText,
			[]byte(`{"type":"host_status","status":"connected","timestamp":"t"}`))

		_, res.frame, _ = conn.Read(ctx)
		_, _, err = conn.Read(ctx)
		res.status = websocket.CloseStatus(err)
		results <- res
	}))
	defer srv.Close()

	rec := newRecorder()
	cfg := Config{
		BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		UserID:  "user-42",
	}
	rec.wire(&cfg)
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Disconnect()

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	rec.expectStates(t, types.StateConnecting, types.StateConnected)

	msg := rec.expectMessage(t)
	hs, ok := msg.(protocol.HostStatus)
	if !ok || hs.Status != protocol.HostConnected {
		t.Fatalf("message = %#v, want host_status connected", msg)
	}

	if err := c.SendAudio(make(audio.Block, audio.BlockSize)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	// Let the writer flush before closing.
	time.Sleep(50 * time.Millisecond)
	c.Disconnect()

	select {
	case res := <-results:
		if res.path != "/ws/user-42" {
			t.Errorf("path = %q, want /ws/user-42", res.path)
		}
		if len(res.frame) != audio.BlockBytes {
			t.Errorf("server received %d bytes, want %d", len(res.frame), audio.BlockBytes)
		}
		if res.status != websocket.StatusNormalClosure {
			t.Errorf("close status = %v, want %v", res.status, websocket.StatusNormalClosure)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not observe the session")
	}
}
