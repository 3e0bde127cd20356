// Package app wires the echomeet subsystems into a running client.
//
// New builds every subsystem from the config, Run enters a room and blocks
// until the context ends or the host closes the room, and Shutdown leaves the
// room and releases everything in order.
//
// Tests inject doubles through functional options (WithRoomService,
// WithTransportFactory, etc.). Anything not injected is built from config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echomeet/internal/archive"
	"github.com/MrWong99/echomeet/internal/archive/jsonl"
	"github.com/MrWong99/echomeet/internal/archive/postgres"
	"github.com/MrWong99/echomeet/internal/config"
	"github.com/MrWong99/echomeet/internal/health"
	"github.com/MrWong99/echomeet/internal/observe"
	"github.com/MrWong99/echomeet/internal/roomapi"
	"github.com/MrWong99/echomeet/internal/session"
	"github.com/MrWong99/echomeet/internal/transport"
	"github.com/MrWong99/echomeet/internal/userid"
	"github.com/MrWong99/echomeet/pkg/audio"
	"github.com/MrWong99/echomeet/pkg/audio/capture"
	"github.com/MrWong99/echomeet/pkg/types"
)

// errMeetingEnded stops the run group when the host closes the room.
var errMeetingEnded = errors.New("app: meeting ended by host")

// Target selects how Run enters a room.
type Target struct {
	// RoomCode joins an existing room. Empty creates a new one.
	RoomCode string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	userID  string
	metrics *observe.Metrics

	store   *session.Store
	meeting *session.Meeting

	rooms        session.RoomService
	checker      func(context.Context) error
	newTransport session.TransportFactory
	device       audio.Device
	writer       archive.Writer
	recorder     *archive.Recorder

	language   atomic.Pointer[string]
	languageCh chan struct{}

	statusLn net.Listener
	handler  http.Handler

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithUserID skips loading the persisted identity.
func WithUserID(id string) Option {
	return func(a *App) { a.userID = id }
}

// WithMetrics injects a metrics instance instead of the global one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRoomService injects the room-management client.
func WithRoomService(r session.RoomService) Option {
	return func(a *App) { a.rooms = r }
}

// WithTransportFactory injects the transport constructor.
func WithTransportFactory(f session.TransportFactory) Option {
	return func(a *App) { a.newTransport = f }
}

// WithDevice injects the audio input instead of creating one from the
// registry.
func WithDevice(d audio.Device) Option {
	return func(a *App) { a.device = d }
}

// WithArchiveWriter injects the transcript archive backend.
func WithArchiveWriter(w archive.Writer) Option {
	return func(a *App) { a.writer = w }
}

// WithStatusListener serves the status endpoints on ln instead of listening
// on server.status_addr.
func WithStatusListener(ln net.Listener) Option {
	return func(a *App) { a.statusLn = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App. reg resolves audio.device; it may be nil when no
// device is configured or one is injected.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		languageCh: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(a)
	}
	lang := cfg.Meeting.Language
	a.language.Store(&lang)

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if a.userID == "" {
		id, err := userid.Load(cfg.Identity.UserIDFile)
		if err != nil {
			return nil, fmt.Errorf("app: load user id: %w", err)
		}
		a.userID = id
	}

	if err := a.initRooms(); err != nil {
		return nil, fmt.Errorf("app: init room service: %w", err)
	}
	if err := a.initDevice(reg); err != nil {
		return nil, fmt.Errorf("app: init audio: %w", err)
	}
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	a.store = session.NewStore(a.userID, session.WithMetrics(a.metrics))
	if a.newTransport == nil {
		a.newTransport = a.dialTransport
	}

	mc := session.MeetingConfig{
		Store:        a.store,
		Rooms:        a.rooms,
		NewTransport: a.newTransport,
		OnError: func(err error) {
			slog.Warn("transport error", "user_id", a.userID, "err", err)
		},
	}
	if a.device != nil {
		mc.NewCapture = a.newCapture
	}
	a.meeting = session.NewMeeting(mc)

	if a.recorder != nil {
		a.closers = append(a.closers, unsubscribeCloser(a.store.Subscribe(a.recorder.Observe)))
	}
	a.closers = append(a.closers, unsubscribeCloser(a.store.Subscribe(a.watchConnection())))

	a.handler = a.buildHandler()
	return a, nil
}

func (a *App) initRooms() error {
	if a.rooms != nil {
		if hc, ok := a.rooms.(interface{ Health(context.Context) error }); ok {
			a.checker = hc.Health
		}
		return nil
	}
	c, err := roomapi.New(a.cfg.Backend.HTTPURL, roomapi.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.rooms = c
	a.checker = c.Health
	return nil
}

func (a *App) initDevice(reg *config.Registry) error {
	if a.device != nil || a.cfg.Audio.Device == "" {
		return nil
	}
	if reg == nil {
		return fmt.Errorf("%w: %q (no registry)", config.ErrDeviceNotRegistered, a.cfg.Audio.Device)
	}
	dev, err := reg.CreateDevice(a.cfg.Audio)
	if err != nil {
		return err
	}
	a.device = dev
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	if a.writer == nil && a.cfg.Archive.File != "" {
		a.writer = jsonl.New(a.cfg.Archive.File)
	}
	if a.writer == nil && a.cfg.Archive.PostgresDSN != "" {
		st, err := postgres.Open(ctx, a.cfg.Archive.PostgresDSN)
		if err != nil {
			return err
		}
		a.writer = st
		a.closers = append(a.closers, func() error { st.Close(); return nil })
	}
	if a.writer != nil {
		a.recorder = archive.NewRecorder(a.writer, 0)
	}
	return nil
}

func (a *App) dialTransport(h session.Handlers) (session.Transport, error) {
	ch, err := transport.New(transport.Config{
		BaseURL:       a.cfg.Backend.WSURL,
		UserID:        a.userID,
		MaxAttempts:   a.cfg.Transport.MaxReconnectAttempts,
		SendQueue:     a.cfg.Transport.SendQueue,
		WriteTimeout:  a.cfg.Transport.WriteTimeout,
		OnMessage:     h.OnMessage,
		OnError:       h.OnError,
		OnStateChange: h.OnStateChange,
		Metrics:       a.metrics,
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (a *App) newCapture(sink capture.Sink) (session.Capture, error) {
	ctx := context.Background()
	return capture.NewController(a.device, sink,
		capture.WithBlockHook(func(audio.Block) { a.metrics.RecordAudioBlock(ctx) }),
		capture.WithSendErrorHook(func(err error) {
			slog.Debug("audio block not sent", "err", err)
		}),
		capture.WithStatsHook(func(emitted, dropped uint64) {
			a.metrics.RecordAudioDropped(ctx, int64(dropped))
			slog.Info("audio capture stopped", "blocks", emitted, "dropped", dropped)
		}),
	), nil
}

// watchConnection returns a store subscriber that requests a language
// preference send on every transition into the connected state.
func (a *App) watchConnection() func(session.State) {
	var last types.ConnectionState
	var mu sync.Mutex
	return func(s session.State) {
		mu.Lock()
		prev := last
		last = s.Connection
		mu.Unlock()
		if s.Connection == types.StateConnected && prev != types.StateConnected {
			a.requestLanguage()
		}
	}
}

func (a *App) requestLanguage() {
	select {
	case a.languageCh <- struct{}{}:
	default:
	}
}

func (a *App) buildHandler() http.Handler {
	opts := []health.Option{
		health.WithChecker(health.Connected("transport", func() types.ConnectionState {
			return a.store.Snapshot().Connection
		})),
		health.WithSnapshot(func() any { return a.store.Snapshot() }),
	}
	if a.checker != nil {
		opts = append(opts, health.WithChecker(health.Checker{Name: "rooms", Check: a.checker}))
	}

	mux := http.NewServeMux()
	health.New(opts...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// UserID returns the local participant id.
func (a *App) UserID() string { return a.userID }

// Meeting returns the meeting coordinator.
func (a *App) Meeting() *session.Meeting { return a.meeting }

// Handler returns the status HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// SetLanguage changes the preferred translation language and sends it when
// connected. Used by config hot reload.
func (a *App) SetLanguage(lang string) {
	a.language.Store(&lang)
	a.requestLanguage()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run enters the room selected by target and blocks until ctx is cancelled
// or the host closes the room. A host-ended meeting returns nil.
func (a *App) Run(ctx context.Context, target Target) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if a.recorder != nil {
		g.Go(func() error { return a.recorder.Run(gctx) })
	}
	if err := a.startStatus(gctx, g); err != nil {
		cancel()
		return errors.Join(err, g.Wait())
	}

	if err := a.enter(gctx, target); err != nil {
		cancel()
		return errors.Join(err, g.Wait())
	}

	ended := a.meeting.Ended()
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-ended:
			slog.Info("meeting ended by host", "user_id", a.userID)
			return errMeetingEnded
		}
	})
	g.Go(func() error {
		a.languageLoop(gctx)
		return nil
	})

	slog.Info("meeting running", "room_code", a.store.Snapshot().RoomCode, "user_id", a.userID)
	err := g.Wait()
	if errors.Is(err, errMeetingEnded) {
		return nil
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (a *App) enter(ctx context.Context, target Target) error {
	name := a.cfg.Identity.Name
	if target.RoomCode == "" {
		code, err := a.meeting.CreateRoom(ctx, name)
		if err != nil {
			return fmt.Errorf("app: create room: %w", err)
		}
		slog.Info("room created", "room_code", code, "name", name)
	} else {
		if err := a.meeting.JoinRoom(ctx, name, target.RoomCode); err != nil {
			return fmt.Errorf("app: join room %q: %w", target.RoomCode, err)
		}
		slog.Info("room joined", "room_code", target.RoomCode, "name", name)
	}

	if a.device == nil {
		return nil
	}
	if err := a.meeting.InitializeAudio(); err != nil {
		return fmt.Errorf("app: initialize audio: %w", err)
	}
	if !a.cfg.Audio.Muted() {
		if _, err := a.meeting.ToggleMute(ctx); err != nil {
			return fmt.Errorf("app: unmute: %w", err)
		}
	}
	return nil
}

func (a *App) languageLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.languageCh:
		}
		lang := *a.language.Load()
		if lang == "" {
			continue
		}
		if err := a.meeting.SetLanguagePreference(lang); err != nil {
			slog.Warn("language preference not sent", "language", lang, "err", err)
			continue
		}
		slog.Debug("language preference sent", "language", lang)
	}
}

func (a *App) startStatus(ctx context.Context, g *errgroup.Group) error {
	ln := a.statusLn
	if ln == nil {
		if a.cfg.Server.StatusAddr == "" {
			return nil
		}
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.StatusAddr)
		if err != nil {
			return fmt.Errorf("app: status listener: %w", err)
		}
	}

	srv := &http.Server{Handler: a.handler, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		slog.Info("status server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown leaves the current room and releases every subsystem. It is safe
// to call more than once; later calls return nil.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.store.Snapshot().InRoom() {
			if err := a.meeting.LeaveRoom(ctx); err != nil {
				errs = append(errs, fmt.Errorf("leave room: %w", err))
			}
		}
		a.meeting.Close()

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		slog.Info("app shut down", "user_id", a.userID)
	})
	return errors.Join(errs...)
}

func unsubscribeCloser(unsub func()) func() error {
	return func() error {
		unsub()
		return nil
	}
}
