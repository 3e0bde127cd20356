package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/echomeet/internal/protocol"
	"github.com/MrWong99/echomeet/pkg/audio"
	"github.com/MrWong99/echomeet/pkg/audio/capture"
	"github.com/MrWong99/echomeet/pkg/types"
)

var (
	// ErrNotInRoom is returned by operations that need an active room or
	// transport.
	ErrNotInRoom = errors.New("session: not in a room")

	// ErrNotHost is returned by CloseRoom when the local participant did not
	// create the room.
	ErrNotHost = errors.New("session: only the host can close the room")

	// ErrAudioNotInitialized is returned by ToggleMute before InitializeAudio.
	ErrAudioNotInitialized = errors.New("session: audio not initialized")

	// ErrBusy is returned by CreateRoom while another create is in flight.
	ErrBusy = errors.New("session: room creation already in progress")
)

// RoomService is the room-management collaborator.
type RoomService interface {
	CreateRoom(ctx context.Context, userID, name string) (types.Room, error)
	JoinRoom(ctx context.Context, code, userID, name string) (types.Room, error)
	LeaveRoom(ctx context.Context, userID string) error
	CloseRoom(ctx context.Context, code, userID string) error
}

// Transport is the duplex channel a meeting streams over.
type Transport interface {
	Connect() error
	Disconnect()
	State() types.ConnectionState
	SendAudio(audio.Block) error
	SendJSON(protocol.Outbound) error
}

// Handlers are the callbacks a [TransportFactory] must wire into the
// transport it builds.
type Handlers struct {
	OnMessage     func(protocol.Message)
	OnError       func(error)
	OnStateChange func(types.ConnectionState)
}

// TransportFactory builds a fresh, unconnected transport for one room.
type TransportFactory func(Handlers) (Transport, error)

// Capture is an audio capture pipeline.
type Capture interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
}

// CaptureFactory builds a capture pipeline that delivers blocks to sink.
type CaptureFactory func(sink capture.Sink) (Capture, error)

// MeetingConfig configures a [Meeting].
type MeetingConfig struct {
	Store        *Store
	Rooms        RoomService
	NewTransport TransportFactory
	NewCapture   CaptureFactory

	// OnError receives transport errors. May be nil.
	OnError func(error)
}

// Meeting coordinates one participant's room lifecycle: room-service calls,
// the transport, and audio capture. Every teardown path releases both the
// transport and the capture pipeline and resets the store.
//
// All methods are safe for concurrent use.
type Meeting struct {
	store        *Store
	rooms        RoomService
	newTransport TransportFactory
	newCapture   CaptureFactory
	onError      func(error)

	// mu serialises lifecycle operations and guards the handles below.
	mu        sync.Mutex
	transport Transport
	capture   Capture
	ended     chan struct{}

	// linkMu guards link, the transport audio and control sends go to.
	// It is never held while waiting on capture or transport goroutines.
	linkMu sync.RWMutex
	link   Transport
}

// NewMeeting returns an idle meeting.
func NewMeeting(cfg MeetingConfig) *Meeting {
	return &Meeting{
		store:        cfg.Store,
		rooms:        cfg.Rooms,
		newTransport: cfg.NewTransport,
		newCapture:   cfg.NewCapture,
		onError:      cfg.OnError,
		ended:        make(chan struct{}),
	}
}

// Store returns the meeting's state store.
func (m *Meeting) Store() *Store { return m.store }

// Ended returns a channel that is closed when the host ends the current
// room. A new channel is issued each time a room is created or joined.
func (m *Meeting) Ended() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ended
}

// CreateRoom asks the room service for a new room hosted by the local
// participant, seeds the participant list and opens the transport. It
// returns the room code. A failed create leaves any current room intact.
func (m *Meeting) CreateRoom(ctx context.Context, name string) (string, error) {
	var busy bool
	m.store.Update(func(s State) State {
		busy = s.CreatingRoom
		s.CreatingRoom = true
		return s
	})
	if busy {
		return "", ErrBusy
	}
	defer m.store.Update(func(s State) State {
		s.CreatingRoom = false
		return s
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	userID := m.store.Snapshot().UserID
	room, err := m.rooms.CreateRoom(ctx, userID, name)
	if err != nil {
		slog.Error("failed to create room", "err", err)
		return "", fmt.Errorf("session: create room: %w", err)
	}

	m.releaseLocked()

	participants := room.Participants
	if participants == nil {
		participants = []types.Participant{{
			ID:       userID,
			Name:     name,
			Status:   types.MemberActive,
			JoinedAt: types.At(time.Now()),
			IsHost:   true,
		}}
	}
	m.store.Update(func(s State) State {
		s.RoomCode = room.Code
		s.SessionID = uuid.NewString()
		s.IsHost = true
		s.Participants = participants
		s.Transcripts = nil
		return s
	})

	if err := m.openLocked(); err != nil {
		m.teardownLocked()
		return "", err
	}
	slog.Info("room created", "room_code", room.Code, "user_id", userID)
	return room.Code, nil
}

// JoinRoom joins an existing room by code and opens the transport. A failed
// join leaves the session state untouched.
func (m *Meeting) JoinRoom(ctx context.Context, name, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	userID := m.store.Snapshot().UserID
	room, err := m.rooms.JoinRoom(ctx, code, userID, name)
	if err != nil {
		slog.Error("failed to join room", "room_code", code, "err", err)
		return fmt.Errorf("session: join room: %w", err)
	}

	m.releaseLocked()
	m.store.Update(func(s State) State {
		s.RoomCode = code
		s.SessionID = uuid.NewString()
		s.IsHost = false
		s.Participants = room.Participants
		s.Transcripts = nil
		return s
	})

	if err := m.openLocked(); err != nil {
		m.teardownLocked()
		return err
	}
	slog.Info("joined room", "room_code", code, "user_id", userID)
	return nil
}

// LeaveRoom notifies the room service and tears down locally. Local
// teardown happens even if the service call fails; that error is returned.
func (m *Meeting) LeaveRoom(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.store.Snapshot()
	if !snap.InRoom() {
		return ErrNotInRoom
	}

	err := m.rooms.LeaveRoom(ctx, snap.UserID)
	if err != nil {
		slog.Error("failed to leave room", "room_code", snap.RoomCode, "err", err)
		err = fmt.Errorf("session: leave room: %w", err)
	}
	m.teardownLocked()
	return err
}

// CloseRoom ends the room for everyone. Only the host may call it. If
// either service call fails the local session is left intact.
func (m *Meeting) CloseRoom(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.store.Snapshot()
	if !snap.InRoom() {
		return ErrNotInRoom
	}
	if !snap.IsHost {
		return ErrNotHost
	}

	if err := m.rooms.CloseRoom(ctx, snap.RoomCode, snap.UserID); err != nil {
		return fmt.Errorf("session: close room: %w", err)
	}
	if err := m.rooms.LeaveRoom(ctx, snap.UserID); err != nil {
		return fmt.Errorf("session: leave closed room: %w", err)
	}
	m.teardownLocked()
	slog.Info("room closed", "room_code", snap.RoomCode)
	return nil
}

// SetLanguagePreference asks the backend to translate into lang. It returns
// [ErrNotInRoom] when no transport exists and the transport's own error
// when the send is rejected.
func (m *Meeting) SetLanguagePreference(lang string) error {
	m.linkMu.RLock()
	t := m.link
	m.linkMu.RUnlock()
	if t == nil {
		return ErrNotInRoom
	}
	if err := t.SendJSON(protocol.LanguagePreference{Language: lang}); err != nil {
		slog.Error("failed to set language preference", "language", lang, "err", err)
		return err
	}
	m.store.Update(func(s State) State {
		s.Language = lang
		return s
	})
	return nil
}

// InitializeAudio builds the capture pipeline. Capture stays stopped and the
// session muted until [Meeting.ToggleMute]. Calling it again is a no-op.
func (m *Meeting) InitializeAudio() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capture != nil {
		return nil
	}
	c, err := m.newCapture(capture.SinkFunc(m.sendAudio))
	if err != nil {
		return fmt.Errorf("session: initialize audio: %w", err)
	}
	m.capture = c
	m.store.Update(func(s State) State {
		s.IsMuted = true
		return s
	})
	return nil
}

// ToggleMute starts capture when muted and stops it otherwise. It returns
// the resulting mute state. A failed start leaves the session muted.
func (m *Meeting) ToggleMute(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.capture == nil {
		return true, ErrAudioNotInitialized
	}

	muted := m.store.Snapshot().IsMuted
	var err error
	if muted {
		if err = m.capture.Start(ctx); err == nil {
			muted = false
		}
	} else {
		err = m.capture.Stop()
		muted = true
	}
	m.store.Update(func(s State) State {
		s.IsMuted = muted
		return s
	})
	if err != nil {
		return muted, fmt.Errorf("session: toggle mute: %w", err)
	}
	return muted, nil
}

// Close releases every resource without calling the room service.
func (m *Meeting) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

func (m *Meeting) sendAudio(block audio.Block) error {
	m.linkMu.RLock()
	t := m.link
	m.linkMu.RUnlock()
	if t == nil {
		return ErrNotInRoom
	}
	return t.SendAudio(block)
}

// openLocked builds and connects a transport for the current room.
func (m *Meeting) openLocked() error {
	var t Transport
	h := Handlers{
		OnMessage:     func(msg protocol.Message) { m.handleMessage(t, msg) },
		OnError:       m.handleError,
		OnStateChange: func(s types.ConnectionState) { m.handleState(t, s) },
	}
	t, err := m.newTransport(h)
	if err != nil {
		return fmt.Errorf("session: create transport: %w", err)
	}

	m.transport = t
	m.ended = make(chan struct{})
	m.linkMu.Lock()
	m.link = t
	m.linkMu.Unlock()

	if err := t.Connect(); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	return nil
}

// releaseLocked drops the transport and capture pipeline.
func (m *Meeting) releaseLocked() {
	m.linkMu.Lock()
	m.link = nil
	m.linkMu.Unlock()

	if m.transport != nil {
		m.transport.Disconnect()
		m.transport = nil
	}
	if m.capture != nil {
		if err := m.capture.Stop(); err != nil {
			slog.Warn("failed to stop audio capture", "err", err)
		}
		m.capture = nil
	}
}

func (m *Meeting) teardownLocked() {
	m.releaseLocked()
	m.store.Reset()
}

// handleMessage applies msg if t is still the meeting's transport. The
// check and the transition happen under linkMu so a concurrent teardown
// cannot interleave with them.
func (m *Meeting) handleMessage(t Transport, msg protocol.Message) {
	m.linkMu.Lock()
	if t == nil || m.link != t {
		m.linkMu.Unlock()
		return
	}
	eff := m.store.Apply(msg)
	if eff.Has(MeetingEnded) {
		m.link = nil
	}
	m.linkMu.Unlock()

	if eff.Has(MeetingEnded) {
		slog.Info("the host has ended the meeting")
		// Runs off the transport's callback goroutine: releasing the
		// capture pipeline waits for its forwarder.
		go m.endMeeting(t)
	}
}

func (m *Meeting) endMeeting(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport != t {
		return
	}
	m.releaseLocked()
	close(m.ended)
}

func (m *Meeting) handleState(t Transport, s types.ConnectionState) {
	m.linkMu.Lock()
	defer m.linkMu.Unlock()
	if t == nil || m.link != t {
		return
	}
	m.store.SetConnection(s)
}

func (m *Meeting) handleError(err error) {
	slog.Error("transport error", "err", err)
	if m.onError != nil {
		m.onError(err)
	}
}
