package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/echomeet/internal/observe"
	"github.com/MrWong99/echomeet/internal/protocol"
	"github.com/MrWong99/echomeet/pkg/types"
)

// Store is the single owner of a [State]. Transitions are applied one at a
// time; readers get deep copies.
//
// Subscribers run synchronously after each transition, in transition order.
// They must not call back into the store's mutating methods.
type Store struct {
	metrics *observe.Metrics

	// notifyMu orders subscriber delivery. Lock order: notifyMu, then mu.
	notifyMu sync.Mutex

	mu      sync.Mutex
	state   State
	subs    map[uint64]func(State)
	nextSub uint64
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithMetrics records transcript and participant metrics to m.
func WithMetrics(m *observe.Metrics) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// NewStore returns a store holding [Initial] state for userID.
func NewStore(userID string, opts ...StoreOption) *Store {
	s := &Store{
		state: Initial(userID),
		subs:  make(map[uint64]func(State)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// Subscribe registers fn to receive a snapshot after every state change and
// returns a function that removes the subscription.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Apply runs one inbound message through [Reduce] and returns its effect.
func (s *Store) Apply(msg protocol.Message) Effect {
	s.logMessage(msg)
	return s.transition(func(st State) (State, Effect) { return Reduce(st, msg) })
}

// SetConnection records a transport state change.
func (s *Store) SetConnection(c types.ConnectionState) {
	s.Update(func(st State) State {
		st.Connection = c
		return st
	})
}

// Update applies a local (non-protocol) transition. fn receives a copy it
// may modify freely.
func (s *Store) Update(fn func(State) State) {
	s.transition(func(st State) (State, Effect) {
		return fn(st.Clone()), Changed
	})
}

// Reset tears the state down to [Initial], keeping the identity.
func (s *Store) Reset() {
	s.Update(State.Reset)
}

func (s *Store) transition(fn func(State) (State, Effect)) Effect {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	before := s.state
	next, eff := fn(before)
	if !eff.Has(Changed) {
		s.mu.Unlock()
		return eff
	}
	s.state = next
	snap := next.Clone()
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	s.record(before, next)
	for _, fn := range subs {
		fn(snap.Clone())
	}
	return eff
}

func (s *Store) record(before, after State) {
	ctx := context.Background()
	if d := len(after.Transcripts) - len(before.Transcripts); d > 0 {
		for range d {
			s.metrics.RecordTranscript(ctx)
		}
	}
	s.metrics.AddParticipants(ctx, int64(len(after.Participants)-len(before.Participants)))
}

func (s *Store) logMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Error:
		slog.Error("server reported error", "text", m.Text)
	case protocol.TTSStatus:
		slog.Debug("tts status", "status", m.Status, "transcript_id", m.TranscriptID)
	case protocol.HostStatus:
		if m.Status == protocol.HostDisconnected {
			s.mu.Lock()
			isHost := s.state.IsHost
			s.mu.Unlock()
			if !isHost {
				slog.Warn("host has disconnected from the meeting")
			}
		}
	case protocol.ParticipantUpdate:
		slog.Info("participant update",
			"action", m.Action,
			"participant_id", m.Participant.ID,
			"name", m.Participant.Name,
		)
	case protocol.RoomClosed:
		slog.Info("room closed by host", "message", m.Message)
	}
}
