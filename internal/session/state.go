// Package session reconciles the backend's event stream into local meeting
// state and coordinates the resources a meeting holds.
//
// [Reduce] is the pure transition function: it maps a state and one inbound
// [protocol.Message] to the next state. [Store] owns the authoritative
// [State], applies transitions one at a time and hands out deep-copied
// snapshots. [Meeting] drives the room lifecycle around a store: it calls
// the room-management service, owns the transport and the audio capture,
// and tears them down on every exit path.
package session

import (
	"slices"

	"github.com/MrWong99/echomeet/pkg/types"
)

// State is the aggregate session state. Values returned by [Store.Snapshot]
// and delivered to subscribers are deep copies; mutating them has no effect
// on the store.
type State struct {
	// UserID is the local participant's stable identity.
	UserID string `json:"userId"`

	// RoomCode is the current room, or "" when not in a room.
	RoomCode string `json:"roomCode,omitempty"`

	// SessionID identifies one stay in a room. Every create or join mints a
	// fresh id, so rejoining the same code starts a new session.
	SessionID string `json:"sessionId,omitempty"`

	// IsHost reports whether the local participant created the room.
	IsHost bool `json:"isHost"`

	// Connection mirrors the transport's connection state.
	Connection types.ConnectionState `json:"connection"`

	// Participants is the room's membership, unique by ID.
	Participants []types.Participant `json:"participants"`

	// Transcripts is append-only for the lifetime of a room.
	Transcripts []types.Transcript `json:"transcripts"`

	// IsMuted is true while audio capture is stopped.
	IsMuted bool `json:"isMuted"`

	// CreatingRoom is true while a create-room call is in flight.
	CreatingRoom bool `json:"creatingRoom"`

	// Language is the last translation language sent to the backend.
	Language string `json:"language,omitempty"`
}

// Initial returns the state of a fresh client that has not joined a room.
func Initial(userID string) State {
	return State{
		UserID:     userID,
		Connection: types.StateDisconnected,
		IsMuted:    true,
	}
}

// InRoom reports whether the state belongs to an active room.
func (s State) InRoom() bool { return s.RoomCode != "" }

// Reset returns the state after a full teardown. Only the identity survives.
func (s State) Reset() State {
	return Initial(s.UserID)
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := s
	c.Participants = slices.Clone(s.Participants)
	if s.Transcripts != nil {
		c.Transcripts = make([]types.Transcript, len(s.Transcripts))
		for i, t := range s.Transcripts {
			if t.Confidence != nil {
				v := *t.Confidence
				t.Confidence = &v
			}
			c.Transcripts[i] = t
		}
	}
	return c
}

// Participant returns the participant with the given id.
func (s State) Participant(id string) (types.Participant, bool) {
	i := slices.IndexFunc(s.Participants, func(p types.Participant) bool { return p.ID == id })
	if i < 0 {
		return types.Participant{}, false
	}
	return s.Participants[i], true
}
