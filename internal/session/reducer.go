package session

import (
	"slices"

	"github.com/MrWong99/echomeet/internal/protocol"
	"github.com/MrWong99/echomeet/pkg/types"
)

// Effect reports what a transition did beyond computing the next state.
// Values combine as bit flags.
type Effect uint8

const (
	// Changed is set when the returned state differs from the input.
	Changed Effect = 1 << iota

	// MeetingEnded is set when the host closed the room and the local
	// participant must release its resources.
	MeetingEnded
)

// Has reports whether e includes f.
func (e Effect) Has(f Effect) bool { return e&f != 0 }

// Reduce applies one inbound message to s and returns the next state.
//
// Reduce never mutates s or any slice reachable from it, so snapshots taken
// before the call stay valid. Messages that do not affect state (partial
// transcripts, errors, TTS status, unrecognised actions) return s unchanged
// with no effect.
func Reduce(s State, msg protocol.Message) (State, Effect) {
	switch m := msg.(type) {
	case protocol.Partial:
		// Only final results are retained.
		return s, 0

	case protocol.Final:
		s.Transcripts = append(slices.Clip(s.Transcripts), types.Transcript{
			Text:       m.Text,
			IsFinal:    true,
			Timestamp:  m.Timestamp,
			Confidence: m.Confidence,
		})
		return s, Changed

	case protocol.Translation:
		// Arrival order is the only link between a translation and its
		// transcript: it always belongs to the most recent entry.
		n := len(s.Transcripts)
		if n == 0 {
			return s, 0
		}
		s.Transcripts = slices.Clone(s.Transcripts)
		s.Transcripts[n-1].Translation = m.Text
		return s, Changed

	case protocol.ParticipantUpdate:
		return reduceParticipant(s, m)

	case protocol.HostStatus:
		var status types.MemberStatus
		switch m.Status {
		case protocol.HostDisconnected:
			status = types.MemberInactive
		case protocol.HostConnected:
			status = types.MemberActive
		default:
			return s, 0
		}
		return setHostStatus(s, status)

	case protocol.RoomClosed:
		// The host initiated the close and has already torn down locally.
		if s.IsHost {
			return s, 0
		}
		return s.Reset(), Changed | MeetingEnded

	default:
		return s, 0
	}
}

func reduceParticipant(s State, m protocol.ParticipantUpdate) (State, Effect) {
	switch m.Action {
	case protocol.ActionJoin:
		// Participants stay unique by id: a repeated join replaces the
		// earlier entry in place.
		i := slices.IndexFunc(s.Participants, func(p types.Participant) bool { return p.ID == m.Participant.ID })
		if i >= 0 {
			s.Participants = slices.Clone(s.Participants)
			s.Participants[i] = m.Participant
			return s, Changed
		}
		s.Participants = append(slices.Clip(s.Participants), m.Participant)
		return s, Changed
	case protocol.ActionLeave:
		id := m.Participant.ID
		if !slices.ContainsFunc(s.Participants, func(p types.Participant) bool { return p.ID == id }) {
			return s, 0
		}
		s.Participants = slices.DeleteFunc(slices.Clone(s.Participants), func(p types.Participant) bool {
			return p.ID == id
		})
		return s, Changed
	default:
		return s, 0
	}
}

func setHostStatus(s State, status types.MemberStatus) (State, Effect) {
	var out []types.Participant
	for i, p := range s.Participants {
		if !p.IsHost || p.Status == status {
			continue
		}
		if out == nil {
			out = slices.Clone(s.Participants)
		}
		out[i].Status = status
	}
	if out == nil {
		return s, 0
	}
	s.Participants = out
	return s, Changed
}
