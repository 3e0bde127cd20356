// Package types defines the shared types used across all echomeet packages.
//
// These types form the lingua franca between the protocol codec, the transport,
// the session store, and the archive. Each package defines its own domain types;
// cross-cutting data structures live here to avoid circular imports.
package types

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"
)

// ConnectionState is the externally observable state of a transport channel.
// Exactly one value applies at any instant.
type ConnectionState int

const (
	// StateDisconnected means no connection exists and none is being attempted.
	StateDisconnected ConnectionState = iota

	// StateConnecting is entered when the caller initiates a connection.
	StateConnecting

	// StateConnected means the duplex channel is open.
	StateConnected

	// StateReconnecting means a reconnection attempt is scheduled or in flight
	// after an unexpected close.
	StateReconnecting
)

// String returns the lowercase name of the state as it appears in logs and
// status output.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MarshalText implements [encoding.TextMarshaler] so snapshots render the
// state by name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MemberStatus is a participant's membership status within a room.
type MemberStatus string

const (
	MemberActive   MemberStatus = "active"
	MemberInactive MemberStatus = "inactive"
)

// Participant is a member of a meeting room. Participants are unique by ID
// within a session; no ordering is guaranteed.
type Participant struct {
	// ID is the stable identity of the participant.
	ID string `json:"id"`

	// Name is the display name chosen when joining.
	Name string `json:"name"`

	// Status is the membership status.
	Status MemberStatus `json:"status"`

	// JoinedAt is when the participant entered the room. Zero when the
	// server sent nothing usable.
	JoinedAt JoinTime `json:"joinedAt"`

	// IsHost marks the room's creator.
	IsHost bool `json:"isHost,omitempty"`

	// IsMuted reports whether the participant's microphone is muted.
	IsMuted bool `json:"isMuted,omitempty"`

	// Language is the participant's preferred translation language, if any.
	Language string `json:"language,omitempty"`
}

// JoinTime is a display timestamp decoded leniently. It accepts RFC 3339,
// ISO-8601 without a zone (read as UTC), a space instead of the "T",
// epoch milliseconds and null. Anything else decodes to the zero time so a
// bad timestamp never rejects the message carrying it.
type JoinTime struct {
	time.Time
}

// At returns t as a JoinTime.
func At(t time.Time) JoinTime { return JoinTime{Time: t} }

var joinTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON implements [json.Unmarshaler]. It never returns an error.
func (j *JoinTime) UnmarshalJSON(data []byte) error {
	j.Time = time.Time{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			slog.Debug("ignoring unparsable join time", "value", string(data))
			return nil
		}
		j.Time = time.UnixMilli(ms).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil || s == "" {
		return nil
	}
	for _, layout := range joinTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			j.Time = t
			return nil
		}
	}
	slog.Debug("ignoring unparsable join time", "value", s)
	return nil
}

// MarshalJSON implements [json.Marshaler]. The zero time encodes as null.
func (j JoinTime) MarshalJSON() ([]byte, error) {
	if j.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(j.Time.Format(time.RFC3339Nano))
}

// Transcript is a finalized recognized utterance, optionally annotated with
// a translation that arrives in a later event.
type Transcript struct {
	// Text is the recognized utterance.
	Text string `json:"text"`

	// Translation is empty until a translation event attaches one.
	Translation string `json:"translation,omitempty"`

	// IsFinal is always true for entries held by the session store.
	IsFinal bool `json:"isFinal"`

	// Timestamp is the server-supplied ISO-8601 timestamp, kept verbatim.
	Timestamp string `json:"timestamp"`

	// Confidence is the recognizer's confidence (0.0–1.0). Nil when the
	// server did not report one.
	Confidence *float64 `json:"confidence,omitempty"`
}

// HasTranslation reports whether a translation has been attached.
func (t Transcript) HasTranslation() bool { return t.Translation != "" }

// Room is the room-management service's view of a room after a create or
// join call.
type Room struct {
	// Code is the short code other participants use to join.
	Code string `json:"room_code"`

	// HostID is the user id of the room's creator, when reported.
	HostID string `json:"host_id,omitempty"`

	// Participants is the membership list at the time of the call. Nil when
	// the service did not include one.
	Participants []Participant `json:"participants,omitempty"`
}
