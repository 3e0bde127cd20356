// Package protocol defines the meeting server's message vocabulary and
// classifies raw inbound payloads into exactly one [Message] variant.
//
// Inbound messages are JSON objects discriminated by their "type" field.
// Every variant carries the server's ISO-8601 timestamp verbatim. Outbound
// control messages use the same envelope: {"type", "timestamp", ...fields}.
// Binary inbound payloads are not part of the protocol; audio only flows
// from client to server.
package protocol

import "github.com/MrWong99/echomeet/pkg/types"

// Kind is the value of a message's "type" tag.
type Kind string

const (
	KindPartial           Kind = "partial"
	KindFinal             Kind = "final"
	KindTranslation       Kind = "translation"
	KindParticipantUpdate Kind = "participant_update"
	KindHostStatus        Kind = "host_status"
	KindRoomClosed        Kind = "room_closed"
	KindError             Kind = "error"
	KindTTSStatus         Kind = "tts_status"
)

// Message is the sum type of all inbound messages. The set of
// implementations is closed: only types in this package satisfy it.
type Message interface {
	// Kind returns the message's type tag.
	Kind() Kind

	// Time returns the server timestamp as received.
	Time() string

	sealed()
}

// Header carries the fields every inbound message shares.
type Header struct {
	Timestamp string `json:"timestamp"`
}

// Time implements [Message].
func (h Header) Time() string { return h.Timestamp }

func (Header) sealed() {}

// Partial is an interim recognition result. The session store discards it.
type Partial struct {
	Header
	Text string `json:"text"`
}

// Final is a finalized recognition result.
type Final struct {
	Header
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Translation carries the translated text of the most recent final
// transcript. There is no correlation id; arrival order is the only link.
type Translation struct {
	Header
	Text           string `json:"text"`
	OriginalText   string `json:"original_text"`
	Language       string `json:"language"`
	SourceLanguage string `json:"source_language"`
}

// Action is the membership change reported by a participant update.
type Action string

const (
	ActionJoin  Action = "join"
	ActionLeave Action = "leave"
)

// ParticipantUpdate reports a participant joining or leaving.
type ParticipantUpdate struct {
	Header
	Action      Action            `json:"action"`
	Participant types.Participant `json:"participant"`
}

// HostState is the host's connection state as reported by the server.
type HostState string

const (
	HostConnected    HostState = "connected"
	HostDisconnected HostState = "disconnected"
)

// HostStatus reports the host's connection state.
type HostStatus struct {
	Header
	Status HostState `json:"status"`
}

// RoomClosed reports that the host ended the meeting.
type RoomClosed struct {
	Header
	Message string `json:"message"`
}

// Error is a server-side error report. It never mutates session state.
type Error struct {
	Header
	Text string `json:"text"`
}

// TTSState is the playback state of synthesized speech for a transcript.
type TTSState string

const (
	TTSLoading TTSState = "loading"
	TTSReady   TTSState = "ready"
	TTSPlaying TTSState = "playing"
	TTSError   TTSState = "error"
)

// TTSStatus reports the speech synthesis state for a transcript.
type TTSStatus struct {
	Header
	Status       TTSState `json:"status"`
	TranscriptID string   `json:"transcriptId"`
}

func (Partial) Kind() Kind           { return KindPartial }
func (Final) Kind() Kind             { return KindFinal }
func (Translation) Kind() Kind       { return KindTranslation }
func (ParticipantUpdate) Kind() Kind { return KindParticipantUpdate }
func (HostStatus) Kind() Kind        { return KindHostStatus }
func (RoomClosed) Kind() Kind        { return KindRoomClosed }
func (Error) Kind() Kind             { return KindError }
func (TTSStatus) Kind() Kind         { return KindTTSStatus }
