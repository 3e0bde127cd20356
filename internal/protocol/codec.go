package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformed is returned when a payload is not a JSON object or a
	// recognised variant fails to decode.
	ErrMalformed = errors.New("protocol: malformed payload")

	// ErrUnknownType is returned when the "type" tag is absent or not
	// recognised. Callers log and ignore it.
	ErrUnknownType = errors.New("protocol: unknown message type")

	// ErrBinaryUnsupported is returned for binary inbound payloads, which the
	// protocol does not define.
	ErrBinaryUnsupported = errors.New("protocol: binary inbound payloads are not supported")
)

// UnknownTypeError records the tag of a message that could not be classified.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	if e.Type == "" {
		return "protocol: message has no type"
	}
	return fmt.Sprintf("protocol: unknown message type %q", e.Type)
}

// Unwrap lets errors.Is match [ErrUnknownType].
func (e *UnknownTypeError) Unwrap() error { return ErrUnknownType }

// Payload is one inbound transport message.
type Payload struct {
	Binary bool
	Data   []byte
}

// Classify decodes p into a [Message]. Binary payloads yield
// [ErrBinaryUnsupported].
func Classify(p Payload) (Message, error) {
	if p.Binary {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBinaryUnsupported, len(p.Data))
	}
	return Decode(p.Data)
}

// Decode parses a JSON text payload and dispatches purely on its "type"
// field. It returns an error wrapping [ErrMalformed] for invalid JSON and an
// [*UnknownTypeError] for missing or unrecognised tags.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch Kind(env.Type) {
	case KindPartial:
		return decodeAs[Partial](data)
	case KindFinal:
		return decodeAs[Final](data)
	case KindTranslation:
		return decodeAs[Translation](data)
	case KindParticipantUpdate:
		return decodeAs[ParticipantUpdate](data)
	case KindHostStatus:
		return decodeAs[HostStatus](data)
	case KindRoomClosed:
		return decodeAs[RoomClosed](data)
	case KindError:
		return decodeAs[Error](data)
	case KindTTSStatus:
		return decodeAs[TTSStatus](data)
	default:
		return nil, &UnknownTypeError{Type: env.Type}
	}
}

func decodeAs[T Message](data []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		var zero T
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, zero.Kind(), err)
	}
	return msg, nil
}

// ── Outbound ──────────────────────────────────────────────────────────────────

// Outbound is a client-to-server control message.
type Outbound interface {
	// OutboundType returns the "type" tag written on the wire.
	OutboundType() string
}

// LanguagePreference asks the server to translate into Language.
type LanguagePreference struct {
	Language string `json:"language"`
}

// OutboundType implements [Outbound].
func (LanguagePreference) OutboundType() string { return "language_preference" }

// timestampLayout matches JavaScript's Date.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t the way outbound messages carry it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Encode serialises msg with the common envelope. The message's own fields
// are merged next to "type" and "timestamp".
func Encode(msg Outbound, now time.Time) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.OutboundType(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("protocol: encode %s: message must be an object: %w", msg.OutboundType(), err)
	}

	typ, _ := json.Marshal(msg.OutboundType())
	ts, _ := json.Marshal(FormatTimestamp(now))
	fields["type"] = typ
	fields["timestamp"] = ts
	return json.Marshal(fields)
}
