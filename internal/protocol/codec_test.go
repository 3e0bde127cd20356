package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/echomeet/pkg/types"
)

func TestDecode_Variants(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, msg Message)
	}{
		{
			name:  "partial",
			input: `{"type":"partial","text":"hel","is_final":false,"timestamp":"2024-01-01T00:00:00.000Z"}`,
			check: func(t *testing.T, msg Message) {
				p := msg.(Partial)
				if p.Text != "hel" || p.Time() != "2024-01-01T00:00:00.000Z" {
					t.Errorf("got %+v", p)
				}
			},
		},
		{
			name:  "final with confidence",
			input: `{"type":"final","text":"hello","confidence":0.93,"timestamp":"t1"}`,
			check: func(t *testing.T, msg Message) {
				f := msg.(Final)
				if f.Text != "hello" || f.Confidence == nil || *f.Confidence != 0.93 {
					t.Errorf("got %+v", f)
				}
			},
		},
		{
			name:  "final without confidence",
			input: `{"type":"final","text":"hi","timestamp":"t1"}`,
			check: func(t *testing.T, msg Message) {
				if f := msg.(Final); f.Confidence != nil {
					t.Errorf("confidence = %v, want nil", *f.Confidence)
				}
			},
		},
		{
			name:  "translation",
			input: `{"type":"translation","text":"hola","original_text":"hello","language":"es","source_language":"en","timestamp":"t2"}`,
			check: func(t *testing.T, msg Message) {
				tr := msg.(Translation)
				if tr.Text != "hola" || tr.OriginalText != "hello" || tr.Language != "es" || tr.SourceLanguage != "en" {
					t.Errorf("got %+v", tr)
				}
			},
		},
		{
			name:  "participant join",
			input: `{"type":"participant_update","action":"join","timestamp":"t3","participant":{"id":"u2","name":"Bob","status":"active","joinedAt":"2024-01-01T10:00:00Z","isHost":false,"language":"de"}}`,
			check: func(t *testing.T, msg Message) {
				u := msg.(ParticipantUpdate)
				want := types.Participant{
					ID: "u2", Name: "Bob", Status: types.MemberActive,
					JoinedAt: types.At(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)), Language: "de",
				}
				if u.Action != ActionJoin || !u.Participant.JoinedAt.Equal(want.JoinedAt.Time) ||
					u.Participant.ID != want.ID || u.Participant.Name != want.Name ||
					u.Participant.Status != want.Status || u.Participant.Language != want.Language {
					t.Errorf("got %+v", u)
				}
			},
		},
		{
			name:  "host status",
			input: `{"type":"host_status","status":"disconnected","timestamp":"t4"}`,
			check: func(t *testing.T, msg Message) {
				if h := msg.(HostStatus); h.Status != HostDisconnected {
					t.Errorf("got %+v", h)
				}
			},
		},
		{
			name:  "room closed",
			input: `{"type":"room_closed","message":"bye","timestamp":"t5"}`,
			check: func(t *testing.T, msg Message) {
				if r := msg.(RoomClosed); r.Message != "bye" {
					t.Errorf("got %+v", r)
				}
			},
		},
		{
			name:  "error",
			input: `{"type":"error","text":"asr unavailable","timestamp":"t6"}`,
			check: func(t *testing.T, msg Message) {
				if e := msg.(Error); e.Text != "asr unavailable" {
					t.Errorf("got %+v", e)
				}
			},
		},
		{
			name:  "tts status",
			input: `{"type":"tts_status","status":"playing","transcriptId":"tr-1","timestamp":"t7"}`,
			check: func(t *testing.T, msg Message) {
				s := msg.(TTSStatus)
				if s.Status != TTSPlaying || s.TranscriptID != "tr-1" {
					t.Errorf("got %+v", s)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.input))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			var env struct{ Type string }
			_ = json.Unmarshal([]byte(tt.input), &env)
			if string(msg.Kind()) != env.Type {
				t.Errorf("Kind = %q, want %q", msg.Kind(), env.Type)
			}
			tt.check(t, msg)
		})
	}
}

func TestDecode_ParticipantJoinTimeFormats(t *testing.T) {
	tests := []struct {
		name     string
		joinedAt string
		want     time.Time
	}{
		{name: "rfc3339", joinedAt: `"2024-05-01T10:00:00Z"`, want: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{name: "rfc3339 with offset", joinedAt: `"2024-05-01T12:00:00+02:00"`, want: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{name: "naive iso with micros", joinedAt: `"2024-05-01T10:00:00.123456"`, want: time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)},
		{name: "space separated", joinedAt: `"2024-05-01 10:00:00"`, want: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{name: "space separated with zone", joinedAt: `"2024-05-01 10:00:00+00:00"`, want: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{name: "epoch millis", joinedAt: `1714557600000`, want: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{name: "null", joinedAt: `null`},
		{name: "empty string", joinedAt: `""`},
		{name: "garbage string", joinedAt: `"yesterday"`},
		{name: "object", joinedAt: `{"at":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := `{"type":"participant_update","action":"join","timestamp":"t",` +
				`"participant":{"id":"u2","name":"Bob","status":"active","joinedAt":` + tt.joinedAt + `}}`
			msg, err := Decode([]byte(input))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			u := msg.(ParticipantUpdate)
			if u.Action != ActionJoin || u.Participant.ID != "u2" || u.Participant.Name != "Bob" {
				t.Errorf("update = %+v", u)
			}
			got := u.Participant.JoinedAt.Time
			if tt.want.IsZero() {
				if !got.IsZero() {
					t.Errorf("JoinedAt = %v, want zero", got)
				}
				return
			}
			if !got.Equal(tt.want) {
				t.Errorf("JoinedAt = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecode_ParticipantWithoutJoinTime(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"participant_update","action":"leave","participant":{"id":"u2"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if u := msg.(ParticipantUpdate); u.Action != ActionLeave || !u.Participant.JoinedAt.IsZero() {
		t.Errorf("update = %+v", u)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"invalid json", `{"type":`, ErrMalformed},
		{"not an object", `[1,2,3]`, ErrMalformed},
		{"wrong field type", `{"type":"final","text":42}`, ErrMalformed},
		{"missing type", `{"text":"hi"}`, ErrUnknownType},
		{"unrecognised type", `{"type":"whiteboard"}`, ErrUnknownType},
		{"null", `null`, ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.input))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if msg != nil {
				t.Errorf("msg = %#v, want nil", msg)
			}
		})
	}
}

func TestDecode_UnknownTypeCarriesTag(t *testing.T) {
	_, err := Decode([]byte(`{"type":"whiteboard"}`))
	var ute *UnknownTypeError
	if !errors.As(err, &ute) {
		t.Fatalf("err = %T, want *UnknownTypeError", err)
	}
	if ute.Type != "whiteboard" {
		t.Errorf("Type = %q", ute.Type)
	}
}

func TestClassify_Binary(t *testing.T) {
	_, err := Classify(Payload{Binary: true, Data: []byte{1, 2}})
	if !errors.Is(err, ErrBinaryUnsupported) {
		t.Errorf("err = %v, want ErrBinaryUnsupported", err)
	}

	msg, err := Classify(Payload{Data: []byte(`{"type":"error","text":"x"}`)})
	if err != nil || msg.Kind() != KindError {
		t.Errorf("text payload: msg=%v err=%v", msg, err)
	}
}

func TestEncode_LanguagePreference(t *testing.T) {
	now := time.Date(2024, 3, 5, 12, 30, 45, 123_000_000, time.FixedZone("CET", 3600))
	data, err := Encode(LanguagePreference{Language: "fr"}, now)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var got map[string]string
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := map[string]string{
		"type":      "language_preference",
		"language":  "fr",
		"timestamp": "2024-03-05T11:30:45.123Z",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if len(got) != len(want) {
		t.Errorf("fields = %v", got)
	}
}
