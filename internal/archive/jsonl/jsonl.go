// Package jsonl implements [archive.Writer] as an append-only JSON-lines
// file. Every upsert appends a revision; [Read] keeps the newest revision of
// each (session, seq).
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/echomeet/internal/archive"
)

type record struct {
	RecordedAt  time.Time `json:"recorded_at"`
	SessionID   string    `json:"session_id"`
	RoomCode    string    `json:"room_code"`
	Seq         int       `json:"seq"`
	UserID      string    `json:"user_id,omitempty"`
	Text        string    `json:"text"`
	Translation string    `json:"translation,omitempty"`
	Timestamp   string    `json:"timestamp,omitempty"`
	Confidence  *float64  `json:"confidence,omitempty"`
}

// File appends entries to a local file. Safe for concurrent use.
type File struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

var _ archive.Writer = (*File)(nil)

// New returns a writer for path. The file is created on first write.
func New(path string) *File {
	return &File{path: path, now: time.Now}
}

// Upsert implements [archive.Writer].
func (f *File) Upsert(_ context.Context, e archive.Entry) error {
	data, err := json.Marshal(record{
		RecordedAt:  f.now().UTC(),
		SessionID:   e.SessionID,
		RoomCode:    e.RoomCode,
		Seq:         e.Seq,
		UserID:      e.UserID,
		Text:        e.Text,
		Translation: e.Translation,
		Timestamp:   e.Timestamp,
		Confidence:  e.Confidence,
	})
	if err != nil {
		return fmt.Errorf("jsonl: marshal: %w", err)
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("jsonl: open: %w", err)
	}
	defer fh.Close()

	if _, err := fh.Write(data); err != nil {
		return fmt.Errorf("jsonl: write: %w", err)
	}
	return nil
}

// Read returns the entries of roomCode, newest revision per (session, seq).
// Sessions appear in the order they were first written, each in sequence
// order. A missing file yields no entries.
func Read(path, roomCode string) ([]archive.Entry, error) {
	fh, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jsonl: open: %w", err)
	}
	defer fh.Close()

	type key struct {
		session string
		seq     int
	}
	latest := make(map[key]archive.Entry)
	var sessions []string
	maxSeq := make(map[string]int)

	sc := bufio.NewScanner(fh)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for line := 1; sc.Scan(); line++ {
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return nil, fmt.Errorf("jsonl: line %d: %w", line, err)
		}
		if r.RoomCode != roomCode {
			continue
		}
		if _, seen := maxSeq[r.SessionID]; !seen {
			sessions = append(sessions, r.SessionID)
			maxSeq[r.SessionID] = r.Seq
		}
		latest[key{r.SessionID, r.Seq}] = archive.Entry{
			SessionID:   r.SessionID,
			RoomCode:    r.RoomCode,
			Seq:         r.Seq,
			UserID:      r.UserID,
			Text:        r.Text,
			Translation: r.Translation,
			Timestamp:   r.Timestamp,
			Confidence:  r.Confidence,
		}
		maxSeq[r.SessionID] = max(maxSeq[r.SessionID], r.Seq)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("jsonl: scan: %w", err)
	}

	out := make([]archive.Entry, 0, len(latest))
	for _, sid := range sessions {
		for seq := 0; seq <= maxSeq[sid]; seq++ {
			if e, ok := latest[key{sid, seq}]; ok {
				out = append(out, e)
			}
		}
	}
	return out, nil
}
