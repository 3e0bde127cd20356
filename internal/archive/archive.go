// Package archive persists finalized transcripts as they accumulate in the
// session store.
//
// A [Recorder] subscribes to store snapshots, works out which transcript
// entries are new or gained a translation, and hands them to a [Writer] on
// its own goroutine so the store is never blocked on storage.
package archive

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/echomeet/internal/session"
)

// DefaultQueue is the default number of pending writes.
const DefaultQueue = 256

// Entry is one archived transcript. Entries are keyed by (SessionID, Seq);
// Seq is the transcript's position in the session's append-only list.
// Rejoining a room code starts a new session, so earlier entries survive.
type Entry struct {
	SessionID   string
	RoomCode    string
	Seq         int
	UserID      string
	Text        string
	Translation string
	Timestamp   string
	Confidence  *float64
}

// Writer stores entries. Upsert must replace an existing (SessionID, Seq).
type Writer interface {
	Upsert(ctx context.Context, e Entry) error
}

// Recorder turns state snapshots into archive writes.
type Recorder struct {
	w     Writer
	queue chan Entry

	// mu guards what has been queued for the current session.
	mu           sync.Mutex
	session      string
	translations []string
	dropped      int
}

// NewRecorder returns a recorder that writes through w with a queue of the
// given length (DefaultQueue if <= 0).
func NewRecorder(w Writer, queue int) *Recorder {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Recorder{w: w, queue: make(chan Entry, queue)}
}

// Observe is a [session.Store] subscriber. It never blocks: when the queue
// is full the entry is dropped and logged.
func (r *Recorder) Observe(s session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !s.InRoom() {
		r.session, r.translations = "", nil
		return
	}
	if s.SessionID != r.session {
		r.session, r.translations = s.SessionID, nil
	}

	for i, t := range s.Transcripts {
		if i < len(r.translations) && r.translations[i] == t.Translation {
			continue
		}
		e := Entry{
			SessionID:   s.SessionID,
			RoomCode:    s.RoomCode,
			Seq:         i,
			UserID:      s.UserID,
			Text:        t.Text,
			Translation: t.Translation,
			Timestamp:   t.Timestamp,
			Confidence:  t.Confidence,
		}
		select {
		case r.queue <- e:
		default:
			r.dropped++
			slog.Warn("archive queue full, dropping transcript", "room_code", e.RoomCode, "session_id", e.SessionID, "seq", e.Seq, "dropped", r.dropped)
			// Leave the entry untracked so the next snapshot retries it.
			return
		}
		if i < len(r.translations) {
			r.translations[i] = t.Translation
		} else {
			r.translations = append(r.translations, t.Translation)
		}
	}
}

// Run writes queued entries until ctx is cancelled, then drains what is
// already queued using a detached context. Write failures are logged and do
// not stop the loop.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		case <-ctx.Done():
			drain := context.WithoutCancel(ctx)
			for {
				select {
				case e := <-r.queue:
					r.write(drain, e)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, e Entry) {
	if err := r.w.Upsert(ctx, e); err != nil {
		slog.Error("failed to archive transcript", "room_code", e.RoomCode, "session_id", e.SessionID, "seq", e.Seq, "err", err)
	}
}
