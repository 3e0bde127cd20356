package audio

import (
	"errors"
	"sync"
	"time"
)

// PullFunc fills buf with up to len(buf) samples and returns how many were
// written. done reports that the source is exhausted; samples written in the
// same call are still delivered.
type PullFunc func(buf []float32) (n int, done bool)

// PacedStream is a [Stream] that pulls fixed-size chunks from a [PullFunc]
// on its own goroutine, pacing delivery to the chunk's playback duration.
// It is the shared engine behind file and generator devices.
type PacedStream struct {
	format   Format
	frames   int
	realtime bool
	pull     PullFunc
	release  func() error

	mu       sync.Mutex
	started  bool
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
	closeErr error
}

// NewPacedStream creates a stream delivering chunks of frames frames in
// format. When realtime is false chunks are delivered back to back. release,
// if non-nil, is called once on Close after delivery has stopped.
func NewPacedStream(format Format, frames int, realtime bool, pull PullFunc, release func() error) *PacedStream {
	if frames <= 0 {
		frames = format.SampleRate / 50 // 20 ms
	}
	return &PacedStream{
		format:   format,
		frames:   frames,
		realtime: realtime,
		pull:     pull,
		release:  release,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Format implements [Stream].
func (s *PacedStream) Format() Format { return s.format }

// Start implements [Stream].
func (s *PacedStream) Start(onSamples func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return errors.New("audio: stream closed")
	default:
	}
	if s.started {
		return errors.New("audio: stream already started")
	}
	s.started = true
	go s.run(onSamples)
	return nil
}

func (s *PacedStream) run(onSamples func([]float32)) {
	defer close(s.finished)

	channels := max(s.format.Channels, 1)
	buf := make([]float32, s.frames*channels)

	var tick <-chan time.Time
	if s.realtime && s.format.SampleRate > 0 {
		period := time.Duration(s.frames) * time.Second / time.Duration(s.format.SampleRate)
		t := time.NewTicker(period)
		defer t.Stop()
		tick = t.C
	}

	for {
		if tick != nil {
			select {
			case <-s.done:
				return
			case <-tick:
			}
		} else {
			select {
			case <-s.done:
				return
			default:
			}
		}

		n, exhausted := s.pull(buf)
		if n > 0 {
			onSamples(buf[:n])
		}
		if exhausted {
			return
		}
	}
}

// Finished is closed when delivery stops, either because the source was
// exhausted or because the stream was closed.
func (s *PacedStream) Finished() <-chan struct{} { return s.finished }

// Close implements [Stream]. It waits for the delivery goroutine to exit.
func (s *PacedStream) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		started := s.started
		close(s.done)
		s.mu.Unlock()

		if started {
			<-s.finished
		}
		if s.release != nil {
			s.closeErr = s.release()
		}
	})
	return s.closeErr
}
