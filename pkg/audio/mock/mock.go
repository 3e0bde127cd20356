// Package mock provides in-memory mock implementations of the [audio.Device]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record method calls so that
// tests can assert on call counts, and they expose exported fields that the
// test sets to control return values.
//
// Typical usage:
//
//	stream := &mock.Stream{}
//	dev := &mock.Device{OpenResult: stream}
//	ctrl := capture.NewController(dev, sink)
//	_ = ctrl.Start(ctx)
//	stream.Push(make([]float32, 4096)) // delivers one chunk synchronously
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/echomeet/pkg/audio"
)

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Samples are delivered
// only when the test calls [Stream.Push].
type Stream struct {
	mu sync.Mutex

	// FormatResult is returned by [Stream.Format]. Zero means [audio.Mono16k].
	FormatResult audio.Format

	// StartError is returned by [Stream.Start].
	StartError error

	// CloseError is returned by [Stream.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	cb     func([]float32)
	closed bool
}

// Format implements [audio.Stream].
func (s *Stream) Format() audio.Format {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FormatResult == (audio.Format{}) {
		return audio.Mono16k
	}
	return s.FormatResult
}

// Start implements [audio.Stream].
func (s *Stream) Start(onSamples func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.cb = onSamples
	return nil
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	s.cb = nil
	return s.CloseError
}

// Push delivers samples to the registered callback on the calling goroutine.
// It reports false when the stream is not started or already closed.
func (s *Stream) Push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cb == nil || s.closed {
		return false
	}
	s.cb(samples)
	return true
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Device ──────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// OpenResult is returned by [Device.Open] when OpenError is nil.
	OpenResult audio.Stream

	// OpenError is returned by [Device.Open].
	OpenError error

	// OpenCalls records the format passed to each Open call.
	OpenCalls []audio.Format
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context, want audio.Format) (audio.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, want)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	return d.OpenResult, nil
}

// ─── Sink ────────────────────────────────────────────────────────────────────

// Sink records every block passed to SendAudio.
type Sink struct {
	mu sync.Mutex

	// SendError is returned by [Sink.SendAudio].
	SendError error

	blocks []audio.Block
	notify chan struct{}
}

// SendAudio records block and returns SendError.
func (s *Sink) SendAudio(block audio.Block) error {
	s.mu.Lock()
	s.blocks = append(s.blocks, block)
	ch := s.notify
	err := s.SendError
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return err
}

// Blocks returns a copy of the recorded blocks.
func (s *Sink) Blocks() []audio.Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Block, len(s.blocks))
	copy(out, s.blocks)
	return out
}

// Notify returns a channel that receives a value (non-blocking, buffered 1)
// whenever a block is recorded.
func (s *Sink) Notify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notify == nil {
		s.notify = make(chan struct{}, 1)
	}
	return s.notify
}
