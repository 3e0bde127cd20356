// Package audio defines the capture-side audio types and the input device
// abstraction used by echomeet.
//
// The two primary abstractions are:
//
//   - [Device] opens an input source (microphone, file, generator) and
//     returns a [Stream].
//   - [Stream] is a running source that delivers variable-length chunks of
//     float32 samples on its own goroutine.
//
// Implementations live in sibling packages (audio/wavsource, audio/tone).
// This package lives under pkg/ because third-party input adapters are
// expected to implement [Device] and [Stream].
package audio

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned by [Device.Open] when the operating system
// or the user refused access to the input. Capture never starts in that case.
var ErrPermissionDenied = errors.New("audio: input access denied")

// Stream is an open input source.
//
// Implementations must be safe for concurrent use of Close with the delivery
// goroutine.
type Stream interface {
	// Format reports the format of the samples passed to the callback.
	Format() Format

	// Start begins delivery. onSamples is called on the stream's own goroutine
	// with chunks whose length is chosen by the device. The slice is only valid
	// for the duration of the call. onSamples must not block.
	Start(onSamples func(samples []float32)) error

	// Close stops delivery and releases the underlying handle. After Close
	// returns, onSamples is never called again. Close is idempotent.
	Close() error
}

// Device opens input streams.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// Open acquires the input. want is the preferred format; the returned
	// stream may report a different one, in which case the caller converts.
	// Returns an error wrapping [ErrPermissionDenied] when access is refused.
	Open(ctx context.Context, want Format) (Stream, error)
}
