// Package tone provides an [audio.Device] that generates a sine wave. It is
// useful for smoke-testing a backend without a recording.
package tone

import (
	"context"
	"math"

	"github.com/MrWong99/echomeet/pkg/audio"
)

// Device generates a mono sine tone at [audio.SampleRate].
type Device struct {
	Frequency float64
	Amplitude float64
	Realtime  bool
}

var _ audio.Device = (*Device)(nil)

// New returns a real-time tone device. Zero arguments select 440 Hz at 0.25.
func New(frequency, amplitude float64) *Device {
	if frequency <= 0 {
		frequency = 440
	}
	if amplitude <= 0 {
		amplitude = 0.25
	}
	return &Device{Frequency: frequency, Amplitude: amplitude, Realtime: true}
}

// Open implements [audio.Device].
func (d *Device) Open(_ context.Context, _ audio.Format) (audio.Stream, error) {
	step := 2 * math.Pi * d.Frequency / audio.SampleRate
	var phase float64
	pull := func(buf []float32) (int, bool) {
		for i := range buf {
			buf[i] = float32(d.Amplitude * math.Sin(phase))
			phase += step
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
		return len(buf), false
	}
	return audio.NewPacedStream(audio.Mono16k, 0, d.Realtime, pull, nil), nil
}
