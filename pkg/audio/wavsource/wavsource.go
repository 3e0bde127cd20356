// Package wavsource provides an [audio.Device] that plays a 16-bit PCM WAV
// file as if it were a microphone. It is used for headless runs and for
// replaying recorded meetings against a backend.
package wavsource

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/MrWong99/echomeet/pkg/audio"
)

// Option configures a [Device].
type Option func(*Device)

// WithLoop restarts the file from the beginning when it ends.
func WithLoop(loop bool) Option {
	return func(d *Device) { d.loop = loop }
}

// WithRealtime controls whether chunks are paced to wall-clock time.
// Defaults to true.
func WithRealtime(rt bool) Option {
	return func(d *Device) { d.realtime = rt }
}

// WithChunkFrames sets how many frames are delivered per callback.
func WithChunkFrames(n int) Option {
	return func(d *Device) { d.frames = n }
}

// Device opens a WAV file on every call to Open.
type Device struct {
	path     string
	loop     bool
	realtime bool
	frames   int
}

var _ audio.Device = (*Device)(nil)

// New creates a Device for the WAV file at path.
func New(path string, opts ...Option) *Device {
	d := &Device{path: path, realtime: true}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Header is the subset of the WAV fmt chunk the device needs.
type Header struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	DataSize      uint32
}

// Open implements [audio.Device]. A file the process may not read is
// reported as [audio.ErrPermissionDenied].
func (d *Device) Open(_ context.Context, _ audio.Format) (audio.Stream, error) {
	f, err := os.Open(d.path)
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("wavsource: %w: %v", audio.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("wavsource: open %q: %w", d.path, err)
	}

	hdr, dataStart, err := ReadHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wavsource: %q: %w", d.path, err)
	}

	format := audio.Format{SampleRate: int(hdr.SampleRate), Channels: int(hdr.Channels)}
	r := &pcmReader{
		f:         f,
		br:        bufio.NewReader(io.LimitReader(f, int64(hdr.DataSize))),
		dataStart: dataStart,
		dataSize:  int64(hdr.DataSize),
		loop:      d.loop,
	}
	return audio.NewPacedStream(format, d.frames, d.realtime, r.pull, f.Close), nil
}

// ReadHeader parses the RIFF header of r, skipping unknown chunks, and
// leaves r positioned at the first byte of the data chunk. It returns the
// offset of that byte.
func ReadHeader(r io.ReadSeeker) (Header, int64, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Header{}, 0, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Header{}, 0, errors.New("not a RIFF/WAVE file")
	}

	var hdr Header
	haveFmt := false
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return Header{}, 0, fmt.Errorf("missing data chunk: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return Header{}, 0, fmt.Errorf("fmt chunk too short: %d", size)
			}
			var body [16]byte
			if _, err := io.ReadFull(r, body[:]); err != nil {
				return Header{}, 0, fmt.Errorf("read fmt chunk: %w", err)
			}
			hdr.AudioFormat = binary.LittleEndian.Uint16(body[0:2])
			hdr.Channels = binary.LittleEndian.Uint16(body[2:4])
			hdr.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			hdr.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			if _, err := r.Seek(int64(size-16+size%2), io.SeekCurrent); err != nil {
				return Header{}, 0, err
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return Header{}, 0, errors.New("data chunk before fmt chunk")
			}
			if hdr.AudioFormat != 1 {
				return Header{}, 0, fmt.Errorf("unsupported audio format %d (only PCM)", hdr.AudioFormat)
			}
			if hdr.BitsPerSample != 16 {
				return Header{}, 0, fmt.Errorf("unsupported bit depth %d (only 16-bit)", hdr.BitsPerSample)
			}
			if hdr.Channels != 1 && hdr.Channels != 2 {
				return Header{}, 0, fmt.Errorf("unsupported channel count %d", hdr.Channels)
			}
			hdr.DataSize = size
			pos, err := r.Seek(0, io.SeekCurrent)
			if err != nil {
				return Header{}, 0, err
			}
			return hdr, pos, nil

		default:
			if _, err := r.Seek(int64(size+size%2), io.SeekCurrent); err != nil {
				return Header{}, 0, err
			}
		}
	}
}

// pcmReader converts the data chunk to float samples on demand.
type pcmReader struct {
	f         *os.File
	br        *bufio.Reader
	dataStart int64
	dataSize  int64
	loop      bool
	scratch   []byte
}

func (p *pcmReader) pull(buf []float32) (int, bool) {
	need := len(buf) * 2
	if cap(p.scratch) < need {
		p.scratch = make([]byte, need)
	}
	raw := p.scratch[:need]

	n, err := io.ReadFull(p.br, raw)
	n -= n % 2
	copy(buf, audio.DecodePCM16(raw[:n]))
	samples := n / 2

	if err == nil {
		return samples, false
	}
	if !p.loop {
		return samples, true
	}
	if _, serr := p.f.Seek(p.dataStart, io.SeekStart); serr != nil {
		return samples, true
	}
	p.br.Reset(io.LimitReader(p.f, p.dataSize))
	return samples, false
}
