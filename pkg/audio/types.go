package audio

import "encoding/binary"

const (
	// SampleRate is the capture rate expected by the backend, in Hz.
	SampleRate = 16000

	// BlockSize is the number of samples in one quantized block (256 ms at
	// [SampleRate]).
	BlockSize = 4096

	// BlockBytes is the size of one block on the wire: 16-bit samples, no header.
	BlockBytes = BlockSize * 2
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Mono16k is the format the capture engine consumes.
var Mono16k = Format{SampleRate: SampleRate, Channels: 1}

// Block is a quantized run of exactly [BlockSize] signed 16-bit mono samples.
//
// Ownership transfers with the value: once a Block has been handed off by the
// capture engine, the engine never writes to its backing array again.
type Block []int16

// Bytes encodes the block as little-endian int16 PCM. The result is exactly
// len(b)*2 bytes long and carries no framing header.
func (b Block) Bytes() []byte {
	out := make([]byte, len(b)*2)
	for i, s := range b {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DurationMillis returns the playback length of the block in milliseconds at
// [SampleRate].
func (b Block) DurationMillis() int {
	return len(b) * 1000 / SampleRate
}
