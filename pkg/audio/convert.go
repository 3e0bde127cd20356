package audio

import (
	"encoding/binary"
	"log/slog"
	"math"
	"sync"
)

// Quantize converts one float sample in [-1, 1] to int16 using
// clamp(round(sample * 32768), -32768, 32767). NaN maps to 0.
func Quantize(sample float32) int16 {
	if sample != sample {
		return 0
	}
	v := math.Round(float64(sample) * 32768)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// QuantizeInto quantizes src into dst. dst must be at least len(src) long.
func QuantizeInto(dst []int16, src []float32) {
	for i, s := range src {
		dst[i] = Quantize(s)
	}
}

// DecodePCM16 converts little-endian int16 PCM bytes to float32 samples in
// [-1, 1). A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out
}

// StereoToMono averages interleaved L+R float samples into a mono slice.
func StereoToMono(samples []float32) []float32 {
	frames := len(samples) / 2
	out := make([]float32, frames)
	for i := range frames {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}

// ResampleMono resamples a complete mono buffer from srcRate to dstRate
// using linear interpolation. If the rates match, the input is returned
// unchanged. Streams delivered in chunks need a [Resampler] instead.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Resampler linearly resamples a mono stream delivered in chunks of any
// length. The read position and the previous chunk's last sample carry
// over between calls, so output is identical however the input is split
// and the long-run rate is exact. The newest input sample is held back
// until the next chunk supplies its right neighbour.
type Resampler struct {
	src, dst int64

	// next is the position of the next output sample in units of
	// 1/dst source samples, relative to the start of the next chunk. It is
	// negative when that sample falls between last and the next chunk.
	next int64
	last float32
}

// NewResampler returns a resampler from srcRate to dstRate. Non-positive or
// equal rates make it a passthrough.
func NewResampler(srcRate, dstRate int) *Resampler {
	return &Resampler{src: int64(srcRate), dst: int64(dstRate)}
}

// Process resamples one chunk.
func (r *Resampler) Process(samples []float32) []float32 {
	if r.src <= 0 || r.dst <= 0 || r.src == r.dst {
		return samples
	}
	n := int64(len(samples))
	if n == 0 {
		return nil
	}

	at := func(i int64) float32 {
		if i < 0 {
			return r.last
		}
		return samples[i]
	}

	limit := (n - 1) * r.dst
	out := make([]float32, 0, max(0, (limit-r.next)/r.src+1))
	for ; r.next < limit; r.next += r.src {
		idx := r.next / r.dst
		if r.next < 0 {
			idx = -1
		}
		frac := float32(r.next-idx*r.dst) / float32(r.dst)
		out = append(out, at(idx)*(1-frac)+at(idx+1)*frac)
	}
	r.next -= n * r.dst
	r.last = samples[n-1]
	return out
}

// FormatConverter brings device chunks to [Mono16k]. It logs once on the
// first format mismatch. Create one per stream; not safe for shared use.
type FormatConverter struct {
	Source         Format
	warnedMismatch sync.Once
	resampler      *Resampler
}

// Convert returns samples in [Mono16k]. When the source already matches, the
// input slice is returned as-is.
func (c *FormatConverter) Convert(samples []float32) []float32 {
	if c.Source.SampleRate == SampleRate && c.Source.Channels <= 1 {
		return samples
	}
	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from_rate", c.Source.SampleRate,
			"from_channels", c.Source.Channels,
			"to_rate", SampleRate,
		)
	})
	if c.Source.Channels == 2 {
		samples = StereoToMono(samples)
	}
	if c.resampler == nil {
		c.resampler = NewResampler(c.Source.SampleRate, SampleRate)
	}
	return c.resampler.Process(samples)
}
