// Package capture turns a device's float sample stream into fixed-size PCM
// blocks and forwards them to a sink.
//
// [Engine] runs on the device's delivery goroutine and must never block; it
// hands blocks to the rest of the program through a bounded channel, with
// ownership of each [audio.Block] transferring on send. [Controller] owns the
// device handle and the engine for the lifetime of one capture run.
package capture

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/echomeet/pkg/audio"
)

// DefaultQueue is the number of blocks that may wait between the engine and
// the forwarding goroutine (about 4 s of audio).
const DefaultQueue = 16

// Engine accumulates float samples into [audio.BlockSize] runs and emits each
// full run as a quantized [audio.Block]. Partial runs are kept across calls to
// [Engine.Process] and never emitted.
//
// Process must only be called from a single goroutine. Blocks and the
// counters are safe to read from any goroutine.
type Engine struct {
	buf []float32
	idx int

	out chan audio.Block

	emitted atomic.Uint64
	dropped atomic.Uint64

	warnDrop  sync.Once
	closeOnce sync.Once
}

// NewEngine creates an Engine whose output channel buffers up to queue
// blocks. queue <= 0 selects [DefaultQueue].
func NewEngine(queue int) *Engine {
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Engine{
		buf: make([]float32, audio.BlockSize),
		out: make(chan audio.Block, queue),
	}
}

// Blocks returns the channel of emitted blocks. It is closed by [Engine.Close].
func (e *Engine) Blocks() <-chan audio.Block { return e.out }

// Process appends samples to the accumulation buffer, emitting a block each
// time the buffer fills. A nil or empty chunk is a no-op. Process never
// blocks: when the output channel is full the block is dropped and counted.
func (e *Engine) Process(samples []float32) {
	for _, s := range samples {
		e.buf[e.idx] = s
		e.idx++
		if e.idx < audio.BlockSize {
			continue
		}

		block := make(audio.Block, audio.BlockSize)
		audio.QuantizeInto(block, e.buf)
		e.idx = 0
		e.buf = make([]float32, audio.BlockSize)
		e.emit(block)
	}
}

func (e *Engine) emit(block audio.Block) {
	select {
	case e.out <- block:
		e.emitted.Add(1)
	default:
		e.dropped.Add(1)
		e.warnDrop.Do(func() {
			slog.Warn("capture: block queue full, dropping audio", "queue", cap(e.out))
		})
	}
}

// Pending returns the number of samples waiting in the partial buffer.
// Only meaningful from the goroutine that calls Process.
func (e *Engine) Pending() int { return e.idx }

// Emitted returns the number of blocks handed to the output channel.
func (e *Engine) Emitted() uint64 { return e.emitted.Load() }

// Dropped returns the number of blocks discarded because the channel was full.
func (e *Engine) Dropped() uint64 { return e.dropped.Load() }

// Close closes the output channel. The caller must guarantee Process is not
// running and will not be called again. Safe to call more than once.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.out) })
}
