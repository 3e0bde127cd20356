package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/echomeet/pkg/audio"
)

// ErrAlreadyRunning is returned by [Controller.Start] when capture is active.
var ErrAlreadyRunning = errors.New("capture: already running")

// Sink receives quantized blocks. SendAudio must not block for long; the
// transport implements it as a best-effort enqueue.
type Sink interface {
	SendAudio(block audio.Block) error
}

// SinkFunc adapts a plain function to [Sink].
type SinkFunc func(audio.Block) error

// SendAudio calls f(block).
func (f SinkFunc) SendAudio(block audio.Block) error { return f(block) }

// Option configures a [Controller].
type Option func(*Controller)

// WithQueue sets the engine's block queue length.
func WithQueue(n int) Option {
	return func(c *Controller) { c.queue = n }
}

// WithBlockHook registers fn to run on the forwarding goroutine for every
// block, before it is sent to the sink.
func WithBlockHook(fn func(audio.Block)) Option {
	return func(c *Controller) { c.onBlock = fn }
}

// WithSendErrorHook registers fn to run when the sink rejects a block.
func WithSendErrorHook(fn func(error)) Option {
	return func(c *Controller) { c.onSendErr = fn }
}

// WithStatsHook registers fn to receive the engine's emitted and dropped
// block counts when capture stops.
func WithStatsHook(fn func(emitted, dropped uint64)) Option {
	return func(c *Controller) { c.onStats = fn }
}

// Controller owns one input device and the capture engine attached to it.
// Start acquires the device; Stop releases it. Every exit path of Start that
// fails after acquiring the device releases it again.
//
// All methods are safe for concurrent use.
type Controller struct {
	device    audio.Device
	sink      Sink
	queue     int
	onBlock   func(audio.Block)
	onSendErr func(error)
	onStats   func(emitted, dropped uint64)

	mu      sync.Mutex
	stream  audio.Stream
	engine  *Engine
	fwdDone chan struct{}
}

// NewController creates a Controller that reads from device and forwards to sink.
func NewController(device audio.Device, sink Sink, opts ...Option) *Controller {
	c := &Controller{
		device: device,
		sink:   sink,
		queue:  DefaultQueue,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Running reports whether capture is active.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Start opens the device and begins forwarding blocks to the sink. Errors
// from the device (including [audio.ErrPermissionDenied]) are returned
// wrapped and leave no handle open.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stream != nil {
		return ErrAlreadyRunning
	}

	stream, err := c.device.Open(ctx, audio.Mono16k)
	if err != nil {
		return fmt.Errorf("capture: open device: %w", err)
	}

	engine := NewEngine(c.queue)
	conv := &audio.FormatConverter{Source: stream.Format()}
	if err := stream.Start(func(samples []float32) {
		engine.Process(conv.Convert(samples))
	}); err != nil {
		if cerr := stream.Close(); cerr != nil {
			slog.Warn("capture: close after failed start", "err", cerr)
		}
		engine.Close()
		return fmt.Errorf("capture: start stream: %w", err)
	}

	c.stream = stream
	c.engine = engine
	c.fwdDone = make(chan struct{})
	go c.forward(engine, c.fwdDone)

	slog.Info("capture started",
		"sample_rate", stream.Format().SampleRate,
		"channels", stream.Format().Channels,
	)
	return nil
}

// forward drains the engine's channel into the sink until it is closed.
func (c *Controller) forward(engine *Engine, done chan struct{}) {
	defer close(done)
	for block := range engine.Blocks() {
		if c.onBlock != nil {
			c.onBlock(block)
		}
		if err := c.sink.SendAudio(block); err != nil {
			slog.Debug("capture: sink rejected block", "err", err)
			if c.onSendErr != nil {
				c.onSendErr(err)
			}
		}
	}
}

// Stop closes the device, shuts the engine down, and waits for the
// forwarding goroutine to exit. Samples still in the partial buffer are
// discarded. Stop on an idle controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	stream, engine, done := c.stream, c.engine, c.fwdDone
	c.stream, c.engine, c.fwdDone = nil, nil, nil
	c.mu.Unlock()

	if stream == nil {
		return nil
	}

	err := stream.Close()
	engine.Close()
	<-done

	slog.Info("capture stopped",
		"blocks", engine.Emitted(),
		"dropped", engine.Dropped(),
	)
	if c.onStats != nil {
		c.onStats(engine.Emitted(), engine.Dropped())
	}
	if err != nil {
		return fmt.Errorf("capture: close stream: %w", err)
	}
	return nil
}
