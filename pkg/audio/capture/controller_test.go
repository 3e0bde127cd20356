package capture_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/echomeet/pkg/audio"
	"github.com/MrWong99/echomeet/pkg/audio/capture"
	"github.com/MrWong99/echomeet/pkg/audio/mock"
)

func waitBlocks(t *testing.T, sink *mock.Sink, n int) []audio.Block {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if b := sink.Blocks(); len(b) >= n {
			return b
		}
		select {
		case <-sink.Notify():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %d blocks, got %d", n, len(sink.Blocks()))
		}
	}
}

func TestController_ForwardsBlocks(t *testing.T) {
	stream := &mock.Stream{}
	dev := &mock.Device{OpenResult: stream}
	sink := &mock.Sink{}

	var hooked atomic.Int32
	var emitted atomic.Uint64
	ctrl := capture.NewController(dev, sink,
		capture.WithBlockHook(func(audio.Block) { hooked.Add(1) }),
		capture.WithStatsHook(func(e, _ uint64) { emitted.Store(e) }),
	)

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !ctrl.Running() {
		t.Fatal("expected Running after Start")
	}
	if len(dev.OpenCalls) != 1 || dev.OpenCalls[0] != audio.Mono16k {
		t.Errorf("open calls = %v, want one with Mono16k", dev.OpenCalls)
	}

	stream.Push(make([]float32, 2000))
	stream.Push(make([]float32, 2096))
	stream.Push(make([]float32, 100))

	blocks := waitBlocks(t, sink, 1)
	if len(blocks) != 1 {
		t.Fatalf("blocks = %d, want 1", len(blocks))
	}
	if len(blocks[0]) != audio.BlockSize {
		t.Errorf("block len = %d", len(blocks[0]))
	}

	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if hooked.Load() != 1 {
		t.Errorf("hook calls = %d, want 1", hooked.Load())
	}
	if emitted.Load() != 1 {
		t.Errorf("stats emitted = %d, want 1", emitted.Load())
	}
	if !stream.Closed() {
		t.Error("expected stream closed on Stop")
	}
	if ctrl.Running() {
		t.Error("expected not running after Stop")
	}
}

func TestController_PermissionDenied(t *testing.T) {
	dev := &mock.Device{OpenError: audio.ErrPermissionDenied}
	ctrl := capture.NewController(dev, &mock.Sink{})

	err := ctrl.Start(context.Background())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if ctrl.Running() {
		t.Error("capture must not start after permission error")
	}
}

func TestController_StartFailureReleasesDevice(t *testing.T) {
	stream := &mock.Stream{StartError: errors.New("device busy")}
	dev := &mock.Device{OpenResult: stream}
	ctrl := capture.NewController(dev, &mock.Sink{})

	if err := ctrl.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if stream.CallCountClose != 1 {
		t.Errorf("close calls = %d, want 1", stream.CallCountClose)
	}
	if ctrl.Running() {
		t.Error("expected not running")
	}
}

func TestController_DoubleStart(t *testing.T) {
	dev := &mock.Device{OpenResult: &mock.Stream{}}
	ctrl := capture.NewController(dev, &mock.Sink{})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop()

	if err := ctrl.Start(context.Background()); !errors.Is(err, capture.ErrAlreadyRunning) {
		t.Errorf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestController_StopIdle(t *testing.T) {
	ctrl := capture.NewController(&mock.Device{}, &mock.Sink{})
	if err := ctrl.Stop(); err != nil {
		t.Errorf("Stop on idle controller: %v", err)
	}
}

func TestController_SinkErrorsAreReported(t *testing.T) {
	stream := &mock.Stream{}
	sink := &mock.Sink{SendError: errors.New("not connected")}
	errs := make(chan error, 4)
	ctrl := capture.NewController(&mock.Device{OpenResult: stream}, sink,
		capture.WithSendErrorHook(func(err error) { errs <- err }),
	)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stream.Push(make([]float32, audio.BlockSize))

	select {
	case err := <-errs:
		if err.Error() != "not connected" {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send error hook not called")
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestController_ConvertsStereoInput(t *testing.T) {
	stream := &mock.Stream{FormatResult: audio.Format{SampleRate: 16000, Channels: 2}}
	sink := &mock.Sink{}
	ctrl := capture.NewController(&mock.Device{OpenResult: stream}, sink)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// 4096 stereo frames become 4096 mono samples: exactly one block.
	stream.Push(make([]float32, 2*audio.BlockSize))
	waitBlocks(t, sink, 1)
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := len(sink.Blocks()); n != 1 {
		t.Errorf("blocks = %d, want 1", n)
	}
}

func TestController_StopAfterStreamCloseError(t *testing.T) {
	stream := &mock.Stream{CloseError: errors.New("boom")}
	ctrl := capture.NewController(&mock.Device{OpenResult: stream}, &mock.Sink{})
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := ctrl.Stop(); err == nil {
		t.Error("expected close error to propagate")
	}
	if ctrl.Running() {
		t.Error("controller must be idle even when close fails")
	}
}
