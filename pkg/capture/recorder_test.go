package capture

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-im/chatcore/pkg/models"
)

func sineSamples(seconds float64, rate int) []float64 {
	n := int(seconds * float64(rate))
	out := make([]float64, n)
	for i := range out {
		out[i] = 0.5 * math.Sin(2*math.Pi*440*float64(i)/float64(rate))
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// scriptStream feeds frames pushed by the test, so the pace of capture
// is entirely under test control.
type scriptStream struct {
	mu     sync.Mutex
	frames chan []float64
	rate   int
	closes int
	fail   error
}

func (s *scriptStream) ReadFrame() ([]float64, error) {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	frame, ok := <-s.frames
	if !ok {
		return nil, io.EOF
	}
	return frame, nil
}

func (s *scriptStream) SampleRate() int { return s.rate }

func (s *scriptStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *scriptStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func (s *scriptStream) failWith(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
	// Unblock a pump parked on the channel.
	select {
	case s.frames <- nil:
	default:
	}
}

type scriptDevice struct {
	stream *scriptStream
}

func newScriptDevice(rate int) *scriptDevice {
	return &scriptDevice{stream: &scriptStream{frames: make(chan []float64, 8), rate: rate}}
}

func (d *scriptDevice) Acquire(_ context.Context) (Stream, error) {
	return d.stream, nil
}

func TestRecordStopProducesClip(t *testing.T) {
	device := NewBufferDevice(sineSamples(2, 8000), 8000)
	r := NewRecorder(device, zerolog.Nop())

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "buffer to drain", func() bool { return r.Elapsed() >= 2 })

	clip, err := r.Stop()
	if err != nil {
		t.Fatal(err)
	}
	if r.State() != StateStopped {
		t.Fatalf("state %s after stop", r.State())
	}
	if clip.Duration != 2 {
		t.Fatalf("duration %v, want 2", clip.Duration)
	}
	if clip.MimeType != "audio/wav" {
		t.Fatalf("mime %q", clip.MimeType)
	}
	if want := 44 + 16000*2; len(clip.Payload) != want {
		t.Fatalf("payload %d bytes, want %d", len(clip.Payload), want)
	}
	if len(clip.Waveform) == 0 || len(clip.Waveform) > DefaultBarCount {
		t.Fatalf("waveform has %d bars", len(clip.Waveform))
	}

	if err := r.MarkSent(); err != nil {
		t.Fatal(err)
	}
	if r.State() != StateSent {
		t.Fatalf("state %s after send", r.State())
	}

	// The device was released at Stop; a new capture can begin.
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("device still held after finalize: %v", err)
	}
	r.Close()
}

func TestPauseFreezesElapsed(t *testing.T) {
	device := newScriptDevice(1000)
	r := NewRecorder(device, zerolog.Nop())

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	device.stream.frames <- make([]float64, 1000)
	waitFor(t, "first second of audio", func() bool { return r.Elapsed() >= 1 })

	if err := r.Pause(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := r.Elapsed(); got != 1 {
		t.Fatalf("elapsed advanced to %v while paused", got)
	}

	if err := r.Resume(); err != nil {
		t.Fatal(err)
	}
	device.stream.frames <- make([]float64, 1000)
	waitFor(t, "second second of audio", func() bool { return r.Elapsed() >= 2 })

	clip, err := r.Stop()
	if err != nil {
		t.Fatal(err)
	}
	// Only captured audio counts; the paused stretch contributes nothing.
	if clip.Duration != 2 {
		t.Fatalf("duration %v, want 2", clip.Duration)
	}
	close(device.stream.frames)
}

func TestDeviceReleasedExactlyOnce(t *testing.T) {
	device := newScriptDevice(1000)
	r := NewRecorder(device, zerolog.Nop())

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	device.stream.frames <- make([]float64, 500)
	waitFor(t, "captured audio", func() bool { return r.Elapsed() > 0 })

	if _, err := r.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := r.Discard(); err != nil {
		t.Fatal(err)
	}
	r.Close()
	close(device.stream.frames)

	if got := device.stream.closeCount(); got != 1 {
		t.Fatalf("device released %d times, want exactly 1", got)
	}
}

func TestDiscardMidRecordingReleasesDevice(t *testing.T) {
	device := NewBufferDevice(sineSamples(1, 8000), 8000)
	r := NewRecorder(device, zerolog.Nop())

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Discard(); err != nil {
		t.Fatal(err)
	}
	if r.State() != StateDiscarded {
		t.Fatalf("state %s after discard", r.State())
	}
	if _, ok := r.Clip(); ok {
		t.Fatal("discard kept a clip around")
	}

	// The handle is free again.
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("device still held after discard: %v", err)
	}
	r.Close()
}

func TestDeviceFailureDiscardsAndSurfaces(t *testing.T) {
	device := newScriptDevice(1000)
	r := NewRecorder(device, zerolog.Nop())

	failed := make(chan error, 1)
	r.OnDeviceError(func(err error) { failed <- err })

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	device.stream.frames <- make([]float64, 500)
	waitFor(t, "captured audio", func() bool { return r.Elapsed() > 0 })

	device.stream.failWith(errors.New("stream underrun"))

	select {
	case err := <-failed:
		if !errors.Is(err, models.ErrDevice) {
			t.Fatalf("surfaced error is not a device error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device failure never surfaced")
	}

	waitFor(t, "machine to reset", func() bool { return r.State() == StateIdle })
	if got := r.Elapsed(); got != 0 {
		t.Fatalf("partial capture kept %v seconds after failure", got)
	}
	if got := device.stream.closeCount(); got != 1 {
		t.Fatalf("device released %d times, want exactly 1", got)
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	device := NewBufferDevice(sineSamples(1, 8000), 8000)
	if _, err := device.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := device.Acquire(context.Background()); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("second acquire: want busy, got %v", err)
	}

	r := NewRecorder(device, zerolog.Nop())
	if err := r.Start(context.Background()); !errors.Is(err, models.ErrDevice) {
		t.Fatalf("start on a held device: want device error, got %v", err)
	}
	if r.State() != StateIdle {
		t.Fatalf("failed start left state %s", r.State())
	}
}

func TestStartWhileRecordingRejected(t *testing.T) {
	device := newScriptDevice(1000)
	r := NewRecorder(device, zerolog.Nop())

	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}
	if err := r.MarkSent(); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("mark sent while recording: want validation error, got %v", err)
	}
	r.Close()
	close(device.stream.frames)
}

// gatedDevice parks Acquire until the test opens the gate, exposing the
// window between the state check and the device grab.
type gatedDevice struct {
	inner    Device
	gate     chan struct{}
	acquires atomic.Int32
}

func (d *gatedDevice) Acquire(ctx context.Context) (Stream, error) {
	d.acquires.Add(1)
	<-d.gate
	return d.inner.Acquire(ctx)
}

func TestConcurrentStartsAcquireOnce(t *testing.T) {
	device := &gatedDevice{
		inner: NewBufferDevice(sineSamples(1, 8000), 8000),
		gate:  make(chan struct{}),
	}
	r := NewRecorder(device, zerolog.Nop())

	first := make(chan error, 1)
	go func() { first <- r.Start(context.Background()) }()
	waitFor(t, "first start to reach the device", func() bool { return device.acquires.Load() == 1 })

	// The second caller must bounce off the claim without ever touching
	// the device.
	if err := r.Start(context.Background()); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("want validation error, got %v", err)
	}

	close(device.gate)
	if err := <-first; err != nil {
		t.Fatal(err)
	}
	waitFor(t, "recording state", func() bool { return r.State() == StateRecording })
	if got := device.acquires.Load(); got != 1 {
		t.Fatalf("device acquired %d times, want once", got)
	}

	if _, err := r.Stop(); err != nil {
		t.Fatal(err)
	}
}
