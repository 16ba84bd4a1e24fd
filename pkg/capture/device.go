// Package capture drives the voice-message pipeline: exclusive
// microphone acquisition, the recording state machine with waveform
// sampling, WAV finalization, and logical playback of finished clips.
package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// Stream delivers PCM sample frames from an acquired audio input.
// Samples are normalized to [-1, 1].
type Stream interface {
	// ReadFrame blocks until the next frame is available. io.EOF means
	// the source drained (file-backed inputs); any other error is a
	// device failure.
	ReadFrame() ([]float64, error)
	SampleRate() int
	Close() error
}

// Device grants exclusive access to an audio input. The system
// microphone allows at most one acquisition at a time; Acquire fails
// while a previous stream has not been closed.
type Device interface {
	Acquire(ctx context.Context) (Stream, error)
}

// ErrDeviceBusy is returned when the input is already acquired.
var ErrDeviceBusy = errors.New("audio device already acquired")

// BufferDevice is a Device backed by an in-memory sample buffer. It is
// the input used by tests and by environments without a hardware
// microphone; real integrations implement Device over the platform
// audio API.
type BufferDevice struct {
	mu       sync.Mutex
	samples  []float64
	rate     int
	frame    int
	realtime bool
	acquired bool
	failWith error
}

func NewBufferDevice(samples []float64, sampleRate int) *BufferDevice {
	frame := sampleRate / 12
	if frame < 1 {
		frame = 1
	}
	return &BufferDevice{samples: samples, rate: sampleRate, frame: frame}
}

// SetRealtime makes frames arrive at wall-clock pace instead of as
// fast as the consumer can pull, mimicking a live microphone.
func (d *BufferDevice) SetRealtime(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.realtime = on
}

// FailWith makes the next ReadFrame return the given error, simulating
// a device-level failure mid-recording.
func (d *BufferDevice) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWith = err
}

func (d *BufferDevice) Acquire(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acquired {
		return nil, ErrDeviceBusy
	}
	d.acquired = true
	return &bufferStream{device: d, remaining: d.samples}, nil
}

type bufferStream struct {
	device    *BufferDevice
	remaining []float64
	closed    bool
}

func (s *bufferStream) ReadFrame() ([]float64, error) {
	s.device.mu.Lock()
	if s.closed {
		s.device.mu.Unlock()
		return nil, io.EOF
	}
	if err := s.device.failWith; err != nil {
		s.device.mu.Unlock()
		return nil, err
	}
	if len(s.remaining) == 0 {
		s.device.mu.Unlock()
		return nil, io.EOF
	}
	n := s.device.frame
	if n > len(s.remaining) {
		n = len(s.remaining)
	}
	frame := s.remaining[:n]
	s.remaining = s.remaining[n:]
	realtime := s.device.realtime
	rate := s.device.rate
	s.device.mu.Unlock()

	if realtime {
		time.Sleep(time.Duration(float64(n) / float64(rate) * float64(time.Second)))
	}
	return frame, nil
}

func (s *bufferStream) SampleRate() int { return s.device.rate }

func (s *bufferStream) Close() error {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	if s.closed {
		return errors.New("stream already closed")
	}
	s.closed = true
	s.device.acquired = false
	return nil
}
