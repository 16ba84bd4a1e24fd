package capture

import (
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/parley-im/chatcore/pkg/models"
)

type State string

const (
	StateIdle      State = "idle"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopped   State = "stopped"
	StateSent      State = "sent"
	StateDiscarded State = "discarded"
)

// Clip is the finalized capture: a single encoded payload plus the
// metadata the voice message carries.
type Clip struct {
	Payload  []byte
	MimeType string
	Duration float64
	Waveform []float64
}

// Recorder owns the capture state machine. The device handle is held
// from Start until the first of Stop, Discard, or a device failure,
// and is released exactly once on every exit path.
type Recorder struct {
	mu   sync.Mutex
	cond *sync.Cond

	device  Device
	log     zerolog.Logger
	onError func(error)

	state    State
	starting bool
	stream   Stream
	rate     int
	samples  []float64
	sampler  *Sampler
	clip     *Clip
}

func NewRecorder(device Device, log zerolog.Logger) *Recorder {
	r := &Recorder{
		device:  device,
		log:     log,
		state:   StateIdle,
		sampler: NewSampler(DefaultBarCount),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// OnDeviceError registers the callback invoked when the device fails
// mid-recording. Capture errors always surface; recording never fails
// silently.
func (r *Recorder) OnDeviceError(fn func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

// Start acquires the microphone and begins capturing. Failure to
// acquire surfaces as a DeviceError and leaves the machine Idle.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.starting {
		r.mu.Unlock()
		return models.ValidationError("recording already in progress")
	}
	switch r.state {
	case StateIdle, StateSent, StateDiscarded:
	default:
		r.mu.Unlock()
		return models.ValidationError("recording already in progress")
	}
	// Claim the machine before dropping the lock for the acquire, so a
	// concurrent Start cannot pass the gate and grab a second handle.
	r.starting = true
	r.mu.Unlock()

	stream, err := r.device.Acquire(ctx)

	r.mu.Lock()
	r.starting = false
	if err != nil {
		r.mu.Unlock()
		return models.DeviceError(err)
	}
	r.state = StateRecording
	r.stream = stream
	r.rate = stream.SampleRate()
	r.samples = nil
	r.clip = nil
	r.sampler.Reset()
	r.mu.Unlock()

	go r.pump(stream)
	return nil
}

// pump pulls frames while the machine records, parks while paused, and
// exits on any terminal transition.
func (r *Recorder) pump(stream Stream) {
	for {
		r.mu.Lock()
		for r.state == StatePaused {
			r.cond.Wait()
		}
		if r.state != StateRecording {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		frame, err := stream.ReadFrame()

		r.mu.Lock()
		if r.state != StateRecording && r.state != StatePaused {
			r.mu.Unlock()
			return
		}
		if err == io.EOF {
			// Source drained (file-backed input); wait for Stop.
			r.mu.Unlock()
			return
		}
		if err != nil {
			r.failLocked(err)
			r.mu.Unlock()
			return
		}
		r.samples = append(r.samples, frame...)
		r.sampler.Push(RMS(frame))
		r.mu.Unlock()
	}
}

// failLocked handles a device-level failure: partial buffers are
// discarded, the handle released, and the machine returns to Idle.
// Partial recordings are never silently sent.
func (r *Recorder) failLocked(cause error) {
	r.log.Warn().Err(cause).Msg("Audio device failed during recording...")
	r.releaseLocked()
	r.samples = nil
	r.clip = nil
	r.sampler.Reset()
	r.state = StateIdle
	if r.onError != nil {
		go r.onError(models.DeviceError(cause))
	}
}

func (r *Recorder) releaseLocked() {
	if r.stream != nil {
		if err := r.stream.Close(); err != nil {
			r.log.Warn().Err(err).Msg("Unable to release the audio device...")
		}
		r.stream = nil
	}
}

// Pause freezes the elapsed counter without releasing the device.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording {
		return models.ValidationError("not recording")
	}
	r.state = StatePaused
	r.cond.Broadcast()
	return nil
}

func (r *Recorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused {
		return models.ValidationError("not paused")
	}
	r.state = StateRecording
	r.cond.Broadcast()
	return nil
}

// Stop finalizes the captured audio into a single encoded payload and
// releases the device. The handle is gone for good regardless of the
// later Sent or Discarded outcome.
func (r *Recorder) Stop() (Clip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRecording && r.state != StatePaused {
		return Clip{}, models.ValidationError("no active recording")
	}
	r.state = StateStopped
	r.cond.Broadcast()
	r.releaseLocked()

	clip := Clip{
		Payload:  EncodeWAV(r.samples, r.rate),
		MimeType: "audio/wav",
		Duration: float64(len(r.samples)) / float64(r.rate),
		Waveform: r.sampler.Bars(),
	}
	r.clip = &clip
	return clip, nil
}

// Clip returns the finalized payload while the machine sits in
// Stopped (preview ready).
func (r *Recorder) Clip() (Clip, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.clip == nil {
		return Clip{}, false
	}
	return *r.clip, true
}

// MarkSent records that the payload was handed off and drops the local
// buffers.
func (r *Recorder) MarkSent() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateStopped {
		return models.ValidationError("no finalized recording to send")
	}
	r.state = StateSent
	r.samples = nil
	r.clip = nil
	return nil
}

// Discard releases all buffers without producing a message. Valid from
// any active or preview state; mid-capture it also releases the device.
func (r *Recorder) Discard() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateRecording, StatePaused:
		r.state = StateDiscarded
		r.cond.Broadcast()
		r.releaseLocked()
	case StateStopped:
		r.state = StateDiscarded
	default:
		return models.ValidationError("nothing to discard")
	}
	r.samples = nil
	r.clip = nil
	r.sampler.Reset()
	return nil
}

// Close tears the recorder down, releasing the device if still held.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRecording || r.state == StatePaused {
		r.state = StateDiscarded
		r.cond.Broadcast()
		r.releaseLocked()
	}
	r.samples = nil
	r.clip = nil
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Elapsed reports captured audio time in seconds; paused stretches are
// excluded because no samples accrue while paused.
func (r *Recorder) Elapsed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rate == 0 {
		return 0
	}
	return float64(len(r.samples)) / float64(r.rate)
}

// Waveform returns the rolling visualization bars.
func (r *Recorder) Waveform() []float64 {
	return r.sampler.Bars()
}
