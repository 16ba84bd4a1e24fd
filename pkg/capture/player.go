package capture

import (
	"sync"
	"time"

	"github.com/parley-im/chatcore/pkg/models"
)

// PlaybackRates is the enumerated speed set cycled by user action.
var PlaybackRates = []float64{1.0, 1.5, 2.0}

// Player is the logical playback clock over a finalized clip: position
// advances with wall time scaled by the playback rate, and the UI layer
// feeds actual audio output from it. Playback never touches the
// microphone.
type Player struct {
	mu sync.Mutex

	duration  float64
	playing   bool
	position  float64 // fraction [0, 1]
	rateIdx   int
	startedAt time.Time
	nowFn     func() time.Time
}

func NewPlayer(duration float64) *Player {
	return &Player{duration: duration, nowFn: time.Now}
}

func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.duration <= 0 {
		return models.ValidationError("nothing to play")
	}
	if p.playing {
		return nil
	}
	if p.position >= 1 {
		p.position = 0
	}
	p.playing = true
	p.startedAt = p.nowFn()
	return nil
}

func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
	p.playing = false
}

func (p *Player) Toggle() error {
	p.mu.Lock()
	playing := p.playing
	p.mu.Unlock()
	if playing {
		p.Pause()
		return nil
	}
	return p.Play()
}

// Seek jumps to a fractional position of the underlying duration.
func (p *Player) Seek(fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	p.position = fraction
	p.startedAt = p.nowFn()
}

// CycleRate advances to the next playback speed and returns it.
func (p *Player) CycleRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
	p.startedAt = p.nowFn()
	p.rateIdx = (p.rateIdx + 1) % len(PlaybackRates)
	return PlaybackRates[p.rateIdx]
}

func (p *Player) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PlaybackRates[p.rateIdx]
}

// Position returns the current fractional position, stopping at the end
// of the clip.
func (p *Player) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
	return p.position
}

func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked()
	return p.playing
}

// settleLocked folds elapsed play time into the stored position.
func (p *Player) settleLocked() {
	if !p.playing || p.duration <= 0 {
		return
	}
	now := p.nowFn()
	advanced := now.Sub(p.startedAt).Seconds() * PlaybackRates[p.rateIdx] / p.duration
	p.position += advanced
	p.startedAt = now
	if p.position >= 1 {
		p.position = 1
		p.playing = false
	}
}
