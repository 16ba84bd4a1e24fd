package capture

import (
	"math"
	"sync"
)

// DefaultBarCount is the fixed length of the rolling visualization.
const DefaultBarCount = 30

// Sampler folds amplitude readings into a bounded rolling bar array
// for live waveform display. Old bars shift out as new ones arrive.
type Sampler struct {
	mu   sync.Mutex
	bars []float64
}

func NewSampler(barCount int) *Sampler {
	if barCount <= 0 {
		barCount = DefaultBarCount
	}
	return &Sampler{bars: make([]float64, 0, barCount)}
}

// Push records the amplitude of one frame.
func (s *Sampler) Push(amplitude float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amplitude < 0 {
		amplitude = 0
	}
	if amplitude > 1 {
		amplitude = 1
	}
	if len(s.bars) == cap(s.bars) {
		copy(s.bars, s.bars[1:])
		s.bars[len(s.bars)-1] = amplitude
		return
	}
	s.bars = append(s.bars, amplitude)
}

// Bars returns a copy of the current visualization array, never longer
// than the configured bucket count.
func (s *Sampler) Bars() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.bars))
	copy(out, s.bars)
	return out
}

func (s *Sampler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bars = s.bars[:0]
}

// RMS computes the root-mean-square amplitude of a frame, the reading
// pushed into the sampler for each block of captured audio.
func RMS(frame []float64) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, v := range frame {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}
