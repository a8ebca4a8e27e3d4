package testutil

import (
	"math"
	"time"

	"github.com/satriahrh/drivebrief/domain/entities"
)

// FrameBuilder produces deterministic PCM frames for detector tests.
type FrameBuilder struct {
	SampleRate    int
	FrameDuration time.Duration
	Frequency     float64

	start  time.Time
	frames []entities.AudioFrame
	sample int
}

// NewFrameBuilder starts a 16 kHz, 20 ms, 300 Hz builder at start.
func NewFrameBuilder(start time.Time) *FrameBuilder {
	return &FrameBuilder{
		SampleRate:    16000,
		FrameDuration: 20 * time.Millisecond,
		Frequency:     300,
		start:         start,
	}
}

func (b *FrameBuilder) samplesPerFrame() int {
	return int(time.Duration(b.SampleRate) * b.FrameDuration / time.Second)
}

func (b *FrameBuilder) push(amplitude float64) {
	n := b.samplesPerFrame()
	samples := make([]int16, n)
	for i := range samples {
		t := float64(b.sample+i) / float64(b.SampleRate)
		samples[i] = int16(amplitude * 32767 * math.Sin(2*math.Pi*b.Frequency*t))
	}
	b.sample += n
	idx := len(b.frames)
	b.frames = append(b.frames, entities.AudioFrame{
		Samples:    samples,
		SampleRate: b.SampleRate,
		Sequence:   uint64(idx + 1),
		CapturedAt: b.start.Add(time.Duration(idx) * b.FrameDuration),
	})
}

// Silence appends n frames of digital silence.
func (b *FrameBuilder) Silence(n int) *FrameBuilder {
	for i := 0; i < n; i++ {
		b.push(0)
	}
	return b
}

// Tone appends n frames at a constant amplitude in [0, 1].
func (b *FrameBuilder) Tone(n int, amplitude float64) *FrameBuilder {
	for i := 0; i < n; i++ {
		b.push(amplitude)
	}
	return b
}

// Envelope appends one frame per amplitude.
func (b *FrameBuilder) Envelope(amplitudes ...float64) *FrameBuilder {
	for _, a := range amplitudes {
		b.push(a)
	}
	return b
}

// WakePhrase appends 1.2 s of voiced audio with two loudness peaks 15 frames
// apart, the shape of a two-group phrase such as "헤이 드라이빙".
func (b *FrameBuilder) WakePhrase() *FrameBuilder {
	return b.Envelope(WakePhraseEnvelope()...)
}

// Frames returns everything built so far.
func (b *FrameBuilder) Frames() []entities.AudioFrame {
	return b.frames
}

// WakePhraseEnvelope returns 60 per-frame amplitudes peaking at frames 20 and 35.
func WakePhraseEnvelope() []float64 {
	bump := func(d int) float64 {
		v := 0.4 * (1 - math.Abs(float64(d))/4)
		return math.Max(v, 0)
	}
	amps := make([]float64, 60)
	for i := range amps {
		amps[i] = 0.2 + bump(i-20) + bump(i-35)
	}
	return amps
}
