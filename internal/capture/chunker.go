package capture

import (
	"time"

	"github.com/satriahrh/drivebrief/domain/entities"
)

// DefaultFrameDuration is the frame length used across the pipeline.
const DefaultFrameDuration = 20 * time.Millisecond

// Chunker slices a PCM stream of arbitrary block sizes into fixed-duration
// frames. Sequence numbers start at 1 and timestamps are derived from the
// sample count, so they stay monotonic even when blocks arrive with jitter.
type Chunker struct {
	sampleRate      int
	samplesPerFrame int

	pending []int16
	start   time.Time
	emitted int64
	seq     uint64
}

// NewChunker creates a chunker for mono audio at sampleRate.
func NewChunker(sampleRate int, frameDuration time.Duration) *Chunker {
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}
	n := int(time.Duration(sampleRate) * frameDuration / time.Second)
	if n < 1 {
		n = 1
	}
	return &Chunker{
		sampleRate:      sampleRate,
		samplesPerFrame: n,
	}
}

// SamplesPerFrame returns the frame length in samples.
func (c *Chunker) SamplesPerFrame() int {
	return c.samplesPerFrame
}

// Write appends samples received at the given wall-clock time and returns the
// complete frames now available. Leftover samples are kept for the next call.
func (c *Chunker) Write(samples []int16, at time.Time) []entities.AudioFrame {
	if c.start.IsZero() {
		c.start = at
	}
	c.pending = append(c.pending, samples...)

	var frames []entities.AudioFrame
	for len(c.pending) >= c.samplesPerFrame {
		buf := make([]int16, c.samplesPerFrame)
		copy(buf, c.pending[:c.samplesPerFrame])
		c.pending = c.pending[c.samplesPerFrame:]

		c.seq++
		offset := time.Duration(c.emitted) * time.Second / time.Duration(c.sampleRate)
		frames = append(frames, entities.AudioFrame{
			Samples:    buf,
			SampleRate: c.sampleRate,
			Sequence:   c.seq,
			CapturedAt: c.start.Add(offset),
		})
		c.emitted += int64(c.samplesPerFrame)
	}
	return frames
}

// Reset drops buffered samples and restarts sequence numbering.
func (c *Chunker) Reset() {
	c.pending = nil
	c.start = time.Time{}
	c.emitted = 0
	c.seq = 0
}
