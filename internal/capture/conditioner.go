package capture

import (
	"math"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/internal/dsp"
)

// ConditionerConfig configures per-frame signal conditioning.
type ConditionerConfig struct {
	// DCBlock enables a one-pole high-pass filter that removes DC offset.
	DCBlock bool
	// GateThreshold zeroes frames whose RMS falls below it. Zero disables the gate.
	GateThreshold float64
	// TargetRMS enables automatic gain toward this level. Zero disables AGC.
	TargetRMS float64
	MinGain   float64
	MaxGain   float64
	// GainStep bounds how far the gain may move per frame.
	GainStep float64
}

// DefaultConditionerConfig returns DC blocking and a light noise gate with AGC off.
func DefaultConditionerConfig() ConditionerConfig {
	return ConditionerConfig{
		DCBlock:       true,
		GateThreshold: 0.003,
		MinGain:       0.5,
		MaxGain:       4,
		GainStep:      0.05,
	}
}

const dcPole = 0.995

// Conditioner removes DC offset, gates noise and applies bounded gain.
// It keeps filter state between frames and is not safe for concurrent use.
type Conditioner struct {
	cfg     ConditionerConfig
	prevIn  float64
	prevOut float64
	gain    float64
}

// NewConditioner creates a conditioner with unity starting gain.
func NewConditioner(cfg ConditionerConfig) *Conditioner {
	if cfg.MinGain <= 0 {
		cfg.MinGain = 1
	}
	if cfg.MaxGain < cfg.MinGain {
		cfg.MaxGain = cfg.MinGain
	}
	if cfg.GainStep <= 0 {
		cfg.GainStep = 0.05
	}
	return &Conditioner{cfg: cfg, gain: 1}
}

// Gain returns the current AGC gain.
func (c *Conditioner) Gain() float64 {
	return c.gain
}

// Process returns a conditioned copy of frame.
func (c *Conditioner) Process(frame entities.AudioFrame) entities.AudioFrame {
	out := frame
	samples := make([]int16, len(frame.Samples))
	copy(samples, frame.Samples)

	if c.cfg.DCBlock {
		for i, s := range samples {
			x := float64(s)
			y := x - c.prevIn + dcPole*c.prevOut
			c.prevIn, c.prevOut = x, y
			samples[i] = clamp16(y)
		}
	}

	rms := dsp.RMS(samples)
	if c.cfg.GateThreshold > 0 && rms < c.cfg.GateThreshold {
		for i := range samples {
			samples[i] = 0
		}
		out.Samples = samples
		return out
	}

	if c.cfg.TargetRMS > 0 && rms > 0 {
		want := c.cfg.TargetRMS / rms
		want = math.Min(math.Max(want, c.cfg.MinGain), c.cfg.MaxGain)
		if want > c.gain {
			c.gain = math.Min(c.gain+c.cfg.GainStep, want)
		} else {
			c.gain = math.Max(c.gain-c.cfg.GainStep, want)
		}
		for i, s := range samples {
			samples[i] = clamp16(float64(s) * c.gain)
		}
	}

	out.Samples = samples
	return out
}

// Reset clears filter state and gain.
func (c *Conditioner) Reset() {
	c.prevIn, c.prevOut = 0, 0
	c.gain = 1
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
