package wake

import (
	"time"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/internal/dsp"
)

// EnergyConfig configures the energy heuristic detector.
type EnergyConfig struct {
	SpeechThreshold  float64
	SilenceThreshold float64
	// HangoverFrames of silence close a voiced segment.
	HangoverFrames int
	MinDuration    time.Duration
	MaxDuration    time.Duration
	// PeakDistance is the minimum spacing, in frames, between syllable-group peaks.
	PeakDistance int
	Threshold    float64
}

// DefaultEnergyConfig returns thresholds tuned for 20 ms frames.
func DefaultEnergyConfig() EnergyConfig {
	return EnergyConfig{
		SpeechThreshold:  0.02,
		SilenceThreshold: 0.01,
		HangoverFrames:   5,
		MinDuration:      800 * time.Millisecond,
		MaxDuration:      2000 * time.Millisecond,
		PeakDistance:     5,
		Threshold:        0.7,
	}
}

// EnergyDetector finds voiced segments by frame RMS and scores them against
// the loudness shape of a two-group wake phrase.
type EnergyDetector struct {
	cfg EnergyConfig

	active     bool
	overlong   bool
	rms        []float64
	zcr        []float64
	start      time.Time
	lastVoiced entities.AudioFrame
	lastIdx    int
	silentRun  int
}

// NewEnergyDetector creates an energy detector.
func NewEnergyDetector(cfg EnergyConfig) *EnergyDetector {
	if cfg.HangoverFrames <= 0 {
		cfg.HangoverFrames = 1
	}
	if cfg.PeakDistance <= 0 {
		cfg.PeakDistance = 1
	}
	return &EnergyDetector{cfg: cfg}
}

func (d *EnergyDetector) Method() entities.WakeMethod {
	return entities.WakeMethodEnergy
}

// Process feeds one frame. A detection is reported when a voiced segment
// closes and its score reaches the threshold.
func (d *EnergyDetector) Process(frame entities.AudioFrame) (entities.WakeDetectionEvent, bool) {
	level := dsp.RMS(frame.Samples)

	if !d.active {
		if level < d.cfg.SpeechThreshold {
			return entities.WakeDetectionEvent{}, false
		}
		d.active = true
		d.start = frame.CapturedAt
	}

	if !d.overlong {
		d.rms = append(d.rms, level)
		d.zcr = append(d.zcr, dsp.ZeroCrossingRate(frame.Samples))
	}

	if level < d.cfg.SilenceThreshold {
		d.silentRun++
	} else {
		d.silentRun = 0
		d.lastVoiced = frame
		d.lastIdx = len(d.rms) - 1
		if frame.CapturedAt.Add(frame.Duration()).Sub(d.start) > d.cfg.MaxDuration {
			d.overlong = true
		}
	}

	if d.silentRun < d.cfg.HangoverFrames {
		return entities.WakeDetectionEvent{}, false
	}

	defer d.Reset()
	if d.overlong {
		return entities.WakeDetectionEvent{}, false
	}

	duration := d.lastVoiced.CapturedAt.Add(d.lastVoiced.Duration()).Sub(d.start)
	if duration < d.cfg.MinDuration {
		return entities.WakeDetectionEvent{}, false
	}

	score := d.score(duration, d.lastVoiced.Duration())
	if score < d.cfg.Threshold {
		return entities.WakeDetectionEvent{}, false
	}
	return entities.WakeDetectionEvent{
		Method:     entities.WakeMethodEnergy,
		Confidence: score,
		Timestamp:  d.lastVoiced.CapturedAt,
	}, true
}

func (d *EnergyDetector) score(duration, frameDuration time.Duration) float64 {
	series := d.rms[:d.lastIdx+1]
	avg := dsp.Mean(series)
	zcr := dsp.Mean(d.zcr[:d.lastIdx+1])
	peaks := dsp.FindPeaks(series, avg*1.2, d.cfg.PeakDistance)

	var score float64
	if duration >= d.cfg.MinDuration && duration <= d.cfg.MaxDuration {
		score += 0.2
	}

	switch n := len(peaks); {
	case n >= 2 && n <= 5:
		score += 0.3
	case n == 1:
		score += 0.3 * 0.3
	case n > 6:
		score += 0.3 * 0.4
	}

	if len(peaks) >= 2 {
		spacing := time.Duration(dsp.PeakSpacing(peaks) * float64(frameDuration))
		if spacing >= 150*time.Millisecond && spacing <= 600*time.Millisecond {
			score += 0.25
		} else {
			score += 0.25 * 0.4
		}
	}

	if avg >= 0.02 && avg <= 0.5 {
		score += 0.15
	} else {
		score += 0.15 * 0.5
	}

	if zcr >= 0.01 && zcr <= 0.35 {
		score += 0.1
	} else {
		score += 0.1 * 0.5
	}
	return score
}

// Reset drops any partial segment.
func (d *EnergyDetector) Reset() {
	d.active = false
	d.overlong = false
	d.rms = d.rms[:0]
	d.zcr = d.zcr[:0]
	d.start = time.Time{}
	d.lastVoiced = entities.AudioFrame{}
	d.lastIdx = 0
	d.silentRun = 0
}
