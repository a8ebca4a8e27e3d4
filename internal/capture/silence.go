package capture

import (
	"time"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/internal/dsp"
)

// SilenceConfig configures end-of-utterance detection.
type SilenceConfig struct {
	// SpeechThreshold is the frame RMS at or above which a frame counts as speech.
	SpeechThreshold float64
	// SilenceDuration of trailing silence ends an utterance.
	SilenceDuration time.Duration
	// MinSpeechDuration is the shortest voiced span that counts as an utterance.
	MinSpeechDuration time.Duration
	// NoSpeechTimeout ends a recording that never heard speech.
	NoSpeechTimeout time.Duration
	// MaxDuration caps any recording.
	MaxDuration time.Duration
}

// DefaultSilenceConfig returns a 2 s trailing-silence rule.
func DefaultSilenceConfig() SilenceConfig {
	return SilenceConfig{
		SpeechThreshold:   0.02,
		SilenceDuration:   2000 * time.Millisecond,
		MinSpeechDuration: 200 * time.Millisecond,
		NoSpeechTimeout:   5 * time.Second,
		MaxDuration:       15 * time.Second,
	}
}

// End reasons reported by SilenceTracker.
const (
	EndReasonSilence     = "silence"
	EndReasonNoSpeech    = "no_speech"
	EndReasonMaxDuration = "max_duration"
)

// SilenceTracker follows speech and silence using frame timestamps rather
// than the wall clock, so replayed audio ends at the same point as live audio.
type SilenceTracker struct {
	cfg SilenceConfig

	started      time.Time
	speechStart  time.Time
	lastSpeech   time.Time
	latest       time.Time
	speechActive bool
	reason       string
}

// NewSilenceTracker creates a tracker.
func NewSilenceTracker(cfg SilenceConfig) *SilenceTracker {
	return &SilenceTracker{cfg: cfg}
}

// Update feeds one frame and reports whether the utterance has ended.
func (t *SilenceTracker) Update(frame entities.AudioFrame) bool {
	if t.reason != "" {
		return true
	}
	end := frame.CapturedAt.Add(frame.Duration())
	if t.started.IsZero() {
		t.started = frame.CapturedAt
	}
	t.latest = end

	if dsp.RMS(frame.Samples) >= t.cfg.SpeechThreshold {
		if !t.speechActive {
			t.speechActive = true
			t.speechStart = frame.CapturedAt
		}
		t.lastSpeech = end
	}

	switch {
	case t.speechActive && t.SilenceDuration() >= t.cfg.SilenceDuration &&
		t.SpeechDuration() >= t.cfg.MinSpeechDuration:
		t.reason = EndReasonSilence
	case t.speechActive && t.SilenceDuration() >= t.cfg.SilenceDuration:
		// Blip too short to be an utterance; keep listening.
		t.speechActive = false
	case !t.speechActive && t.cfg.NoSpeechTimeout > 0 && end.Sub(t.started) >= t.cfg.NoSpeechTimeout:
		t.reason = EndReasonNoSpeech
	case t.cfg.MaxDuration > 0 && end.Sub(t.started) >= t.cfg.MaxDuration:
		t.reason = EndReasonMaxDuration
	}
	return t.reason != ""
}

// SilenceDuration returns the trailing silence after the last voiced frame.
func (t *SilenceTracker) SilenceDuration() time.Duration {
	if !t.speechActive {
		return 0
	}
	return t.latest.Sub(t.lastSpeech)
}

// SpeechDuration returns the span from first to last voiced frame.
func (t *SilenceTracker) SpeechDuration() time.Duration {
	if !t.speechActive {
		return 0
	}
	return t.lastSpeech.Sub(t.speechStart)
}

// HeardSpeech reports whether any voiced frame has been seen.
func (t *SilenceTracker) HeardSpeech() bool {
	return t.speechActive
}

// EndReason returns why the utterance ended, or "" while it is ongoing.
func (t *SilenceTracker) EndReason() string {
	return t.reason
}

// Reset prepares the tracker for a new utterance.
func (t *SilenceTracker) Reset() {
	*t = SilenceTracker{cfg: t.cfg}
}
