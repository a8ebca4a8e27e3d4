package entities

import (
	"errors"
	"time"
)

// AudioConfig describes the format of audio sent for recognition.
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// StreamSession is one utterance's worth of streamed audio. Sequence numbers
// start at 1 and SequenceNumber holds the last one forwarded to recognition.
type StreamSession struct {
	ID               string      `json:"id"`
	UserID           string      `json:"user_id"`
	DeviceID         string      `json:"device_id"`
	AudioConfig      AudioConfig `json:"audio_config"`
	StartTime        time.Time   `json:"start_time"`
	LastActivityTime time.Time   `json:"last_activity_time"`
	SequenceNumber   uint64      `json:"sequence_number"`
	IsActive         bool        `json:"is_active"`
	EndedAt          *time.Time  `json:"ended_at,omitempty"`
}

// NewStreamSession creates an active session starting at now.
func NewStreamSession(id, userID, deviceID string, cfg AudioConfig, now time.Time) *StreamSession {
	return &StreamSession{
		ID:               id,
		UserID:           userID,
		DeviceID:         deviceID,
		AudioConfig:      cfg,
		StartTime:        now,
		LastActivityTime: now,
		IsActive:         true,
	}
}

// Touch records activity at now.
func (s *StreamSession) Touch(now time.Time) {
	if now.After(s.LastActivityTime) {
		s.LastActivityTime = now
	}
}

// IsIdle reports whether an active session saw no activity for longer than timeout.
func (s *StreamSession) IsIdle(now time.Time, timeout time.Duration) bool {
	return s.IsActive && now.Sub(s.LastActivityTime) > timeout
}

// End marks the session closed. Ending an already closed session keeps the
// original EndedAt.
func (s *StreamSession) End(now time.Time) {
	if !s.IsActive {
		return
	}
	s.IsActive = false
	s.EndedAt = &now
}

// RetiredBy reports whether a closed session has outlived its grace period.
func (s *StreamSession) RetiredBy(now time.Time, grace time.Duration) bool {
	return !s.IsActive && s.EndedAt != nil && now.Sub(*s.EndedAt) >= grace
}

// Validate checks the identifying fields.
func (s *StreamSession) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if s.AudioConfig.SampleRate <= 0 {
		return errors.New("sample_rate must be positive")
	}
	return nil
}
