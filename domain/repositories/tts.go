package repositories

import "context"

// SpeechRequest describes one utterance to synthesize
type SpeechRequest struct {
	Text         string `json:"text"`
	LanguageCode string `json:"language_code"`
	VoiceID      string `json:"voice_id,omitempty"`
}

// SpeechResult carries either a URL or raw audio for playback
type SpeechResult struct {
	AudioURL        string  `json:"audio_url,omitempty"`
	AudioBytes      []byte  `json:"-"`
	DurationSeconds float64 `json:"duration_seconds"`
	SampleRate      int     `json:"sample_rate,omitempty"`
}

type TextToSpeech interface {
	Synthesize(ctx context.Context, req SpeechRequest) (SpeechResult, error)
}
