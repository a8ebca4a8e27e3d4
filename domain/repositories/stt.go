package repositories

import (
	"context"

	"github.com/satriahrh/drivebrief/domain/entities"
)

// RecognitionConfig is sent once when a recognition stream opens
type RecognitionConfig struct {
	entities.AudioConfig
	EnableAutomaticPunctuation bool     `json:"enable_automatic_punctuation"`
	Model                      string   `json:"model,omitempty"`
	AlternativeLanguages       []string `json:"alternative_languages,omitempty"`
	InterimResults             bool     `json:"interim_results"`
}

// StreamingRecognizer opens one recognition stream per audio session
type StreamingRecognizer interface {
	Open(ctx context.Context, sessionID string, config RecognitionConfig) (RecognitionStream, error)
}

// RecognitionStream is a single duplex recognition exchange.
//
// Results is closed once the backend has delivered everything it will
// deliver, which happens after CloseSend or on a fatal stream error.
type RecognitionStream interface {
	SendAudio(data []byte) error
	Results() <-chan entities.RecognitionResult
	// CloseSend signals that no more audio follows.
	CloseSend() error
	// Close releases the stream immediately.
	Close() error
}
