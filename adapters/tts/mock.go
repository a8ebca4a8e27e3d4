package tts

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

const (
	mockSampleRate     = 16000
	mockSecondsPerRune = 0.08
)

// MockTTS produces a quiet tone whose length follows the text length.
type MockTTS struct{}

var _ repositories.TextToSpeech = MockTTS{}

func (MockTTS) Synthesize(ctx context.Context, req repositories.SpeechRequest) (repositories.SpeechResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return repositories.SpeechResult{}, fmt.Errorf("text cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return repositories.SpeechResult{}, err
	}

	seconds := float64(utf8.RuneCountInString(req.Text)) * mockSecondsPerRune
	n := int(math.Round(seconds * mockSampleRate))
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(2000 * math.Sin(2*math.Pi*440*float64(i)/mockSampleRate))
	}
	return repositories.SpeechResult{
		AudioBytes:      entities.PCM16ToBytes(samples),
		DurationSeconds: float64(n) / mockSampleRate,
		SampleRate:      mockSampleRate,
	}, nil
}
