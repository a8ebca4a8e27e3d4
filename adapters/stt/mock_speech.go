package stt

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

// MockRecognizer is an offline StreamingRecognizer for development. It picks a
// canned transcript from the amount of audio received.
type MockRecognizer struct {
	logger *zap.Logger
}

// NewMockRecognizer creates a new mock recognizer
func NewMockRecognizer(logger *zap.Logger) *MockRecognizer {
	return &MockRecognizer{logger: logger}
}

// Open implements repositories.StreamingRecognizer
func (m *MockRecognizer) Open(ctx context.Context, sessionID string, config repositories.RecognitionConfig) (repositories.RecognitionStream, error) {
	m.logger.Info("Opening mock recognition stream",
		zap.String("sessionID", sessionID),
		zap.Int("sampleRate", config.SampleRate),
		zap.String("encoding", config.Encoding),
		zap.String("language", config.Language))

	return &mockStream{
		sessionID: sessionID,
		interim:   config.InterimResults,
		results:   make(chan entities.RecognitionResult, 4),
	}, nil
}

type mockStream struct {
	sessionID string
	interim   bool
	results   chan entities.RecognitionResult

	mu       sync.Mutex
	received int
	done     bool
}

func (s *mockStream) SendAudio(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received += len(data)
	return nil
}

func (s *mockStream) Results() <-chan entities.RecognitionResult {
	return s.results
}

// transcriptFor maps received PCM16 bytes to a canned utterance.
func transcriptFor(size int) string {
	switch {
	case size > 64000:
		return "오늘 경제 뉴스 중에 제일 중요한 게 뭐야"
	case size > 32000:
		return "경제 뉴스"
	case size > 8000:
		return "다음 뉴스"
	case size > 0:
		return "3번"
	default:
		return ""
	}
}

func (s *mockStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true

	transcript := transcriptFor(s.received)
	if transcript != "" {
		if s.interim {
			s.results <- entities.RecognitionResult{SessionID: s.sessionID, Transcript: transcript, Stability: 0.5}
		}
		s.results <- entities.RecognitionResult{SessionID: s.sessionID, Transcript: transcript, Confidence: 0.9, IsFinal: true}
	}
	close(s.results)
	return nil
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.done = true
		close(s.results)
	}
	return nil
}
