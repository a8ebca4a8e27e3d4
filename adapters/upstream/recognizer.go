package upstream

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

// Recognizer opens one upstream connection per recognition session.
type Recognizer struct {
	cfg    Config
	logger *zap.Logger
}

// NewRecognizer creates a recognizer that dials cfg.URL for every session.
func NewRecognizer(cfg Config, logger *zap.Logger) *Recognizer {
	return &Recognizer{cfg: cfg, logger: logger}
}

type sessionStart struct {
	Type                       string   `json:"type"`
	SessionID                  string   `json:"session_id"`
	Encoding                   string   `json:"encoding"`
	SampleRate                 int      `json:"sample_rate"`
	LanguageCode               string   `json:"language_code"`
	EnableAutomaticPunctuation bool     `json:"enable_automatic_punctuation"`
	Model                      string   `json:"model,omitempty"`
	AlternativeLanguages       []string `json:"alternative_languages,omitempty"`
	InterimResults             bool     `json:"interim_results"`
}

type sessionEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func (r *Recognizer) Open(ctx context.Context, sessionID string, config repositories.RecognitionConfig) (repositories.RecognitionStream, error) {
	cfg := r.cfg
	cfg.SessionStart = sessionStart{
		Type:                       "session.start",
		SessionID:                  sessionID,
		Encoding:                   config.Encoding,
		SampleRate:                 config.SampleRate,
		LanguageCode:               config.Language,
		EnableAutomaticPunctuation: config.EnableAutomaticPunctuation,
		Model:                      config.Model,
		AlternativeLanguages:       config.AlternativeLanguages,
		InterimResults:             config.InterimResults,
	}

	client := NewClient(cfg, r.logger.With(zap.String("sessionID", sessionID)))
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("open upstream recognition: %w", err)
	}

	s := &recognitionStream{
		sessionID: sessionID,
		client:    client,
		results:   make(chan entities.RecognitionResult, 16),
		logger:    r.logger,
	}
	go s.translate()
	return s, nil
}

type recognitionStream struct {
	sessionID string
	client    *Client
	results   chan entities.RecognitionResult
	logger    *zap.Logger
}

func (s *recognitionStream) translate() {
	defer close(s.results)
	for ev := range s.client.Events() {
		switch ev.Type {
		case EventTranscript:
			s.results <- entities.RecognitionResult{
				SessionID:  s.sessionID,
				Transcript: ev.Transcript,
				Confidence: ev.Confidence,
				IsFinal:    ev.IsFinal,
				Stability:  ev.Stability,
			}
		case EventError:
			s.logger.Warn("Upstream recognition error",
				zap.String("sessionID", s.sessionID),
				zap.String("code", ev.Code),
				zap.String("message", ev.Message))
		}
	}
}

func (s *recognitionStream) SendAudio(data []byte) error {
	return s.client.SendAudio(data)
}

func (s *recognitionStream) Results() <-chan entities.RecognitionResult {
	return s.results
}

// CloseSend asks the backend to finalize; it answers with the last results
// and a normal closure.
func (s *recognitionStream) CloseSend() error {
	return s.client.SendControl(sessionEnd{Type: "session.end", SessionID: s.sessionID})
}

func (s *recognitionStream) Close() error {
	return s.client.Disconnect()
}
