package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

type streamOpener func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

// GoogleRecognizer implements StreamingRecognizer on Google Cloud Speech-to-Text
type GoogleRecognizer struct {
	client *speech.Client
	open   streamOpener
	logger *zap.Logger
}

// NewGoogleRecognizer creates a recognizer sharing one gRPC client across sessions
func NewGoogleRecognizer(ctx context.Context, logger *zap.Logger) (*GoogleRecognizer, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}
	return &GoogleRecognizer{
		client: client,
		open: func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
			return client.StreamingRecognize(ctx)
		},
		logger: logger,
	}, nil
}

// Close releases the gRPC connection
func (g *GoogleRecognizer) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

// Open starts one streaming recognition for a session
func (g *GoogleRecognizer) Open(ctx context.Context, sessionID string, config repositories.RecognitionConfig) (repositories.RecognitionStream, error) {
	encoding, err := getAudioEncoding(config.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfig, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := g.open(streamCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   encoding,
					SampleRateHertz:            int32(config.SampleRate),
					LanguageCode:               config.Language,
					AlternativeLanguageCodes:   config.AlternativeLanguages,
					EnableAutomaticPunctuation: config.EnableAutomaticPunctuation,
					Model:                      config.Model,
				},
				InterimResults: config.InterimResults,
			},
		},
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	s := &googleStream{
		sessionID: sessionID,
		stream:    stream,
		ctx:       streamCtx,
		cancel:    cancel,
		results:   make(chan entities.RecognitionResult, 16),
		logger:    g.logger.With(zap.String("sessionID", sessionID)),
	}
	go s.receive()
	return s, nil
}

type googleStream struct {
	sessionID string
	stream    speechpb.Speech_StreamingRecognizeClient
	ctx       context.Context
	cancel    context.CancelFunc
	results   chan entities.RecognitionResult
	logger    *zap.Logger

	sendMu    sync.Mutex
	sendDone  bool
	closeOnce sync.Once
}

func (s *googleStream) SendAudio(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendDone {
		return fmt.Errorf("send on finished recognition stream")
	}
	if err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: data},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

func (s *googleStream) Results() <-chan entities.RecognitionResult {
	return s.results
}

func (s *googleStream) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendDone {
		return nil
	}
	s.sendDone = true
	return s.stream.CloseSend()
}

func (s *googleStream) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (s *googleStream) receive() {
	defer close(s.results)
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			s.logEnd(err)
			return
		}
		for _, result := range resp.GetResults() {
			alternatives := result.GetAlternatives()
			if len(alternatives) == 0 {
				continue
			}
			r := entities.RecognitionResult{
				SessionID:  s.sessionID,
				Transcript: alternatives[0].GetTranscript(),
				Confidence: float64(alternatives[0].GetConfidence()),
				IsFinal:    result.GetIsFinal(),
				Stability:  float64(result.GetStability()),
			}
			select {
			case s.results <- r:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *googleStream) logEnd(err error) {
	if errors.Is(err, io.EOF) {
		s.logger.Debug("Recognition stream finished")
		return
	}
	switch status.Code(err) {
	case codes.Canceled:
		s.logger.Debug("Recognition stream cancelled")
	case codes.OutOfRange:
		s.logger.Info("Recognition stream hit the audio limit", zap.Error(err))
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		s.logger.Warn("Recognition backend unavailable", zap.Error(err))
	default:
		s.logger.Error("Recognition stream failed", zap.Error(err))
	}
}

// getAudioEncoding converts string encoding to Google Speech API enum
func getAudioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "WAV", "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported audio encoding: %s", encoding)
	}
}
