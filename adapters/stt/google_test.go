package stt

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

var _ repositories.StreamingRecognizer = (*GoogleRecognizer)(nil)
var _ repositories.StreamingRecognizer = (*MockRecognizer)(nil)

// fakeStream replays scripted responses once CloseSend is called.
type fakeStream struct {
	grpc.ClientStream

	mu        sync.Mutex
	sent      []*speechpb.StreamingRecognizeRequest
	responses []*speechpb.StreamingRecognizeResponse
	endErr    error
	closed    chan struct{}
	ctx       context.Context
}

func newFakeStream(ctx context.Context, endErr error, responses ...*speechpb.StreamingRecognizeResponse) *fakeStream {
	return &fakeStream{responses: responses, endErr: endErr, closed: make(chan struct{}), ctx: ctx}
}

func (f *fakeStream) Send(req *speechpb.StreamingRecognizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeStream) CloseSend() error {
	close(f.closed)
	return nil
}

func (f *fakeStream) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	select {
	case <-f.closed:
	case <-f.ctx.Done():
		return nil, status.Error(codes.Canceled, "context canceled")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return nil, f.endErr
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func (f *fakeStream) requests() []*speechpb.StreamingRecognizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*speechpb.StreamingRecognizeRequest(nil), f.sent...)
}

func response(transcript string, final bool, stability float32) *speechpb.StreamingRecognizeResponse {
	return &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: transcript, Confidence: 0.9}},
			IsFinal:      final,
			Stability:    stability,
		}},
	}
}

func recognizerWith(t *testing.T, stream func(ctx context.Context) *fakeStream) (*GoogleRecognizer, chan *fakeStream) {
	opened := make(chan *fakeStream, 1)
	return &GoogleRecognizer{
		open: func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
			s := stream(ctx)
			opened <- s
			return s, nil
		},
		logger: zaptest.NewLogger(t),
	}, opened
}

func collect(t *testing.T, ch <-chan entities.RecognitionResult) []entities.RecognitionResult {
	t.Helper()
	var out []entities.RecognitionResult
	timeout := time.After(2 * time.Second)
	for {
		select {
		case r, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, r)
		case <-timeout:
			t.Fatal("results channel was not closed")
		}
	}
}

func TestGoogleRecognizer_Stream(t *testing.T) {
	tests := []struct {
		name   string
		endErr error
	}{
		{"clean end", io.EOF},
		{"audio limit", status.Error(codes.OutOfRange, "exceeded maximum allowed stream duration")},
		{"backend down", status.Error(codes.Unavailable, "unavailable")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, opened := recognizerWith(t, func(ctx context.Context) *fakeStream {
				return newFakeStream(ctx, tt.endErr,
					response("다음", false, 0.3),
					response("다음 뉴스", true, 0))
			})

			stream, err := g.Open(context.Background(), "sess-1", repositories.RecognitionConfig{
				AudioConfig:                entities.AudioConfig{SampleRate: 16000, Encoding: "LINEAR16", Language: "ko-KR"},
				EnableAutomaticPunctuation: true,
				Model:                      "latest_short",
				AlternativeLanguages:       []string{"en-US"},
				InterimResults:             true,
			})
			require.NoError(t, err)
			defer stream.Close()
			fake := <-opened

			require.NoError(t, stream.SendAudio([]byte{1, 2}))
			require.NoError(t, stream.SendAudio(nil))
			require.NoError(t, stream.CloseSend())
			require.NoError(t, stream.CloseSend())
			assert.Error(t, stream.SendAudio([]byte{3}))

			results := collect(t, stream.Results())
			require.Len(t, results, 2)
			assert.False(t, results[0].IsFinal)
			assert.InDelta(t, 0.3, results[0].Stability, 1e-6)
			assert.True(t, results[1].IsFinal)
			assert.Equal(t, "다음 뉴스", results[1].Transcript)
			assert.Equal(t, "sess-1", results[1].SessionID)

			reqs := fake.requests()
			require.Len(t, reqs, 2)
			cfg := reqs[0].GetStreamingConfig()
			require.NotNil(t, cfg)
			assert.Equal(t, speechpb.RecognitionConfig_LINEAR16, cfg.GetConfig().GetEncoding())
			assert.EqualValues(t, 16000, cfg.GetConfig().GetSampleRateHertz())
			assert.Equal(t, []string{"en-US"}, cfg.GetConfig().GetAlternativeLanguageCodes())
			assert.Equal(t, "latest_short", cfg.GetConfig().GetModel())
			assert.True(t, cfg.GetInterimResults())
			assert.Equal(t, []byte{1, 2}, reqs[1].GetAudioContent())
		})
	}
}

func TestGoogleRecognizer_CloseCancelsReceive(t *testing.T) {
	g, _ := recognizerWith(t, func(ctx context.Context) *fakeStream {
		return newFakeStream(ctx, io.EOF)
	})
	stream, err := g.Open(context.Background(), "sess-2", repositories.RecognitionConfig{
		AudioConfig: entities.AudioConfig{SampleRate: 16000, Encoding: "LINEAR16", Language: "ko-KR"},
	})
	require.NoError(t, err)

	require.NoError(t, stream.Close())
	assert.Empty(t, collect(t, stream.Results()))
}

func TestGoogleRecognizer_UnsupportedEncoding(t *testing.T) {
	g, _ := recognizerWith(t, func(ctx context.Context) *fakeStream {
		return newFakeStream(ctx, io.EOF)
	})
	_, err := g.Open(context.Background(), "sess-3", repositories.RecognitionConfig{
		AudioConfig: entities.AudioConfig{SampleRate: 16000, Encoding: "MP3"},
	})
	assert.True(t, errors.Is(err, domain.ErrConfig))
}

func TestMockRecognizer(t *testing.T) {
	m := NewMockRecognizer(zaptest.NewLogger(t))
	stream, err := m.Open(context.Background(), "sess-4", repositories.RecognitionConfig{
		AudioConfig:    entities.AudioConfig{SampleRate: 16000, Encoding: "LINEAR16", Language: "ko-KR"},
		InterimResults: true,
	})
	require.NoError(t, err)

	require.NoError(t, stream.SendAudio(make([]byte, 10000)))
	require.NoError(t, stream.CloseSend())
	results := collect(t, stream.Results())
	require.Len(t, results, 2)
	assert.Equal(t, "다음 뉴스", results[1].Transcript)
	assert.True(t, results[1].IsFinal)
	require.NoError(t, stream.Close())
}
