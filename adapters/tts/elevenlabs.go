package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain/repositories"
)

const (
	defaultAPIBaseURL   = "https://api.elevenlabs.io/v1"
	defaultVoiceID      = "21m00Tcm4TlvDq8ikWAM"
	defaultChunkSize    = 3200 // 100 ms of pcm_16000
	defaultOutputFormat = "pcm_16000"
	defaultModelID      = "eleven_multilingual_v2"
	defaultStability    = 0.5
	defaultClarity      = 0.75
	defaultTimeout      = 60 * time.Second
)

// ElevenLabsConfig holds configuration for the ElevenLabsTTS adapter.
// Only APIKey is required.
type ElevenLabsConfig struct {
	APIKey       string
	APIBaseURL   string
	VoiceID      string
	ModelID      string
	OutputFormat string // pcm_<rate> formats report duration and sample rate
	ChunkSize    int
	Stability    float64
	Clarity      float64
	Timeout      time.Duration
}

// ElevenLabsTTS implements TextToSpeech using the Eleven Labs streaming API
type ElevenLabsTTS struct {
	config ElevenLabsConfig
	client *http.Client
	logger *zap.Logger
}

var _ repositories.TextToSpeech = (*ElevenLabsTTS)(nil)

// ElevenLabsVoiceSettings represents voice settings for Eleven Labs API
type ElevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// ElevenLabsRequest represents the request payload for Eleven Labs TTS API
type ElevenLabsRequest struct {
	Text                   string                  `json:"text"`
	ModelID                string                  `json:"model_id"`
	LanguageCode           string                  `json:"language_code,omitempty"`
	VoiceSettings          ElevenLabsVoiceSettings `json:"voice_settings"`
	ApplyTextNormalization string                  `json:"apply_text_normalization,omitempty"`
}

// ValidateElevenLabsConfig validates the ElevenLabsConfig
func ValidateElevenLabsConfig(config ElevenLabsConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("eleven labs API key is required")
	}
	if config.Stability < 0 || config.Stability > 1 {
		return fmt.Errorf("stability must be between 0 and 1, got %f", config.Stability)
	}
	if config.Clarity < 0 || config.Clarity > 1 {
		return fmt.Errorf("clarity must be between 0 and 1, got %f", config.Clarity)
	}
	if config.ChunkSize < 0 {
		return fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}
	return nil
}

// NewElevenLabsTTS creates a new Eleven Labs TTS instance
func NewElevenLabsTTS(config ElevenLabsConfig, logger *zap.Logger) (*ElevenLabsTTS, error) {
	if err := ValidateElevenLabsConfig(config); err != nil {
		return nil, err
	}

	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultAPIBaseURL
	}
	if config.VoiceID == "" {
		config.VoiceID = defaultVoiceID
	}
	if config.ModelID == "" {
		config.ModelID = defaultModelID
	}
	if config.OutputFormat == "" {
		config.OutputFormat = defaultOutputFormat
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = defaultChunkSize
	}
	if config.Stability == 0 {
		config.Stability = defaultStability
	}
	if config.Clarity == 0 {
		config.Clarity = defaultClarity
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	logger.Info("Eleven Labs TTS ready",
		zap.String("voiceID", config.VoiceID),
		zap.String("modelID", config.ModelID),
		zap.String("outputFormat", config.OutputFormat))

	return &ElevenLabsTTS{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}, nil
}

// SampleRate returns the PCM rate of the configured output format, or 0 for
// compressed formats.
func (e *ElevenLabsTTS) SampleRate() int {
	rate, ok := strings.CutPrefix(e.config.OutputFormat, "pcm_")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rate)
	if err != nil {
		return 0
	}
	return n
}

// languageCode maps a BCP-47 tag such as ko-KR to the ISO 639-1 code the API expects.
func languageCode(tag string) string {
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func (e *ElevenLabsTTS) open(ctx context.Context, req repositories.SpeechRequest) (*http.Response, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = e.config.VoiceID
	}

	body, err := json.Marshal(ElevenLabsRequest{
		Text:                   req.Text,
		ModelID:                e.config.ModelID,
		LanguageCode:           languageCode(req.LanguageCode),
		ApplyTextNormalization: "auto",
		VoiceSettings: ElevenLabsVoiceSettings{
			Stability:       e.config.Stability,
			SimilarityBoost: e.config.Clarity,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s&enable_logging=false",
		e.config.APIBaseURL, voiceID, e.config.OutputFormat)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	accept := "audio/mpeg"
	if strings.HasPrefix(e.config.OutputFormat, "pcm") {
		accept = "audio/pcm"
	}
	httpReq.Header.Set("Accept", accept)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", e.config.APIKey)

	e.logger.Debug("Sending request to Eleven Labs API",
		zap.String("voiceID", voiceID),
		zap.Int("textLength", len(req.Text)))

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("eleven labs API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(errorBody)))
	}
	return resp, nil
}

// Stream synthesizes req and delivers audio in ChunkSize pieces as it
// arrives. The channel is closed at the end of the audio or on cancellation.
func (e *ElevenLabsTTS) Stream(ctx context.Context, req repositories.SpeechRequest) (<-chan []byte, error) {
	resp, err := e.open(ctx, req)
	if err != nil {
		return nil, err
	}

	audioChan := make(chan []byte, 10)
	go func() {
		defer close(audioChan)
		defer resp.Body.Close()

		buffer := make([]byte, e.config.ChunkSize)
		totalBytes, chunkCount := 0, 0
		for {
			n, err := io.ReadFull(resp.Body, buffer)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buffer[:n])
				select {
				case audioChan <- chunk:
				case <-ctx.Done():
					e.logger.Warn("Context cancelled while streaming audio data")
					return
				}
				totalBytes += n
				chunkCount++
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				e.logger.Info("Finished streaming audio data",
					zap.Int("totalChunks", chunkCount),
					zap.Int("totalBytes", totalBytes))
				return
			}
			if err != nil {
				e.logger.Error("Error reading response body", zap.Error(err))
				return
			}
		}
	}()
	return audioChan, nil
}

// Synthesize implements repositories.TextToSpeech by collecting the whole stream
func (e *ElevenLabsTTS) Synthesize(ctx context.Context, req repositories.SpeechRequest) (repositories.SpeechResult, error) {
	resp, err := e.open(ctx, req)
	if err != nil {
		return repositories.SpeechResult{}, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return repositories.SpeechResult{}, fmt.Errorf("failed to read audio: %w", err)
	}

	result := repositories.SpeechResult{AudioBytes: audio, SampleRate: e.SampleRate()}
	if result.SampleRate > 0 {
		result.DurationSeconds = float64(len(audio)/2) / float64(result.SampleRate)
	}
	e.logger.Info("Speech synthesized",
		zap.Int("audioBytes", len(audio)),
		zap.Float64("durationSeconds", result.DurationSeconds))
	return result, nil
}

// GetAvailableVoices retrieves available voices from Eleven Labs API
func (e *ElevenLabsTTS) GetAvailableVoices(ctx context.Context) ([]map[string]interface{}, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.APIBaseURL+"/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", e.config.APIKey)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned error %d: %s", resp.StatusCode, string(errorBody))
	}

	var voicesResponse struct {
		Voices []map[string]interface{} `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&voicesResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	e.logger.Info("Retrieved available voices", zap.Int("count", len(voicesResponse.Voices)))
	return voicesResponse.Voices, nil
}
