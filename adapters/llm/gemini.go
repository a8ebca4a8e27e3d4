package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/drivebrief/domain/repositories"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.7
	defaultTopP           = 0.9
	defaultTopK           = 40
	defaultMaxTokens      = 512
	defaultTimeoutSeconds = 15
	defaultRetryDelay     = time.Second
	maxAttempts           = 3
)

// GeminiConfig configures the Gemini chat and intent backends
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
	TimeoutSeconds  int
	// RetryDelay is multiplied by the attempt number between retries
	RetryDelay time.Duration
	// BaseURL overrides the API endpoint
	BaseURL string
}

// GeminiHardcodedConfig holds prompt and safety settings that are not user tunable
var GeminiHardcodedConfig = struct {
	SystemPrompt   string
	SafetySettings []*genai.SafetySetting
	Fallbacks      []string
}{
	SystemPrompt: `당신은 운전 중인 사용자를 위한 음성 뉴스 브리핑 도우미입니다.
운전자의 주의를 빼앗지 않도록 답변은 두세 문장 이내로 짧고 명확하게 말하세요.
목록, 표, 마크다운, 이모지는 사용하지 마세요. 소리 내어 읽기 좋은 문장만 사용하세요.
기사 내용에 대한 질문에는 사실에 근거해 답하고, 모르면 모른다고 말하세요.`,
	SafetySettings: []*genai.SafetySetting{
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockMediumAndAbove},
	},
	Fallbacks: []string{
		"죄송해요, 잠시 연결이 원활하지 않아요. 다시 한 번 말씀해 주시겠어요?",
		"지금은 답변을 준비하지 못했어요. 조금 뒤에 다시 물어봐 주세요.",
		"잘 못 들었어요. 한 번만 더 말씀해 주세요.",
	},
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}
	if config.TopP < 0 || config.TopP > 1 {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}
	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}
	if config.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must be positive, got %d", config.TimeoutSeconds)
	}
	return nil
}

func (c GeminiConfig) withDefaults() GeminiConfig {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Temperature == 0 {
		c.Temperature = defaultTemperature
	}
	if c.TopP == 0 {
		c.TopP = defaultTopP
	}
	if c.TopK == 0 {
		c.TopK = defaultTopK
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = defaultMaxTokens
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// GeminiLLM implements LargeLanguageModel and IntentModel on Google's Gemini API
type GeminiLLM struct {
	client *genai.Client
	config GeminiConfig
	logger *zap.Logger
}

// NewGeminiLLM creates a new Gemini LLM instance
func NewGeminiLLM(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiLLM, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	clientConfig := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	logger.Info("Gemini client ready", zap.String("model", config.Model))
	return &GeminiLLM{
		client: client,
		config: config,
		logger: logger,
	}, nil
}

// GenerateChat creates a chat session seeded with history
func (g *GeminiLLM) GenerateChat(ctx context.Context, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	return NewGeminiChatSession(g.client, g.config, g.logger, history)
}
