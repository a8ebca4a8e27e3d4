package llm

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

// OpenAIConfig configures the OpenAI-compatible intent backend
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIIntentModel classifies intents with an OpenAI chat model in JSON mode
type OpenAIIntentModel struct {
	client *openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAIIntentModel creates an intent model on the chat completions API
func NewOpenAIIntentModel(config OpenAIConfig, logger *zap.Logger) (*OpenAIIntentModel, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	model := config.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAIIntentModel{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		logger: logger,
	}, nil
}

func (m *OpenAIIntentModel) ClassifyIntent(ctx context.Context, req repositories.IntentRequest) (repositories.IntentResponse, error) {
	start := time.Now()
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: m.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: intentPrompt(req)},
			{Role: openai.ChatMessageRoleUser, Content: req.Utterance},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
		MaxTokens:   256,
	})
	if err != nil {
		return repositories.IntentResponse{}, fmt.Errorf("%w: openai: %v", domain.ErrFallbackFailed, err)
	}
	if len(resp.Choices) == 0 {
		return repositories.IntentResponse{}, fmt.Errorf("%w: openai returned no choices", domain.ErrFallbackFailed)
	}

	reply, err := parseIntentReply(resp.Choices[0].Message.Content)
	if err != nil {
		return repositories.IntentResponse{}, err
	}

	m.logger.Debug("OpenAI intent classified",
		zap.String("model", m.model),
		zap.String("intent", reply.Intent),
		zap.Float64("confidence", reply.Confidence),
		zap.Duration("latency", time.Since(start)))
	return reply, nil
}
