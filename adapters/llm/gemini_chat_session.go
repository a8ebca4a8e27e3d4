package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

// GeminiChatSession implements the ChatSession interface
type GeminiChatSession struct {
	client *genai.Client
	logger *zap.Logger
	config GeminiConfig

	mu      sync.Mutex
	history []*genai.Content
	turn    int
}

// NewGeminiChatSession creates a new chat session with config and history
func NewGeminiChatSession(client *genai.Client, config GeminiConfig, logger *zap.Logger, history []repositories.ChatMessage) (*GeminiChatSession, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	return &GeminiChatSession{
		client:  client,
		logger:  logger,
		config:  config.withDefaults(),
		history: toGeminiContents(history),
	}, nil
}

func (s *GeminiChatSession) generateConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(GeminiHardcodedConfig.SystemPrompt, genai.RoleUser),
		SafetySettings:    GeminiHardcodedConfig.SafetySettings,
		Temperature:       genai.Ptr(s.config.Temperature),
		TopP:              genai.Ptr(s.config.TopP),
		TopK:              genai.Ptr(s.config.TopK),
		MaxOutputTokens:   int32(s.config.MaxOutputTokens),
	}
}

// SendMessage sends a message and gets a reply. Backend failures are
// answered with a spoken fallback instead of an error.
func (s *GeminiChatSession) SendMessage(ctx context.Context, message repositories.ChatMessage) (repositories.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userContent := genai.NewContentFromText(message.Content, genai.RoleUser)
	contents := append(append([]*genai.Content(nil), s.history...), userContent)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.config.TimeoutSeconds)*time.Second)
	defer cancel()

	var (
		response *genai.GenerateContentResponse
		err      error
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		response, err = s.client.Models.GenerateContent(ctx, s.config.Model, contents, s.generateConfig())
		if err == nil {
			break
		}

		s.logger.Warn("Failed to generate content, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt == maxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			attempt = maxAttempts
		case <-time.After(time.Duration(attempt+1) * s.config.RetryDelay):
		}
	}

	if err != nil {
		s.logger.Error("Failed to send message in chat session", zap.Error(err))
		return s.fallback(userContent), nil
	}

	responseText := candidateText(response)
	if responseText == "" {
		s.logger.Warn("Empty response in chat session")
		return s.fallback(userContent), nil
	}

	s.history = append(s.history, userContent, genai.NewContentFromText(responseText, genai.RoleModel))
	s.trim()

	s.logger.Info("Chat session message processed",
		zap.String("userMessage", preview(message.Content)),
		zap.String("responsePreview", preview(responseText)),
		zap.Int("historyLength", len(s.history)))

	return repositories.ChatMessage{
		Role:    repositories.AssistantRole,
		Content: responseText,
	}, nil
}

// History returns the current conversation history
func (s *GeminiChatSession) History() ([]repositories.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fromGeminiContents(s.history), nil
}

func (s *GeminiChatSession) fallback(userContent *genai.Content) repositories.ChatMessage {
	fallbacks := GeminiHardcodedConfig.Fallbacks
	text := fallbacks[s.turn%len(fallbacks)]
	s.turn++

	s.history = append(s.history, userContent, genai.NewContentFromText(text, genai.RoleModel))
	s.trim()

	return repositories.ChatMessage{
		Role:    repositories.AssistantRole,
		Content: text,
	}
}

func (s *GeminiChatSession) trim() {
	if over := len(s.history) - entities.DefaultHistoryWindow; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
}

// candidateText joins the text parts of the first candidate.
func candidateText(response *genai.GenerateContentResponse) string {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if part != nil {
			text.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(text.String())
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > 50 {
		return string(r[:50])
	}
	return s
}

func toGeminiContents(messages []repositories.ChatMessage) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		role := genai.Role(genai.RoleUser)
		if msg.Role == repositories.AssistantRole {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}

func fromGeminiContents(contents []*genai.Content) []repositories.ChatMessage {
	var messages []repositories.ChatMessage
	for _, content := range contents {
		role := repositories.UserRole
		if content.Role == string(genai.RoleModel) {
			role = repositories.AssistantRole
		}

		var text strings.Builder
		for _, part := range content.Parts {
			if part != nil {
				text.WriteString(part.Text)
			}
		}
		if text.Len() > 0 {
			messages = append(messages, repositories.ChatMessage{Role: role, Content: text.String()})
		}
	}
	return messages
}
