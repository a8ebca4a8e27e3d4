package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/satriahrh/drivebrief/domain/repositories"
)

// MockLLM is an offline LargeLanguageModel for development
type MockLLM struct{}

// NewMockLLM creates a new mock chat backend
func NewMockLLM() *MockLLM {
	return &MockLLM{}
}

// GenerateChat implements repositories.LargeLanguageModel
func (m *MockLLM) GenerateChat(ctx context.Context, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	return &MockChatSession{history: append([]repositories.ChatMessage(nil), history...)}, nil
}

// MockChatSession echoes the user back
type MockChatSession struct {
	mu      sync.Mutex
	history []repositories.ChatMessage
}

// SendMessage implements repositories.ChatSession
func (s *MockChatSession) SendMessage(ctx context.Context, message repositories.ChatMessage) (repositories.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, message)

	response := "안녕하세요! 무엇을 도와드릴까요?"
	if message.Content != "" {
		response = fmt.Sprintf("'%s'라고 하셨네요. 더 궁금한 점이 있으면 말씀해 주세요.", message.Content)
	}
	reply := repositories.ChatMessage{Role: repositories.AssistantRole, Content: response}
	s.history = append(s.history, reply)
	return reply, nil
}

// History implements repositories.ChatSession
func (s *MockChatSession) History() ([]repositories.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]repositories.ChatMessage(nil), s.history...), nil
}

// MockIntentModel answers every utterance with a fixed low-confidence reply
type MockIntentModel struct {
	Response repositories.IntentResponse
}

// NewMockIntentModel returns a model that never outranks a real pattern match
func NewMockIntentModel() *MockIntentModel {
	return &MockIntentModel{Response: repositories.IntentResponse{Intent: "unknown", Confidence: 0.1}}
}

// ClassifyIntent implements repositories.IntentModel
func (m *MockIntentModel) ClassifyIntent(ctx context.Context, req repositories.IntentRequest) (repositories.IntentResponse, error) {
	if err := ctx.Err(); err != nil {
		return repositories.IntentResponse{}, err
	}
	return m.Response, nil
}
