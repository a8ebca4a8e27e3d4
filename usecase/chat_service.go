package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

// ChatService answers free-form questions with the chat model, seeded from
// the stored conversation history
type ChatService struct {
	llm repositories.LargeLanguageModel
}

// NewChatService creates a new chat service
func NewChatService(llm repositories.LargeLanguageModel) *ChatService {
	return &ChatService{llm: llm}
}

// Reply sends text as the next user turn after history and returns the assistant's answer
func (s *ChatService) Reply(ctx context.Context, history []entities.ConversationMessage, text string) (string, error) {
	if s == nil || s.llm == nil {
		return "", errors.New("no chat model configured")
	}

	chatSession, err := s.llm.GenerateChat(ctx, toChatHistory(history))
	if err != nil {
		return "", fmt.Errorf("failed to start chat session: %w", err)
	}

	reply, err := chatSession.SendMessage(ctx, repositories.ChatMessage{
		Role:    repositories.UserRole,
		Content: text,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send chat message: %w", err)
	}
	content := strings.TrimSpace(reply.Content)
	if content == "" {
		return "", errors.New("chat model returned an empty reply")
	}
	return content, nil
}

// toChatHistory keeps the spoken exchange only. Command confirmations are
// dropped so the model does not imitate them.
func toChatHistory(messages []entities.ConversationMessage) []repositories.ChatMessage {
	history := make([]repositories.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Action != nil && m.Action.IsCommand() {
			continue
		}
		var role repositories.Role
		switch m.Role {
		case entities.MessageRoleUser:
			role = repositories.UserRole
		case entities.MessageRoleAssistant:
			role = repositories.AssistantRole
		default:
			role = repositories.SystemRole
		}
		history = append(history, repositories.ChatMessage{Role: role, Content: m.Content})
	}
	return history
}
