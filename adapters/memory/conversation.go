package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

// ConversationRepository keeps conversations in process memory. It backs
// development servers and tests; history is lost on restart.
type ConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]*entities.Conversation
	lastByUser    map[string]string // user_id -> most recently active conversation id
}

var _ repositories.ConversationRepository = (*ConversationRepository)(nil)

func NewConversationRepository() *ConversationRepository {
	return &ConversationRepository{
		conversations: make(map[string]*entities.Conversation),
		lastByUser:    make(map[string]string),
	}
}

func (m *ConversationRepository) Create(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conversation.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conversation.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conversation.ID)
	}
	m.conversations[conversation.ID] = conversation.Clone()
	m.touch(conversation)
	return nil
}

func (m *ConversationRepository) GetByID(ctx context.Context, id string) (*entities.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conversation, exists := m.conversations[id]
	if !exists {
		return nil, fmt.Errorf("conversation %s: %w", id, repositories.ErrNotFound)
	}
	return conversation.Clone(), nil
}

func (m *ConversationRepository) GetLastByUser(ctx context.Context, userID string) (*entities.Conversation, error) {
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.lastByUser[userID]
	if !exists {
		return nil, nil
	}
	return m.conversations[id].Clone(), nil
}

func (m *ConversationRepository) Update(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conversation.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conversation.ID]; !exists {
		return fmt.Errorf("conversation %s: %w", conversation.ID, repositories.ErrNotFound)
	}
	m.conversations[conversation.ID] = conversation.Clone()
	m.touch(conversation)
	return nil
}

func (m *ConversationRepository) ExpireConversations(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	count := 0
	for _, conversation := range m.conversations {
		if conversation.Status == entities.ConversationStatusActive && now.After(conversation.ExpiresAt) {
			conversation.Expire()
			count++
		}
	}
	return count, nil
}

// touch must be called with mu held.
func (m *ConversationRepository) touch(conversation *entities.Conversation) {
	current, exists := m.conversations[m.lastByUser[conversation.UserID]]
	if !exists || current.ID == conversation.ID || !conversation.LastActiveAt.Before(current.LastActiveAt) {
		m.lastByUser[conversation.UserID] = conversation.ID
	}
}
