package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ConversationStatus represents the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationStatusActive     ConversationStatus = "active"
	ConversationStatusExpired    ConversationStatus = "expired"
	ConversationStatusTerminated ConversationStatus = "terminated"
)

// ConversationMode tells the orchestrator whether a final utterance should
// be treated as a command or passed to the chat model.
type ConversationMode string

const (
	ConversationModeCommand ConversationMode = "command"
	ConversationModeChat    ConversationMode = "chat"
)

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

const (
	// DefaultHistoryWindow is how many messages a conversation keeps.
	DefaultHistoryWindow = 20

	conversationTTL       = 24 * time.Hour
	conversationIdleLimit = 30 * time.Minute
)

// ConversationMessage is one turn in the per-user history
type ConversationMessage struct {
	Role      MessageRole `json:"role" bson:"role"`
	Content   string      `json:"content" bson:"content"`
	Timestamp time.Time   `json:"timestamp" bson:"timestamp"`
	Action    *Action     `json:"action,omitempty" bson:"action,omitempty"`
}

// ConversationMetadata contains conversation-level settings
type ConversationMetadata struct {
	Language string `json:"language" bson:"language"`
	VoiceID  string `json:"voice_id,omitempty" bson:"voice_id,omitempty"`
}

// Conversation is the bounded history between a driver and the assistant
type Conversation struct {
	ID            string                `json:"id" bson:"_id"`
	UserID        string                `json:"user_id" bson:"user_id"`
	DeviceID      string                `json:"device_id" bson:"device_id"`
	CreatedAt     time.Time             `json:"created_at" bson:"created_at"`
	LastActiveAt  time.Time             `json:"last_active_at" bson:"last_active_at"`
	LastMessageAt *time.Time            `json:"last_message_at" bson:"last_message_at"`
	ExpiresAt     time.Time             `json:"expires_at" bson:"expires_at"`
	Status        ConversationStatus    `json:"status" bson:"status"`
	Mode          ConversationMode      `json:"mode" bson:"mode"`
	Window        int                   `json:"window" bson:"window"`
	Messages      []ConversationMessage `json:"messages" bson:"messages"`
	Metadata      ConversationMetadata  `json:"metadata" bson:"metadata"`
}

// NewConversation creates a conversation for a user on a device
func NewConversation(userID, deviceID, language string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:           uuid.New().String(),
		UserID:       userID,
		DeviceID:     deviceID,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(conversationTTL),
		Status:       ConversationStatusActive,
		Mode:         ConversationModeCommand,
		Window:       DefaultHistoryWindow,
		Messages:     make([]ConversationMessage, 0, DefaultHistoryWindow),
		Metadata:     ConversationMetadata{Language: language},
	}
}

// AddMessage appends a message and drops the oldest ones beyond the window
func (c *Conversation) AddMessage(role MessageRole, content string, action *Action) {
	now := time.Now()
	c.Messages = append(c.Messages, ConversationMessage{
		Role:      role,
		Content:   content,
		Timestamp: now,
		Action:    action,
	})
	c.trim()
	c.LastMessageAt = &now
	c.UpdateLastActive()
}

func (c *Conversation) trim() {
	window := c.Window
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if over := len(c.Messages) - window; over > 0 {
		c.Messages = append(c.Messages[:0], c.Messages[over:]...)
	}
}

// UpdateLastActive updates the last active timestamp and extends expiration
func (c *Conversation) UpdateLastActive() {
	c.LastActiveAt = time.Now()
	c.ExpiresAt = c.LastActiveAt.Add(conversationTTL)
}

// IsExpired checks if the conversation can no longer be continued
func (c *Conversation) IsExpired() bool {
	return time.Now().After(c.ExpiresAt) || c.Status != ConversationStatusActive
}

// ShouldStartNew applies the 30-minute continuation rule
func (c *Conversation) ShouldStartNew() bool {
	if c.IsExpired() {
		return true
	}
	if c.LastMessageAt == nil {
		return false
	}
	return time.Since(*c.LastMessageAt) > conversationIdleLimit
}

// Terminate marks the conversation as terminated
func (c *Conversation) Terminate() {
	c.Status = ConversationStatusTerminated
	c.UpdateLastActive()
}

// Expire marks the conversation as expired
func (c *Conversation) Expire() {
	c.Status = ConversationStatusExpired
}

// History returns a copy of the retained messages
func (c *Conversation) History() []ConversationMessage {
	out := make([]ConversationMessage, len(c.Messages))
	copy(out, c.Messages)
	return out
}

// Clone returns a copy that shares no slices with c
func (c *Conversation) Clone() *Conversation {
	out := *c
	out.Messages = c.History()
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		out.LastMessageAt = &t
	}
	return &out
}

// Validate validates the conversation data
func (c *Conversation) Validate() error {
	if c.UserID == "" {
		return errors.New("user_id is required")
	}
	if c.DeviceID == "" {
		return errors.New("device_id is required")
	}
	switch c.Status {
	case ConversationStatusActive, ConversationStatusExpired, ConversationStatusTerminated:
	default:
		return errors.New("invalid conversation status")
	}
	return nil
}
