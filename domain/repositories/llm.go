package repositories

import "context"

// LargeLanguageModel abstracts any chat/LLM provider
type LargeLanguageModel interface {
	// GenerateChat creates a chat session seeded with history
	GenerateChat(ctx context.Context, history []ChatMessage) (ChatSession, error)
}

// ChatSession represents an ongoing conversation session
type ChatSession interface {
	SendMessage(ctx context.Context, message ChatMessage) (ChatMessage, error)
	History() ([]ChatMessage, error)
}

// ChatMessage represents a single message in a conversation
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Role defines the type of message sender
type Role string

const (
	UserRole      Role = "user"
	AssistantRole Role = "assistant"
	SystemRole    Role = "system"
)

// IntentRequest is sent to the generative interpretation tier.
type IntentRequest struct {
	Utterance            string              `json:"utterance"`
	AllowedIntents       []string            `json:"allowed_intents"`
	AllowedEntitySchemas map[string][]string `json:"allowed_entity_schemas"`
}

// IntentResponse is the structured answer expected from the generative tier.
type IntentResponse struct {
	Intent     string         `json:"intent"`
	Entities   map[string]any `json:"entities"`
	Confidence float64        `json:"confidence"`
}

// IntentModel classifies utterances the pattern tier could not resolve.
type IntentModel interface {
	ClassifyIntent(ctx context.Context, req IntentRequest) (IntentResponse, error)
}
