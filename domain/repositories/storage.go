package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/drivebrief/domain/entities"
)

// ErrNotFound is returned by stores when a record does not exist
var ErrNotFound = errors.New("record not found")

// ConversationRepository persists per-user conversation history
type ConversationRepository interface {
	Create(ctx context.Context, conversation *entities.Conversation) error
	GetByID(ctx context.Context, id string) (*entities.Conversation, error)
	// GetLastByUser returns nil without error when the user has no conversation
	GetLastByUser(ctx context.Context, userID string) (*entities.Conversation, error)
	Update(ctx context.Context, conversation *entities.Conversation) error
	// ExpireConversations marks stale conversations expired and returns how many changed
	ExpireConversations(ctx context.Context) (int, error)
}

// DeviceRepository defines data access methods for devices
type DeviceRepository interface {
	Create(ctx context.Context, device *entities.Device) error
	GetByID(ctx context.Context, id string) (*entities.Device, error)
	GetBySerialNumber(ctx context.Context, serialNumber string) (*entities.Device, error)
	Update(ctx context.Context, device *entities.Device) error
	Delete(ctx context.Context, id string) error
	// ValidateDevice validates device credentials for authentication
	ValidateDevice(ctx context.Context, serialNumber, secret string) (*entities.Device, error)
}
