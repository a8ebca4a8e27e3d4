package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

const conversationsCollection = "conversations"

// ConversationRepository implements repositories.ConversationRepository on MongoDB
type ConversationRepository struct {
	collection *mongo.Collection
	logger     *zap.Logger
}

var _ repositories.ConversationRepository = (*ConversationRepository)(nil)

// NewConversationRepository creates the repository and ensures its indexes
func NewConversationRepository(ctx context.Context, db *mongo.Database, logger *zap.Logger) (*ConversationRepository, error) {
	collection := db.Collection(conversationsCollection)

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "last_active_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("failed to create conversation indexes: %w", err)
	}

	return &ConversationRepository{collection: collection, logger: logger}, nil
}

// Create implements repositories.ConversationRepository
func (r *ConversationRepository) Create(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conversation.Validate(); err != nil {
		return err
	}

	if _, err := r.collection.InsertOne(ctx, conversation); err != nil {
		r.logger.Error("Failed to create conversation", zap.Error(err), zap.String("userID", conversation.UserID))
		return fmt.Errorf("failed to create conversation: %w", err)
	}

	r.logger.Info("Conversation created",
		zap.String("conversationID", conversation.ID),
		zap.String("userID", conversation.UserID))
	return nil
}

// GetByID implements repositories.ConversationRepository
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*entities.Conversation, error) {
	var conversation entities.Conversation
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&conversation)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("conversation %s: %w", id, repositories.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return &conversation, nil
}

// GetLastByUser implements repositories.ConversationRepository
func (r *ConversationRepository) GetLastByUser(ctx context.Context, userID string) (*entities.Conversation, error) {
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}

	opts := options.FindOne().SetSort(bson.D{{Key: "last_active_at", Value: -1}})
	var conversation entities.Conversation
	err := r.collection.FindOne(ctx, bson.M{"user_id": userID}, opts).Decode(&conversation)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last conversation for user %s: %w", userID, err)
	}
	return &conversation, nil
}

// Update implements repositories.ConversationRepository
func (r *ConversationRepository) Update(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conversation.Validate(); err != nil {
		return err
	}

	result, err := r.collection.ReplaceOne(ctx, bson.M{"_id": conversation.ID}, conversation)
	if err != nil {
		r.logger.Error("Failed to update conversation", zap.Error(err), zap.String("conversationID", conversation.ID))
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("conversation %s: %w", conversation.ID, repositories.ErrNotFound)
	}

	r.logger.Debug("Conversation updated",
		zap.String("conversationID", conversation.ID),
		zap.Int("messageCount", len(conversation.Messages)))
	return nil
}

// ExpireConversations implements repositories.ConversationRepository
func (r *ConversationRepository) ExpireConversations(ctx context.Context) (int, error) {
	filter := bson.M{
		"status":     entities.ConversationStatusActive,
		"expires_at": bson.M{"$lt": time.Now()},
	}
	update := bson.M{"$set": bson.M{"status": entities.ConversationStatusExpired}}

	result, err := r.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		r.logger.Error("Failed to expire conversations", zap.Error(err))
		return 0, fmt.Errorf("failed to expire conversations: %w", err)
	}
	if result.ModifiedCount > 0 {
		r.logger.Info("Expired conversations", zap.Int64("count", result.ModifiedCount))
	}
	return int(result.ModifiedCount), nil
}
