// Package redis stores conversation history as JSON documents in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

const (
	conversationKeyPrefix = "conversation:"
	lastByUserKeyPrefix   = "conversation:last:"
	activeSetKey          = "conversations:active"

	// keys outlive the 24 h conversation expiry so expired history stays readable
	defaultTTL = 48 * time.Hour
)

// Config holds Redis connection settings
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// ConversationRepository implements repositories.ConversationRepository on Redis
type ConversationRepository struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

var _ repositories.ConversationRepository = (*ConversationRepository)(nil)

// NewConversationRepository connects to Redis and verifies the connection
func NewConversationRepository(ctx context.Context, config Config, logger *zap.Logger) (*ConversationRepository, error) {
	if config.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewConversationRepositoryWithClient(client, config.TTL, logger), nil
}

// NewConversationRepositoryWithClient wraps an existing client
func NewConversationRepositoryWithClient(client *redis.Client, ttl time.Duration, logger *zap.Logger) *ConversationRepository {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &ConversationRepository{client: client, ttl: ttl, logger: logger}
}

func (r *ConversationRepository) Create(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conversation.Validate(); err != nil {
		return err
	}

	val, err := json.Marshal(conversation)
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}
	created, err := r.client.SetNX(ctx, r.key(conversation.ID), val, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	if !created {
		return fmt.Errorf("conversation %s already exists", conversation.ID)
	}
	return r.index(ctx, conversation)
}

func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*entities.Conversation, error) {
	val, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("conversation %s: %w", id, repositories.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}

	var conversation entities.Conversation
	if err := json.Unmarshal(val, &conversation); err != nil {
		return nil, fmt.Errorf("failed to decode conversation %s: %w", id, err)
	}
	return &conversation, nil
}

func (r *ConversationRepository) GetLastByUser(ctx context.Context, userID string) (*entities.Conversation, error) {
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}

	id, err := r.client.Get(ctx, lastByUserKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last conversation for user %s: %w", userID, err)
	}

	conversation, err := r.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		// the document aged out before the pointer did
		return nil, nil
	}
	return conversation, err
}

// Update replaces the stored document under WATCH so a concurrent delete is
// not resurrected.
func (r *ConversationRepository) Update(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conversation.Validate(); err != nil {
		return err
	}

	key := r.key(conversation.ID)
	val, err := json.Marshal(conversation)
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("conversation %s: %w", conversation.ID, repositories.ErrNotFound)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, val, r.ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return err
	}
	return r.index(ctx, conversation)
}

func (r *ConversationRepository) ExpireConversations(ctx context.Context) (int, error) {
	ids, err := r.client.SMembers(ctx, activeSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list active conversations: %w", err)
	}

	now := time.Now()
	count := 0
	for _, id := range ids {
		conversation, err := r.GetByID(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			r.client.SRem(ctx, activeSetKey, id)
			continue
		}
		if err != nil {
			r.logger.Warn("Skipping unreadable conversation", zap.String("conversationID", id), zap.Error(err))
			continue
		}
		if conversation.Status != entities.ConversationStatusActive {
			r.client.SRem(ctx, activeSetKey, id)
			continue
		}
		if !now.After(conversation.ExpiresAt) {
			continue
		}
		conversation.Expire()
		if err := r.Update(ctx, conversation); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		r.logger.Info("Expired conversations", zap.Int("count", count))
	}
	return count, nil
}

// Close closes the underlying client
func (r *ConversationRepository) Close() error {
	return r.client.Close()
}

func (r *ConversationRepository) index(ctx context.Context, conversation *entities.Conversation) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if conversation.Status == entities.ConversationStatusActive {
			pipe.Set(ctx, lastByUserKeyPrefix+conversation.UserID, conversation.ID, r.ttl)
			pipe.SAdd(ctx, activeSetKey, conversation.ID)
		} else {
			pipe.SRem(ctx, activeSetKey, conversation.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to index conversation %s: %w", conversation.ID, err)
	}
	return nil
}

func (r *ConversationRepository) key(id string) string {
	return conversationKeyPrefix + id
}
