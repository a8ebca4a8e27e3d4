package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain/repositories"
	"github.com/satriahrh/drivebrief/internal/metrics"
)

// ConversationCleanupService periodically marks stale conversations expired
type ConversationCleanupService struct {
	conversations repositories.ConversationRepository
	interval      time.Duration
	initialDelay  time.Duration
	logger        *zap.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	loopDone chan struct{}
}

// NewConversationCleanupService runs every interval, first after initialDelay
func NewConversationCleanupService(conversations repositories.ConversationRepository, interval, initialDelay time.Duration, logger *zap.Logger) *ConversationCleanupService {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if initialDelay <= 0 {
		initialDelay = time.Minute
	}
	return &ConversationCleanupService{
		conversations: conversations,
		interval:      interval,
		initialDelay:  initialDelay,
		logger:        logger,
		stopChan:      make(chan struct{}),
		loopDone:      make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *ConversationCleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Conversation cleanup service started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and waits for a running cleanup to finish
func (s *ConversationCleanupService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		<-s.loopDone
		s.logger.Info("Conversation cleanup service stopped")
	})
}

func (s *ConversationCleanupService) cleanupLoop() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	initialTimer := time.NewTimer(s.initialDelay)
	defer initialTimer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-initialTimer.C:
			s.RunCleanup()
		case <-ticker.C:
			s.RunCleanup()
		}
	}
}

// RunCleanup expires stale conversations once and returns how many changed
func (s *ConversationCleanupService) RunCleanup() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	n, err := s.conversations.ExpireConversations(ctx)
	if err != nil {
		s.logger.Error("Failed to expire conversations", zap.Error(err))
		return 0
	}
	metrics.ConversationsExpiredTotal.Add(float64(n))
	s.logger.Debug("Conversation cleanup completed", zap.Int("expired", n))
	return n
}
