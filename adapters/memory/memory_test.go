package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

func TestDeviceRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewDeviceRepository()

	device := &entities.Device{SerialNumber: "DB-0001", SecretKey: "s3cret", Model: "headunit-v1"}
	require.NoError(t, repo.Create(ctx, device))
	assert.NotEmpty(t, device.ID)
	assert.Error(t, repo.Create(ctx, &entities.Device{SerialNumber: "DB-0001", Model: "headunit-v1"}))

	got, err := repo.ValidateDevice(ctx, "DB-0001", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, device.ID, got.ID)

	_, err = repo.ValidateDevice(ctx, "DB-0001", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = repo.ValidateDevice(ctx, "DB-9999", "s3cret")
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	got.SerialNumber = "DB-0002"
	require.NoError(t, repo.Update(ctx, got))
	_, err = repo.GetBySerialNumber(ctx, "DB-0001")
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	bySerial, err := repo.GetBySerialNumber(ctx, "DB-0002")
	require.NoError(t, err)
	assert.Equal(t, device.ID, bySerial.ID)
	assert.Equal(t, device.CreatedAt, bySerial.CreatedAt)

	require.NoError(t, repo.Delete(ctx, device.ID))
	_, err = repo.GetByID(ctx, device.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, device.ID), repositories.ErrNotFound)
}

func TestConversationRepository_LastByUser(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepository()

	none, err := repo.GetLastByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	older := entities.NewConversation("user-1", "device-1", "ko-KR")
	older.LastActiveAt = time.Now().Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, older))

	newer := entities.NewConversation("user-1", "device-1", "ko-KR")
	require.NoError(t, repo.Create(ctx, newer))

	last, err := repo.GetLastByUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, last.ID)

	// stored copies are independent of the caller's value
	last.AddMessage(entities.MessageRoleUser, "다음 뉴스", nil)
	again, err := repo.GetByID(ctx, newer.ID)
	require.NoError(t, err)
	assert.Empty(t, again.Messages)

	require.NoError(t, repo.Update(ctx, last))
	again, err = repo.GetByID(ctx, newer.ID)
	require.NoError(t, err)
	require.Len(t, again.Messages, 1)
	assert.Equal(t, "다음 뉴스", again.Messages[0].Content)
}

func TestConversationRepository_Expire(t *testing.T) {
	ctx := context.Background()
	repo := NewConversationRepository()

	stale := entities.NewConversation("user-1", "device-1", "ko-KR")
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, repo.Create(ctx, stale))
	fresh := entities.NewConversation("user-2", "device-2", "ko-KR")
	require.NoError(t, repo.Create(ctx, fresh))

	n, err := repo.ExpireConversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.GetByID(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.ConversationStatusExpired, got.Status)

	n, err = repo.ExpireConversations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.ErrorIs(t, repo.Update(ctx, entities.NewConversation("user-3", "device-3", "ko-KR")), repositories.ErrNotFound)
}
