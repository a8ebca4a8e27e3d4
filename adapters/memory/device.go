package memory

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

// ErrInvalidCredentials is returned when a serial number and secret do not match
var ErrInvalidCredentials = errors.New("invalid credentials")

// DeviceRepository is an in-memory implementation of repositories.DeviceRepository
type DeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]*entities.Device // id -> device
	serials map[string]string           // serial_number -> id
}

var _ repositories.DeviceRepository = (*DeviceRepository)(nil)

// NewDeviceRepository creates an empty device repository
func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{
		devices: make(map[string]*entities.Device),
		serials: make(map[string]string),
	}
}

// ValidateDevice checks the head unit credentials used by /api/v1/device/auth
func (m *DeviceRepository) ValidateDevice(ctx context.Context, serialNumber, secret string) (*entities.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.serials[serialNumber]
	if !exists {
		return nil, fmt.Errorf("device %s: %w", serialNumber, repositories.ErrNotFound)
	}
	device := m.devices[id]
	if device.SecretKey == "" || subtle.ConstantTimeCompare([]byte(device.SecretKey), []byte(secret)) != 1 {
		return nil, ErrInvalidCredentials
	}

	deviceCopy := *device
	return &deviceCopy, nil
}

// Create implements repositories.DeviceRepository
func (m *DeviceRepository) Create(ctx context.Context, device *entities.Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}
	if err := device.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.serials[device.SerialNumber]; exists {
		return errors.New("device with this serial number already exists")
	}
	if device.ID == "" {
		device.ID = uuid.New().String()
	}
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	deviceCopy := *device
	m.devices[device.ID] = &deviceCopy
	m.serials[device.SerialNumber] = device.ID
	return nil
}

// GetByID implements repositories.DeviceRepository
func (m *DeviceRepository) GetByID(ctx context.Context, id string) (*entities.Device, error) {
	if id == "" {
		return nil, errors.New("device ID cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.devices[id]
	if !exists {
		return nil, fmt.Errorf("device %s: %w", id, repositories.ErrNotFound)
	}
	deviceCopy := *device
	return &deviceCopy, nil
}

// GetBySerialNumber implements repositories.DeviceRepository
func (m *DeviceRepository) GetBySerialNumber(ctx context.Context, serialNumber string) (*entities.Device, error) {
	if serialNumber == "" {
		return nil, errors.New("serial number cannot be empty")
	}

	m.mu.RLock()
	id, exists := m.serials[serialNumber]
	m.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("device %s: %w", serialNumber, repositories.ErrNotFound)
	}
	return m.GetByID(ctx, id)
}

// Update implements repositories.DeviceRepository
func (m *DeviceRepository) Update(ctx context.Context, device *entities.Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}
	if device.ID == "" {
		return errors.New("device ID cannot be empty")
	}
	if err := device.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, exists := m.devices[device.ID]
	if !exists {
		return fmt.Errorf("device %s: %w", device.ID, repositories.ErrNotFound)
	}
	if existing.SerialNumber != device.SerialNumber {
		if _, taken := m.serials[device.SerialNumber]; taken {
			return errors.New("device with this serial number already exists")
		}
		delete(m.serials, existing.SerialNumber)
	}

	device.CreatedAt = existing.CreatedAt
	device.UpdatedAt = time.Now()
	deviceCopy := *device
	m.devices[device.ID] = &deviceCopy
	m.serials[device.SerialNumber] = device.ID
	return nil
}

// Delete implements repositories.DeviceRepository
func (m *DeviceRepository) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("device ID cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	device, exists := m.devices[id]
	if !exists {
		return fmt.Errorf("device %s: %w", id, repositories.ErrNotFound)
	}
	delete(m.devices, id)
	delete(m.serials, device.SerialNumber)
	return nil
}
