package entities

import (
	"errors"
	"time"
)

// Device represents an in-car head unit allowed to stream audio
type Device struct {
	ID           string    `json:"id" bson:"_id"`
	SerialNumber string    `json:"serial_number" bson:"serial_number"`
	SecretKey    string    `json:"-" bson:"secret_key"`
	Model        string    `json:"model" bson:"model"`
	OwnerID      *string   `json:"owner_id" bson:"owner_id"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updated_at"`
}

// Validate checks the required device fields
func (d *Device) Validate() error {
	if d.SerialNumber == "" {
		return errors.New("serial number is required")
	}
	if d.Model == "" {
		return errors.New("model is required")
	}
	return nil
}

// UserID returns the owner of the device, falling back to the device itself
// for unclaimed head units.
func (d *Device) UserID() string {
	if d.OwnerID != nil && *d.OwnerID != "" {
		return *d.OwnerID
	}
	return d.ID
}
