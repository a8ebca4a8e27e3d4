package api

import (
	"time"

	"github.com/satriahrh/drivebrief/internal/interpreter"
)

// DeviceAuthRequest represents the request payload for device authentication
type DeviceAuthRequest struct {
	SerialNumber string `json:"serial_number" validate:"required"`
	SecretKey    string `json:"secret_key" validate:"required"`
}

// DeviceAuthResponse represents the response payload for device authentication
type DeviceAuthResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	DeviceID  string    `json:"device_id"`
	UserID    string    `json:"user_id"`
}

// InterpretRequest is the body of POST /api/v1/interpret
type InterpretRequest struct {
	Text string `json:"text"`
}

// InterpretResponse echoes the utterance with the interpreter's result
type InterpretResponse struct {
	Text string `json:"text"`
	interpreter.Result
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
