package websocket

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/satriahrh/drivebrief/domain"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Device -> server
const (
	MessageTypeStreamStart  MessageType = "stream_start"
	MessageTypeStreamEnd    MessageType = "stream_end"
	MessageTypeAudioChunk   MessageType = "audio_chunk"
	MessageTypeDeviceStatus MessageType = "device_status"
	MessageTypePing         MessageType = "ping"
)

// Server -> device
const (
	MessageTypeStreamStarted MessageType = "stream_started"
	MessageTypeStreamEnded   MessageType = "stream_ended"
	MessageTypeTranscript    MessageType = "transcript"
	MessageTypeAction        MessageType = "action"
	MessageTypeResponse      MessageType = "response"
	MessageTypeSpeakingStart MessageType = "speaking_start"
	MessageTypeSpeakingEnd   MessageType = "speaking_end"
	MessageTypeModeChanged   MessageType = "mode_changed"
	MessageTypeError         MessageType = "error"
	MessageTypePong          MessageType = "pong"
)

// Error codes carried by ErrorMessage
const (
	ErrorCodeInvalidMessage  = "invalid_message"
	ErrorCodeSessionNotFound = "session_not_found"
	ErrorCodeSessionInactive = "session_inactive"
	ErrorCodeSessionExists   = "session_exists"
	ErrorCodeOutOfOrder      = "out_of_order_chunk"
	ErrorCodeUnavailable     = "recognizer_unavailable"
	ErrorCodeInternal        = "internal_error"
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id,omitempty"`
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().Format(time.RFC3339)}
}

// StreamStartMessage opens a recognition session. An empty session_id is
// assigned by the server and an empty user_id defaults to the device owner.
type StreamStartMessage struct {
	BaseMessage
	SessionID    string `json:"session_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	SampleRate   int    `json:"sample_rate"`
	Encoding     string `json:"encoding"`
	LanguageCode string `json:"language_code"`
}

// StreamEndMessage closes a recognition session
type StreamEndMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
}

// AudioChunkMessage carries base64 PCM for a session
type AudioChunkMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
	AudioData string `json:"audio_data"`
	ChunkSeq  uint64 `json:"chunk_sequence"`

	pcm []byte
}

// PCM returns the decoded audio. It is set by ValidateMessage.
func (m *AudioChunkMessage) PCM() []byte {
	return m.pcm
}

// DeviceStatusMessage reports device health, including which wake detectors loaded
type DeviceStatusMessage struct {
	BaseMessage
	DeviceID      string `json:"device_id"`
	Status        string `json:"status"`
	WakeDetectors []bool `json:"wake_detectors"`
	BatteryLevel  int    `json:"battery_level,omitempty"`
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// StreamStartedMessage confirms a session and the audio format the server expects
type StreamStartedMessage struct {
	BaseMessage
	SessionID    string `json:"session_id"`
	SampleRate   int    `json:"sample_rate"`
	Encoding     string `json:"encoding"`
	LanguageCode string `json:"language_code"`
}

// StreamEndedMessage confirms a session was closed
type StreamEndedMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
}

// TranscriptMessage relays a recognition result
type TranscriptMessage struct {
	BaseMessage
	SessionID  string  `json:"session_id"`
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	IsFinal    bool    `json:"is_final"`
	Stability  float64 `json:"stability,omitempty"`
}

// ActionMessage carries the interpreted action as JSON
type ActionMessage struct {
	BaseMessage
	SessionID string          `json:"session_id"`
	Action    json.RawMessage `json:"action"`
}

// ResponseMessage carries the assistant's reply text
type ResponseMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
	Text      string `json:"response_text"`
}

// SpeakingStartMessage precedes the binary reply audio
type SpeakingStartMessage struct {
	BaseMessage
	SessionID       string  `json:"session_id"`
	SampleRate      int     `json:"sample_rate"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// SpeakingEndMessage follows the last binary reply audio frame
type SpeakingEndMessage struct {
	BaseMessage
	SessionID string `json:"session_id"`
}

// ModeChangedMessage announces the device's interaction mode
type ModeChangedMessage struct {
	BaseMessage
	SessionID string `json:"session_id,omitempty"`
	Mode      string `json:"mode"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code      string `json:"error_code"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Details   string `json:"details,omitempty"`
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses and validates an incoming text message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeStreamStart:
		var msg StreamStartMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid stream start message: %w", err)
		}
		if err := v.validateStreamStart(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypeStreamEnd:
		var msg StreamEndMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid stream end message: %w", err)
		}
		if msg.SessionID == "" {
			return nil, errors.New("session_id is required")
		}
		return &msg, nil

	case MessageTypeAudioChunk:
		var msg AudioChunkMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid audio chunk message: %w", err)
		}
		if err := v.validateAudioChunk(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypeDeviceStatus:
		var msg DeviceStatusMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid device status message: %w", err)
		}
		if err := v.validateDeviceStatus(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

func (v *MessageValidator) validateStreamStart(msg *StreamStartMessage) error {
	if msg.SampleRate != 0 && (msg.SampleRate < 8000 || msg.SampleRate > 48000) {
		return errors.New("sample_rate must be between 8000 and 48000")
	}
	switch msg.Encoding {
	case "", "LINEAR16", "pcm":
	default:
		return errors.New("encoding must be LINEAR16")
	}
	return nil
}

func (v *MessageValidator) validateAudioChunk(msg *AudioChunkMessage) error {
	if msg.SessionID == "" {
		return errors.New("session_id is required")
	}
	if msg.AudioData == "" {
		return errors.New("audio_data is required")
	}
	if msg.ChunkSeq == 0 {
		return errors.New("chunk_sequence must start at 1")
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.AudioData)
	if err != nil {
		return fmt.Errorf("audio_data is not valid base64: %w", err)
	}
	if len(pcm)%2 != 0 {
		return errors.New("audio_data must hold whole 16-bit samples")
	}
	msg.pcm = pcm
	return nil
}

func (v *MessageValidator) validateDeviceStatus(msg *DeviceStatusMessage) error {
	if msg.DeviceID == "" {
		return errors.New("device_id is required")
	}
	validStatuses := map[string]bool{
		"online": true, "offline": true, "sleeping": true, "error": true,
	}
	if !validStatuses[msg.Status] {
		return errors.New("status must be one of: online, offline, sleeping, error")
	}
	if msg.BatteryLevel < 0 || msg.BatteryLevel > 100 {
		return errors.New("battery_level must be between 0 and 100")
	}
	return nil
}

// ErrorCodeFor maps a session manager error to the code sent to the device
func ErrorCodeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return ErrorCodeSessionNotFound
	case errors.Is(err, domain.ErrSessionInactive):
		return ErrorCodeSessionInactive
	case errors.Is(err, domain.ErrSessionExists):
		return ErrorCodeSessionExists
	case errors.Is(err, domain.ErrOutOfOrderChunk):
		return ErrorCodeOutOfOrder
	case errors.Is(err, domain.ErrNotConnected):
		return ErrorCodeUnavailable
	default:
		return ErrorCodeInternal
	}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message, sessionID string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError),
		Code:        code,
		Message:     message,
		SessionID:   sessionID,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{BaseMessage: newBase(MessageTypePong), Data: data}
}
