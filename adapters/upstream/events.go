package upstream

import (
	"encoding/json"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType names an inbound event.
type EventType string

const (
	EventTranscript    EventType = "transcript"
	EventResponse      EventType = "response"
	EventVoiceActivity EventType = "voice_activity"
	EventToolCall      EventType = "tool_call"
	EventError         EventType = "error"
	EventDisconnected  EventType = "disconnected"
)

// Event is one inbound notification from the backend or the client itself.
type Event struct {
	Type EventType

	// transcript
	Transcript string
	Confidence float64
	IsFinal    bool
	Stability  float64

	// response: Text for JSON responses, Audio for binary frames
	Text  string
	Audio []byte

	// voice_activity
	Speaking bool

	// tool_call
	ToolName  string
	Arguments json.RawMessage

	// error
	Code    string
	Message string
	Err     error
	// SessionID is set when the backend names the session an event is about.
	SessionID string

	// disconnected
	Reconnecting bool

	Raw json.RawMessage
}

type inboundMessage struct {
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	Transcript string          `json:"transcript"`
	Confidence float64         `json:"confidence"`
	IsFinal    bool            `json:"is_final"`
	Stability  float64         `json:"stability"`
	Text       string          `json:"text"`
	Speaking   bool            `json:"speaking"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	Code       string          `json:"code"`
	Message    string          `json:"message"`

	// drivebrief server spellings
	ResponseText string          `json:"response_text"`
	ErrorCode    string          `json:"error_code"`
	Action       json.RawMessage `json:"action"`
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type contextMessage struct {
	Type  string `json:"type"`
	Turns []Turn `json:"turns"`
}

func (c *Client) handleMessage(kind int, data []byte) {
	if kind == websocket.BinaryMessage {
		c.emit(Event{Type: EventResponse, Audio: data})
		return
	}

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("Failed to decode upstream message", zap.Error(err))
		return
	}

	ev := Event{Raw: json.RawMessage(data), SessionID: msg.SessionID}
	switch msg.Type {
	case "transcript":
		ev.Type = EventTranscript
		ev.Transcript = msg.Transcript
		ev.Confidence = msg.Confidence
		ev.IsFinal = msg.IsFinal
		ev.Stability = msg.Stability
	case "response":
		ev.Type = EventResponse
		ev.Text = firstOf(msg.Text, msg.ResponseText)
	case "voice_activity":
		ev.Type = EventVoiceActivity
		ev.Speaking = msg.Speaking
	case "tool_call", "action":
		ev.Type = EventToolCall
		ev.ToolName = msg.Name
		ev.Arguments = msg.Arguments
		if len(msg.Action) > 0 {
			ev.ToolName = firstOf(ev.ToolName, msg.Type)
			ev.Arguments = msg.Action
		}
	case "error":
		ev.Type = EventError
		ev.Code = firstOf(msg.Code, msg.ErrorCode)
		ev.Message = msg.Message
	case "heartbeat_ack", "pong":
		return
	default:
		c.logger.Debug("Ignoring upstream message", zap.String("type", msg.Type))
		return
	}
	c.emit(ev)
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
