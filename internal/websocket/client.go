package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/internal/metrics"
	"github.com/satriahrh/drivebrief/internal/stream"
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send   chan WriteData
	closed bool

	deviceID string
	userID   string
	logger   *zap.Logger

	// Streaming state
	session       *entities.StreamSession
	finalSeen     map[string]bool
	wakeDetectors []bool

	mutex sync.Mutex
}

func newClient(hub *Hub, conn *websocket.Conn, deviceID, userID string, logger *zap.Logger) *Client {
	return &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan WriteData, hub.cfg.SendBuffer),
		deviceID:  deviceID,
		userID:    userID,
		logger:    logger.With(zap.String("deviceID", deviceID)),
		finalSeen: make(map[string]bool),
	}
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopChan:
			c.closeSend()
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.processBinaryAudioChunk(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue never blocks. A full buffer drops the frame.
func (c *Client) enqueue(data WriteData) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		source := "text"
		if data.Type == websocket.BinaryMessage {
			source = "audio"
		}
		metrics.EventsDroppedTotal.WithLabelValues(source).Inc()
		c.logger.Warn("Send buffer full, dropping frame", zap.String("source", source))
		return false
	}
}

func (c *Client) closeSend() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendJSON(v interface{}) {
	c.enqueue(WriteData{Type: websocket.TextMessage, Payload: encode(v)})
}

func (c *Client) sendError(code, message, sessionID string) {
	c.sendJSON(CreateErrorMessage(code, message, sessionID))
}

func (c *Client) currentSession() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

func (c *Client) markFinal(sessionID string) {
	c.mutex.Lock()
	c.finalSeen[sessionID] = true
	c.mutex.Unlock()
}

func (c *Client) detectors() []bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	out := make([]bool, len(c.wakeDetectors))
	copy(out, c.wakeDetectors)
	return out
}

func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Debug("Rejected message", zap.Error(err))
		c.sendError(ErrorCodeInvalidMessage, err.Error(), "")
		return
	}

	switch m := msg.(type) {
	case *StreamStartMessage:
		c.handleStreamStart(m)
	case *StreamEndMessage:
		c.handleStreamEnd(m.SessionID)
	case *AudioChunkMessage:
		c.handleChunk(m.SessionID, m.PCM(), m.ChunkSeq)
	case *DeviceStatusMessage:
		c.handleDeviceStatus(m)
	case *PingMessage:
		c.sendJSON(CreatePongMessage(m.Data))
	}
}

// processBinaryAudioChunk feeds a sequence-prefixed PCM frame into the
// current session.
func (c *Client) processBinaryAudioChunk(data []byte) {
	seq, pcm, err := DecodeAudioFrame(data)
	if err != nil {
		c.sendError(ErrorCodeInvalidMessage, err.Error(), "")
		return
	}
	sessionID := c.currentSession()
	if sessionID == "" {
		c.sendError(ErrorCodeSessionNotFound, "no active session for binary audio", "")
		return
	}
	c.handleChunk(sessionID, pcm, seq)
}

func (c *Client) handleStreamStart(msg *StreamStartMessage) {
	userID := msg.UserID
	if userID == "" {
		userID = c.userID
	}
	session, err := c.hub.sessions.StartStream(context.Background(), stream.StartRequest{
		SessionID: msg.SessionID,
		UserID:    userID,
		DeviceID:  c.deviceID,
		Audio: entities.AudioConfig{
			SampleRate: msg.SampleRate,
			Encoding:   msg.Encoding,
			Language:   msg.LanguageCode,
		},
	})
	if err != nil {
		c.logger.Warn("Failed to start stream", zap.String("sessionID", msg.SessionID), zap.Error(err))
		c.sendError(ErrorCodeFor(err), err.Error(), msg.SessionID)
		return
	}

	c.mutex.Lock()
	c.session = session
	c.mutex.Unlock()

	if c.hub.turns != nil {
		if err := c.hub.turns.SessionStarted(*session); err != nil {
			c.logger.Warn("Mode not updated for new session", zap.String("sessionID", session.ID), zap.Error(err))
		}
	}

	c.sendJSON(&StreamStartedMessage{
		BaseMessage:  newBase(MessageTypeStreamStarted),
		SessionID:    session.ID,
		SampleRate:   session.AudioConfig.SampleRate,
		Encoding:     session.AudioConfig.Encoding,
		LanguageCode: session.AudioConfig.Language,
	})
}

func (c *Client) handleStreamEnd(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.hub.cfg.TurnTimeout)
	defer cancel()
	if err := c.hub.sessions.EndStream(ctx, sessionID); err != nil {
		c.sendError(ErrorCodeFor(err), err.Error(), sessionID)
		return
	}

	c.mutex.Lock()
	var ended *entities.StreamSession
	if c.session != nil && c.session.ID == sessionID {
		ended = c.session
		c.session = nil
	}
	sawFinal := c.finalSeen[sessionID]
	delete(c.finalSeen, sessionID)
	c.mutex.Unlock()

	// A final result already moved the device into its reply.
	if ended != nil && !sawFinal && c.hub.turns != nil {
		c.hub.turns.SessionEnded(*ended)
	}

	c.sendJSON(&StreamEndedMessage{BaseMessage: newBase(MessageTypeStreamEnded), SessionID: sessionID})
}

func (c *Client) handleChunk(sessionID string, pcm []byte, seq uint64) {
	if err := c.hub.sessions.ProcessChunk(sessionID, pcm, seq); err != nil {
		c.logger.Debug("Chunk rejected",
			zap.String("sessionID", sessionID),
			zap.Uint64("chunkSeq", seq),
			zap.Error(err))
		c.sendError(ErrorCodeFor(err), err.Error(), sessionID)
	}
}

func (c *Client) handleDeviceStatus(msg *DeviceStatusMessage) {
	c.mutex.Lock()
	c.wakeDetectors = append([]bool(nil), msg.WakeDetectors...)
	c.mutex.Unlock()
	c.logger.Info("Device status",
		zap.String("status", msg.Status),
		zap.Int("batteryLevel", msg.BatteryLevel),
		zap.Int("wakeDetectors", len(msg.WakeDetectors)))
}
