package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/internal/metrics"
	"github.com/satriahrh/drivebrief/internal/stream"
	"github.com/satriahrh/drivebrief/usecase"
)

var upgrader = websocket.Upgrader{
	// Devices authenticate with a bearer token and never send an Origin.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// SessionManager is the part of stream.Manager the hub drives.
type SessionManager interface {
	StartStream(ctx context.Context, req stream.StartRequest) (*entities.StreamSession, error)
	ProcessChunk(sessionID string, chunk []byte, seq uint64) error
	EndStream(ctx context.Context, sessionID string) error
	ActiveCount() int
}

// TurnHandler is the part of usecase.Orchestrator the hub drives.
type TurnHandler interface {
	SessionStarted(session entities.StreamSession) error
	SessionEnded(session entities.StreamSession)
	HandleFinal(ctx context.Context, session entities.StreamSession, result entities.RecognitionResult) (*usecase.Turn, error)
	Forget(deviceID string)
}

// Config tunes connection handling.
type Config struct {
	// WriteWait is the time allowed to write a message to the peer.
	WriteWait time.Duration
	// PongWait is the time allowed to read the next pong from the peer.
	PongWait time.Duration
	// PingPeriod must be less than PongWait.
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
	TurnTimeout    time.Duration
}

// DefaultConfig returns 60 s keepalive and 512 KiB messages.
func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 512 * 1024,
		SendBuffer:     256,
		TurnTimeout:    30 * time.Second,
	}
}

// WriteData is one outbound websocket frame.
type WriteData struct {
	// Type is websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Hub maintains the set of connected devices and routes session results and
// turn events to them.
type Hub struct {
	cfg           Config
	sessions      SessionManager
	turns         TurnHandler
	upstreamReady func() bool
	validator     *MessageValidator
	logger        *zap.Logger

	// Registered clients by device id.
	clients map[string]*Client
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client

	stopOnce sync.Once
	stopChan chan struct{}
	// turnsMu orders turn admission against Stop.
	turnsMu sync.Mutex
	turnsWG sync.WaitGroup
}

// NewHub creates a new WebSocket hub. turns may be set later with SetTurnHandler.
func NewHub(cfg Config, sessions SessionManager, turns TurnHandler, upstreamReady func() bool, logger *zap.Logger) *Hub {
	if upstreamReady == nil {
		upstreamReady = func() bool { return true }
	}
	return &Hub{
		cfg:           cfg,
		sessions:      sessions,
		turns:         turns,
		upstreamReady: upstreamReady,
		validator:     NewMessageValidator(),
		logger:        logger,
		clients:       make(map[string]*Client),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		stopChan:      make(chan struct{}),
	}
}

// SetTurnHandler installs the orchestrator. It must be called before Run.
func (h *Hub) SetTurnHandler(turns TurnHandler) {
	h.turns = turns
}

// Run starts the hub's main loop and returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.stopChan:
			return

		case client := <-h.register:
			h.mu.Lock()
			previous := h.clients[client.deviceID]
			h.clients[client.deviceID] = client
			count := len(h.clients)
			h.mu.Unlock()
			if previous != nil {
				h.logger.Info("Replacing existing connection", zap.String("deviceID", client.deviceID))
				previous.conn.Close()
			}
			metrics.ConnectedDevices.Set(float64(count))
			h.logger.Info("Client registered", zap.String("deviceID", client.deviceID))

		case client := <-h.unregister:
			h.mu.Lock()
			current := h.clients[client.deviceID] == client
			if current {
				delete(h.clients, client.deviceID)
			}
			count := len(h.clients)
			h.mu.Unlock()
			client.closeSend()
			metrics.ConnectedDevices.Set(float64(count))

			go h.release(client, current)
			h.logger.Info("Client unregistered", zap.String("deviceID", client.deviceID))
		}
	}
}

// release ends the session a disconnected client left open.
func (h *Hub) release(client *Client, forget bool) {
	if sessionID := client.currentSession(); sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteWait)
		if err := h.sessions.EndStream(ctx, sessionID); err != nil {
			h.logger.Debug("Ending session of disconnected client", zap.String("sessionID", sessionID), zap.Error(err))
		}
		cancel()
	}
	if forget && h.turns != nil {
		h.turns.Forget(client.deviceID)
	}
}

// Stop closes every connection and waits for running turns.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.turnsMu.Lock()
		close(h.stopChan)
		h.turnsMu.Unlock()
		h.mu.Lock()
		for _, client := range h.clients {
			client.conn.Close()
		}
		h.mu.Unlock()
		h.turnsWG.Wait()
	})
}

func (h *Hub) stopped() bool {
	select {
	case <-h.stopChan:
		return true
	default:
		return false
	}
}

func (h *Hub) client(deviceID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[deviceID]
}

// ConnectedDevices returns the ids of connected devices in sorted order.
func (h *Hub) ConnectedDevices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Readiness reports wake detector flags of every connected device in
// device id order, upstream state and the active session count.
func (h *Hub) Readiness() entities.Readiness {
	ready := entities.Readiness{
		WakeDetectorsReady: []bool{},
		UpstreamConnected:  h.upstreamReady(),
		ActiveSessionCount: h.sessions.ActiveCount(),
	}
	for _, id := range h.ConnectedDevices() {
		if c := h.client(id); c != nil {
			ready.WakeDetectorsReady = append(ready.WakeDetectorsReady, c.detectors()...)
		}
	}
	return ready
}

// OnResult is installed as the stream manager's result handler. Transcripts
// are relayed in order; final ones start a turn on a separate goroutine so
// the recognition pump is never blocked by interpretation or synthesis.
func (h *Hub) OnResult(session entities.StreamSession, result entities.RecognitionResult) {
	if h.stopped() {
		return
	}
	client := h.client(session.DeviceID)
	if client == nil {
		h.logger.Debug("Dropping result for disconnected device", zap.String("deviceID", session.DeviceID))
		return
	}
	client.sendJSON(&TranscriptMessage{
		BaseMessage: newBase(MessageTypeTranscript),
		SessionID:   session.ID,
		Transcript:  result.Transcript,
		Confidence:  result.Confidence,
		IsFinal:     result.IsFinal,
		Stability:   result.Stability,
	})
	if !result.IsFinal || h.turns == nil {
		return
	}

	h.turnsMu.Lock()
	if h.stopped() {
		h.turnsMu.Unlock()
		return
	}
	h.turnsWG.Add(1)
	h.turnsMu.Unlock()

	client.markFinal(session.ID)
	go func() {
		defer h.turnsWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.TurnTimeout)
		defer cancel()
		if _, err := h.turns.HandleFinal(ctx, session, result); err != nil {
			h.logger.Warn("Turn failed",
				zap.String("sessionID", session.ID),
				zap.String("deviceID", session.DeviceID),
				zap.Error(err))
			if c := h.client(session.DeviceID); c != nil {
				c.sendError(ErrorCodeInternal, "failed to answer utterance", session.ID)
			}
		}
	}()
}

// Deliver implements usecase.Sink.
func (h *Hub) Deliver(deviceID string, event usecase.Event) {
	client := h.client(deviceID)
	if client == nil {
		return
	}

	switch event.Type {
	case usecase.EventAudio:
		client.enqueue(WriteData{Type: websocket.BinaryMessage, Payload: event.Audio})
	case usecase.EventModeChanged:
		client.sendJSON(&ModeChangedMessage{BaseMessage: newBase(MessageTypeModeChanged), SessionID: event.SessionID, Mode: string(event.Mode)})
	case usecase.EventAction:
		client.sendJSON(&ActionMessage{BaseMessage: newBase(MessageTypeAction), SessionID: event.SessionID, Action: event.Action})
	case usecase.EventResponse:
		client.sendJSON(&ResponseMessage{BaseMessage: newBase(MessageTypeResponse), SessionID: event.SessionID, Text: event.Text})
	case usecase.EventSpeakingStart:
		client.sendJSON(&SpeakingStartMessage{
			BaseMessage:     newBase(MessageTypeSpeakingStart),
			SessionID:       event.SessionID,
			SampleRate:      event.SampleRate,
			DurationSeconds: event.DurationSeconds,
		})
	case usecase.EventSpeakingEnd:
		client.sendJSON(&SpeakingEndMessage{BaseMessage: newBase(MessageTypeSpeakingEnd), SessionID: event.SessionID})
	default:
		h.logger.Warn("Unknown turn event", zap.String("type", string(event.Type)))
	}
}

// HandleWebSocketWithAuth upgrades an authenticated device connection.
func HandleWebSocketWithAuth(hub *Hub, c echo.Context, deviceID, userID string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := newClient(hub, conn, deviceID, userID, logger)
	select {
	case hub.register <- client:
	case <-hub.stopChan:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
	return nil
}

func encode(v interface{}) []byte {
	payload, _ := json.Marshal(v)
	return payload
}
