package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
	"github.com/satriahrh/drivebrief/internal/interpreter"
	"github.com/satriahrh/drivebrief/internal/metrics"
)

const chatUnavailableReply = "죄송해요, 지금은 답변을 드리기 어려워요. 잠시 후 다시 물어봐 주세요."

// Interpreter resolves an utterance to an action.
type Interpreter interface {
	Parse(ctx context.Context, text string) interpreter.Result
}

// OrchestratorConfig configures voice turn handling.
type OrchestratorConfig struct {
	Language string
	VoiceID  string
	// TurnTimeout bounds interpretation, chat and synthesis for one utterance.
	TurnTimeout time.Duration
	// AudioChunkBytes is the size of each EventAudio payload.
	AudioChunkBytes int
}

// DefaultOrchestratorConfig returns Korean replies in 100 ms pcm_16000 chunks.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Language:        "ko-KR",
		TurnTimeout:     20 * time.Second,
		AudioChunkBytes: 3200,
	}
}

// Validate checks the configuration.
func (c OrchestratorConfig) Validate() error {
	if c.Language == "" {
		return fmt.Errorf("%w: orchestrator language is required", domain.ErrConfig)
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("%w: turn timeout must be positive", domain.ErrConfig)
	}
	if c.AudioChunkBytes <= 0 || c.AudioChunkBytes%2 != 0 {
		return fmt.Errorf("%w: audio chunk size must be a positive even number of bytes", domain.ErrConfig)
	}
	return nil
}

// EventType names what the client is told about a device's turn.
type EventType string

const (
	EventModeChanged   EventType = "mode_changed"
	EventAction        EventType = "action"
	EventResponse      EventType = "response"
	EventSpeakingStart EventType = "speaking_start"
	EventAudio         EventType = "audio"
	EventSpeakingEnd   EventType = "speaking_end"
)

// Event is delivered to the device that owns the turn.
type Event struct {
	Type      EventType
	SessionID string
	Mode      Mode
	// Action is the interpreter's action encoded as JSON.
	Action          json.RawMessage
	Text            string
	Audio           []byte
	SampleRate      int
	DurationSeconds float64
}

// Sink delivers events to connected devices.
type Sink interface {
	Deliver(deviceID string, event Event)
}

// Route records how a final utterance was answered.
type Route string

const (
	RouteCommand Route = "command"
	RouteChat    Route = "chat"
	RouteEmpty   Route = "empty"
)

// Turn is the outcome of one final utterance.
type Turn struct {
	SessionID      string
	ConversationID string
	Transcript     string
	Action         entities.Action
	Interpretation interpreter.Metadata
	Route          Route
	Reply          string
	Speech         repositories.SpeechResult
}

type deviceState struct {
	mode   Mode
	userID string
}

// Orchestrator drives the idle, listening, recognizing, responding cycle per
// device and answers final transcripts.
type Orchestrator struct {
	cfg           OrchestratorConfig
	interpreter   Interpreter
	chat          *ChatService
	tts           repositories.TextToSpeech
	conversations repositories.ConversationRepository
	sink          Sink
	logger        *zap.Logger

	mu      sync.Mutex
	devices map[string]*deviceState
}

// NewOrchestrator wires the turn pipeline. tts may be nil, in which case
// replies are text only.
func NewOrchestrator(
	cfg OrchestratorConfig,
	interp Interpreter,
	chat *ChatService,
	tts repositories.TextToSpeech,
	conversations repositories.ConversationRepository,
	sink Sink,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if interp == nil || conversations == nil || sink == nil {
		return nil, fmt.Errorf("%w: interpreter, conversation repository and sink are required", domain.ErrConfig)
	}
	return &Orchestrator{
		cfg:           cfg,
		interpreter:   interp,
		chat:          chat,
		tts:           tts,
		conversations: conversations,
		sink:          sink,
		logger:        logger,
		devices:       make(map[string]*deviceState),
	}, nil
}

// Mode returns the device's current mode. Unknown devices are idle.
func (o *Orchestrator) Mode(deviceID string) Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.devices[deviceID]; ok {
		return st.mode
	}
	return ModeIdle
}

func (o *Orchestrator) state(deviceID string) *deviceState {
	st, ok := o.devices[deviceID]
	if !ok {
		st = &deviceState{mode: ModeIdle}
		o.devices[deviceID] = st
	}
	return st
}

// setMode moves the device to `to`, rejecting transitions the machine does not allow.
func (o *Orchestrator) setMode(deviceID, sessionID string, to Mode) error {
	o.mu.Lock()
	st := o.state(deviceID)
	from := st.mode
	if err := transition(from, to); err != nil {
		o.mu.Unlock()
		return err
	}
	st.mode = to
	o.mu.Unlock()

	o.logger.Debug("Mode changed",
		zap.String("deviceID", deviceID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	o.sink.Deliver(deviceID, Event{Type: EventModeChanged, SessionID: sessionID, Mode: to})
	return nil
}

// Wake arms listening after a wake phrase. Waking while the assistant speaks
// interrupts the reply.
func (o *Orchestrator) Wake(deviceID string) error {
	return o.setMode(deviceID, "", ModeListening)
}

// SessionStarted moves the device into recognizing. A device that starts
// streaming without announcing its wake event passes through listening.
func (o *Orchestrator) SessionStarted(session entities.StreamSession) error {
	o.mu.Lock()
	st := o.state(session.DeviceID)
	st.userID = session.UserID
	mode := st.mode
	o.mu.Unlock()

	switch mode {
	case ModeRecognizing:
		// a superseding session keeps recognizing
		return nil
	case ModeIdle, ModeResponding:
		if err := o.setMode(session.DeviceID, session.ID, ModeListening); err != nil {
			return err
		}
	}
	return o.setMode(session.DeviceID, session.ID, ModeRecognizing)
}

// SessionEnded returns a device that never produced a final result to idle.
func (o *Orchestrator) SessionEnded(session entities.StreamSession) {
	switch o.Mode(session.DeviceID) {
	case ModeListening, ModeRecognizing:
		if err := o.setMode(session.DeviceID, session.ID, ModeIdle); err != nil {
			o.logger.Warn("Failed to reset mode", zap.String("deviceID", session.DeviceID), zap.Error(err))
		}
	}
}

// Forget drops the state of a disconnected device.
func (o *Orchestrator) Forget(deviceID string) {
	o.mu.Lock()
	delete(o.devices, deviceID)
	o.mu.Unlock()
}

// HandleFinal answers a final transcript: interpret, apply the command or ask
// the chat model, speak the reply, and persist both turns to history.
func (o *Orchestrator) HandleFinal(ctx context.Context, session entities.StreamSession, result entities.RecognitionResult) (*Turn, error) {
	if !result.IsFinal {
		return nil, errors.New("result is not final")
	}
	if err := o.setMode(session.DeviceID, session.ID, ModeResponding); err != nil {
		return nil, err
	}
	defer o.finishResponding(session)

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TurnTimeout)
	defer cancel()

	turn := &Turn{SessionID: session.ID, Transcript: strings.TrimSpace(result.Transcript)}
	if turn.Transcript == "" {
		turn.Route = RouteEmpty
		metrics.TurnsTotal.WithLabelValues(string(RouteEmpty)).Inc()
		return turn, nil
	}

	conversation, isNew, err := o.loadConversation(ctx, session)
	if err != nil {
		return nil, err
	}
	turn.ConversationID = conversation.ID

	parsed := o.interpreter.Parse(ctx, turn.Transcript)
	payload, action, err := roundTrip(parsed.Action)
	if err != nil {
		return nil, err
	}
	turn.Action = action
	turn.Interpretation = parsed.Metadata
	o.sink.Deliver(session.DeviceID, Event{Type: EventAction, SessionID: session.ID, Action: payload})

	turn.Route, turn.Reply = o.respond(ctx, conversation, action, turn.Transcript)
	o.sink.Deliver(session.DeviceID, Event{Type: EventResponse, SessionID: session.ID, Text: turn.Reply})

	conversation.AddMessage(entities.MessageRoleUser, turn.Transcript, &action)
	conversation.AddMessage(entities.MessageRoleAssistant, turn.Reply, &action)

	turn.Speech = o.speak(ctx, session, conversation, turn.Reply)

	if isNew {
		err = o.conversations.Create(ctx, conversation)
	} else {
		err = o.conversations.Update(ctx, conversation)
	}
	if err != nil {
		o.logger.Error("Failed to persist conversation",
			zap.String("conversationID", conversation.ID),
			zap.Error(err))
		return turn, fmt.Errorf("failed to persist conversation: %w", err)
	}

	metrics.TurnsTotal.WithLabelValues(string(turn.Route)).Inc()
	metrics.TurnLatency.WithLabelValues(string(turn.Route)).Observe(float64(time.Since(start).Milliseconds()))
	o.logger.Info("Turn completed",
		zap.String("sessionID", session.ID),
		zap.String("deviceID", session.DeviceID),
		zap.String("action", string(action.Type)),
		zap.String("route", string(turn.Route)),
		zap.Duration("latency", time.Since(start)))
	return turn, nil
}

// finishResponding goes back to idle unless a wake event already interrupted the reply.
func (o *Orchestrator) finishResponding(session entities.StreamSession) {
	if o.Mode(session.DeviceID) != ModeResponding {
		return
	}
	if err := o.setMode(session.DeviceID, session.ID, ModeIdle); err != nil {
		o.logger.Warn("Failed to finish turn", zap.String("deviceID", session.DeviceID), zap.Error(err))
	}
}

// roundTrip encodes the action for the client and decodes it back, so the
// applied action is exactly what the client received.
func roundTrip(action entities.Action) (json.RawMessage, entities.Action, error) {
	payload, err := json.Marshal(action)
	if err != nil {
		return nil, entities.Action{}, fmt.Errorf("failed to encode action: %w", err)
	}
	var decoded entities.Action
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, entities.Action{}, fmt.Errorf("failed to decode action: %w", err)
	}
	return payload, decoded, nil
}

func (o *Orchestrator) loadConversation(ctx context.Context, session entities.StreamSession) (*entities.Conversation, bool, error) {
	userID := session.UserID
	if userID == "" {
		userID = session.DeviceID
	}
	last, err := o.conversations.GetLastByUser(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load conversation: %w", err)
	}
	if last != nil && !last.ShouldStartNew() {
		return last, false, nil
	}
	if last != nil && last.Status == entities.ConversationStatusActive {
		o.logger.Info("Starting new conversation after idle gap",
			zap.String("userID", userID),
			zap.String("previousConversationID", last.ID))
	}
	return entities.NewConversation(userID, session.DeviceID, o.cfg.Language), true, nil
}

// respond applies the action or routes the utterance to the chat model.
// Chat mode sends everything except conversation, playback and volume
// commands to the model.
func (o *Orchestrator) respond(ctx context.Context, conversation *entities.Conversation, action entities.Action, transcript string) (Route, string) {
	switch action.Type {
	case entities.ActionStartConversation:
		conversation.Mode = entities.ConversationModeChat
		return RouteCommand, commandReply(action)
	case entities.ActionEndConversation:
		conversation.Mode = entities.ConversationModeCommand
		return RouteCommand, commandReply(action)
	case entities.ActionPlaybackControl, entities.ActionVolumeControl:
		return RouteCommand, commandReply(action)
	}

	if conversation.Mode != entities.ConversationModeChat && action.IsCommand() {
		return RouteCommand, commandReply(action)
	}

	reply, err := o.chat.Reply(ctx, conversation.History(), transcript)
	if err != nil {
		o.logger.Warn("Chat reply failed, using fallback",
			zap.String("conversationID", conversation.ID),
			zap.Error(err))
		return RouteChat, chatUnavailableReply
	}
	return RouteChat, reply
}

func (o *Orchestrator) speak(ctx context.Context, session entities.StreamSession, conversation *entities.Conversation, text string) repositories.SpeechResult {
	if o.tts == nil {
		return repositories.SpeechResult{}
	}

	voiceID := conversation.Metadata.VoiceID
	if voiceID == "" {
		voiceID = o.cfg.VoiceID
	}
	speech, err := o.tts.Synthesize(ctx, repositories.SpeechRequest{
		Text:         text,
		LanguageCode: o.cfg.Language,
		VoiceID:      voiceID,
	})
	if err != nil {
		o.logger.Warn("Speech synthesis failed, reply is text only",
			zap.String("sessionID", session.ID),
			zap.Error(err))
		return repositories.SpeechResult{}
	}

	o.sink.Deliver(session.DeviceID, Event{
		Type:            EventSpeakingStart,
		SessionID:       session.ID,
		SampleRate:      speech.SampleRate,
		DurationSeconds: speech.DurationSeconds,
	})
	for offset := 0; offset < len(speech.AudioBytes); offset += o.cfg.AudioChunkBytes {
		if o.Mode(session.DeviceID) != ModeResponding {
			o.logger.Info("Reply interrupted", zap.String("sessionID", session.ID))
			break
		}
		end := min(offset+o.cfg.AudioChunkBytes, len(speech.AudioBytes))
		o.sink.Deliver(session.DeviceID, Event{
			Type:      EventAudio,
			SessionID: session.ID,
			Audio:     speech.AudioBytes[offset:end],
		})
	}
	o.sink.Deliver(session.DeviceID, Event{Type: EventSpeakingEnd, SessionID: session.ID})
	return speech
}
