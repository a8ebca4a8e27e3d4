// Package device runs the in-car side: it listens for the wake phrase and
// streams the following utterance to the server.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/adapters/upstream"
	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/internal/capture"
	"github.com/satriahrh/drivebrief/internal/metrics"
	"github.com/satriahrh/drivebrief/internal/websocket"
)

// Router consumer names.
const (
	ConsumerWake     = "wake"
	ConsumerRecorder = "recorder"
)

// Uplink carries control messages and audio to the server. upstream.Client
// satisfies it.
type Uplink interface {
	SendControl(v any) error
	SendAudio(data []byte) error
	State() upstream.State
}

// WakeDetector is the part of wake.Coordinator the agent drives.
type WakeDetector interface {
	Process(frame entities.AudioFrame) (entities.WakeDetectionEvent, bool)
	Reset()
	Readiness() []bool
}

// Config configures the agent.
type Config struct {
	DeviceID string
	UserID   string
	Language string

	Conditioner capture.ConditionerConfig
	Silence     capture.SilenceConfig

	EventBuffer int
}

// DefaultConfig streams Korean utterances ended by 2 s of silence.
func DefaultConfig() Config {
	return Config{
		Language:    "ko-KR",
		Conditioner: capture.DefaultConditionerConfig(),
		Silence:     capture.DefaultSilenceConfig(),
		EventBuffer: 16,
	}
}

// Utterance describes one streamed session.
type Utterance struct {
	SessionID string
	Wake      entities.WakeDetectionEvent
	Frames    uint64
	EndReason string
	EndedAt   time.Time
}

// Agent wires capture, conditioning, wake detection and the uplink. Frames
// go to exactly one consumer: the wake detector while idle, the recorder
// while an utterance is streamed.
type Agent struct {
	cfg         Config
	source      capture.Source
	conditioner *capture.Conditioner
	router      *capture.Router
	wake        WakeDetector
	uplink      Uplink
	logger      *zap.Logger

	// Touched only by the capture loop.
	pending string
	tracker *capture.SilenceTracker
	current *Utterance

	mu        sync.Mutex
	recording bool

	uplinkEvents chan upstream.Event
	utterances   chan Utterance
}

// NewAgent builds an agent. The router starts on the wake detector.
func NewAgent(cfg Config, source capture.Source, detector WakeDetector, uplink Uplink, logger *zap.Logger) (*Agent, error) {
	if source == nil || detector == nil || uplink == nil {
		return nil, fmt.Errorf("%w: source, wake detector and uplink are required", domain.ErrConfig)
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", domain.ErrConfig)
	}
	def := DefaultConfig()
	if cfg.Language == "" {
		cfg.Language = def.Language
	}
	if cfg.Silence == (capture.SilenceConfig{}) {
		cfg.Silence = def.Silence
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	a := &Agent{
		cfg:         cfg,
		source:      source,
		conditioner: capture.NewConditioner(cfg.Conditioner),
		router:      capture.NewRouter(logger),
		wake:        detector,
		uplink:      uplink,
		logger:      logger.With(zap.String("deviceID", cfg.DeviceID)),
		tracker:     capture.NewSilenceTracker(cfg.Silence),
		utterances:  make(chan Utterance, cfg.EventBuffer),

		uplinkEvents: make(chan upstream.Event, cfg.EventBuffer),
	}
	a.router.Register(ConsumerWake, a.listen)
	a.router.Register(ConsumerRecorder, a.record)
	if err := a.router.Switch(ConsumerWake); err != nil {
		return nil, err
	}
	return a, nil
}

// Utterances delivers finished sessions. It is closed when Run returns.
func (a *Agent) Utterances() <-chan Utterance {
	return a.utterances
}

// HandleUplinkEvent tells the agent about uplink events. A lost connection or
// a session the server no longer knows abandons the utterance being
// streamed; other events are ignored. It is safe to call from any goroutine.
func (a *Agent) HandleUplinkEvent(ev upstream.Event) {
	if !sessionLost(ev) {
		return
	}
	select {
	case a.uplinkEvents <- ev:
	default:
		metrics.EventsDroppedTotal.WithLabelValues("uplink").Inc()
	}
}

func sessionLost(ev upstream.Event) bool {
	switch ev.Type {
	case upstream.EventDisconnected:
		return true
	case upstream.EventError:
		return ev.Code == websocket.ErrorCodeSessionNotFound || ev.Code == websocket.ErrorCodeSessionInactive
	default:
		return false
	}
}

// Recording reports whether an utterance is being streamed.
func (a *Agent) Recording() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recording
}

// Readiness reports the local detectors and the uplink state.
func (a *Agent) Readiness() entities.Readiness {
	active := 0
	if a.Recording() {
		active = 1
	}
	return entities.Readiness{
		WakeDetectorsReady: a.wake.Readiness(),
		UpstreamConnected:  a.uplink.State() == upstream.StateConnected,
		ActiveSessionCount: active,
	}
}

// Run announces the device and consumes frames until the source finishes or
// ctx is cancelled. A session still open at that point is ended.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.utterances)

	if err := a.uplink.SendControl(a.statusMessage("online")); err != nil {
		a.logger.Warn("Failed to announce device status", zap.Error(err))
	}

	if err := a.source.Start(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	defer a.source.Stop()

	frames := a.source.Frames()
	for {
		// Uplink loss is handled before the next frame is recorded.
		select {
		case ev := <-a.uplinkEvents:
			a.abandon(ev)
			if err := a.applySwitch(); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-ctx.Done():
			a.finish("shutdown", time.Now())
			return nil
		case frame, ok := <-frames:
			if !ok {
				a.finish("source_closed", time.Now())
				return nil
			}
			a.router.Dispatch(a.conditioner.Process(frame))
			if err := a.applySwitch(); err != nil {
				return err
			}
		case ev := <-a.uplinkEvents:
			a.abandon(ev)
			if err := a.applySwitch(); err != nil {
				return err
			}
		}
	}
}

// applySwitch performs the switch a consumer asked for, before the next frame.
func (a *Agent) applySwitch() error {
	if a.pending == "" {
		return nil
	}
	next := a.pending
	a.pending = ""
	return a.router.Switch(next)
}

// listen is the wake consumer.
func (a *Agent) listen(frame entities.AudioFrame) {
	ev, ok := a.wake.Process(frame)
	if !ok {
		return
	}
	sessionID := uuid.New().String()
	a.logger.Info("Wake phrase detected",
		zap.String("sessionID", sessionID),
		zap.String("method", string(ev.Method)),
		zap.Float64("confidence", ev.Confidence))

	start := &websocket.StreamStartMessage{
		BaseMessage:  websocket.BaseMessage{Type: websocket.MessageTypeStreamStart, Timestamp: time.Now().Format(time.RFC3339)},
		SessionID:    sessionID,
		UserID:       a.cfg.UserID,
		SampleRate:   frame.SampleRate,
		Encoding:     "LINEAR16",
		LanguageCode: a.cfg.Language,
	}
	if err := a.uplink.SendControl(start); err != nil {
		a.logger.Warn("Failed to start session, staying in wake mode", zap.Error(err))
		return
	}

	a.tracker.Reset()
	a.current = &Utterance{SessionID: sessionID, Wake: ev}
	a.setRecording(true)
	a.pending = ConsumerRecorder
}

// record is the recorder consumer.
func (a *Agent) record(frame entities.AudioFrame) {
	u := a.current
	if u == nil {
		a.pending = ConsumerWake
		return
	}
	u.Frames++
	if err := a.uplink.SendAudio(websocket.EncodeAudioFrame(u.Frames, frame.Bytes())); err != nil {
		a.logger.Warn("Failed to send audio", zap.String("sessionID", u.SessionID), zap.Error(err))
	}
	if a.tracker.Update(frame) {
		a.finish(a.tracker.EndReason(), frame.CapturedAt.Add(frame.Duration()))
	}
}

// finish ends the open session, if any, and returns to wake mode.
func (a *Agent) finish(reason string, at time.Time) {
	u := a.current
	if u == nil {
		return
	}
	a.current = nil

	end := &websocket.StreamEndMessage{
		BaseMessage: websocket.BaseMessage{Type: websocket.MessageTypeStreamEnd, Timestamp: time.Now().Format(time.RFC3339)},
		SessionID:   u.SessionID,
	}
	if err := a.uplink.SendControl(end); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		a.logger.Warn("Failed to end session", zap.String("sessionID", u.SessionID), zap.Error(err))
	}

	u.EndReason = reason
	u.EndedAt = at
	a.wake.Reset()
	a.setRecording(false)
	a.pending = ConsumerWake

	a.logger.Info("Utterance streamed",
		zap.String("sessionID", u.SessionID),
		zap.Uint64("frames", u.Frames),
		zap.String("reason", reason))

	select {
	case a.utterances <- *u:
	default:
		metrics.EventsDroppedTotal.WithLabelValues("utterance").Inc()
	}
}

// abandon drops the open session after the server lost it. No stream_end is
// sent; the next wake phrase starts a fresh session.
func (a *Agent) abandon(ev upstream.Event) {
	u := a.current
	if u == nil {
		return
	}
	if ev.SessionID != "" && ev.SessionID != u.SessionID {
		return
	}
	a.current = nil

	reason := "uplink_lost"
	if ev.Type == upstream.EventError {
		reason = "session_lost"
	}
	u.EndReason = reason
	u.EndedAt = time.Now()
	a.wake.Reset()
	a.setRecording(false)
	a.pending = ConsumerWake

	a.logger.Warn("Utterance abandoned, waiting for the wake phrase",
		zap.String("sessionID", u.SessionID),
		zap.Uint64("frames", u.Frames),
		zap.String("reason", reason))

	select {
	case a.utterances <- *u:
	default:
		metrics.EventsDroppedTotal.WithLabelValues("utterance").Inc()
	}
}

func (a *Agent) setRecording(v bool) {
	a.mu.Lock()
	a.recording = v
	a.mu.Unlock()
}

func (a *Agent) statusMessage(status string) *websocket.DeviceStatusMessage {
	return &websocket.DeviceStatusMessage{
		BaseMessage:   websocket.BaseMessage{Type: websocket.MessageTypeDeviceStatus, Timestamp: time.Now().Format(time.RFC3339)},
		DeviceID:      a.cfg.DeviceID,
		Status:        status,
		WakeDetectors: a.wake.Readiness(),
	}
}
