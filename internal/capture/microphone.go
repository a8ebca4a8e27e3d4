package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/internal/metrics"
)

// MicrophoneConfig configures live capture.
type MicrophoneConfig struct {
	SampleRate    int
	FrameDuration time.Duration
	// Buffer is the frame channel capacity. Frames are dropped when it is full.
	Buffer int
}

// DefaultMicrophoneConfig returns 16 kHz mono capture in 20 ms frames.
func DefaultMicrophoneConfig() MicrophoneConfig {
	return MicrophoneConfig{
		SampleRate:    16000,
		FrameDuration: DefaultFrameDuration,
		Buffer:        64,
	}
}

// MicrophoneSource captures the default input device through miniaudio.
// The device is owned exclusively by this source between Start and Stop.
type MicrophoneSource struct {
	cfg    MicrophoneConfig
	logger *zap.Logger
	frames chan entities.AudioFrame

	// lifecycle serializes Start and Stop; mu guards the data callback state.
	lifecycle sync.Mutex
	mu        sync.Mutex
	chunker   *Chunker
	mctx      *malgo.AllocatedContext
	device    *malgo.Device
	closed    bool
	started   bool
}

// NewMicrophoneSource creates an unstarted microphone source.
func NewMicrophoneSource(cfg MicrophoneConfig, logger *zap.Logger) *MicrophoneSource {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	return &MicrophoneSource{
		cfg:     cfg,
		logger:  logger,
		frames:  make(chan entities.AudioFrame, cfg.Buffer),
		chunker: NewChunker(cfg.SampleRate, cfg.FrameDuration),
	}
}

func (m *MicrophoneSource) Frames() <-chan entities.AudioFrame {
	return m.frames
}

// Start opens and starts the capture device. Device failures are reported
// as domain.ErrDeviceUnavailable and are not retried.
func (m *MicrophoneSource) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.started || m.closed {
		return nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		m.logger.Debug("miniaudio", zap.String("message", message))
	})
	if err != nil {
		return fmt.Errorf("%w: init audio context: %v", domain.ErrDeviceUnavailable, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.onSamples(entities.BytesToPCM16(input))
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("%w: open capture device: %v", domain.ErrDeviceUnavailable, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("%w: start capture device: %v", domain.ErrDeviceUnavailable, err)
	}

	m.mctx = mctx
	m.device = device
	m.started = true

	m.logger.Info("Microphone capture started",
		zap.Int("sampleRate", m.cfg.SampleRate),
		zap.Duration("frameDuration", m.cfg.FrameDuration))

	go func() {
		<-ctx.Done()
		_ = m.Stop()
	}()
	return nil
}

func (m *MicrophoneSource) onSamples(samples []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	for _, f := range m.chunker.Write(samples, time.Now()) {
		select {
		case m.frames <- f:
		default:
			metrics.EventsDroppedTotal.WithLabelValues("microphone").Inc()
		}
	}
}

// Stop releases the device and closes the frame channel. It is idempotent.
func (m *MicrophoneSource) Stop() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	device, mctx := m.device, m.mctx
	m.mu.Unlock()

	// Uninit waits for the data callback to return, so mu must not be held.
	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
	if mctx != nil {
		_ = mctx.Uninit()
		mctx.Free()
	}
	close(m.frames)

	m.logger.Info("Microphone capture stopped")
	return nil
}
