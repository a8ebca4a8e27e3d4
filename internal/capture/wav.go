package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/youpy/go-wav"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
)

// WAVConfig configures file playback.
type WAVConfig struct {
	Path          string
	FrameDuration time.Duration
	// Realtime paces frames at their playback rate. Otherwise frames are
	// delivered as fast as the reader consumes them.
	Realtime bool
}

// WAVSource replays a 16-bit PCM WAV file as audio frames. Multi-channel
// files are reduced to their first channel.
type WAVSource struct {
	cfg    WAVConfig
	logger *zap.Logger
	frames chan entities.AudioFrame

	once sync.Once
	stop chan struct{}
}

// NewWAVSource creates an unstarted file source.
func NewWAVSource(cfg WAVConfig, logger *zap.Logger) *WAVSource {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	return &WAVSource{
		cfg:    cfg,
		logger: logger,
		frames: make(chan entities.AudioFrame, 16),
		stop:   make(chan struct{}),
	}
}

func (w *WAVSource) Frames() <-chan entities.AudioFrame {
	return w.frames
}

// Start opens the file and begins playback in the background.
func (w *WAVSource) Start(ctx context.Context) error {
	file, err := os.Open(w.cfg.Path)
	if err != nil {
		return fmt.Errorf("%w: open wav: %v", domain.ErrDeviceUnavailable, err)
	}

	reader := wav.NewReader(file)
	format, err := reader.Format()
	if err != nil {
		file.Close()
		return fmt.Errorf("%w: read wav format: %v", domain.ErrConfig, err)
	}
	if format.AudioFormat != wav.AudioFormatPCM || format.BitsPerSample != 16 {
		file.Close()
		return fmt.Errorf("%w: wav must be 16-bit PCM, got format=%d bits=%d",
			domain.ErrConfig, format.AudioFormat, format.BitsPerSample)
	}

	sampleRate := int(format.SampleRate)
	w.logger.Info("Replaying wav file",
		zap.String("path", w.cfg.Path),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", int(format.NumChannels)),
		zap.Bool("realtime", w.cfg.Realtime))

	go w.play(ctx, file, reader, sampleRate)
	return nil
}

func (w *WAVSource) play(ctx context.Context, file *os.File, reader *wav.Reader, sampleRate int) {
	defer file.Close()
	defer close(w.frames)

	chunker := NewChunker(sampleRate, w.cfg.FrameDuration)
	start := time.Now()

	for {
		samples, err := reader.ReadSamples()
		if len(samples) > 0 {
			pcm := make([]int16, len(samples))
			for i, s := range samples {
				pcm[i] = int16(reader.IntValue(s, 0))
			}
			for _, f := range chunker.Write(pcm, start) {
				if w.cfg.Realtime {
					if wait := time.Until(f.CapturedAt); wait > 0 {
						select {
						case <-time.After(wait):
						case <-ctx.Done():
							return
						case <-w.stop:
							return
						}
					}
				}
				select {
				case w.frames <- f:
				case <-ctx.Done():
					return
				case <-w.stop:
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.logger.Warn("Failed to read wav samples", zap.Error(err))
			}
			return
		}
	}
}

// Stop ends playback. It is idempotent.
func (w *WAVSource) Stop() error {
	w.once.Do(func() { close(w.stop) })
	return nil
}
