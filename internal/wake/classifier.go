package wake

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/internal/capture"
	"github.com/satriahrh/drivebrief/internal/dsp"
)

// ClassifierConfig configures the spectrogram classifier detector.
type ClassifierConfig struct {
	// ModelPath points at CNN weights. Ignored when Model is set.
	ModelPath  string
	Model      Model
	SampleRate int
	Window     time.Duration
	// Hop is how much new audio must arrive between inferences.
	Hop       time.Duration
	Threshold float64
	Features  dsp.LogMelConfig
}

// DefaultClassifierConfig returns a 500 ms window scored every 100 ms.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		SampleRate: 16000,
		Window:     500 * time.Millisecond,
		Hop:        100 * time.Millisecond,
		Threshold:  0.85,
		Features:   dsp.DefaultLogMelConfig(),
	}
}

// ClassifierDetector keeps a rolling window of audio and periodically scores
// it with a Model.
type ClassifierDetector struct {
	cfg       ClassifierConfig
	model     Model
	extractor *dsp.LogMelExtractor
	window    *capture.RingBuffer
	logger    *zap.Logger

	hopSamples int
	since      int
	inferences int
}

// NewClassifierDetector loads the model and prepares feature extraction.
func NewClassifierDetector(cfg ClassifierConfig, logger *zap.Logger) (*ClassifierDetector, error) {
	def := DefaultClassifierConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Hop <= 0 {
		cfg.Hop = def.Hop
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Features.FrameLength == 0 {
		cfg.Features = def.Features
	}
	cfg.Features.SampleRate = cfg.SampleRate

	model := cfg.Model
	if model == nil {
		if cfg.ModelPath == "" {
			return nil, fmt.Errorf("%w: classifier model path is empty", domain.ErrConfig)
		}
		cnn, err := LoadCNN(cfg.ModelPath)
		if err != nil {
			return nil, err
		}
		model = cnn
	}

	windowSamples := int(time.Duration(cfg.SampleRate) * cfg.Window / time.Second)
	return &ClassifierDetector{
		cfg:        cfg,
		model:      model,
		extractor:  dsp.NewLogMelExtractor(cfg.Features),
		window:     capture.NewRingBuffer(windowSamples),
		logger:     logger,
		hopSamples: int(time.Duration(cfg.SampleRate) * cfg.Hop / time.Second),
	}, nil
}

func (d *ClassifierDetector) Method() entities.WakeMethod {
	return entities.WakeMethodClassifier
}

// Process buffers the frame and runs inference once per hop after the
// window has filled.
func (d *ClassifierDetector) Process(frame entities.AudioFrame) (entities.WakeDetectionEvent, bool) {
	d.window.Write(frame.Samples)
	d.since += len(frame.Samples)
	if !d.window.Full() || d.since < d.hopSamples {
		return entities.WakeDetectionEvent{}, false
	}
	d.since = 0
	d.inferences++

	spec := d.extractor.Extract(d.window.Snapshot(d.window.Cap()))
	p, err := d.model.Predict(spec)
	if err != nil {
		d.logger.Warn("Wake classifier inference failed", zap.Error(err))
		return entities.WakeDetectionEvent{}, false
	}
	if p < d.cfg.Threshold {
		return entities.WakeDetectionEvent{}, false
	}
	return entities.WakeDetectionEvent{
		Method:     entities.WakeMethodClassifier,
		Confidence: p,
		Timestamp:  frame.CapturedAt,
	}, true
}

// Inferences returns how many times the model has run.
func (d *ClassifierDetector) Inferences() int {
	return d.inferences
}

// Reset clears the rolling window.
func (d *ClassifierDetector) Reset() {
	d.window.Reset()
	d.since = 0
}
