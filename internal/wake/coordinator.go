// Package wake detects the wake phrase with an energy heuristic and a
// spectrogram classifier, and correlates their detections.
package wake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/internal/metrics"
)

// Mode selects which detectors must fire for a wake event.
type Mode string

const (
	ModeEnergyOnly     Mode = "energy_only"
	ModeClassifierOnly Mode = "classifier_only"
	// ModeHybrid requires both detectors inside the correlation window.
	ModeHybrid Mode = "hybrid"
)

// Detector turns frames into raw detections.
type Detector interface {
	Method() entities.WakeMethod
	Process(frame entities.AudioFrame) (entities.WakeDetectionEvent, bool)
	Reset()
}

// Config configures the coordinator.
type Config struct {
	Mode              Mode
	CorrelationWindow time.Duration
	Cooldown          time.Duration
	// DisableEnergy removes the energy detector, leaving only the classifier.
	DisableEnergy bool
	Energy        EnergyConfig
	Classifier    ClassifierConfig
	EventBuffer   int
}

// DefaultConfig returns hybrid detection with a 300 ms window and 2 s cooldown.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeHybrid,
		CorrelationWindow: 300 * time.Millisecond,
		Cooldown:          2000 * time.Millisecond,
		Energy:            DefaultEnergyConfig(),
		Classifier:        DefaultClassifierConfig(),
		EventBuffer:       8,
	}
}

// Validate checks the mode and timings. A zero Mode is accepted and means hybrid.
func (c Config) Validate() error {
	switch c.Mode {
	case "", ModeEnergyOnly, ModeClassifierOnly, ModeHybrid:
	default:
		return fmt.Errorf("%w: unknown wake mode %q", domain.ErrConfig, c.Mode)
	}
	if c.CorrelationWindow < 0 || c.Cooldown < 0 {
		return fmt.Errorf("%w: wake correlation window and cooldown must not be negative", domain.ErrConfig)
	}
	if c.DisableEnergy && c.Mode == ModeEnergyOnly {
		return fmt.Errorf("%w: energy-only mode with the energy detector disabled", domain.ErrNoDetectors)
	}
	return nil
}

// Coordinator owns the detectors and emits accepted wake events.
type Coordinator struct {
	cfg    Config
	logger *zap.Logger

	mode       Mode
	energy     Detector
	classifier Detector
	degraded   bool

	mu           sync.Mutex
	pending      map[entities.WakeMethod]entities.WakeDetectionEvent
	lastAccepted time.Time

	events   chan entities.WakeDetectionEvent
	warnings chan string

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCoordinator builds the detectors for cfg.Mode. A classifier that fails to
// load degrades the coordinator to energy-only and posts a warning. It fails
// with domain.ErrNoDetectors when nothing is left to listen with.
func NewCoordinator(cfg Config, logger *zap.Logger) (*Coordinator, error) {
	def := DefaultConfig()
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = def.CorrelationWindow
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.Energy == (EnergyConfig{}) {
		cfg.Energy = def.Energy
	}

	c := &Coordinator{
		cfg:      cfg,
		logger:   logger,
		mode:     cfg.Mode,
		pending:  make(map[entities.WakeMethod]entities.WakeDetectionEvent),
		events:   make(chan entities.WakeDetectionEvent, cfg.EventBuffer),
		warnings: make(chan string, 4),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !cfg.DisableEnergy && cfg.Mode != ModeClassifierOnly {
		c.energy = NewEnergyDetector(cfg.Energy)
	}

	if cfg.Mode != ModeEnergyOnly {
		classifier, err := NewClassifierDetector(cfg.Classifier, logger)
		if err != nil {
			if cfg.DisableEnergy {
				return nil, fmt.Errorf("%w: classifier unavailable: %v", domain.ErrNoDetectors, err)
			}
			c.warn(fmt.Sprintf("wake classifier unavailable, falling back to energy detection: %v", err))
			logger.Warn("Wake classifier failed to initialize, degrading to energy-only",
				zap.String("requestedMode", string(cfg.Mode)),
				zap.Error(err))
			c.degraded = true
			c.mode = ModeEnergyOnly
			if c.energy == nil {
				c.energy = NewEnergyDetector(cfg.Energy)
			}
		} else {
			c.classifier = classifier
		}
	}

	if c.energy == nil && c.classifier == nil {
		return nil, domain.ErrNoDetectors
	}
	if c.mode == ModeHybrid && c.energy == nil {
		c.warn("energy detection disabled, hybrid mode runs classifier-only")
		c.mode = ModeClassifierOnly
	}

	logger.Info("Wake coordinator ready",
		zap.String("mode", string(c.mode)),
		zap.Duration("correlationWindow", cfg.CorrelationWindow),
		zap.Duration("cooldown", cfg.Cooldown))
	return c, nil
}

func (c *Coordinator) warn(msg string) {
	select {
	case c.warnings <- msg:
	default:
	}
}

// Mode returns the effective mode after any degradation.
func (c *Coordinator) Mode() Mode {
	return c.mode
}

// Degraded reports whether the classifier failed and energy-only is in use.
func (c *Coordinator) Degraded() bool {
	return c.degraded
}

// Readiness reports [energy, classifier] availability.
func (c *Coordinator) Readiness() []bool {
	return []bool{c.energy != nil, c.classifier != nil}
}

// Events delivers accepted wake events from StartListening.
func (c *Coordinator) Events() <-chan entities.WakeDetectionEvent {
	return c.events
}

// Warnings delivers non-fatal degradation notices.
func (c *Coordinator) Warnings() <-chan string {
	return c.warnings
}

// Process runs the detectors over frame and returns an accepted event, if any.
func (c *Coordinator) Process(frame entities.AudioFrame) (entities.WakeDetectionEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		accepted entities.WakeDetectionEvent
		found    bool
	)
	for _, d := range c.detectors() {
		raw, ok := d.Process(frame)
		if !ok {
			continue
		}
		c.logger.Debug("Raw wake detection",
			zap.String("method", string(raw.Method)),
			zap.Float64("confidence", raw.Confidence))
		if ev, ok := c.offer(raw); ok {
			accepted, found = ev, true
		}
	}
	return accepted, found
}

func (c *Coordinator) detectors() []Detector {
	var ds []Detector
	if c.energy != nil {
		ds = append(ds, c.energy)
	}
	if c.classifier != nil {
		ds = append(ds, c.classifier)
	}
	return ds
}

// offer applies cooldown and correlation to a raw detection. Callers hold c.mu.
func (c *Coordinator) offer(raw entities.WakeDetectionEvent) (entities.WakeDetectionEvent, bool) {
	if !c.lastAccepted.IsZero() && raw.Timestamp.Sub(c.lastAccepted) < c.cfg.Cooldown {
		c.logger.Debug("Wake detection suppressed by cooldown",
			zap.String("method", string(raw.Method)))
		return entities.WakeDetectionEvent{}, false
	}

	if c.mode != ModeHybrid {
		return c.accept(raw), true
	}

	for method, p := range c.pending {
		if raw.Timestamp.Sub(p.Timestamp) > c.cfg.CorrelationWindow {
			c.logger.Debug("Lone wake detection expired", zap.String("method", string(method)))
			delete(c.pending, method)
		}
	}

	for method, p := range c.pending {
		if method == raw.Method {
			continue
		}
		gap := raw.Timestamp.Sub(p.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap > c.cfg.CorrelationWindow {
			continue
		}
		ts := raw.Timestamp
		if p.Timestamp.After(ts) {
			ts = p.Timestamp
		}
		return c.accept(entities.WakeDetectionEvent{
			Method:     entities.WakeMethodHybrid,
			Confidence: (raw.Confidence + p.Confidence) / 2,
			Timestamp:  ts,
		}), true
	}

	c.pending[raw.Method] = raw
	return entities.WakeDetectionEvent{}, false
}

func (c *Coordinator) accept(ev entities.WakeDetectionEvent) entities.WakeDetectionEvent {
	c.lastAccepted = ev.Timestamp
	for m := range c.pending {
		delete(c.pending, m)
	}
	metrics.WakeEventsTotal.WithLabelValues(string(ev.Method)).Inc()
	c.logger.Info("Wake phrase detected",
		zap.String("method", string(ev.Method)),
		zap.Float64("confidence", ev.Confidence),
		zap.Time("timestamp", ev.Timestamp))
	return ev
}

// Reset clears detector state and pending detections. The cooldown is kept.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.detectors() {
		d.Reset()
	}
	for m := range c.pending {
		delete(c.pending, m)
	}
}

// StartListening consumes frames in the background and posts accepted events
// to Events. It stops when ctx is cancelled, frames is closed, or
// StopListening is called.
func (c *Coordinator) StartListening(ctx context.Context, frames <-chan entities.AudioFrame) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.cancel != nil {
		select {
		case <-c.done:
			// The previous loop ended with its frames.
			c.cancel()
			c.cancel, c.done = nil, nil
		default:
			return fmt.Errorf("%w: wake coordinator already listening", domain.ErrConfig)
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-frames:
				if !ok {
					return
				}
				if ev, ok := c.Process(frame); ok {
					c.emit(ev)
				}
			}
		}
	}()
	return nil
}

func (c *Coordinator) emit(ev entities.WakeDetectionEvent) {
	select {
	case c.events <- ev:
	default:
		metrics.EventsDroppedTotal.WithLabelValues("wake").Inc()
		c.logger.Warn("Wake event dropped, consumer is not keeping up",
			zap.String("method", string(ev.Method)))
	}
}

// StopListening stops the background loop and waits for it. It is idempotent.
func (c *Coordinator) StopListening() {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
	c.done = nil
}
