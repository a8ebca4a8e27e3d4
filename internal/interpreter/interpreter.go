// Package interpreter turns recognized utterances into actions. A fast
// pattern tier runs on every utterance; a generative intent model is only
// consulted when the pattern tier is not confident enough.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
	"github.com/satriahrh/drivebrief/internal/metrics"
)

// Config configures an Interpreter.
type Config struct {
	// Threshold is the pattern confidence at or above which the generative
	// tier is skipped.
	Threshold float64
	Timeout   time.Duration
	// CacheSize bounds remembered generative answers. Zero disables the cache.
	CacheSize int

	AllowedIntents []string
	EntitySchemas  map[string][]string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:      0.8,
		Timeout:        3 * time.Second,
		CacheSize:      256,
		AllowedIntents: DefaultIntents(),
		EntitySchemas:  DefaultEntitySchemas(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("%w: threshold must be between 0 and 1, got %f", domain.ErrConfig, c.Threshold)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", domain.ErrConfig, c.Timeout)
	}
	if c.CacheSize < 0 {
		return fmt.Errorf("%w: cache size must not be negative", domain.ErrConfig)
	}
	return nil
}

// Metadata describes how a Result was reached.
type Metadata struct {
	Tier                 string        `json:"tier"`
	Rule                 string        `json:"rule"`
	Normalized           string        `json:"normalized"`
	PatternConfidence    float64       `json:"pattern_confidence"`
	GenerativeConfidence float64       `json:"generative_confidence,omitempty"`
	Cached               bool          `json:"cached,omitempty"`
	FallbackError        string        `json:"fallback_error,omitempty"`
	Latency              time.Duration `json:"latency_ns"`
}

// Result is the interpreter's answer for one utterance.
type Result struct {
	Action entities.Action `json:"action"`
	// RequiresFallback is set when the pattern tier alone was not confident.
	RequiresFallback bool     `json:"requires_fallback"`
	Metadata         Metadata `json:"metadata"`
}

// Interpreter is safe for concurrent use.
type Interpreter struct {
	cfg      Config
	patterns *PatternClassifier
	model    repositories.IntentModel
	cache    *lru.Cache[string, entities.Action]
	logger   *zap.Logger
}

// New creates an interpreter. model may be nil, in which case low-confidence
// utterances keep their pattern result.
func New(cfg Config, model repositories.IntentModel, logger *zap.Logger) (*Interpreter, error) {
	def := DefaultConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if len(cfg.AllowedIntents) == 0 {
		cfg.AllowedIntents = def.AllowedIntents
	}
	if cfg.EntitySchemas == nil {
		cfg.EntitySchemas = def.EntitySchemas
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	in := &Interpreter{
		cfg:      cfg,
		patterns: NewPatternClassifier(),
		model:    model,
		logger:   logger,
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, entities.Action](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("%w: interpretation cache: %v", domain.ErrConfig, err)
		}
		in.cache = cache
	}
	return in, nil
}

// Parse interprets text. It never fails: generative errors degrade to the
// pattern result and are reported in Metadata.FallbackError.
func (in *Interpreter) Parse(ctx context.Context, text string) Result {
	start := time.Now()
	normalized := Normalize(text)
	match := in.patterns.Classify(normalized)

	res := Result{
		Action: match.Action,
		Metadata: Metadata{
			Tier:              string(entities.OriginPattern),
			Rule:              match.Rule,
			Normalized:        normalized,
			PatternConfidence: match.Action.Confidence,
		},
	}

	if match.Action.Confidence >= in.cfg.Threshold {
		in.finish(&res, start, "accepted")
		return res
	}
	res.RequiresFallback = true

	if in.model == nil || normalized == "" {
		in.finish(&res, start, "low_confidence")
		return res
	}

	gen, cached, err := in.generative(ctx, normalized)
	if err != nil {
		in.logger.Warn("Generative interpretation failed, using pattern result",
			zap.String("utterance", normalized),
			zap.Float64("patternConfidence", match.Action.Confidence),
			zap.Error(err))
		metrics.InterpretationsTotal.WithLabelValues("generative", "failed").Inc()
		res.Metadata.FallbackError = err.Error()
		in.finish(&res, start, "fallback_failed")
		return res
	}

	res.Metadata.Cached = cached
	res.Metadata.GenerativeConfidence = gen.Confidence
	if gen.Confidence <= match.Action.Confidence {
		metrics.InterpretationsTotal.WithLabelValues("generative", "rejected").Inc()
		in.finish(&res, start, "generative_rejected")
		return res
	}

	metrics.InterpretationsTotal.WithLabelValues("generative", "preferred").Inc()
	res.Action = gen
	res.Metadata.Tier = string(entities.OriginGenerative)
	res.Metadata.Rule = "generative"
	in.finish(&res, start, "generative_preferred")
	return res
}

func (in *Interpreter) finish(res *Result, start time.Time, outcome string) {
	res.Metadata.Latency = time.Since(start)
	metrics.InterpretationsTotal.WithLabelValues("pattern", outcome).Inc()
	metrics.InterpretLatency.WithLabelValues(res.Metadata.Tier).
		Observe(float64(res.Metadata.Latency) / float64(time.Millisecond))

	in.logger.Debug("Utterance interpreted",
		zap.String("utterance", res.Metadata.Normalized),
		zap.String("actionType", string(res.Action.Type)),
		zap.Float64("confidence", res.Action.Confidence),
		zap.String("tier", res.Metadata.Tier),
		zap.String("outcome", outcome),
		zap.Duration("latency", res.Metadata.Latency))
}

func (in *Interpreter) generative(ctx context.Context, normalized string) (entities.Action, bool, error) {
	if in.cache != nil {
		if action, ok := in.cache.Get(normalized); ok {
			return action, true, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, in.cfg.Timeout)
	defer cancel()

	resp, err := in.model.ClassifyIntent(ctx, repositories.IntentRequest{
		Utterance:            normalized,
		AllowedIntents:       in.cfg.AllowedIntents,
		AllowedEntitySchemas: in.cfg.EntitySchemas,
	})
	if err != nil {
		if errors.Is(err, domain.ErrFallbackFailed) {
			return entities.Action{}, false, err
		}
		return entities.Action{}, false, fmt.Errorf("%w: %v", domain.ErrFallbackFailed, err)
	}

	action, err := in.toAction(resp)
	if err != nil {
		return entities.Action{}, false, err
	}
	if in.cache != nil {
		in.cache.Add(normalized, action)
	}
	return action, false, nil
}

// toAction validates a generative answer against the allowed intents and
// entity schemas.
func (in *Interpreter) toAction(resp repositories.IntentResponse) (entities.Action, error) {
	if resp.Intent == "" {
		return entities.Action{}, fmt.Errorf("%w: reply has no intent", domain.ErrFallbackFailed)
	}
	if !in.allowed(resp.Intent) || !entities.ActionType(resp.Intent).Valid() {
		return entities.Action{}, fmt.Errorf("%w: intent %q is not allowed", domain.ErrFallbackFailed, resp.Intent)
	}
	if math.IsNaN(resp.Confidence) || resp.Confidence < 0 || resp.Confidence > 1 {
		return entities.Action{}, fmt.Errorf("%w: confidence %v out of range", domain.ErrFallbackFailed, resp.Confidence)
	}

	schema := in.cfg.EntitySchemas[resp.Intent]
	var params entities.Params
	for _, key := range schema {
		v, ok := resp.Entities[key]
		if !ok || v == nil {
			continue
		}
		if params == nil {
			params = make(entities.Params, len(schema))
		}
		params[key] = integral(v)
	}

	return entities.Action{
		Type:       entities.ActionType(resp.Intent),
		Params:     params,
		Confidence: resp.Confidence,
		Origin:     entities.OriginGenerative,
	}, nil
}

func (in *Interpreter) allowed(intent string) bool {
	for _, a := range in.cfg.AllowedIntents {
		if a == intent {
			return true
		}
	}
	return false
}

// integral turns whole JSON numbers into ints so params round-trip.
func integral(v any) any {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return v
	}
	return int(f)
}
