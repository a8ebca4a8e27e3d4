// Package config loads service settings from the environment, optionally
// seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/satriahrh/drivebrief/adapters/llm"
	"github.com/satriahrh/drivebrief/adapters/mongo"
	"github.com/satriahrh/drivebrief/adapters/redis"
	"github.com/satriahrh/drivebrief/adapters/tts"
	"github.com/satriahrh/drivebrief/adapters/upstream"
	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/internal/interpreter"
	"github.com/satriahrh/drivebrief/internal/logger"
	"github.com/satriahrh/drivebrief/internal/stream"
	"github.com/satriahrh/drivebrief/internal/wake"
	"github.com/satriahrh/drivebrief/internal/websocket"
	"github.com/satriahrh/drivebrief/usecase"
)

// Config is the complete server configuration.
type Config struct {
	Server       ServerConfig
	Wake         WakeConfig
	Stream       StreamConfig
	Upstream     UpstreamConfig
	Interpreter  InterpreterConfig
	Orchestrator OrchestratorConfig
	Storage      StorageConfig
	Log          LogConfig
}

// ServerConfig configures the HTTP and websocket listener.
type ServerConfig struct {
	Port            string
	JWTSecret       string
	TokenTTL        time.Duration
	ShutdownTimeout time.Duration
	Websocket       websocket.Config
	Seed            DeviceSeed
}

// DeviceSeed registers one head unit at startup when SerialNumber is set.
type DeviceSeed struct {
	SerialNumber string
	Secret       string
	Model        string
	OwnerID      string
}

// WakeConfig configures wake phrase detection on the device agent.
type WakeConfig struct {
	Coordinator wake.Config
}

// StreamConfig configures the audio stream session manager.
type StreamConfig struct {
	Manager stream.Config
}

// UpstreamConfig selects and configures the streaming recognizer.
type UpstreamConfig struct {
	// Recognizer is one of google, upstream or mock.
	Recognizer string
	Client     upstream.Config
}

// InterpreterConfig configures the command interpreter and its generative tier.
type InterpreterConfig struct {
	Interpreter interpreter.Config
	// Model is one of none, gemini, openai or mock.
	Model  string
	Gemini llm.GeminiConfig
	OpenAI llm.OpenAIConfig
}

// OrchestratorConfig configures turn handling, chat and speech synthesis.
type OrchestratorConfig struct {
	Orchestrator usecase.OrchestratorConfig
	// Chat is one of gemini or mock.
	Chat string
	// TTS is one of elevenlabs, mock or none.
	TTS        string
	ElevenLabs tts.ElevenLabsConfig

	CleanupInterval time.Duration
}

// StorageConfig selects the conversation store.
type StorageConfig struct {
	// Backend is one of memory, mongo or redis.
	Backend string
	Mongo   mongo.Config
	Redis   redis.Config
}

// LogConfig configures the zap logger.
type LogConfig = logger.Config

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			TokenTTL:        24 * time.Hour,
			ShutdownTimeout: 10 * time.Second,
			Websocket:       websocket.DefaultConfig(),
		},
		Wake:     WakeConfig{Coordinator: wake.DefaultConfig()},
		Stream:   StreamConfig{Manager: stream.DefaultConfig()},
		Upstream: UpstreamConfig{Recognizer: "mock", Client: upstream.DefaultConfig()},
		Interpreter: InterpreterConfig{
			Interpreter: interpreter.DefaultConfig(),
			Model:       "none",
		},
		Orchestrator: OrchestratorConfig{
			Orchestrator:    usecase.DefaultOrchestratorConfig(),
			Chat:            "mock",
			TTS:             "mock",
			CleanupInterval: 30 * time.Minute,
		},
		Storage: StorageConfig{Backend: "memory"},
		Log:     logger.DefaultConfig(),
	}
}

// Load reads the given .env files, when present, and then the environment.
// Variables already set in the environment win over .env values.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return Config{}, fmt.Errorf("%w: load env files: %v", domain.ErrConfig, err)
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds the configuration from lookup.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	r := &reader{lookup: lookup}
	cfg := Default()

	cfg.Server.Port = r.str("PORT", cfg.Server.Port)
	cfg.Server.JWTSecret = r.str("JWT_SECRET", cfg.Server.JWTSecret)
	cfg.Server.TokenTTL = r.duration("JWT_TTL", cfg.Server.TokenTTL)
	cfg.Server.ShutdownTimeout = r.duration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.Seed = DeviceSeed{
		SerialNumber: r.str("DEVICE_SERIAL", ""),
		Secret:       r.str("DEVICE_SECRET", ""),
		Model:        r.str("DEVICE_MODEL", "head-unit"),
		OwnerID:      r.str("DEVICE_OWNER_ID", ""),
	}
	ws := &cfg.Server.Websocket
	ws.SendBuffer = r.int("WS_SEND_BUFFER", ws.SendBuffer)
	ws.PongWait = r.duration("WS_PONG_WAIT", ws.PongWait)
	ws.PingPeriod = r.duration("WS_PING_PERIOD", ws.PingPeriod)
	ws.MaxMessageSize = int64(r.int("WS_MAX_MESSAGE_BYTES", int(ws.MaxMessageSize)))

	wk := &cfg.Wake.Coordinator
	wk.Mode = wake.Mode(r.str("WAKE_MODE", string(wk.Mode)))
	wk.CorrelationWindow = r.duration("WAKE_CORRELATION_WINDOW", wk.CorrelationWindow)
	wk.Cooldown = r.duration("WAKE_COOLDOWN", wk.Cooldown)
	wk.DisableEnergy = r.bool("WAKE_DISABLE_ENERGY", wk.DisableEnergy)
	wk.Energy.Threshold = r.float("WAKE_ENERGY_THRESHOLD", wk.Energy.Threshold)
	wk.Classifier.ModelPath = r.str("WAKE_MODEL_PATH", wk.Classifier.ModelPath)
	wk.Classifier.Threshold = r.float("WAKE_CLASSIFIER_THRESHOLD", wk.Classifier.Threshold)

	sm := &cfg.Stream.Manager
	sm.IdleTimeout = r.duration("STREAM_IDLE_TIMEOUT", sm.IdleTimeout)
	sm.SweepInterval = r.duration("STREAM_SWEEP_INTERVAL", sm.SweepInterval)
	sm.Grace = r.duration("STREAM_GRACE", sm.Grace)
	sm.ReorderWindow = r.int("STREAM_REORDER_WINDOW", sm.ReorderWindow)
	sm.StrictOrdering = r.bool("STREAM_STRICT_ORDERING", sm.StrictOrdering)
	sm.FlushTimeout = r.duration("STREAM_FLUSH_TIMEOUT", sm.FlushTimeout)
	sm.DefaultAudio.SampleRate = r.int("STREAM_SAMPLE_RATE", sm.DefaultAudio.SampleRate)
	sm.DefaultAudio.Language = r.str("STREAM_LANGUAGE", sm.DefaultAudio.Language)
	sm.Recognition.Model = r.str("STT_MODEL", sm.Recognition.Model)
	sm.Recognition.AlternativeLanguages = r.list("STT_ALTERNATIVE_LANGUAGES", sm.Recognition.AlternativeLanguages)
	sm.Recognition.EnableAutomaticPunctuation = r.bool("STT_PUNCTUATION", sm.Recognition.EnableAutomaticPunctuation)

	cfg.Upstream.Recognizer = strings.ToLower(r.str("RECOGNIZER", cfg.Upstream.Recognizer))
	up := &cfg.Upstream.Client
	up.URL = r.str("UPSTREAM_URL", up.URL)
	up.QueueSize = r.int("UPSTREAM_QUEUE_SIZE", up.QueueSize)
	up.BaseBackoff = r.duration("UPSTREAM_BASE_BACKOFF", up.BaseBackoff)
	up.MaxBackoff = r.duration("UPSTREAM_MAX_BACKOFF", up.MaxBackoff)
	up.MaxReconnects = r.int("UPSTREAM_MAX_RECONNECTS", up.MaxReconnects)
	up.HeartbeatInterval = r.duration("UPSTREAM_HEARTBEAT_INTERVAL", up.HeartbeatInterval)

	in := &cfg.Interpreter
	in.Interpreter.Threshold = r.float("INTERPRETER_THRESHOLD", in.Interpreter.Threshold)
	in.Interpreter.Timeout = r.duration("INTERPRETER_TIMEOUT", in.Interpreter.Timeout)
	in.Interpreter.CacheSize = r.int("INTERPRETER_CACHE_SIZE", in.Interpreter.CacheSize)
	in.Model = strings.ToLower(r.str("INTENT_MODEL", in.Model))
	in.OpenAI.APIKey = r.str("OPENAI_API_KEY", "")
	in.OpenAI.BaseURL = r.str("OPENAI_BASE_URL", "")
	in.OpenAI.Model = r.str("OPENAI_MODEL", "")
	in.Gemini.APIKey = r.str("GEMINI_API_KEY", "")
	in.Gemini.Model = r.str("GEMINI_MODEL", "")

	oc := &cfg.Orchestrator
	oc.Orchestrator.Language = r.str("REPLY_LANGUAGE", oc.Orchestrator.Language)
	oc.Orchestrator.VoiceID = r.str("ELEVEN_LABS_VOICE_ID", oc.Orchestrator.VoiceID)
	oc.Orchestrator.TurnTimeout = r.duration("TURN_TIMEOUT", oc.Orchestrator.TurnTimeout)
	oc.Orchestrator.AudioChunkBytes = r.int("REPLY_CHUNK_BYTES", oc.Orchestrator.AudioChunkBytes)
	oc.Chat = strings.ToLower(r.str("CHAT_PROVIDER", oc.Chat))
	oc.TTS = strings.ToLower(r.str("TTS_PROVIDER", oc.TTS))
	oc.CleanupInterval = r.duration("CONVERSATION_CLEANUP_INTERVAL", oc.CleanupInterval)
	oc.ElevenLabs = tts.ElevenLabsConfig{
		APIKey:       r.str("ELEVEN_LABS_API_KEY", ""),
		APIBaseURL:   r.str("ELEVEN_LABS_API_BASE_URL", ""),
		VoiceID:      oc.Orchestrator.VoiceID,
		ModelID:      r.str("ELEVEN_LABS_MODEL_ID", ""),
		OutputFormat: r.str("ELEVEN_LABS_OUTPUT_FORMAT", ""),
		ChunkSize:    r.int("ELEVEN_LABS_CHUNK_SIZE", 0),
		Stability:    r.float("ELEVEN_LABS_STABILITY", 0),
		Clarity:      r.float("ELEVEN_LABS_CLARITY", 0),
	}
	ws.TurnTimeout = oc.Orchestrator.TurnTimeout + 5*time.Second

	st := &cfg.Storage
	st.Backend = strings.ToLower(r.str("STORAGE_BACKEND", st.Backend))
	st.Mongo.URI = r.str("MONGODB_URI", st.Mongo.URI)
	st.Mongo.Database = r.str("MONGODB_DATABASE", st.Mongo.Database)
	st.Redis.Addr = r.str("REDIS_ADDR", st.Redis.Addr)
	st.Redis.Password = r.str("REDIS_PASSWORD", st.Redis.Password)
	st.Redis.DB = r.int("REDIS_DB", st.Redis.DB)
	st.Redis.TTL = r.duration("REDIS_TTL", st.Redis.TTL)

	lg := &cfg.Log
	lg.Level = r.str("LOG_LEVEL", lg.Level)
	lg.Mode = r.str("LOG_MODE", lg.Mode)
	lg.Filename = r.str("LOG_FILE", lg.Filename)
	lg.MaxSizeMB = r.int("LOG_MAX_SIZE_MB", lg.MaxSizeMB)
	lg.MaxBackups = r.int("LOG_MAX_BACKUPS", lg.MaxBackups)
	lg.MaxAgeDays = r.int("LOG_MAX_AGE_DAYS", lg.MaxAgeDays)

	if err := r.err(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	return errors.Join(
		c.Server.Validate(),
		c.Wake.Coordinator.Validate(),
		c.Upstream.Validate(),
		c.Interpreter.Validate(),
		c.Orchestrator.Validate(),
		c.Storage.Validate(),
	)
}

// Validate checks the listener settings.
func (c ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: PORT is required", domain.ErrConfig)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: JWT_SECRET is required", domain.ErrConfig)
	}
	if c.Websocket.PingPeriod >= c.Websocket.PongWait {
		return fmt.Errorf("%w: WS_PING_PERIOD must be shorter than WS_PONG_WAIT", domain.ErrConfig)
	}
	if c.Seed.SerialNumber != "" && c.Seed.Secret == "" {
		return fmt.Errorf("%w: DEVICE_SECRET is required with DEVICE_SERIAL", domain.ErrConfig)
	}
	return nil
}

// Validate checks the recognizer selection.
func (c UpstreamConfig) Validate() error {
	switch c.Recognizer {
	case "google", "mock":
		return nil
	case "upstream":
		if c.Client.URL == "" {
			return fmt.Errorf("%w: UPSTREAM_URL is required for the upstream recognizer", domain.ErrConfig)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown RECOGNIZER %q", domain.ErrConfig, c.Recognizer)
	}
}

// Validate checks the interpreter and the generative model selection.
func (c InterpreterConfig) Validate() error {
	if err := c.Interpreter.Validate(); err != nil {
		return err
	}
	switch c.Model {
	case "none", "mock":
		return nil
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY is required for the gemini intent model", domain.ErrConfig)
		}
		return nil
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY is required for the openai intent model", domain.ErrConfig)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown INTENT_MODEL %q", domain.ErrConfig, c.Model)
	}
}

// Validate checks the chat and speech providers.
func (c OrchestratorConfig) Validate() error {
	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}
	switch c.Chat {
	case "gemini", "mock":
	default:
		return fmt.Errorf("%w: unknown CHAT_PROVIDER %q", domain.ErrConfig, c.Chat)
	}
	switch c.TTS {
	case "mock", "none":
	case "elevenlabs":
		if c.ElevenLabs.APIKey == "" {
			return fmt.Errorf("%w: ELEVEN_LABS_API_KEY is required for elevenlabs", domain.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown TTS_PROVIDER %q", domain.ErrConfig, c.TTS)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("%w: CONVERSATION_CLEANUP_INTERVAL must be positive", domain.ErrConfig)
	}
	return nil
}

// Validate checks the conversation store selection.
func (c StorageConfig) Validate() error {
	switch c.Backend {
	case "memory", "mongo":
		return nil
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("%w: REDIS_ADDR is required for the redis backend", domain.ErrConfig)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown STORAGE_BACKEND %q", domain.ErrConfig, c.Backend)
	}
}

// reader collects parse failures so one bad variable does not hide another.
type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *reader) fail(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q: %v", key, value, err))
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return f
}

func (r *reader) bool(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}

// duration accepts Go durations ("1500ms") and bare integers as milliseconds.
func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	if ms, err := cast.ToInt64E(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := cast.ToDurationE(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *reader) list(key string, def []string) []string {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) err() error {
	if len(r.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrConfig, errors.Join(r.errs...))
}
