package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/adapters/llm"
	"github.com/satriahrh/drivebrief/adapters/memory"
	"github.com/satriahrh/drivebrief/adapters/mongo"
	"github.com/satriahrh/drivebrief/adapters/redis"
	"github.com/satriahrh/drivebrief/adapters/stt"
	"github.com/satriahrh/drivebrief/adapters/tts"
	"github.com/satriahrh/drivebrief/adapters/upstream"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
	"github.com/satriahrh/drivebrief/internal/api"
	"github.com/satriahrh/drivebrief/internal/auth"
	"github.com/satriahrh/drivebrief/internal/config"
	"github.com/satriahrh/drivebrief/internal/interpreter"
	applog "github.com/satriahrh/drivebrief/internal/logger"
	"github.com/satriahrh/drivebrief/internal/stream"
	"github.com/satriahrh/drivebrief/internal/websocket"
	"github.com/satriahrh/drivebrief/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logger, err := applog.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// Initialize adapters
	conversations, closeStore, err := newConversationStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal("Failed to open conversation store", zap.Error(err))
	}
	closers = append(closers, closeStore)

	recognizer, closeRecognizer, err := newRecognizer(ctx, cfg.Upstream, logger)
	if err != nil {
		logger.Fatal("Failed to create recognizer", zap.Error(err))
	}
	closers = append(closers, closeRecognizer)

	var gemini *llm.GeminiLLM
	if cfg.Interpreter.Model == "gemini" || cfg.Orchestrator.Chat == "gemini" {
		geminiCfg := cfg.Interpreter.Gemini
		if gemini, err = llm.NewGeminiLLM(ctx, geminiCfg, logger); err != nil {
			logger.Fatal("Failed to create Gemini client", zap.Error(err))
		}
	}

	intentModel, err := newIntentModel(cfg.Interpreter, gemini, logger)
	if err != nil {
		logger.Fatal("Failed to create intent model", zap.Error(err))
	}
	interp, err := interpreter.New(cfg.Interpreter.Interpreter, intentModel, logger.Named("interpreter"))
	if err != nil {
		logger.Fatal("Failed to create interpreter", zap.Error(err))
	}

	var chatModel repositories.LargeLanguageModel = llm.NewMockLLM()
	if cfg.Orchestrator.Chat == "gemini" {
		chatModel = gemini
	}

	speaker, err := newSpeaker(cfg.Orchestrator, logger)
	if err != nil {
		logger.Fatal("Failed to create text-to-speech", zap.Error(err))
	}

	// Initialize the streaming pipeline
	manager := stream.NewManager(cfg.Stream.Manager, recognizer, logger.Named("stream"))
	hub := websocket.NewHub(cfg.Server.Websocket, manager, nil, nil, logger.Named("websocket"))

	orchestrator, err := usecase.NewOrchestrator(
		cfg.Orchestrator.Orchestrator,
		interp,
		usecase.NewChatService(chatModel),
		speaker,
		conversations,
		hub,
		logger.Named("orchestrator"),
	)
	if err != nil {
		logger.Fatal("Failed to create orchestrator", zap.Error(err))
	}
	hub.SetTurnHandler(orchestrator)
	manager.SetResultHandler(hub.OnResult)

	go hub.Run()
	manager.Start()

	cleanup := usecase.NewConversationCleanupService(conversations, cfg.Orchestrator.CleanupInterval, 0, logger.Named("cleanup"))
	cleanup.Start()

	devices := memory.NewDeviceRepository()
	if err := seedDevice(ctx, devices, cfg.Server.Seed); err != nil {
		logger.Fatal("Failed to register seed device", zap.Error(err))
	}

	tokens, err := auth.NewTokenIssuer(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
	if err != nil {
		logger.Fatal("Failed to create token issuer", zap.Error(err))
	}

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("Request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	api.InitRoutes(e, api.Dependencies{
		Hub:         hub,
		Devices:     devices,
		Tokens:      tokens,
		Interpreter: interp,
		Logger:      logger.Named("api"),
	})

	go func() {
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Server.Port),
		zap.String("recognizer", cfg.Upstream.Recognizer),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("intentModel", cfg.Interpreter.Model))

	<-ctx.Done()
	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	hub.Stop()
	manager.Stop()
	cleanup.Stop()

	logger.Info("Server exited")
}

func newConversationStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (repositories.ConversationRepository, func(), error) {
	switch cfg.Backend {
	case "mongo":
		client, err := mongo.NewClient(ctx, cfg.Mongo, logger)
		if err != nil {
			return nil, nil, err
		}
		repo, err := mongo.NewConversationRepository(ctx, client.Database, logger)
		if err != nil {
			_ = client.Close(context.Background())
			return nil, nil, err
		}
		return repo, func() { _ = client.Close(context.Background()) }, nil
	case "redis":
		repo, err := redis.NewConversationRepository(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		return memory.NewConversationRepository(), func() {}, nil
	}
}

func newRecognizer(ctx context.Context, cfg config.UpstreamConfig, logger *zap.Logger) (repositories.StreamingRecognizer, func(), error) {
	switch cfg.Recognizer {
	case "google":
		recognizer, err := stt.NewGoogleRecognizer(ctx, logger.Named("stt"))
		if err != nil {
			return nil, nil, err
		}
		return recognizer, func() { _ = recognizer.Close() }, nil
	case "upstream":
		return upstream.NewRecognizer(cfg.Client, logger.Named("upstream")), func() {}, nil
	default:
		return stt.NewMockRecognizer(logger.Named("stt")), func() {}, nil
	}
}

// newIntentModel returns nil when the generative tier is disabled.
func newIntentModel(cfg config.InterpreterConfig, gemini *llm.GeminiLLM, logger *zap.Logger) (repositories.IntentModel, error) {
	switch cfg.Model {
	case "gemini":
		return gemini, nil
	case "openai":
		return llm.NewOpenAIIntentModel(cfg.OpenAI, logger.Named("openai"))
	case "mock":
		return llm.NewMockIntentModel(), nil
	default:
		return nil, nil
	}
}

func newSpeaker(cfg config.OrchestratorConfig, logger *zap.Logger) (repositories.TextToSpeech, error) {
	switch cfg.TTS {
	case "elevenlabs":
		return tts.NewElevenLabsTTS(cfg.ElevenLabs, logger.Named("tts"))
	case "mock":
		return tts.MockTTS{}, nil
	default:
		return nil, nil
	}
}

func seedDevice(ctx context.Context, devices *memory.DeviceRepository, seed config.DeviceSeed) error {
	if seed.SerialNumber == "" {
		return nil
	}
	device := &entities.Device{
		SerialNumber: seed.SerialNumber,
		SecretKey:    seed.Secret,
		Model:        seed.Model,
	}
	if seed.OwnerID != "" {
		owner := seed.OwnerID
		device.OwnerID = &owner
	}
	return devices.Create(ctx, device)
}
