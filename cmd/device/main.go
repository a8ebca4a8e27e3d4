// Package main runs the in-car agent against a drivebrief server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/adapters/upstream"
	"github.com/satriahrh/drivebrief/internal/api"
	"github.com/satriahrh/drivebrief/internal/capture"
	"github.com/satriahrh/drivebrief/internal/config"
	"github.com/satriahrh/drivebrief/internal/device"
	applog "github.com/satriahrh/drivebrief/internal/logger"
	"github.com/satriahrh/drivebrief/internal/wake"
)

type options struct {
	server   string
	token    string
	serial   string
	secret   string
	deviceID string
	userID   string
	wavPath  string
	realtime bool
	wakeMode string
	language string
}

func main() {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "drivebrief-device",
		Short: "Stream wake-triggered utterances to a drivebrief server",
		Long: `Listens on the microphone, or replays a WAV file, until the wake phrase
is heard and streams the following utterance to the server. Replies are logged.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}

	flags := rootCmd.Flags()
	flags.StringVar(&opts.server, "server", "http://localhost:8080", "server base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("DEVICE_TOKEN"), "device JWT; fetched with --serial and --secret when empty")
	flags.StringVar(&opts.serial, "serial", os.Getenv("DEVICE_SERIAL"), "device serial number")
	flags.StringVar(&opts.secret, "secret", os.Getenv("DEVICE_SECRET"), "device secret key")
	flags.StringVar(&opts.deviceID, "device-id", "", "device id reported in status messages; defaults to the id the server issued")
	flags.StringVar(&opts.userID, "user-id", "", "user id sent with every stream")
	flags.StringVar(&opts.wavPath, "wav", "", "replay this 16-bit PCM WAV file instead of the microphone")
	flags.BoolVar(&opts.realtime, "realtime", true, "pace WAV playback at its natural rate")
	flags.StringVar(&opts.wakeMode, "wake-mode", "", "energy_only, classifier_only or hybrid; overrides WAKE_MODE")
	flags.StringVar(&opts.language, "language", "ko-KR", "recognition language")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := applog.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	token, deviceID, userID := opts.token, opts.deviceID, opts.userID
	if token == "" {
		auth, err := authenticate(ctx, opts.server, opts.serial, opts.secret)
		if err != nil {
			return err
		}
		token = auth.Token
		if deviceID == "" {
			deviceID = auth.DeviceID
		}
		if userID == "" {
			userID = auth.UserID
		}
		logger.Info("Device authenticated", zap.String("deviceID", auth.DeviceID), zap.Time("expiresAt", auth.ExpiresAt))
	}
	if deviceID == "" {
		deviceID = opts.serial
	}

	wakeCfg := cfg.Wake.Coordinator
	if opts.wakeMode != "" {
		wakeCfg.Mode = wake.Mode(opts.wakeMode)
	}
	detector, err := wake.NewCoordinator(wakeCfg, logger.Named("wake"))
	if err != nil {
		return err
	}
	if detector.Degraded() {
		logger.Warn("Wake detection is running with fewer detectors than configured", zap.String("mode", string(detector.Mode())))
	}
	go logWarnings(ctx, detector.Warnings(), logger.Named("wake"))

	wsURL, err := websocketURL(opts.server)
	if err != nil {
		return err
	}
	upCfg := cfg.Upstream.Client
	upCfg.URL = wsURL
	upCfg.Header = http.Header{"Authorization": []string{"Bearer " + token}}
	client := upstream.NewClient(upCfg, logger.Named("uplink"))
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to %s: %w", wsURL, err)
	}
	defer client.Disconnect()

	var source capture.Source
	if opts.wavPath != "" {
		source = capture.NewWAVSource(capture.WAVConfig{Path: opts.wavPath, Realtime: opts.realtime}, logger.Named("wav"))
	} else {
		source = capture.NewMicrophoneSource(capture.DefaultMicrophoneConfig(), logger.Named("microphone"))
	}

	agentCfg := device.DefaultConfig()
	agentCfg.DeviceID = deviceID
	agentCfg.UserID = userID
	agentCfg.Language = opts.language
	agent, err := device.NewAgent(agentCfg, source, detector, client, logger)
	if err != nil {
		return err
	}
	go handleEvents(client.Events(), agent, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range agent.Utterances() {
			logger.Info("Utterance finished",
				zap.String("sessionID", u.SessionID),
				zap.String("reason", u.EndReason),
				zap.Uint64("frames", u.Frames))
		}
	}()

	logger.Info("Device agent running", zap.String("server", wsURL), zap.String("mode", string(detector.Mode())))
	err = agent.Run(ctx)
	<-done

	if opts.wavPath != "" && err == nil {
		// Give the server a moment to answer the last utterance.
		select {
		case <-ctx.Done():
		case <-time.After(3 * time.Second):
		}
	}
	return err
}

func authenticate(ctx context.Context, server, serial, secret string) (*api.DeviceAuthResponse, error) {
	if serial == "" || secret == "" {
		return nil, fmt.Errorf("either --token or both --serial and --secret are required")
	}
	body, err := json.Marshal(api.DeviceAuthRequest{SerialNumber: serial, SecretKey: secret})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(server, "/")+"/api/v1/device/auth", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device auth: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return nil, fmt.Errorf("device auth failed with status %d: %s", resp.StatusCode, apiErr.Message)
	}

	var out api.DeviceAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode device auth response: %w", err)
	}
	return &out, nil
}

// websocketURL maps http(s)://host to ws(s)://host/ws.
func websocketURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", server, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func logWarnings(ctx context.Context, warnings <-chan string, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-warnings:
			logger.Warn("Wake detection degraded", zap.String("warning", w))
		}
	}
}

// handleEvents logs server events and lets the agent react to lost sessions.
func handleEvents(events <-chan upstream.Event, agent *device.Agent, logger *zap.Logger) {
	for ev := range events {
		agent.HandleUplinkEvent(ev)
		switch ev.Type {
		case upstream.EventTranscript:
			logger.Info("Transcript", zap.String("text", ev.Transcript), zap.Bool("final", ev.IsFinal))
		case upstream.EventResponse:
			if len(ev.Audio) > 0 {
				logger.Debug("Reply audio", zap.Int("bytes", len(ev.Audio)))
			} else {
				logger.Info("Reply", zap.String("text", ev.Text))
			}
		case upstream.EventToolCall:
			logger.Info("Action", zap.String("name", ev.ToolName), zap.ByteString("arguments", ev.Arguments))
		case upstream.EventError:
			logger.Warn("Server error", zap.String("code", ev.Code), zap.String("message", ev.Message), zap.String("sessionID", ev.SessionID))
		case upstream.EventDisconnected:
			logger.Warn("Disconnected from server", zap.Bool("reconnecting", ev.Reconnecting))
		}
	}
}
