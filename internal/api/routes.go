package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
	"github.com/satriahrh/drivebrief/internal/auth"
	"github.com/satriahrh/drivebrief/internal/interpreter"
	"github.com/satriahrh/drivebrief/internal/websocket"
)

const serviceName = "drivebrief-server"

// maxInterpretRunes bounds POST /api/v1/interpret input.
const maxInterpretRunes = 500

// ReadinessReporter reports what /ready returns.
type ReadinessReporter interface {
	Readiness() entities.Readiness
}

// Interpreter turns utterances into actions.
type Interpreter interface {
	Parse(ctx context.Context, text string) interpreter.Result
}

// Dependencies are the collaborators the routes are served by.
type Dependencies struct {
	Hub         *websocket.Hub
	Readiness   ReadinessReporter
	Devices     repositories.DeviceRepository
	Tokens      *auth.TokenIssuer
	Interpreter Interpreter
	Logger      *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	logger := deps.Logger
	readiness := deps.Readiness
	if readiness == nil && deps.Hub != nil {
		readiness = deps.Hub
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Service: serviceName})
	})

	e.GET("/ready", func(c echo.Context) error {
		return ready(c, readiness)
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.POST("/device/auth", func(c echo.Context) error {
		return deviceAuth(c, deps.Devices, deps.Tokens, logger)
	})

	v1.POST("/interpret", func(c echo.Context) error {
		return interpret(c, deps.Interpreter, logger)
	})

	// WebSocket endpoint with JWT validation
	e.GET("/ws", func(c echo.Context) error {
		return websocketWithAuth(deps.Hub, deps.Tokens, c, logger)
	})
}

// ready answers 503 until the recognizer uplink is connected.
func ready(c echo.Context, readiness ReadinessReporter) error {
	if readiness == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "not_ready",
			Message: "Readiness is not wired",
		})
	}
	report := readiness.Readiness()
	status := http.StatusOK
	if !report.UpstreamConnected {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}

func deviceAuth(c echo.Context, devices repositories.DeviceRepository, tokens *auth.TokenIssuer, logger *zap.Logger) error {
	var req DeviceAuthRequest

	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind device auth request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.SerialNumber == "" || req.SecretKey == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Serial number and secret key are required",
		})
	}

	device, err := devices.ValidateDevice(c.Request().Context(), req.SerialNumber, req.SecretKey)
	if err != nil {
		logger.Warn("Device authentication failed",
			zap.String("serialNumber", req.SerialNumber),
			zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "authentication_failed",
			Message: "Invalid device credentials",
		})
	}

	token, expiresAt, err := tokens.GenerateDeviceToken(device.ID, device.UserID())
	if err != nil {
		logger.Error("Failed to generate device token",
			zap.String("deviceID", device.ID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	logger.Info("Device authenticated successfully",
		zap.String("deviceID", device.ID),
		zap.String("serialNumber", device.SerialNumber))

	return c.JSON(http.StatusOK, DeviceAuthResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		DeviceID:  device.ID,
		UserID:    device.UserID(),
	})
}

func interpret(c echo.Context, interp Interpreter, logger *zap.Logger) error {
	var req InterpretRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "text is required",
		})
	}
	if len([]rune(text)) > maxInterpretRunes {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{
			Error:   "text_too_long",
			Message: "text must be at most 500 characters",
		})
	}

	result := interp.Parse(c.Request().Context(), text)
	logger.Debug("Interpreted utterance",
		zap.String("actionType", string(result.Action.Type)),
		zap.String("tier", result.Metadata.Tier))
	return c.JSON(http.StatusOK, InterpretResponse{Text: text, Result: result})
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer token")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func websocketWithAuth(hub *websocket.Hub, tokens *auth.TokenIssuer, c echo.Context, logger *zap.Logger) error {
	token, err := bearerToken(c.Request().Header.Get("Authorization"))
	if err != nil {
		logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required in Authorization header",
		})
	}

	claims, err := tokens.ValidateToken(token)
	if err != nil {
		logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}

	if claims.Role != auth.RoleDevice {
		logger.Warn("WebSocket connection rejected: invalid role",
			zap.String("role", claims.Role))
		return c.JSON(http.StatusForbidden, ErrorResponse{
			Error:   "invalid_role",
			Message: "Only device tokens are allowed for WebSocket connections",
		})
	}

	if claims.DeviceID == "" {
		logger.Error("WebSocket connection rejected: missing device ID in token")
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_token_claims",
			Message: "Device ID not found in token",
		})
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.DeviceID
	}

	logger.Info("WebSocket connection authenticated",
		zap.String("deviceID", claims.DeviceID),
		zap.String("userID", userID))

	return websocket.HandleWebSocketWithAuth(hub, c, claims.DeviceID, userID, logger)
}
