package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/drivebrief/adapters/memory"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/internal/auth"
	"github.com/satriahrh/drivebrief/internal/interpreter"
)

type staticReadiness struct {
	report entities.Readiness
}

func (s staticReadiness) Readiness() entities.Readiness { return s.report }

type testServer struct {
	e      *echo.Echo
	tokens *auth.TokenIssuer
}

func newTestServer(t *testing.T, readiness ReadinessReporter) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)

	devices := memory.NewDeviceRepository()
	owner := "user-42"
	require.NoError(t, devices.Create(context.Background(), &entities.Device{
		ID:           "device-1",
		SerialNumber: "SN-001",
		SecretKey:    "s3cret",
		Model:        "head-unit",
		OwnerID:      &owner,
	}))

	tokens, err := auth.NewTokenIssuer("test-secret", time.Hour)
	require.NoError(t, err)

	interp, err := interpreter.New(interpreter.DefaultConfig(), nil, logger)
	require.NoError(t, err)

	e := echo.New()
	InitRoutes(e, Dependencies{
		Readiness:   readiness,
		Devices:     devices,
		Tokens:      tokens,
		Interpreter: interp,
		Logger:      logger,
	})
	return &testServer{e: e, tokens: tokens}
}

func (s *testServer) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestReady(t *testing.T) {
	s := newTestServer(t, staticReadiness{entities.Readiness{
		WakeDetectorsReady: []bool{true, false},
		UpstreamConnected:  true,
		ActiveSessionCount: 2,
	}})
	rec := s.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"wakeDetectorsReady":[true,false],"upstreamConnected":true,"activeSessionCount":2}`, rec.Body.String())

	down := newTestServer(t, staticReadiness{entities.Readiness{WakeDetectorsReady: []bool{}}})
	rec = down.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	unwired := newTestServer(t, nil)
	rec = unwired.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestDeviceAuth(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodPost, "/api/v1/device/auth", `{"serial_number":"SN-001","secret_key":"s3cret"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp DeviceAuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "device-1", resp.DeviceID)
	assert.Equal(t, "user-42", resp.UserID)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	claims, err := s.tokens.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "device-1", claims.DeviceID)
	assert.Equal(t, "user-42", claims.UserID)

	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"wrong secret", `{"serial_number":"SN-001","secret_key":"nope"}`, http.StatusUnauthorized, "authentication_failed"},
		{"unknown serial", `{"serial_number":"SN-404","secret_key":"s3cret"}`, http.StatusUnauthorized, "authentication_failed"},
		{"missing fields", `{"serial_number":"SN-001"}`, http.StatusBadRequest, "missing_fields"},
		{"bad json", `{"serial_number":`, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(http.MethodPost, "/api/v1/device/auth", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code)
			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
			assert.Equal(t, tt.code, errResp.Error)
		})
	}
}

func TestInterpret(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodPost, "/api/v1/interpret", `{"text":"다음 뉴스"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp InterpretResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "다음 뉴스", resp.Text)
	assert.Equal(t, entities.ActionNavigation, resp.Action.Type)
	assert.Equal(t, "next", resp.Action.Params["direction"])
	assert.False(t, resp.RequiresFallback)

	rec = s.do(http.MethodPost, "/api/v1/interpret", `{"text":"   "}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	long := strings.Repeat("가", maxInterpretRunes+1)
	rec = s.do(http.MethodPost, "/api/v1/interpret", `{"text":"`+long+`"}`, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestWebSocketAuthRejections(t *testing.T) {
	s := newTestServer(t, nil)

	userClaims := &auth.JWTClaims{
		UserID: "user-42",
		Role:   auth.RoleUser,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	userToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, userClaims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{"no header", "", http.StatusUnauthorized, "missing_token"},
		{"basic auth", "Basic Zm9vOmJhcg==", http.StatusUnauthorized, "missing_token"},
		{"garbage token", "Bearer nope", http.StatusUnauthorized, "invalid_token"},
		{"user token", "Bearer " + userToken, http.StatusForbidden, "invalid_role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.header != "" {
				header.Set("Authorization", tt.header)
			}
			rec := s.do(http.MethodGet, "/ws", "", header)
			assert.Equal(t, tt.status, rec.Code)
			var errResp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
			assert.Equal(t, tt.code, errResp.Error)
		})
	}
}

func TestBearerToken(t *testing.T) {
	token, err := bearerToken("Bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", token)

	_, err = bearerToken("Bearer   ")
	assert.Error(t, err)
}
