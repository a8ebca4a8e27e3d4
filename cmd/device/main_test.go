package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		server  string
		want    string
		wantErr bool
	}{
		{server: "http://localhost:8080", want: "ws://localhost:8080/ws"},
		{server: "https://car.example.com/", want: "wss://car.example.com/ws"},
		{server: "wss://car.example.com/base", want: "wss://car.example.com/base/ws"},
		{server: "ftp://car.example.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			got, err := websocketURL(tt.server)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLogWarnings(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	warnings := make(chan string, 1)
	warnings <- "wake classifier unavailable"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		logWarnings(ctx, warnings, zap.New(core))
	}()

	assert.Eventually(t, func() bool { return logs.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	entry := logs.All()[0]
	assert.Equal(t, "Wake detection degraded", entry.Message)
	assert.Equal(t, "wake classifier unavailable", entry.ContextMap()["warning"])
}
