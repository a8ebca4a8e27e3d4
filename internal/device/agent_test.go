package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/drivebrief/adapters/upstream"
	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/internal/capture"
	"github.com/satriahrh/drivebrief/internal/testutil"
	"github.com/satriahrh/drivebrief/internal/websocket"
)

type recordingUplink struct {
	mu       sync.Mutex
	controls []any
	audio    [][]byte
	// onAudio runs after the nth audio frame is recorded.
	onAudio func(n int)
}

func (u *recordingUplink) SendControl(v any) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.controls = append(u.controls, v)
	return nil
}

func (u *recordingUplink) SendAudio(data []byte) error {
	u.mu.Lock()
	u.audio = append(u.audio, data)
	n, hook := len(u.audio), u.onAudio
	u.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (u *recordingUplink) State() upstream.State { return upstream.StateConnected }

// scriptedWake fires on the frame with sequence at, and on again when set.
type scriptedWake struct {
	at     uint64
	again  uint64
	resets int
}

func (w *scriptedWake) Process(frame entities.AudioFrame) (entities.WakeDetectionEvent, bool) {
	if frame.Sequence != w.at && (w.again == 0 || frame.Sequence != w.again) {
		return entities.WakeDetectionEvent{}, false
	}
	return entities.WakeDetectionEvent{Method: entities.WakeMethodEnergy, Confidence: 0.9, Timestamp: frame.CapturedAt}, true
}

func (w *scriptedWake) Reset()            { w.resets++ }
func (w *scriptedWake) Readiness() []bool { return []bool{true, false} }

func runAgent(t *testing.T, frames []entities.AudioFrame, wake *scriptedWake) (*recordingUplink, []Utterance) {
	t.Helper()
	uplink := &recordingUplink{}
	cfg := DefaultConfig()
	cfg.DeviceID = "device-1"
	cfg.UserID = "user-1"

	agent, err := NewAgent(cfg, capture.NewSliceSource(frames), wake, uplink, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, agent.Run(ctx))

	var utterances []Utterance
	for u := range agent.Utterances() {
		utterances = append(utterances, u)
	}
	assert.False(t, agent.Recording())
	return uplink, utterances
}

func TestAgent_WakeStreamsUntilTrailingSilence(t *testing.T) {
	frames := testutil.NewFrameBuilder(time.Unix(1700000000, 0)).
		Silence(10).
		Tone(25, 0.3).
		Silence(120).
		Frames()
	wake := &scriptedWake{at: 10}

	uplink, utterances := runAgent(t, frames, wake)

	require.Len(t, utterances, 1)
	u := utterances[0]
	assert.Equal(t, capture.EndReasonSilence, u.EndReason)
	// Frames 11..35 are speech and 100 silent frames make the 2 s of trailing silence.
	assert.Equal(t, uint64(125), u.Frames)
	assert.Equal(t, entities.WakeMethodEnergy, u.Wake.Method)

	require.Len(t, uplink.controls, 3)
	status, ok := uplink.controls[0].(*websocket.DeviceStatusMessage)
	require.True(t, ok)
	assert.Equal(t, "device-1", status.DeviceID)
	assert.Equal(t, []bool{true, false}, status.WakeDetectors)

	start, ok := uplink.controls[1].(*websocket.StreamStartMessage)
	require.True(t, ok)
	assert.Equal(t, u.SessionID, start.SessionID)
	assert.Equal(t, "user-1", start.UserID)
	assert.Equal(t, 16000, start.SampleRate)
	assert.Equal(t, "ko-KR", start.LanguageCode)

	end, ok := uplink.controls[2].(*websocket.StreamEndMessage)
	require.True(t, ok)
	assert.Equal(t, u.SessionID, end.SessionID)

	require.Len(t, uplink.audio, 125)
	for i, frame := range uplink.audio {
		seq, pcm, err := websocket.DecodeAudioFrame(frame)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), seq)
		assert.Len(t, pcm, 640)
	}
	assert.Equal(t, 1, wake.resets)
}

func TestAgent_SourceEndClosesSession(t *testing.T) {
	frames := testutil.NewFrameBuilder(time.Unix(1700000000, 0)).
		Silence(5).
		Tone(10, 0.3).
		Frames()

	uplink, utterances := runAgent(t, frames, &scriptedWake{at: 5})

	require.Len(t, utterances, 1)
	assert.Equal(t, "source_closed", utterances[0].EndReason)
	assert.Equal(t, uint64(10), utterances[0].Frames)
	assert.Len(t, uplink.audio, 10)
	_, ok := uplink.controls[len(uplink.controls)-1].(*websocket.StreamEndMessage)
	assert.True(t, ok)
}

func TestAgent_NoWakeSendsNothing(t *testing.T) {
	frames := testutil.NewFrameBuilder(time.Unix(1700000000, 0)).Tone(50, 0.3).Frames()

	uplink, utterances := runAgent(t, frames, &scriptedWake{at: 0})

	assert.Empty(t, utterances)
	assert.Empty(t, uplink.audio)
	assert.Len(t, uplink.controls, 1)
}

func TestAgent_Readiness(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeviceID = "device-1"
	agent, err := NewAgent(cfg, capture.NewSliceSource(nil), &scriptedWake{}, &recordingUplink{}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ready := agent.Readiness()
	assert.Equal(t, []bool{true, false}, ready.WakeDetectorsReady)
	assert.True(t, ready.UpstreamConnected)
	assert.Zero(t, ready.ActiveSessionCount)
}

func TestNewAgent_Errors(t *testing.T) {
	logger := zaptest.NewLogger(t)
	source := capture.NewSliceSource(nil)

	_, err := NewAgent(DefaultConfig(), source, &scriptedWake{}, &recordingUplink{}, logger)
	assert.ErrorIs(t, err, domain.ErrConfig, "device id required")

	cfg := DefaultConfig()
	cfg.DeviceID = "d"
	_, err = NewAgent(cfg, nil, &scriptedWake{}, &recordingUplink{}, logger)
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestAgent_UplinkLossAbandonsUtterance(t *testing.T) {
	tests := []struct {
		name   string
		event  upstream.Event
		reason string
	}{
		{"reconnecting", upstream.Event{Type: upstream.EventDisconnected, Reconnecting: true}, "uplink_lost"},
		{"session not found", upstream.Event{Type: upstream.EventError, Code: websocket.ErrorCodeSessionNotFound}, "session_lost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frames := testutil.NewFrameBuilder(time.Unix(1700000000, 0)).
				Silence(5).
				Tone(20, 0.3).
				Silence(5).
				Tone(20, 0.3).
				Frames()
			wake := &scriptedWake{at: 5, again: 30}
			uplink := &recordingUplink{}
			cfg := DefaultConfig()
			cfg.DeviceID = "device-1"

			agent, err := NewAgent(cfg, capture.NewSliceSource(frames), wake, uplink, zaptest.NewLogger(t))
			require.NoError(t, err)
			uplink.onAudio = func(n int) {
				if n == 3 {
					agent.HandleUplinkEvent(tt.event)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			require.NoError(t, agent.Run(ctx))

			var utterances []Utterance
			for u := range agent.Utterances() {
				utterances = append(utterances, u)
			}
			require.Len(t, utterances, 2)
			assert.Equal(t, tt.reason, utterances[0].EndReason)
			assert.Equal(t, uint64(3), utterances[0].Frames)
			assert.Equal(t, "source_closed", utterances[1].EndReason)
			assert.NotEqual(t, utterances[0].SessionID, utterances[1].SessionID)

			// The lost session gets no stream_end; the next one starts over.
			require.Len(t, uplink.controls, 4)
			first, ok := uplink.controls[1].(*websocket.StreamStartMessage)
			require.True(t, ok)
			assert.Equal(t, utterances[0].SessionID, first.SessionID)
			second, ok := uplink.controls[2].(*websocket.StreamStartMessage)
			require.True(t, ok)
			assert.Equal(t, utterances[1].SessionID, second.SessionID)
			end, ok := uplink.controls[3].(*websocket.StreamEndMessage)
			require.True(t, ok)
			assert.Equal(t, utterances[1].SessionID, end.SessionID)

			require.Greater(t, len(uplink.audio), 3)
			seq, _, err := websocket.DecodeAudioFrame(uplink.audio[3])
			require.NoError(t, err)
			assert.Equal(t, uint64(1), seq, "the new session restarts sequencing")
		})
	}
}

func TestAgent_IgnoresUnrelatedUplinkEvents(t *testing.T) {
	frames := testutil.NewFrameBuilder(time.Unix(1700000000, 0)).
		Silence(5).
		Tone(10, 0.3).
		Frames()
	uplink := &recordingUplink{}
	cfg := DefaultConfig()
	cfg.DeviceID = "device-1"

	agent, err := NewAgent(cfg, capture.NewSliceSource(frames), &scriptedWake{at: 5}, uplink, zaptest.NewLogger(t))
	require.NoError(t, err)
	uplink.onAudio = func(n int) {
		if n == 2 {
			agent.HandleUplinkEvent(upstream.Event{Type: upstream.EventTranscript, Transcript: "다음"})
			agent.HandleUplinkEvent(upstream.Event{Type: upstream.EventError, Code: websocket.ErrorCodeOutOfOrder})
			agent.HandleUplinkEvent(upstream.Event{Type: upstream.EventError, Code: websocket.ErrorCodeSessionNotFound, SessionID: "older-session"})
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, agent.Run(ctx))

	var utterances []Utterance
	for u := range agent.Utterances() {
		utterances = append(utterances, u)
	}
	require.Len(t, utterances, 1)
	assert.Equal(t, "source_closed", utterances[0].EndReason)
	assert.Equal(t, uint64(10), utterances[0].Frames)
}
