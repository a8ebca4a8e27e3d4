package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
	"github.com/satriahrh/drivebrief/internal/testutil"
)

type received struct {
	kind int
	data string
}

// backend is a scripted websocket server. handle runs once per accepted
// connection with the connection index starting at 0.
type backend struct {
	*httptest.Server

	mu    sync.Mutex
	conns int
	msgs  map[int][]received

	handle func(b *backend, n int, conn *websocket.Conn)
}

func newBackend(t *testing.T, handle func(b *backend, n int, conn *websocket.Conn)) *backend {
	t.Helper()
	b := &backend{msgs: make(map[int][]received), handle: handle}
	upgrader := websocket.Upgrader{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		b.mu.Lock()
		n := b.conns
		b.conns++
		b.mu.Unlock()
		b.handle(b, n, conn)
	}))
	t.Cleanup(b.Close)
	return b
}

func (b *backend) url() string {
	return "ws" + strings.TrimPrefix(b.URL, "http")
}

func (b *backend) record(n int, kind int, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs[n] = append(b.msgs[n], received{kind, string(data)})
}

func (b *backend) messages(n int) []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.msgs[n]...)
}

func (b *backend) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns
}

// readAll records every message until the client goes away.
func readAll(b *backend, n int, conn *websocket.Conn) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.record(n, kind, data)
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.BaseBackoff = 200 * time.Millisecond
	cfg.MaxBackoff = time.Second
	cfg.HeartbeatInterval = time.Second
	cfg.HeartbeatTimeout = time.Second
	return cfg
}

func binaries(msgs []received) []string {
	var out []string
	for _, m := range msgs {
		if m.kind == websocket.BinaryMessage {
			out = append(out, m.data)
		}
	}
	return out
}

func TestBackoff(t *testing.T) {
	base, max := 500*time.Millisecond, 30*time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, base, max), "attempt %d", tt.attempt)
	}
}

func TestClient_ReceivesEvents(t *testing.T) {
	b := newBackend(t, func(b *backend, n int, conn *websocket.Conn) {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		b.record(n, kind, data)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","transcript":"다음","confidence":0.9,"is_final":true}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"action","name":"navigate","arguments":{"direction":"next"}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat_ack"}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
		readAll(b, n, conn)
	})

	c := NewClient(testConfig(b.url()), zaptest.NewLogger(t))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.SendAudio([]byte("pcm")))

	want := []EventType{EventTranscript, EventToolCall, EventResponse}
	for i, typ := range want {
		select {
		case ev := <-c.Events():
			require.Equal(t, typ, ev.Type, "event %d", i)
			switch typ {
			case EventTranscript:
				assert.Equal(t, "다음", ev.Transcript)
				assert.True(t, ev.IsFinal)
			case EventToolCall:
				assert.Equal(t, "navigate", ev.ToolName)
				assert.JSONEq(t, `{"direction":"next"}`, string(ev.Arguments))
			case EventResponse:
				assert.Equal(t, []byte{1, 2, 3}, ev.Audio)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestClient_AcceptsServerSpellings(t *testing.T) {
	c := NewClient(testConfig("ws://unused"), zaptest.NewLogger(t))

	c.handleMessage(websocket.TextMessage, []byte(`{"type":"response","session_id":"s1","response_text":"다음 기사입니다"}`))
	c.handleMessage(websocket.TextMessage, []byte(`{"type":"action","session_id":"s1","action":{"intent":"NEXT_ARTICLE"}}`))
	c.handleMessage(websocket.TextMessage, []byte(`{"type":"error","error_code":"session_not_found","message":"no session"}`))
	c.handleMessage(websocket.TextMessage, []byte(`{"type":"stream_started","session_id":"s1"}`))

	ev := <-c.Events()
	assert.Equal(t, EventResponse, ev.Type)
	assert.Equal(t, "다음 기사입니다", ev.Text)

	ev = <-c.Events()
	assert.Equal(t, EventToolCall, ev.Type)
	assert.Equal(t, "action", ev.ToolName)
	assert.JSONEq(t, `{"intent":"NEXT_ARTICLE"}`, string(ev.Arguments))

	ev = <-c.Events()
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, "session_not_found", ev.Code)
	assert.Equal(t, "no session", ev.Message)

	assert.Empty(t, c.Events(), "unknown types are not emitted")
}

func TestClient_QueueFlushesInOrderAfterReconnect(t *testing.T) {
	b := newBackend(t, func(b *backend, n int, conn *websocket.Conn) {
		if n == 0 {
			kind, data, err := conn.ReadMessage()
			if err == nil {
				b.record(n, kind, data)
			}
			// Drop the TCP connection without a close frame.
			conn.UnderlyingConn().Close()
			return
		}
		readAll(b, n, conn)
	})

	c := NewClient(testConfig(b.url()), zaptest.NewLogger(t))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	require.NoError(t, c.SendAudio([]byte("live-1")))
	testutil.Eventually(t, 2*time.Second, func() bool { return c.State() != StateConnected }, "connection drop noticed")

	require.NoError(t, c.SendAudio([]byte("queued-1")))
	require.NoError(t, c.SendAudio([]byte("queued-2")))

	testutil.Eventually(t, 3*time.Second, func() bool { return c.State() == StateConnected }, "reconnected")
	require.NoError(t, c.SendAudio([]byte("new-1")))

	testutil.Eventually(t, 2*time.Second, func() bool { return len(b.messages(1)) == 3 }, "backlog delivered")
	assert.Equal(t, []string{"live-1"}, binaries(b.messages(0)))
	assert.Equal(t, []string{"queued-1", "queued-2", "new-1"}, binaries(b.messages(1)))
	assert.Equal(t, 0, c.QueueLen())

	var sawReconnecting bool
	for len(c.Events()) > 0 {
		ev := <-c.Events()
		if ev.Type == EventDisconnected && ev.Reconnecting {
			sawReconnecting = true
		}
	}
	assert.True(t, sawReconnecting)
}

func TestClient_QueueDropsOldest(t *testing.T) {
	b := newBackend(t, readAll)

	cfg := testConfig(b.url())
	cfg.QueueSize = 2
	c := NewClient(cfg, zaptest.NewLogger(t))

	require.NoError(t, c.SendAudio([]byte("a")))
	require.NoError(t, c.SendAudio([]byte("b")))
	require.NoError(t, c.SendText("c"))
	assert.Equal(t, 2, c.QueueLen())

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	testutil.Eventually(t, 2*time.Second, func() bool { return len(b.messages(0)) == 2 }, "queue flushed")
	msgs := b.messages(0)
	assert.Equal(t, "b", msgs[0].data)
	assert.JSONEq(t, `{"type":"input_text","text":"c"}`, msgs[1].data)
}

func TestClient_HeartbeatMissTriggersReconnect(t *testing.T) {
	release := make(chan struct{})
	b := newBackend(t, func(b *backend, n int, conn *websocket.Conn) {
		if n == 0 {
			// Never read, so pings are never answered.
			<-release
			return
		}
		readAll(b, n, conn)
	})
	t.Cleanup(func() { close(release) })

	cfg := testConfig(b.url())
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 100 * time.Millisecond
	cfg.BaseBackoff = 10 * time.Millisecond
	c := NewClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	testutil.Eventually(t, 3*time.Second, func() bool {
		return b.connCount() >= 2 && c.State() == StateConnected
	}, "reconnect after missed pong")
}

func TestClient_HeartbeatKeepsHealthyConnection(t *testing.T) {
	b := newBackend(t, readAll)

	cfg := testConfig(b.url())
	cfg.HeartbeatInterval = 30 * time.Millisecond
	cfg.HeartbeatTimeout = 60 * time.Millisecond
	c := NewClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, b.connCount())
	assert.Equal(t, StateConnected, c.State())
}

func TestClient_DisconnectCancelsReconnect(t *testing.T) {
	b := newBackend(t, func(b *backend, n int, conn *websocket.Conn) {
		conn.UnderlyingConn().Close()
	})
	baseline := runtime.NumGoroutine()

	cfg := testConfig(b.url())
	cfg.BaseBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	c := NewClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, c.Connect(context.Background()))

	testutil.Eventually(t, 2*time.Second, func() bool { return c.State() == StateBackoffWait }, "waiting to reconnect")

	done := make(chan struct{})
	go func() {
		c.Disconnect()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Disconnect did not cancel the pending reconnect")
	}

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, b.connCount())
	assert.ErrorIs(t, c.SendAudio([]byte("x")), domain.ErrNotConnected)
	require.NoError(t, c.Disconnect())

	for range c.Events() {
	}
	testutil.AssertNoGoroutineLeaks(t, baseline, 3)
}

func TestClient_NormalCloseDoesNotReconnect(t *testing.T) {
	b := newBackend(t, func(b *backend, n int, conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		conn.WriteMessage(websocket.CloseMessage, msg)
		time.Sleep(100 * time.Millisecond)
	})

	c := NewClient(testConfig(b.url()), zaptest.NewLogger(t))
	require.NoError(t, c.Connect(context.Background()))

	var events []Event
	for ev := range c.Events() {
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, EventDisconnected, events[0].Type)
	assert.False(t, events[0].Reconnecting)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, b.connCount())
	assert.ErrorIs(t, c.SendAudio([]byte("x")), domain.ErrNotConnected)
}

func TestClient_MaxReconnects(t *testing.T) {
	var mu sync.Mutex
	accepted := false
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		first := !accepted
		accepted = true
		mu.Unlock()
		if !first {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	cfg := testConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.BaseBackoff = 5 * time.Millisecond
	cfg.MaxReconnects = 2
	c := NewClient(cfg, zaptest.NewLogger(t))
	require.NoError(t, c.Connect(context.Background()))

	var last Event
	for ev := range c.Events() {
		last = ev
	}
	assert.Equal(t, EventError, last.Type)
	assert.ErrorIs(t, last.Err, domain.ErrNotConnected)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClient_ConnectFailure(t *testing.T) {
	c := NewClient(testConfig("ws://127.0.0.1:1/ws"), zaptest.NewLogger(t))
	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotConnected)
	assert.Equal(t, StateDisconnected, c.State())
	require.NoError(t, c.Disconnect())
}

func TestClient_ContextIsTrimmedAndReplayed(t *testing.T) {
	b := newBackend(t, readAll)

	cfg := testConfig(b.url())
	cfg.ContextTurns = 3
	cfg.SessionStart = map[string]string{"type": "session.start"}
	c := NewClient(cfg, zaptest.NewLogger(t))

	for _, content := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, c.AppendContext(Turn{Role: "user", Content: content}))
	}
	got := c.Context()
	require.Len(t, got, 3)
	assert.Equal(t, "3", got[0].Content)
	assert.Equal(t, "5", got[2].Content)

	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	testutil.Eventually(t, 2*time.Second, func() bool { return len(b.messages(0)) == 2 }, "preamble sent")
	msgs := b.messages(0)
	assert.JSONEq(t, `{"type":"session.start"}`, msgs[0].data)

	var ctxMsg contextMessage
	require.NoError(t, json.Unmarshal([]byte(msgs[1].data), &ctxMsg))
	assert.Equal(t, "context", ctxMsg.Type)
	assert.Len(t, ctxMsg.Turns, 3)

	require.NoError(t, c.SetContext([]Turn{{Role: "assistant", Content: "x"}}))
	testutil.Eventually(t, 2*time.Second, func() bool { return len(b.messages(0)) == 3 }, "context pushed live")
}

func TestRecognizer_StreamsResults(t *testing.T) {
	b := newBackend(t, func(b *backend, n int, conn *websocket.Conn) {
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			b.record(n, kind, data)
			if kind == websocket.TextMessage && strings.Contains(string(data), "session.end") {
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","transcript":"볼륨","is_final":false,"stability":0.4}`))
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript","transcript":"볼륨 올려","confidence":0.93,"is_final":true}`))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			}
		}
	})

	r := NewRecognizer(testConfig(b.url()), zaptest.NewLogger(t))
	stream, err := r.Open(context.Background(), "sess-1", repositories.RecognitionConfig{
		AudioConfig:    entities.AudioConfig{SampleRate: 16000, Encoding: "LINEAR16", Language: "ko-KR"},
		Model:          "latest_short",
		InterimResults: true,
	})
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, stream.SendAudio([]byte("chunk")))
	require.NoError(t, stream.CloseSend())

	var results []entities.RecognitionResult
	timeout := time.After(3 * time.Second)
	for done := false; !done; {
		select {
		case res, ok := <-stream.Results():
			if !ok {
				done = true
				break
			}
			results = append(results, res)
		case <-timeout:
			t.Fatal("results were not closed")
		}
	}

	require.Len(t, results, 2)
	assert.False(t, results[0].IsFinal)
	assert.Equal(t, "볼륨 올려", results[1].Transcript)
	assert.Equal(t, "sess-1", results[1].SessionID)

	msgs := b.messages(0)
	require.GreaterOrEqual(t, len(msgs), 3)
	var start sessionStart
	require.NoError(t, json.Unmarshal([]byte(msgs[0].data), &start))
	assert.Equal(t, "session.start", start.Type)
	assert.Equal(t, 16000, start.SampleRate)
	assert.Equal(t, "ko-KR", start.LanguageCode)
	assert.Equal(t, "chunk", msgs[1].data)
}
