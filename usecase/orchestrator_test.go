package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/drivebrief/adapters/llm"
	"github.com/satriahrh/drivebrief/adapters/memory"
	"github.com/satriahrh/drivebrief/adapters/tts"
	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/entities"
	"github.com/satriahrh/drivebrief/domain/repositories"
	"github.com/satriahrh/drivebrief/internal/interpreter"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Deliver(deviceID string, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.events))
	for _, e := range s.events {
		if e.Type == EventAudio && len(out) > 0 && out[len(out)-1] == EventAudio {
			continue
		}
		out = append(out, e.Type)
	}
	return out
}

func (s *recordingSink) ofType(t EventType) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

type failingTTS struct{}

func (failingTTS) Synthesize(ctx context.Context, req repositories.SpeechRequest) (repositories.SpeechResult, error) {
	return repositories.SpeechResult{}, errors.New("quota exceeded")
}

type fixture struct {
	orch  *Orchestrator
	sink  *recordingSink
	store *memory.ConversationRepository
}

func newFixture(t *testing.T, speech repositories.TextToSpeech) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	interp, err := interpreter.New(interpreter.DefaultConfig(), nil, logger)
	require.NoError(t, err)

	f := &fixture{sink: &recordingSink{}, store: memory.NewConversationRepository()}
	f.orch, err = NewOrchestrator(DefaultOrchestratorConfig(), interp, NewChatService(llm.NewMockLLM()), speech, f.store, f.sink, logger)
	require.NoError(t, err)
	return f
}

func testSession(id string) entities.StreamSession {
	return entities.StreamSession{ID: id, UserID: "user-1", DeviceID: "device-1", IsActive: true}
}

func final(sessionID, text string) entities.RecognitionResult {
	return entities.RecognitionResult{SessionID: sessionID, Transcript: text, Confidence: 0.9, IsFinal: true}
}

func (f *fixture) turn(t *testing.T, sessionID, text string) *Turn {
	t.Helper()
	session := testSession(sessionID)
	require.NoError(t, f.orch.SessionStarted(session))
	turn, err := f.orch.HandleFinal(context.Background(), session, final(sessionID, text))
	require.NoError(t, err)
	return turn
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Mode
		want     bool
	}{
		{ModeIdle, ModeListening, true},
		{ModeListening, ModeRecognizing, true},
		{ModeListening, ModeIdle, true},
		{ModeRecognizing, ModeResponding, true},
		{ModeRecognizing, ModeIdle, true},
		{ModeResponding, ModeIdle, true},
		{ModeResponding, ModeListening, true},
		{ModeIdle, ModeRecognizing, false},
		{ModeIdle, ModeResponding, false},
		{ModeListening, ModeResponding, false},
		{ModeResponding, ModeRecognizing, false},
		{ModeIdle, ModeIdle, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
			err := transition(tt.from, tt.to)
			if tt.want {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, domain.ErrInvalidTransition)
			}
		})
	}
}

func TestOrchestrator_CommandTurn(t *testing.T) {
	f := newFixture(t, tts.MockTTS{})

	turn := f.turn(t, "s1", "3번")
	assert.Equal(t, RouteCommand, turn.Route)
	assert.Equal(t, entities.ActionSelectArticle, turn.Action.Type)
	assert.Equal(t, 3, turn.Action.Params["number"])
	assert.Equal(t, "3번 기사를 읽어 드릴게요.", turn.Reply)
	assert.Equal(t, ModeIdle, f.orch.Mode("device-1"))

	assert.Equal(t, []EventType{
		EventModeChanged, EventModeChanged, EventModeChanged,
		EventAction, EventResponse, EventSpeakingStart, EventAudio, EventSpeakingEnd,
		EventModeChanged,
	}, f.sink.types())

	modes := f.sink.ofType(EventModeChanged)
	require.Len(t, modes, 4)
	assert.Equal(t, []Mode{ModeListening, ModeRecognizing, ModeResponding, ModeIdle},
		[]Mode{modes[0].Mode, modes[1].Mode, modes[2].Mode, modes[3].Mode})

	// the action payload decodes to the applied action
	actions := f.sink.ofType(EventAction)
	require.Len(t, actions, 1)
	var decoded entities.Action
	require.NoError(t, json.Unmarshal(actions[0].Action, &decoded))
	assert.Equal(t, turn.Action, decoded)

	audio := 0
	for _, e := range f.sink.ofType(EventAudio) {
		assert.LessOrEqual(t, len(e.Audio), DefaultOrchestratorConfig().AudioChunkBytes)
		audio += len(e.Audio)
	}
	assert.Equal(t, len(turn.Speech.AudioBytes), audio)

	stored, err := f.store.GetByID(context.Background(), turn.ConversationID)
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, entities.MessageRoleUser, stored.Messages[0].Role)
	assert.Equal(t, "3번", stored.Messages[0].Content)
	assert.Equal(t, entities.MessageRoleAssistant, stored.Messages[1].Role)
}

func TestOrchestrator_UnknownGoesToChat(t *testing.T) {
	f := newFixture(t, tts.MockTTS{})

	turn := f.turn(t, "s1", "오늘 날씨 어때")
	assert.Equal(t, entities.ActionUnknown, turn.Action.Type)
	assert.Equal(t, RouteChat, turn.Route)
	assert.Contains(t, turn.Reply, "오늘 날씨 어때")
}

func TestOrchestrator_ChatMode(t *testing.T) {
	f := newFixture(t, nil)

	turn := f.turn(t, "s1", "대화 시작")
	assert.Equal(t, entities.ActionStartConversation, turn.Action.Type)
	assert.Equal(t, startChatReply, turn.Reply)

	// in chat mode briefing commands become questions for the model
	turn = f.turn(t, "s2", "다음 뉴스")
	assert.Equal(t, entities.ActionNavigation, turn.Action.Type)
	assert.Equal(t, RouteChat, turn.Route)

	// playback stays a command
	turn = f.turn(t, "s3", "일시 정지")
	assert.Equal(t, RouteCommand, turn.Route)

	turn = f.turn(t, "s4", "대화 끝")
	assert.Equal(t, entities.ActionEndConversation, turn.Action.Type)
	assert.Equal(t, endChatReply, turn.Reply)

	turn = f.turn(t, "s5", "다음 뉴스")
	assert.Equal(t, RouteCommand, turn.Route)

	stored, err := f.store.GetByID(context.Background(), turn.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, entities.ConversationModeCommand, stored.Mode)
	assert.Len(t, stored.Messages, 10)

	// text only replies without a speech backend
	assert.Empty(t, f.sink.ofType(EventSpeakingStart))
}

func TestOrchestrator_ConversationContinuation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first := f.turn(t, "s1", "다음 뉴스")
	second := f.turn(t, "s2", "이전 기사")
	assert.Equal(t, first.ConversationID, second.ConversationID)

	stored, err := f.store.GetByID(ctx, first.ConversationID)
	require.NoError(t, err)
	stale := time.Now().Add(-31 * time.Minute)
	stored.LastMessageAt = &stale
	require.NoError(t, f.store.Update(ctx, stored))

	third := f.turn(t, "s3", "다음 뉴스")
	assert.NotEqual(t, first.ConversationID, third.ConversationID)
}

func TestOrchestrator_InvalidTransitions(t *testing.T) {
	f := newFixture(t, nil)
	session := testSession("s1")

	_, err := f.orch.HandleFinal(context.Background(), session, final("s1", "다음 뉴스"))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.orch.HandleFinal(context.Background(), session, entities.RecognitionResult{SessionID: "s1", Transcript: "다음"})
	assert.Error(t, err)

	require.NoError(t, f.orch.Wake("device-1"))
	assert.ErrorIs(t, f.orch.Wake("device-1"), domain.ErrInvalidTransition)
	require.NoError(t, f.orch.SessionStarted(session))
	assert.Equal(t, ModeRecognizing, f.orch.Mode("device-1"))

	f.orch.SessionEnded(session)
	assert.Equal(t, ModeIdle, f.orch.Mode("device-1"))
}

func TestOrchestrator_EmptyTranscript(t *testing.T) {
	f := newFixture(t, tts.MockTTS{})

	turn := f.turn(t, "s1", "   ")
	assert.Equal(t, RouteEmpty, turn.Route)
	assert.Equal(t, ModeIdle, f.orch.Mode("device-1"))
	assert.Empty(t, f.sink.ofType(EventAction))

	last, err := f.store.GetLastByUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestOrchestrator_SpeechFailureKeepsTurn(t *testing.T) {
	f := newFixture(t, failingTTS{})

	turn := f.turn(t, "s1", "도움말")
	assert.Equal(t, entities.ActionHelp, turn.Action.Type)
	assert.Equal(t, helpReply, turn.Reply)
	assert.Empty(t, f.sink.ofType(EventSpeakingStart))
	assert.Len(t, f.sink.ofType(EventResponse), 1)

	stored, err := f.store.GetByID(context.Background(), turn.ConversationID)
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 2)
}

func TestOrchestrator_Forget(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.orch.SessionStarted(testSession("s1")))
	f.orch.Forget("device-1")
	assert.Equal(t, ModeIdle, f.orch.Mode("device-1"))
	f.sink.reset()
	require.NoError(t, f.orch.SessionStarted(testSession("s2")))
	assert.Len(t, f.sink.ofType(EventModeChanged), 2)
}

func TestOrchestratorConfig_Validate(t *testing.T) {
	cfg := DefaultOrchestratorConfig()
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.AudioChunkBytes = 3201
	assert.ErrorIs(t, bad.Validate(), domain.ErrConfig)

	bad = cfg
	bad.TurnTimeout = 0
	assert.ErrorIs(t, bad.Validate(), domain.ErrConfig)

	_, err := NewOrchestrator(cfg, nil, nil, nil, nil, nil, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, domain.ErrConfig)
}

func TestChatService_History(t *testing.T) {
	nav := &entities.Action{Type: entities.ActionNavigation}
	unknown := &entities.Action{Type: entities.ActionUnknown}
	history := toChatHistory([]entities.ConversationMessage{
		{Role: entities.MessageRoleUser, Content: "다음 뉴스", Action: nav},
		{Role: entities.MessageRoleAssistant, Content: "다음 기사로 넘어갑니다.", Action: nav},
		{Role: entities.MessageRoleUser, Content: "오늘 날씨 어때", Action: unknown},
		{Role: entities.MessageRoleAssistant, Content: "맑아요", Action: unknown},
	})
	require.Len(t, history, 2)
	assert.Equal(t, repositories.UserRole, history[0].Role)
	assert.Equal(t, repositories.AssistantRole, history[1].Role)

	_, err := (*ChatService)(nil).Reply(context.Background(), nil, "hi")
	assert.Error(t, err)
}

func TestConversationCleanupService(t *testing.T) {
	store := memory.NewConversationRepository()
	stale := entities.NewConversation("user-1", "device-1", "ko-KR")
	stale.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Create(context.Background(), stale))

	svc := NewConversationCleanupService(store, time.Hour, time.Hour, zaptest.NewLogger(t))
	assert.Equal(t, 1, svc.RunCleanup())
	assert.Equal(t, 0, svc.RunCleanup())

	svc.Start()
	svc.Stop()
	svc.Stop()
}
