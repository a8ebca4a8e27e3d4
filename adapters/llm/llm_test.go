package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/drivebrief/domain"
	"github.com/satriahrh/drivebrief/domain/repositories"
)

var testRequest = repositories.IntentRequest{
	Utterance:      "오늘 날씨 알려줘",
	AllowedIntents: []string{"search", "select_article", "unknown"},
	AllowedEntitySchemas: map[string][]string{
		"search":         {"query", "category"},
		"select_article": {"number"},
		"unknown":        {},
	},
}

func TestParseIntentReply(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		want    repositories.IntentResponse
		wantErr bool
	}{
		{
			name:  "plain object",
			reply: `{"intent":"search","entities":{"query":"날씨"},"confidence":0.9}`,
			want:  repositories.IntentResponse{Intent: "search", Entities: map[string]any{"query": "날씨"}, Confidence: 0.9},
		},
		{
			name:  "code fence",
			reply: "```json\n{\"intent\":\"unknown\",\"confidence\":0.2}\n```",
			want:  repositories.IntentResponse{Intent: "unknown", Confidence: 0.2},
		},
		{name: "not json", reply: "I think the user wants the weather", wantErr: true},
		{name: "missing intent", reply: `{"confidence":0.9}`, wantErr: true},
		{name: "missing confidence", reply: `{"intent":"search"}`, wantErr: true},
		{name: "trailing data", reply: `{"intent":"search","confidence":0.9} {"intent":"help"}`, wantErr: true},
		{name: "empty", reply: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseIntentReply(tt.reply)
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrFallbackFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIntentPrompt(t *testing.T) {
	prompt := intentPrompt(testRequest)
	assert.Contains(t, prompt, "- search: query, category")
	assert.Contains(t, prompt, "- select_article: number")
	assert.Contains(t, prompt, "- unknown: (no entities)")
}

func TestIntentSchema(t *testing.T) {
	schema := intentSchema(testRequest)
	assert.Equal(t, testRequest.AllowedIntents, schema.Properties["intent"].Enum)
	entities := schema.Properties["entities"].Properties
	assert.Len(t, entities, 3)
	assert.EqualValues(t, "INTEGER", entities["number"].Type)
	assert.EqualValues(t, "STRING", entities["query"].Type)
}

func TestOpenAIIntentModel(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"intent\":\"search\",\"entities\":{\"query\":\"오늘 날씨\"},\"confidence\":0.88}"}}]
		}`)
	}))
	defer srv.Close()

	model, err := NewOpenAIIntentModel(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	resp, err := model.ClassifyIntent(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, "search", resp.Intent)
	assert.Equal(t, "오늘 날씨", resp.Entities["query"])
	assert.InDelta(t, 0.88, resp.Confidence, 1e-9)

	format, _ := gotBody["response_format"].(map[string]any)
	assert.Equal(t, "json_object", format["type"])
	messages, _ := gotBody["messages"].([]any)
	require.Len(t, messages, 2)
}

func TestOpenAIIntentModel_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		content string
	}{
		{"server error", http.StatusInternalServerError, `{"error":{"message":"boom","type":"server_error"}}`},
		{"malformed reply", http.StatusOK, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"sure, searching now"}}]}`},
		{"no choices", http.StatusOK, `{"id":"1","object":"chat.completion","choices":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.content)
			}))
			defer srv.Close()

			model, err := NewOpenAIIntentModel(OpenAIConfig{APIKey: "test", BaseURL: srv.URL + "/v1"}, zaptest.NewLogger(t))
			require.NoError(t, err)
			_, err = model.ClassifyIntent(context.Background(), testRequest)
			assert.ErrorIs(t, err, domain.ErrFallbackFailed)
		})
	}
}

func TestNewOpenAIIntentModel_RequiresKey(t *testing.T) {
	_, err := NewOpenAIIntentModel(OpenAIConfig{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func geminiServer(t *testing.T, handler func(w http.ResponseWriter, body map[string]any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.Header().Set("Content-Type", "application/json")
		handler(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func geminiReply(text string) string {
	data, _ := json.Marshal(map[string]any{
		"candidates": []any{map[string]any{
			"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
			"finishReason": "STOP",
		}},
	})
	return string(data)
}

func TestGeminiClassifyIntent(t *testing.T) {
	var utterance atomic.Value
	srv := geminiServer(t, func(w http.ResponseWriter, body map[string]any) {
		data, _ := json.Marshal(body["contents"])
		utterance.Store(string(data))
		io.WriteString(w, geminiReply(`{"intent":"select_article","entities":{"number":2},"confidence":0.93}`))
	})

	g, err := NewGeminiLLM(context.Background(), GeminiConfig{APIKey: "test", BaseURL: srv.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)

	resp, err := g.ClassifyIntent(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, "select_article", resp.Intent)
	assert.EqualValues(t, 2, resp.Entities["number"])
	assert.Contains(t, utterance.Load(), "오늘 날씨 알려줘")
}

func TestGeminiChatSession(t *testing.T) {
	var fail atomic.Bool
	srv := geminiServer(t, func(w http.ResponseWriter, body map[string]any) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			io.WriteString(w, `{"error":{"code":500,"message":"boom","status":"INTERNAL"}}`)
			return
		}
		io.WriteString(w, geminiReply("오늘 주요 뉴스는 세 건입니다."))
	})

	g, err := NewGeminiLLM(context.Background(), GeminiConfig{
		APIKey:     "test",
		BaseURL:    srv.URL,
		RetryDelay: time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	session, err := g.GenerateChat(context.Background(), []repositories.ChatMessage{
		{Role: repositories.UserRole, Content: "안녕"},
		{Role: repositories.AssistantRole, Content: "안녕하세요"},
	})
	require.NoError(t, err)

	reply, err := session.SendMessage(context.Background(), repositories.ChatMessage{Role: repositories.UserRole, Content: "뉴스 요약해줘"})
	require.NoError(t, err)
	assert.Equal(t, repositories.AssistantRole, reply.Role)
	assert.Equal(t, "오늘 주요 뉴스는 세 건입니다.", reply.Content)

	fail.Store(true)
	reply, err = session.SendMessage(context.Background(), repositories.ChatMessage{Role: repositories.UserRole, Content: "다시"})
	require.NoError(t, err, "backend failures are answered with a fallback")
	assert.Contains(t, GeminiHardcodedConfig.Fallbacks, reply.Content)

	history, err := session.History()
	require.NoError(t, err)
	require.Len(t, history, 6)
	assert.Equal(t, repositories.UserRole, history[4].Role)
	assert.Equal(t, repositories.AssistantRole, history[5].Role)
}

func TestValidateGeminiConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  GeminiConfig
		wantErr bool
	}{
		{"valid", GeminiConfig{APIKey: "k"}, false},
		{"missing key", GeminiConfig{}, true},
		{"bad temperature", GeminiConfig{APIKey: "k", Temperature: 3}, true},
		{"bad topP", GeminiConfig{APIKey: "k", TopP: 1.5}, true},
		{"negative topK", GeminiConfig{APIKey: "k", TopK: -1}, true},
	}
	for _, tt := range tests {
		err := ValidateGeminiConfig(tt.config)
		assert.Equal(t, tt.wantErr, err != nil, tt.name)
	}
}

func TestMockIntentModel(t *testing.T) {
	m := NewMockIntentModel()
	resp, err := m.ClassifyIntent(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, "unknown", resp.Intent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.ClassifyIntent(ctx, testRequest)
	assert.True(t, errors.Is(err, context.Canceled))
}
