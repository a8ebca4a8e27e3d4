package websocket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/satriahrh/drivebrief/domain"
)

func TestMessageValidator_ValidateMessage(t *testing.T) {
	validator := NewMessageValidator()

	tests := []struct {
		name    string
		message string
		wantErr bool
	}{
		{"stream start with defaults", `{"type":"stream_start"}`, false},
		{"stream start full", `{"type":"stream_start","session_id":"s1","sample_rate":16000,"encoding":"LINEAR16","language_code":"ko-KR"}`, false},
		{"stream start bad rate", `{"type":"stream_start","sample_rate":100000}`, true},
		{"stream start bad encoding", `{"type":"stream_start","encoding":"mp3"}`, true},
		{"stream end", `{"type":"stream_end","session_id":"s1"}`, false},
		{"stream end without id", `{"type":"stream_end"}`, true},
		{"audio chunk", `{"type":"audio_chunk","session_id":"s1","audio_data":"AAABAA==","chunk_sequence":1}`, false},
		{"audio chunk without session", `{"type":"audio_chunk","audio_data":"AAABAA==","chunk_sequence":1}`, true},
		{"audio chunk zero sequence", `{"type":"audio_chunk","session_id":"s1","audio_data":"AAABAA==","chunk_sequence":0}`, true},
		{"audio chunk bad base64", `{"type":"audio_chunk","session_id":"s1","audio_data":"!!!","chunk_sequence":1}`, true},
		{"audio chunk odd bytes", `{"type":"audio_chunk","session_id":"s1","audio_data":"AAAB","chunk_sequence":1}`, true},
		{"device status", `{"type":"device_status","device_id":"d1","status":"online","wake_detectors":[true,false],"battery_level":80}`, false},
		{"device status bad status", `{"type":"device_status","device_id":"d1","status":"dancing"}`, true},
		{"device status bad battery", `{"type":"device_status","device_id":"d1","status":"online","battery_level":150}`, true},
		{"ping", `{"type":"ping","data":"x"}`, false},
		{"unknown type", `{"type":"listening_start"}`, true},
		{"not json", `{type`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validator.ValidateMessage([]byte(tt.message))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMessageValidator_AudioChunkDecoded(t *testing.T) {
	msg, err := NewMessageValidator().ValidateMessage([]byte(`{"type":"audio_chunk","session_id":"s1","audio_data":"AAABAA==","chunk_sequence":7}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	chunk, ok := msg.(*AudioChunkMessage)
	if !ok {
		t.Fatalf("expected *AudioChunkMessage, got %T", msg)
	}
	if chunk.ChunkSeq != 7 {
		t.Errorf("expected sequence 7, got %d", chunk.ChunkSeq)
	}
	if !bytes.Equal(chunk.PCM(), []byte{0, 0, 1, 0}) {
		t.Errorf("unexpected pcm %v", chunk.PCM())
	}
}

func TestErrorCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{fmt.Errorf("%w: s1", domain.ErrSessionNotFound), ErrorCodeSessionNotFound},
		{domain.ErrSessionInactive, ErrorCodeSessionInactive},
		{domain.ErrSessionExists, ErrorCodeSessionExists},
		{fmt.Errorf("seq 3: %w", domain.ErrOutOfOrderChunk), ErrorCodeOutOfOrder},
		{domain.ErrNotConnected, ErrorCodeUnavailable},
		{errors.New("boom"), ErrorCodeInternal},
	}
	for _, tt := range tests {
		if got := ErrorCodeFor(tt.err); got != tt.want {
			t.Errorf("ErrorCodeFor(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestCreateErrorMessage(t *testing.T) {
	payload, err := json.Marshal(CreateErrorMessage(ErrorCodeOutOfOrder, "late chunk", "s1"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "error" || decoded["error_code"] != "out_of_order_chunk" || decoded["session_id"] != "s1" {
		t.Errorf("unexpected error message %s", payload)
	}
	if decoded["timestamp"] == "" {
		t.Error("timestamp should be set")
	}
}

func TestAudioFrameCodec(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	frame := EncodeAudioFrame(258, pcm)
	if len(frame) != AudioHeaderSize+len(pcm) {
		t.Fatalf("unexpected frame length %d", len(frame))
	}
	if !bytes.Equal(frame[:AudioHeaderSize], []byte{0, 0, 0, 0, 0, 0, 1, 2}) {
		t.Errorf("header not big-endian: %v", frame[:AudioHeaderSize])
	}

	seq, got, err := DecodeAudioFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if seq != 258 || !bytes.Equal(got, pcm) {
		t.Errorf("decoded seq=%d pcm=%v", seq, got)
	}

	if _, _, err := DecodeAudioFrame([]byte{1, 2, 3}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("expected ErrShortFrame, got %v", err)
	}
}
