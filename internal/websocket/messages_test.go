package websocket

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestDecodeInbound(t *testing.T) {
	pcm := []byte{0x00, 0x01, 0x02, 0x03}
	encoded := base64.StdEncoding.EncodeToString(pcm)

	tests := []struct {
		name    string
		raw     string
		want    MessageType
		wantErr bool
	}{
		{
			name: "audio frame",
			raw:  fmt.Sprintf(`{"type":"audio","data":"%s"}`, encoded),
			want: MessageTypeAudio,
		},
		{
			name: "playback done",
			raw:  `{"type":"playback_done"}`,
			want: MessageTypePlaybackDone,
		},
		{
			name: "interrupt",
			raw:  `{"type":"interrupt"}`,
			want: MessageTypeInterrupt,
		},
		{
			name: "ping",
			raw:  `{"type":"ping"}`,
			want: MessageTypePing,
		},
		{
			name: "extra fields are ignored",
			raw:  `{"type":"interrupt","reason":"user spoke"}`,
			want: MessageTypeInterrupt,
		},
		{
			name:    "audio without data",
			raw:     `{"type":"audio"}`,
			wantErr: true,
		},
		{
			name:    "audio with invalid base64",
			raw:     `{"type":"audio","data":"not base64!!!"}`,
			wantErr: true,
		},
		{
			name:    "unknown type",
			raw:     `{"type":"selfdestruct"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeInbound([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeInbound() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if msg.Type != tt.want {
				t.Errorf("DecodeInbound() type = %s, want %s", msg.Type, tt.want)
			}
		})
	}
}

func TestDecodeInboundAudioPayload(t *testing.T) {
	pcm := []byte{0x10, 0x20, 0x30}
	raw := fmt.Sprintf(`{"type":"audio","data":"%s"}`, base64.StdEncoding.EncodeToString(pcm))

	msg, err := DecodeInbound([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	if len(msg.PCM) != len(pcm) {
		t.Fatalf("PCM length = %d, want %d", len(msg.PCM), len(pcm))
	}
	for i := range pcm {
		if msg.PCM[i] != pcm[i] {
			t.Errorf("PCM[%d] = %#x, want %#x", i, msg.PCM[i], pcm[i])
		}
	}
}

func TestDecodeInboundMalformedJSON(t *testing.T) {
	invalidMessages := []string{
		`{invalid json}`,
		`{"type": }`,
		``,
		`[1,2,3]`,
	}

	for i, raw := range invalidMessages {
		t.Run(fmt.Sprintf("malformed_%d", i), func(t *testing.T) {
			_, err := DecodeInbound([]byte(raw))
			if err == nil {
				t.Errorf("DecodeInbound(%q) accepted malformed input", raw)
			}
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("DecodeInbound(%q) error = %v, want ErrMalformedMessage", raw, err)
			}
		})
	}
}

func TestDecodeInboundUnknownTypeError(t *testing.T) {
	_, err := DecodeInbound([]byte(`{"type":"reboot"}`))
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("DecodeInbound() error = %v, want ErrUnknownMessageType", err)
	}
}

func TestNewAudioMessage(t *testing.T) {
	pcm := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	msg := NewAudioMessage(2, pcm)

	if msg.Type != MessageTypeAudio {
		t.Errorf("Type = %s, want %s", msg.Type, MessageTypeAudio)
	}
	if msg.Format != "pcm_s16le" {
		t.Errorf("Format = %s, want pcm_s16le", msg.Format)
	}
	if msg.SampleRate != 16000 || msg.Channels != 1 {
		t.Errorf("SampleRate/Channels = %d/%d, want 16000/1", msg.SampleRate, msg.Channels)
	}
	if msg.Index != 2 {
		t.Errorf("Index = %d, want 2", msg.Index)
	}

	decoded, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		t.Fatalf("Data is not valid base64: %v", err)
	}
	if string(decoded) != string(pcm) {
		t.Errorf("Data round-trip = %v, want %v", decoded, pcm)
	}
}

func TestOutboundMessageShapes(t *testing.T) {
	tests := []struct {
		name     string
		message  interface{}
		wantType MessageType
		wantKeys []string
	}{
		{
			name:     "config",
			message:  NewConfigMessage("deepgram", "elevenlabs", "disabled", "openai"),
			wantType: MessageTypeConfig,
			wantKeys: []string{"version", "stt", "tts", "speakerVerification", "backend"},
		},
		{
			name:     "state",
			message:  NewStateMessage("speaking"),
			wantType: MessageTypeState,
			wantKeys: []string{"state"},
		},
		{
			name:     "transcript",
			message:  NewTranscriptMessage("hallo Dolores"),
			wantType: MessageTypeTranscript,
			wantKeys: []string{"text"},
		},
		{
			name:     "audio end",
			message:  NewAudioEndMessage(),
			wantType: MessageTypeAudioEnd,
		},
		{
			name:     "error",
			message:  NewErrorMessage("synthesis failed"),
			wantType: MessageTypeError,
			wantKeys: []string{"error"},
		},
		{
			name:     "pong",
			message:  NewPongMessage(),
			wantType: MessageTypePong,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.message)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}

			var decoded map[string]interface{}
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}

			if decoded["type"] != string(tt.wantType) {
				t.Errorf("type = %v, want %s", decoded["type"], tt.wantType)
			}
			for _, key := range tt.wantKeys {
				if _, exists := decoded[key]; !exists {
					t.Errorf("marshalled %s is missing key %q", tt.name, key)
				}
			}
		})
	}
}
