package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/doloresvoice/dolores/server/domain/repositories"
)

func TestNewDeepgramConfigFromEnv(t *testing.T) {
	os.Unsetenv("DEEPGRAM_API_KEY")
	os.Unsetenv("DEEPGRAM_MODEL")
	os.Unsetenv("DEEPGRAM_URL")

	config := NewDeepgramConfigFromEnv("nl")
	if err := config.Validate(); err == nil {
		t.Error("Expected validation error without API key")
	}

	os.Setenv("DEEPGRAM_API_KEY", "test-api-key")
	defer os.Unsetenv("DEEPGRAM_API_KEY")

	config = NewDeepgramConfigFromEnv("nl")
	if err := config.Validate(); err != nil {
		t.Fatalf("Unexpected validation error: %v", err)
	}
	if config.Model != defaultDeepgramModel {
		t.Errorf("Expected default model %s, got %s", defaultDeepgramModel, config.Model)
	}
	if config.Endpoint != defaultDeepgramEndpoint {
		t.Errorf("Expected default endpoint, got %s", config.Endpoint)
	}
	if config.SampleRate != 16000 {
		t.Errorf("Expected 16kHz sample rate, got %d", config.SampleRate)
	}
}

// fakeDeepgram upgrades one connection and replays a scripted message
// sequence after the first audio frame arrives.
func fakeDeepgram(t *testing.T, script []string, closeStream chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("encoding") != "linear16" || q.Get("sample_rate") != "16000" || q.Get("channels") != "1" {
			t.Errorf("Unexpected audio query params: %s", r.URL.RawQuery)
		}
		if q.Get("language") != "nl" || q.Get("interim_results") != "true" || q.Get("utterance_end_ms") != "1500" {
			t.Errorf("Unexpected session query params: %s", r.URL.RawQuery)
		}
		if auth := r.Header.Get("Authorization"); auth != "Token test-api-key" {
			t.Errorf("Unexpected authorization header: %s", auth)
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		scripted := false
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch kind {
			case websocket.BinaryMessage:
				if !scripted {
					scripted = true
					for _, msg := range script {
						if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
							return
						}
					}
				}
			case websocket.TextMessage:
				if strings.Contains(string(data), "CloseStream") && closeStream != nil {
					closeStream <- string(data)
				}
			}
		}
	}))
}

func newTestDeepgram(t *testing.T, endpoint string) *Deepgram {
	t.Helper()
	provider, err := NewDeepgram(DeepgramConfig{
		APIKey:         "test-api-key",
		Model:          defaultDeepgramModel,
		Language:       "nl",
		Endpoint:       endpoint,
		SampleRate:     16000,
		EndpointingMs:  500,
		UtteranceEndMs: 1500,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to create provider: %v", err)
	}
	return provider
}

func TestDeepgramSessionAccumulatesFinals(t *testing.T) {
	script := []string{
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hallo","confidence":0.8}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hallo","confidence":0.95}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"Dolores","confidence":0.97}]}}`,
		`{"type":"Metadata","request_id":"abc"}`,
		`{"type":"UtteranceEnd","last_word_end":2.1}`,
	}
	server := fakeDeepgram(t, script, nil)
	defer server.Close()

	interims := make(chan string, 8)
	finals := make(chan string, 8)
	utterances := make(chan string, 8)

	provider := newTestDeepgram(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	session, err := provider.StartSession(context.Background(), repositories.TranscriptionEvents{
		OnInterim:      func(text string) { interims <- text },
		OnFinal:        func(segment string) { finals <- segment },
		OnUtteranceEnd: func(transcript string) { utterances <- transcript },
	})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	defer session.Close()

	if err := session.Push(make([]byte, 640)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	select {
	case transcript := <-utterances:
		if transcript != "hallo Dolores" {
			t.Errorf("Expected joined transcript 'hallo Dolores', got %q", transcript)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for utterance end")
	}

	if got := <-interims; got != "hallo" {
		t.Errorf("Expected interim 'hallo', got %q", got)
	}
	if len(finals) != 2 {
		t.Errorf("Expected 2 final segments, got %d", len(finals))
	}
}

func TestDeepgramSessionSpeechFinalFlushes(t *testing.T) {
	script := []string{
		`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"tot ziens","confidence":0.99}]}}`,
	}
	server := fakeDeepgram(t, script, nil)
	defer server.Close()

	utterances := make(chan string, 1)
	provider := newTestDeepgram(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	session, err := provider.StartSession(context.Background(), repositories.TranscriptionEvents{
		OnUtteranceEnd: func(transcript string) { utterances <- transcript },
	})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	defer session.Close()

	if err := session.Push(make([]byte, 640)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	select {
	case transcript := <-utterances:
		if transcript != "tot ziens" {
			t.Errorf("Expected 'tot ziens', got %q", transcript)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for speech_final flush")
	}
}

func TestDeepgramSessionEmptyUtteranceNotFlushed(t *testing.T) {
	script := []string{
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"","confidence":0}]}}`,
		`{"type":"UtteranceEnd","last_word_end":0.5}`,
	}
	server := fakeDeepgram(t, script, nil)
	defer server.Close()

	utterances := make(chan string, 1)
	provider := newTestDeepgram(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	session, err := provider.StartSession(context.Background(), repositories.TranscriptionEvents{
		OnUtteranceEnd: func(transcript string) { utterances <- transcript },
	})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	defer session.Close()

	if err := session.Push(make([]byte, 640)); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	select {
	case transcript := <-utterances:
		t.Errorf("Empty utterance should not flush, got %q", transcript)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestDeepgramSessionClose(t *testing.T) {
	closeStream := make(chan string, 1)
	server := fakeDeepgram(t, nil, closeStream)
	defer server.Close()

	provider := newTestDeepgram(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	session, err := provider.StartSession(context.Background(), repositories.TranscriptionEvents{})
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}

	if err := session.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}

	select {
	case <-closeStream:
	case <-time.After(2 * time.Second):
		t.Fatal("Server never received CloseStream")
	}

	if err := session.Push(make([]byte, 640)); err != ErrSessionClosed {
		t.Errorf("Expected ErrSessionClosed after close, got %v", err)
	}
}

func TestDeepgramHandshakeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"err_code":"INVALID_AUTH"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	provider := newTestDeepgram(t, "ws"+strings.TrimPrefix(server.URL, "http"))
	_, err := provider.StartSession(context.Background(), repositories.TranscriptionEvents{})
	if err == nil {
		t.Fatal("Expected handshake error")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("Expected status in error, got %v", err)
	}
}
