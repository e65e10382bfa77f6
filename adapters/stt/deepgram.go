// Package stt adapts streaming speech recognition providers to the
// transcription session contract used by the conversation pipeline.
package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/doloresvoice/dolores/server/domain/entities"
	"github.com/doloresvoice/dolores/server/domain/repositories"
)

// ErrSessionClosed is returned when audio is pushed into a session that has
// already been torn down.
var ErrSessionClosed = errors.New("transcription session is closed")

const (
	defaultDeepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultDeepgramModel    = "nova-2"

	// Deepgram drops idle connections after ~10s without audio or a
	// KeepAlive control message.
	deepgramKeepAliveInterval = 5 * time.Second

	deepgramWriteTimeout = 2 * time.Second
)

// DeepgramConfig holds the connection settings for Deepgram's live API.
type DeepgramConfig struct {
	APIKey   string
	Model    string
	Language string
	Endpoint string

	SampleRate int
	// EndpointingMs is the silence (ms) after which Deepgram finalizes a
	// segment; UtteranceEndMs is the gap that closes the whole utterance.
	EndpointingMs  int
	UtteranceEndMs int
}

// NewDeepgramConfigFromEnv builds a config from DEEPGRAM_* variables, with
// the pipeline's fixed audio format and the given locale.
func NewDeepgramConfigFromEnv(language string) DeepgramConfig {
	config := DeepgramConfig{
		APIKey:         os.Getenv("DEEPGRAM_API_KEY"),
		Model:          os.Getenv("DEEPGRAM_MODEL"),
		Language:       language,
		Endpoint:       os.Getenv("DEEPGRAM_URL"),
		SampleRate:     16000,
		EndpointingMs:  500,
		UtteranceEndMs: 1500,
	}
	if config.Model == "" {
		config.Model = defaultDeepgramModel
	}
	if config.Endpoint == "" {
		config.Endpoint = defaultDeepgramEndpoint
	}
	return config
}

// Validate checks that the config can open a live connection.
func (c DeepgramConfig) Validate() error {
	if c.APIKey == "" {
		return errors.New("DEEPGRAM_API_KEY is required")
	}
	if c.Language == "" {
		return errors.New("deepgram language must not be empty")
	}
	if c.SampleRate <= 0 {
		return errors.New("deepgram sample rate must be positive")
	}
	return nil
}

// Deepgram opens live transcription sessions against Deepgram's streaming
// WebSocket API.
type Deepgram struct {
	config DeepgramConfig
	dialer *websocket.Dialer
	logger *zap.Logger
}

var _ repositories.SpeechToText = (*Deepgram)(nil)

// NewDeepgram creates the provider. The config must be valid.
func NewDeepgram(config DeepgramConfig, logger *zap.Logger) (*Deepgram, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Deepgram{
		config: config,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger: logger,
	}, nil
}

func (d *Deepgram) Name() string {
	return "deepgram"
}

// StartSession dials the live endpoint and starts the receive loop. The
// context bounds the handshake; the returned session lives until Close.
func (d *Deepgram) StartSession(ctx context.Context, events repositories.TranscriptionEvents) (repositories.SpeechSession, error) {
	endpoint, err := d.sessionURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Token "+d.config.APIKey)

	conn, resp, err := d.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("deepgram handshake failed (status %d): %s: %w", resp.StatusCode, body, err)
		}
		return nil, fmt.Errorf("deepgram handshake failed: %w", err)
	}

	session := &deepgramSession{
		conn:   conn,
		events: events,
		done:   make(chan struct{}),
		logger: d.logger,
	}
	go session.readLoop()
	go session.keepAlive()

	d.logger.Debug("Deepgram session started",
		zap.String("model", d.config.Model),
		zap.String("language", d.config.Language),
	)
	return session, nil
}

func (d *Deepgram) sessionURL() (string, error) {
	u, err := url.Parse(d.config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram endpoint: %w", err)
	}
	q := u.Query()
	q.Set("model", d.config.Model)
	q.Set("language", d.config.Language)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(d.config.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	q.Set("endpointing", strconv.Itoa(d.config.EndpointingMs))
	q.Set("utterance_end_ms", strconv.Itoa(d.config.UtteranceEndMs))
	q.Set("vad_events", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramSession is one live connection. The receive loop owns the
// utterance accumulator; Push and the keepalive ticker share the write side
// under a mutex.
type deepgramSession struct {
	conn   *websocket.Conn
	events repositories.TranscriptionEvents
	logger *zap.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}

	utterance entities.Utterance
}

func (s *deepgramSession) Push(pcm []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// Close finishes the stream gracefully: Deepgram flushes pending results on
// CloseStream before the socket goes away. Idempotent.
func (s *deepgramSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
	s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	s.writeMu.Unlock()

	return s.conn.Close()
}

func (s *deepgramSession) keepAlive() {
	ticker := time.NewTicker(deepgramKeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
			err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *deepgramSession) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				if s.events.OnError != nil {
					s.events.OnError(fmt.Errorf("deepgram stream closed: %w", err))
				}
			}
			if s.events.OnClosed != nil {
				s.events.OnClosed()
			}
			return
		}
		s.handleMessage(data)
	}
}

func (s *deepgramSession) handleMessage(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		s.logger.Debug("Ignoring unparseable deepgram message", zap.Error(err))
		return
	}

	switch head.Type {
	case "Results":
		var result deepgramResult
		if err := json.Unmarshal(data, &result); err != nil {
			s.logger.Debug("Ignoring malformed deepgram result", zap.Error(err))
			return
		}
		s.handleResult(result)
	case "UtteranceEnd":
		s.flush()
	case "SpeechStarted", "Metadata":
		// Informational only.
	default:
		s.logger.Debug("Unknown deepgram message type", zap.String("type", head.Type))
	}
}

// deepgramResult is the transcription payload of a Results message. Only the
// first alternative is used.
type deepgramResult struct {
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *deepgramSession) handleResult(result deepgramResult) {
	if len(result.Channel.Alternatives) == 0 {
		return
	}
	transcript := result.Channel.Alternatives[0].Transcript

	if !result.IsFinal {
		if transcript != "" && s.events.OnInterim != nil {
			s.events.OnInterim(transcript)
		}
		return
	}

	if transcript != "" {
		s.utterance.Append(transcript)
		if s.events.OnFinal != nil {
			s.events.OnFinal(transcript)
		}
	}
	// speech_final marks the endpointing boundary; the utterance is done
	// even if no UtteranceEnd follows.
	if result.SpeechFinal {
		s.flush()
	}
}

func (s *deepgramSession) flush() {
	if s.utterance.Empty() {
		return
	}
	transcript := s.utterance.Flush()
	if s.events.OnUtteranceEnd != nil {
		s.events.OnUtteranceEnd(transcript)
	}
}
