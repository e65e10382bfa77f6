package stt

import (
	"context"
	"sync"

	"github.com/doloresvoice/dolores/server/domain/repositories"
)

// Mock simulates a transcription upstream for tests and offline runs. Each
// session emits the scripted transcript as an interim result, a final
// segment and an utterance end once enough frames arrived, mimicking
// endpointing on a real provider.
type Mock struct {
	// Transcript is delivered after FramesPerUtterance frames. Empty means
	// the upstream never detects speech.
	Transcript         string
	FramesPerUtterance int
	// StartErr makes StartSession fail, for exercising startup errors.
	StartErr error

	mu       sync.Mutex
	sessions []*MockSession
}

var _ repositories.SpeechToText = (*Mock)(nil)

// NewMock returns a mock that hears the given transcript after roughly a
// second of audio at 20 ms framing.
func NewMock(transcript string) *Mock {
	return &Mock{
		Transcript:         transcript,
		FramesPerUtterance: 50,
	}
}

func (m *Mock) Name() string {
	return "mock"
}

func (m *Mock) StartSession(ctx context.Context, events repositories.TranscriptionEvents) (repositories.SpeechSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	session := &MockSession{
		events:     events,
		transcript: m.Transcript,
		threshold:  m.FramesPerUtterance,
	}
	m.sessions = append(m.sessions, session)
	return session, nil
}

// SessionCount reports how many upstreams were opened. Tests use it to prove
// that muted or non-listening frames never reach a recognizer.
func (m *Mock) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Session returns the i-th opened upstream.
func (m *Mock) Session(i int) *MockSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.sessions) {
		return nil
	}
	return m.sessions[i]
}

// MockSession is one scripted upstream.
type MockSession struct {
	events     repositories.TranscriptionEvents
	transcript string
	threshold  int

	mu     sync.Mutex
	frames int
	closed bool
	fired  bool
}

var _ repositories.SpeechSession = (*MockSession)(nil)

func (s *MockSession) Push(pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.frames++
	fire := !s.fired && s.transcript != "" && s.frames >= s.threshold
	if fire {
		s.fired = true
	}
	s.mu.Unlock()

	if fire {
		// Deliver from a separate goroutine the way a receive loop would.
		go func() {
			if s.events.OnInterim != nil {
				s.events.OnInterim(s.transcript)
			}
			if s.events.OnFinal != nil {
				s.events.OnFinal(s.transcript)
			}
			if s.events.OnUtteranceEnd != nil {
				s.events.OnUtteranceEnd(s.transcript)
			}
		}()
	}
	return nil
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !alreadyClosed && s.events.OnClosed != nil {
		go s.events.OnClosed()
	}
	return nil
}

// Frames reports how many frames were pushed upstream.
func (s *MockSession) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Closed reports whether the session was torn down.
func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// EmitUtteranceEnd drives the utterance-end callback directly, bypassing the
// frame counter. Tests use it for edge cases like whitespace transcripts.
func (s *MockSession) EmitUtteranceEnd(transcript string) {
	if s.events.OnUtteranceEnd != nil {
		s.events.OnUtteranceEnd(transcript)
	}
}

// EmitError drives the error callback directly.
func (s *MockSession) EmitError(err error) {
	if s.events.OnError != nil {
		s.events.OnError(err)
	}
}
