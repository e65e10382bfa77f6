package llm

import (
	"context"
	"io"
	"sync"

	"github.com/doloresvoice/dolores/server/domain/repositories"
)

// Mock is a scripted chat provider for tests and offline runs. Every stream
// replays the same script.
type Mock struct {
	// Script holds the deltas each stream yields, in order.
	Script []string
	// Err is returned after the script instead of a clean end of stream.
	Err error
	// Pace, when set, makes each delta wait for one tick. Tests use it to
	// hold a stream mid-reply.
	Pace chan struct{}

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records one StreamChat invocation.
type MockCall struct {
	History  []repositories.ChatMessage
	UserText string
}

var _ repositories.LanguageModel = (*Mock)(nil)

// NewMock returns a provider that streams the given deltas.
func NewMock(script ...string) *Mock {
	return &Mock{Script: script}
}

func (m *Mock) Name() string {
	return "mock"
}

func (m *Mock) StreamChat(ctx context.Context, history []repositories.ChatMessage, userText string) (repositories.ReplyStream, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{
		History:  append([]repositories.ChatMessage(nil), history...),
		UserText: userText,
	})
	deltas := append([]string(nil), m.Script...)
	err := m.Err
	pace := m.Pace
	m.mu.Unlock()

	return &mockStream{ctx: ctx, deltas: deltas, err: err, pace: pace}, nil
}

// Calls returns a copy of the recorded invocations.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

type mockStream struct {
	ctx    context.Context
	pace   chan struct{}
	err    error
	mu     sync.Mutex
	deltas []string
	closed bool
}

var _ repositories.ReplyStream = (*mockStream)(nil)

func (s *mockStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.pace != nil {
		select {
		case <-s.pace:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.deltas) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	delta := s.deltas[0]
	s.deltas = s.deltas[1:]
	return delta, nil
}

func (s *mockStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
