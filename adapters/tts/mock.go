package tts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/doloresvoice/dolores/server/domain/repositories"
)

// Mock is a deterministic synthesizer for tests and offline runs. The
// returned audio bytes spell the sentence, which keeps assertions readable.
type Mock struct {
	// FailFor lists sentences whose synthesis fails.
	FailFor map[string]bool
	// Latency delays every call, for exercising in-flight cancellation.
	Latency time.Duration

	mu          sync.Mutex
	synthesized []string
}

var _ repositories.TextToSpeech = (*Mock)(nil)

// NewMock returns a synthesizer that never fails.
func NewMock() *Mock {
	return &Mock{FailFor: map[string]bool{}}
}

func (m *Mock) Name() string {
	return "mock"
}

func (m *Mock) Synthesize(ctx context.Context, sentence string) ([]byte, error) {
	m.mu.Lock()
	m.synthesized = append(m.synthesized, sentence)
	fail := m.FailFor[sentence]
	latency := m.Latency
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, fmt.Errorf("scripted synthesis failure for %q", sentence)
	}
	return []byte(sentence), nil
}

// Synthesized returns the sentences synthesized so far, in call order.
func (m *Mock) Synthesized() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.synthesized...)
}
