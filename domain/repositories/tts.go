package repositories

import "context"

// TextToSpeech abstracts a speech synthesis provider. Synthesis is invoked
// strictly serially per conversation session to respect upstream rate
// limits.
type TextToSpeech interface {
	// Name identifies the provider in the connect-time config message.
	Name() string
	// Synthesize renders one sentence as raw PCM S16LE, 16 kHz, mono.
	Synthesize(ctx context.Context, sentence string) ([]byte, error)
}
