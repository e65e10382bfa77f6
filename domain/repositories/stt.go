package repositories

import "context"

// AudioConfig describes the PCM the pipeline moves around. One instance is
// shared by the transcription and synthesis sides: raw S16LE, 16 kHz, mono.
type AudioConfig struct {
	SampleRate int    `json:"sample_rate"`
	Encoding   string `json:"encoding"`
	Language   string `json:"language"`
}

// TranscriptionEvents carries the callbacks a live transcription session
// invokes from its receive loop. Interim results are informational and never
// advance the pipeline; final segments accumulate inside the session; the
// utterance-end callback delivers the joined transcript of one user turn.
// All callbacks may be invoked from the session's own goroutine.
type TranscriptionEvents struct {
	OnInterim      func(text string)
	OnFinal        func(segment string)
	OnUtteranceEnd func(transcript string)
	OnError        func(err error)
	OnClosed       func()
}

// SpeechToText abstracts a streaming speech recognition provider.
type SpeechToText interface {
	// Name identifies the provider in the connect-time config message.
	Name() string
	// StartSession opens one live transcription upstream configured for the
	// pipeline's audio format and the user-facing locale. The context bounds
	// the startup handshake only; once established the session lives until
	// Close.
	StartSession(ctx context.Context, events TranscriptionEvents) (SpeechSession, error)
}

// SpeechSession is one live transcription upstream. At most one exists per
// conversation session at any instant, and it is destroyed the moment the
// pipeline stops listening.
type SpeechSession interface {
	// Push forwards one raw PCM frame upstream. It must not block the
	// caller; frames may be dropped under upstream pressure.
	Push(pcm []byte) error
	// Close tears down the upstream connection. Idempotent.
	Close() error
}
