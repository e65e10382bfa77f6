package stt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"go.uber.org/zap"

	"github.com/doloresvoice/dolores/server/domain/entities"
	"github.com/doloresvoice/dolores/server/domain/repositories"
)

// Google opens streaming recognition sessions against Cloud Speech-to-Text.
// Credentials resolve through the standard GOOGLE_APPLICATION_CREDENTIALS
// lookup, so there is nothing to configure beyond the locale.
type Google struct {
	language string
	logger   *zap.Logger
}

var _ repositories.SpeechToText = (*Google)(nil)

// NewGoogle creates the provider for the given locale.
func NewGoogle(language string, logger *zap.Logger) *Google {
	return &Google{
		language: bcp47(language),
		logger:   logger,
	}
}

func (g *Google) Name() string {
	return "google"
}

// bcp47 widens a bare two-letter locale to the region-qualified code Cloud
// Speech expects. Already-qualified codes pass through.
func bcp47(language string) string {
	switch strings.ToLower(language) {
	case "nl":
		return "nl-NL"
	case "en":
		return "en-US"
	case "de":
		return "de-DE"
	case "fr":
		return "fr-FR"
	case "id":
		return "id-ID"
	default:
		return language
	}
}

// StartSession opens one streaming recognition call in single-utterance mode:
// the upstream detects the end of speech itself, which maps directly onto the
// pipeline's one-upstream-per-turn lifecycle. The handshake honors ctx but
// the session runs on its own context so it outlives the startup deadline.
func (g *Google) StartSession(ctx context.Context, events repositories.TranscriptionEvents) (repositories.SpeechSession, error) {
	sessionCtx, cancel := context.WithCancel(context.Background())

	client, err := speech.NewClient(sessionCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	stream, err := client.StreamingRecognize(sessionCtx)
	if err != nil {
		client.Close()
		cancel()
		return nil, fmt.Errorf("failed to open recognition stream: %w", err)
	}

	configRequest := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:            16000,
					LanguageCode:               g.language,
					EnableAutomaticPunctuation: true,
				},
				InterimResults:  true,
				SingleUtterance: true,
			},
		},
	}
	if err := stream.Send(configRequest); err != nil {
		stream.CloseSend()
		client.Close()
		cancel()
		return nil, fmt.Errorf("failed to send recognition config: %w", err)
	}

	if err := ctx.Err(); err != nil {
		stream.CloseSend()
		client.Close()
		cancel()
		return nil, err
	}

	session := &googleSession{
		client: client,
		stream: stream,
		cancel: cancel,
		events: events,
		logger: g.logger,
	}
	go session.receive()

	g.logger.Debug("Google speech session started", zap.String("language", g.language))
	return session, nil
}

// googleSession is one live recognition call. The receive goroutine owns the
// utterance accumulator; Push and CloseSend share the send side of the gRPC
// stream under a mutex.
type googleSession struct {
	client *speech.Client
	stream speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc
	events repositories.TranscriptionEvents
	logger *zap.Logger

	sendMu     sync.Mutex
	sendClosed bool
	closed     atomic.Bool

	utterance entities.Utterance
}

func (s *googleSession) Push(pcm []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if len(pcm) == 0 {
		return nil
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return ErrSessionClosed
	}
	err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: pcm,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

func (s *googleSession) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.closeSend()
	s.cancel()
	return s.client.Close()
}

func (s *googleSession) closeSend() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.sendClosed {
		s.sendClosed = true
		s.stream.CloseSend()
	}
}

func (s *googleSession) receive() {
	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			s.flush()
			if s.events.OnClosed != nil {
				s.events.OnClosed()
			}
			return
		}
		if err != nil {
			if !s.closed.Load() {
				if s.events.OnError != nil {
					s.events.OnError(fmt.Errorf("recognition stream failed: %w", err))
				}
			}
			if s.events.OnClosed != nil {
				s.events.OnClosed()
			}
			return
		}

		// END_OF_SINGLE_UTTERANCE precedes the remaining final results.
		// Closing the send side makes the upstream deliver them and EOF,
		// where the joined utterance is flushed.
		if resp.SpeechEventType == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
			s.closeSend()
			continue
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			transcript := result.Alternatives[0].Transcript
			if transcript == "" {
				continue
			}
			if result.IsFinal {
				s.utterance.Append(transcript)
				if s.events.OnFinal != nil {
					s.events.OnFinal(transcript)
				}
			} else if s.events.OnInterim != nil {
				s.events.OnInterim(transcript)
			}
		}
	}
}

func (s *googleSession) flush() {
	if s.utterance.Empty() {
		return
	}
	transcript := s.utterance.Flush()
	if s.events.OnUtteranceEnd != nil {
		s.events.OnUtteranceEnd(transcript)
	}
}
