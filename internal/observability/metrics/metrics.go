// Package metrics exposes the Prometheus instrumentation for the voice
// pipeline. All collectors live on the default registry so the /metrics
// endpoint only needs promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dolores"

// Latency buckets tuned for conversational round trips: anything past a few
// seconds is already a bad experience, past thirty it times out.
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

var (
	// SessionsStarted counts every WebSocket session the hub accepted.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Number of WebSocket sessions accepted.",
	})

	// ActiveSessions tracks sessions currently registered with the hub.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of WebSocket sessions currently connected.",
	})

	// TurnsStarted counts finalized utterances that entered the pipeline.
	TurnsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Number of conversation turns started.",
	})

	// TurnsInterrupted counts turns cut short by a client barge-in.
	TurnsInterrupted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_interrupted_total",
		Help:      "Number of conversation turns interrupted by the client.",
	})

	// FramesForwarded counts microphone frames pushed to the transcriber.
	FramesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_frames_forwarded_total",
		Help:      "Number of inbound audio frames forwarded to speech recognition.",
	})

	// FramesDropped counts inbound frames discarded before transcription,
	// labeled with the drop reason (not_listening, muted, speaker_gate,
	// startup_overflow).
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_frames_dropped_total",
		Help:      "Number of inbound audio frames dropped before speech recognition.",
	}, []string{"reason"})

	// SpeechEvents counts transcription events by kind (interim, final,
	// utterance_end, error, start_failed).
	SpeechEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stt_events_total",
		Help:      "Number of speech recognition events received.",
	}, []string{"event"})

	// SynthesisJobs counts per-sentence synthesis jobs by outcome
	// (ok, failed, dropped).
	SynthesisJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tts_jobs_total",
		Help:      "Number of sentence synthesis jobs by outcome.",
	}, []string{"status"})

	// AudioChunksEmitted counts audio messages sent to clients.
	AudioChunksEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_chunks_emitted_total",
		Help:      "Number of synthesized audio chunks sent to clients.",
	})

	// AudioBytesEmitted counts raw PCM bytes sent to clients, before
	// base64 framing.
	AudioBytesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audio_bytes_emitted_total",
		Help:      "Number of synthesized PCM bytes sent to clients.",
	})

	// ReplyLatency observes the wall time of a full reply stream, from the
	// model request to its final token.
	ReplyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "llm_stream_seconds",
		Help:      "Duration of a complete language model reply stream.",
		Buckets:   latencyBuckets,
	})

	// SynthesisLatency observes per-sentence synthesis duration.
	SynthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tts_synthesis_seconds",
		Help:      "Duration of a single sentence synthesis call.",
		Buckets:   latencyBuckets,
	})

	// TurnEventsPublished counts turn records handed to the event publisher.
	TurnEventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turn_events_published_total",
		Help:      "Number of turn events handed to the transcript publisher.",
	}, []string{"status"})
)
