package usecase

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doloresvoice/dolores/server/domain/entities"
	"github.com/doloresvoice/dolores/server/domain/repositories"
	"github.com/doloresvoice/dolores/server/internal/observability/metrics"
)

const (
	// Fixed pipeline deadlines. The recovery windows (mutes, playback
	// acknowledgement) are tunable through Options instead.
	speechStartTimeout = 10 * time.Second
	replyTimeout       = 30 * time.Second
	synthesisTimeout   = 30 * time.Second

	eventQueueSize     = 256
	synthesisQueueSize = 64
	// Frames buffered while the transcription upstream is still starting.
	// At 20 ms a frame this covers well over half a second of speech.
	maxStartupFrames = 32

	maxHistoryMessages = 20
)

// Emitter is the transport surface one conversation needs: typed sends plus
// the backpressure probes. *websocket.Client satisfies it.
type Emitter interface {
	SendState(state string) error
	SendTranscript(text string) error
	SendAudioChunk(index int, pcm []byte) error
	SendAudioEnd() error
	SendError(reason string) error
	Overloaded() bool
	CloseOverloaded(reason string)
}

// Options sizes the recovery windows of the echo discipline.
type Options struct {
	PlaybackAckTimeout time.Duration
	PostPlaybackMute   time.Duration
	PostInterruptMute  time.Duration
}

// ConversationService wires the speech, language and synthesis providers
// into per-connection conversation pipelines.
type ConversationService struct {
	stt       repositories.SpeechToText
	llm       repositories.LanguageModel
	tts       repositories.TextToSpeech
	speaker   repositories.SpeakerVerifier
	publisher repositories.TranscriptPublisher
	opts      Options
	logger    *zap.Logger
}

// NewConversationService creates the factory shared by all connections.
func NewConversationService(
	stt repositories.SpeechToText,
	llm repositories.LanguageModel,
	tts repositories.TextToSpeech,
	speaker repositories.SpeakerVerifier,
	publisher repositories.TranscriptPublisher,
	opts Options,
	logger *zap.Logger,
) *ConversationService {
	if speaker == nil {
		speaker = repositories.AllowAllSpeakers{}
	}
	if opts.PlaybackAckTimeout <= 0 {
		opts.PlaybackAckTimeout = 30 * time.Second
	}
	if opts.PostPlaybackMute <= 0 {
		opts.PostPlaybackMute = 500 * time.Millisecond
	}
	if opts.PostInterruptMute <= 0 {
		opts.PostInterruptMute = 150 * time.Millisecond
	}
	return &ConversationService{
		stt:       stt,
		llm:       llm,
		tts:       tts,
		speaker:   speaker,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
	}
}

type eventKind int

const (
	evAudioFrame eventKind = iota
	evPlaybackDone
	evInterrupt
	evDisconnect
	evSpeechStarted
	evSpeechInterim
	evSpeechFinal
	evSpeechEnd
	evSpeechError
	evSpeechClosed
	evReplyDelta
	evReplyDone
	evReplyError
	evSynthesisResult
	evAckTimeout
)

// event is one message into the conversation actor. gen stamps which turn
// (or listening phase) produced it; stale events are dropped on arrival.
type event struct {
	kind   eventKind
	gen    uint64
	pcm    []byte
	text   string
	index  int
	audio  []byte
	err    error
	speech repositories.SpeechSession
}

type synthesisJob struct {
	index int
	text  string
}

// Conversation runs one session as an actor: every transport callback,
// provider callback and timer posts an event, and a single goroutine applies
// them in arrival order. All fields below the channels are owned by that
// goroutine and never locked.
type Conversation struct {
	svc     *ConversationService
	session *entities.Session
	out     Emitter
	logger  *zap.Logger

	events chan event
	done   chan struct{}

	gen    uint64
	closed bool
	turns  int

	speechSession repositories.SpeechSession
	speechStartup bool
	startupFrames [][]byte

	turnCancel    context.CancelFunc
	synthesisJobs chan synthesisJob
	synthesisOpen bool

	segmentBuf     string
	transcript     string
	replySentences []string
	history        []repositories.ChatMessage

	ackTimer     *time.Timer
	awaitingAck  bool
	audioEndSent bool
	published    bool
}

// NewConversation binds a transport client to a fresh pipeline session and
// starts its actor goroutine. The returned value is the transport's session
// handler.
func (s *ConversationService) NewConversation(out Emitter) *Conversation {
	session := entities.NewSession()
	c := &Conversation{
		svc:     s,
		session: session,
		out:     out,
		logger:  s.logger.With(zap.Uint64("sessionID", session.ID)),
		events:  make(chan event, eventQueueSize),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

// HandleAudio is called by the transport read loop for every inbound frame.
func (c *Conversation) HandleAudio(pcm []byte) {
	c.post(event{kind: evAudioFrame, pcm: pcm})
}

// HandlePlaybackDone is called when the client finished playing a reply.
func (c *Conversation) HandlePlaybackDone() {
	c.post(event{kind: evPlaybackDone})
}

// HandleInterrupt is called when the client reports a barge-in.
func (c *Conversation) HandleInterrupt() {
	c.post(event{kind: evInterrupt})
}

// HandleDisconnect is called once when the connection goes away.
func (c *Conversation) HandleDisconnect() {
	c.post(event{kind: evDisconnect})
}

// post delivers one event to the actor. It reports false when the actor has
// already terminated; the event was dropped and any resource it carries
// stays with the caller.
func (c *Conversation) post(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Conversation) run() {
	defer func() {
		close(c.done)
		// Events already queued when the actor stopped are dropped, but a
		// transcription upstream delivered by a late startup must not leak.
		for {
			select {
			case ev := <-c.events:
				if ev.speech != nil {
					ev.speech.Close()
				}
			default:
				return
			}
		}
	}()
	for ev := range c.events {
		c.handle(ev)
		if c.closed {
			return
		}
	}
}

func (c *Conversation) handle(ev event) {
	switch ev.kind {
	case evAudioFrame:
		c.onAudioFrame(ev.pcm)
	case evPlaybackDone:
		c.onPlaybackDone()
	case evInterrupt:
		c.onInterrupt()
	case evDisconnect:
		c.onDisconnect()
	case evSpeechStarted:
		c.onSpeechStarted(ev)
	case evSpeechInterim:
		if ev.gen == c.gen {
			metrics.SpeechEvents.WithLabelValues("interim").Inc()
		}
	case evSpeechFinal:
		if ev.gen == c.gen {
			metrics.SpeechEvents.WithLabelValues("final").Inc()
			c.logger.Debug("Transcript segment finalized", zap.Int("length", len(ev.text)))
		}
	case evSpeechEnd:
		c.onUtteranceEnd(ev)
	case evSpeechError:
		c.onSpeechError(ev)
	case evSpeechClosed:
		c.logger.Debug("Transcription upstream closed", zap.Uint64("gen", ev.gen))
	case evReplyDelta:
		c.onReplyDelta(ev)
	case evReplyDone:
		c.onReplyDone(ev)
	case evReplyError:
		c.onReplyError(ev)
	case evSynthesisResult:
		c.onSynthesisResult(ev)
	case evAckTimeout:
		c.onAckTimeout(ev)
	}
}

// onAudioFrame gates one microphone frame and forwards it upstream. The
// transcriber is created lazily on the first frame of a listening phase;
// frames that arrive while it is still starting are buffered.
func (c *Conversation) onAudioFrame(pcm []byte) {
	if c.session.State != entities.StateListening {
		metrics.FramesDropped.WithLabelValues("not_listening").Inc()
		return
	}
	if c.session.Muted(time.Now()) {
		metrics.FramesDropped.WithLabelValues("muted").Inc()
		return
	}
	if !c.svc.speaker.Verify(pcm) {
		metrics.FramesDropped.WithLabelValues("speaker_gate").Inc()
		return
	}

	if c.speechSession == nil {
		if !c.speechStartup {
			c.speechStartup = true
			c.startupFrames = append(c.startupFrames[:0], pcm)
			go c.startSpeechSession(c.gen)
		} else if len(c.startupFrames) < maxStartupFrames {
			c.startupFrames = append(c.startupFrames, pcm)
		} else {
			metrics.FramesDropped.WithLabelValues("startup_overflow").Inc()
		}
		return
	}

	if err := c.speechSession.Push(pcm); err != nil {
		c.logger.Warn("Frame push failed, recycling transcriber", zap.Error(err))
		c.destroySpeechSession()
		return
	}
	metrics.FramesForwarded.Inc()
}

// startSpeechSession opens the transcription upstream off the actor
// goroutine and reports back as an event. The gen stamp lets the actor throw
// away a session that resolved after the listening phase it belonged to.
func (c *Conversation) startSpeechSession(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), speechStartTimeout)
	defer cancel()

	events := repositories.TranscriptionEvents{
		OnInterim:      func(text string) { c.post(event{kind: evSpeechInterim, gen: gen, text: text}) },
		OnFinal:        func(segment string) { c.post(event{kind: evSpeechFinal, gen: gen, text: segment}) },
		OnUtteranceEnd: func(transcript string) { c.post(event{kind: evSpeechEnd, gen: gen, text: transcript}) },
		OnError:        func(err error) { c.post(event{kind: evSpeechError, gen: gen, err: err}) },
		OnClosed:       func() { c.post(event{kind: evSpeechClosed, gen: gen}) },
	}

	session, err := c.svc.stt.StartSession(ctx, events)
	if !c.post(event{kind: evSpeechStarted, gen: gen, speech: session, err: err}) && session != nil {
		session.Close()
	}
}

func (c *Conversation) onSpeechStarted(ev event) {
	c.speechStartup = false

	if ev.err != nil {
		if ev.gen == c.gen {
			metrics.SpeechEvents.WithLabelValues("start_failed").Inc()
			c.logger.Error("Failed to start transcription", zap.Error(ev.err))
			c.out.SendError("speech recognition unavailable")
			c.startupFrames = nil
		}
		return
	}

	if ev.gen != c.gen || c.session.State != entities.StateListening || c.speechSession != nil {
		// The listening phase this upstream was started for is over.
		ev.speech.Close()
		if c.session.State == entities.StateListening && c.speechSession == nil && len(c.startupFrames) > 0 {
			c.speechStartup = true
			go c.startSpeechSession(c.gen)
		}
		return
	}

	c.speechSession = ev.speech
	for _, frame := range c.startupFrames {
		if err := c.speechSession.Push(frame); err != nil {
			c.logger.Warn("Failed to flush buffered frame", zap.Error(err))
			break
		}
		metrics.FramesForwarded.Inc()
	}
	c.startupFrames = nil
}

func (c *Conversation) onUtteranceEnd(ev event) {
	if ev.gen != c.gen || c.session.State != entities.StateListening {
		return
	}
	metrics.SpeechEvents.WithLabelValues("utterance_end").Inc()

	transcript := strings.TrimSpace(ev.text)
	if transcript == "" {
		// Breathing into the microphone is not a turn.
		return
	}
	c.beginTurn(transcript)
}

func (c *Conversation) onSpeechError(ev event) {
	if ev.gen != c.gen {
		return
	}
	metrics.SpeechEvents.WithLabelValues("error").Inc()
	c.logger.Warn("Transcription upstream failed", zap.Error(ev.err))
	c.destroySpeechSession()
	c.out.SendError("speech recognition error")
}

// beginTurn moves the session from listening into processing: the
// transcriber is destroyed, the reply stream and the synthesis worker start,
// and every completion from here on carries the new generation.
func (c *Conversation) beginTurn(transcript string) {
	c.gen++
	c.turns++
	metrics.TurnsStarted.Inc()

	// Destroyed, not paused. A paused upstream would still hold the
	// connection and can leak synthesized speech into the next transcript.
	c.destroySpeechSession()

	c.session.ResetTurn()
	c.session.Interrupted = false
	c.segmentBuf = ""
	c.transcript = transcript
	c.replySentences = nil
	c.published = false
	c.audioEndSent = false

	c.logger.Info("Turn started",
		zap.Int("turn", c.turns),
		zap.String("transcript", transcript),
	)
	if err := c.out.SendTranscript(transcript); err != nil {
		c.logger.Debug("Transcript emit failed", zap.Error(err))
	}
	c.setState(entities.StateProcessing)

	history := append([]repositories.ChatMessage(nil), c.history...)
	c.appendHistory(repositories.ChatMessage{Role: repositories.UserRole, Content: transcript})

	turnCtx, cancel := context.WithCancel(context.Background())
	c.turnCancel = cancel
	c.synthesisJobs = make(chan synthesisJob, synthesisQueueSize)
	c.synthesisOpen = true

	go c.runSynthesis(c.gen, turnCtx, c.synthesisJobs)
	go c.consumeReply(c.gen, turnCtx, history, transcript)
}

// consumeReply pulls the language model stream and forwards text deltas to
// the actor. It runs once per turn and ends with exactly one done or error
// event, unless the turn was cancelled under it.
func (c *Conversation) consumeReply(gen uint64, turnCtx context.Context, history []repositories.ChatMessage, userText string) {
	ctx, cancel := context.WithTimeout(turnCtx, replyTimeout)
	defer cancel()

	start := time.Now()
	stream, err := c.svc.llm.StreamChat(ctx, history, userText)
	if err != nil {
		c.post(event{kind: evReplyError, gen: gen, err: err})
		return
	}
	defer stream.Close()

	for {
		delta, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			metrics.ReplyLatency.Observe(time.Since(start).Seconds())
			c.post(event{kind: evReplyDone, gen: gen})
			return
		}
		if err != nil {
			if turnCtx.Err() != nil {
				// Torn down by interrupt or disconnect; nobody is listening.
				return
			}
			c.post(event{kind: evReplyError, gen: gen, err: err})
			return
		}
		if delta == "" {
			continue
		}
		c.post(event{kind: evReplyDelta, gen: gen, text: delta})
	}
}

// runSynthesis renders sentences strictly one at a time. Serial execution
// keeps provider rate limits happy and makes completion order equal to
// submission order in the common case; the slot queue handles the rest.
func (c *Conversation) runSynthesis(gen uint64, turnCtx context.Context, jobs <-chan synthesisJob) {
	for job := range jobs {
		start := time.Now()
		ctx, cancel := context.WithTimeout(turnCtx, synthesisTimeout)
		audio, err := c.svc.tts.Synthesize(ctx, job.text)
		cancel()
		metrics.SynthesisLatency.Observe(time.Since(start).Seconds())
		c.post(event{kind: evSynthesisResult, gen: gen, index: job.index, audio: audio, err: err})
	}
}

func (c *Conversation) onReplyDelta(ev event) {
	if ev.gen != c.gen {
		return
	}
	c.segmentBuf += ev.text
	sentences, residual := Segment(c.segmentBuf)
	c.segmentBuf = residual
	for _, sentence := range sentences {
		c.submitSentence(sentence)
	}
}

func (c *Conversation) submitSentence(sentence string) {
	index := c.session.ReserveSlot(sentence)
	c.replySentences = append(c.replySentences, sentence)

	select {
	case c.synthesisJobs <- synthesisJob{index: index, text: sentence}:
	default:
		// The worker is far behind; failing the slot keeps the actor from
		// blocking and the emitter skips the gap.
		c.session.FailSlot(index)
		metrics.SynthesisJobs.WithLabelValues("dropped").Inc()
		c.logger.Warn("Synthesis queue full, dropping sentence", zap.Int("index", index))
	}
}

func (c *Conversation) onReplyDone(ev event) {
	if ev.gen != c.gen {
		return
	}
	if residual := strings.TrimSpace(c.segmentBuf); residual != "" {
		c.logger.Debug("Discarding unterminated reply residual", zap.Int("length", len(residual)))
	}
	c.segmentBuf = ""
	c.session.MarkLlmDone()
	c.closeSynthesisJobs()
	c.drainQueue()
}

func (c *Conversation) onSynthesisResult(ev event) {
	if ev.gen != c.gen {
		return
	}
	if ev.err != nil || len(ev.audio) == 0 {
		c.session.FailSlot(ev.index)
		metrics.SynthesisJobs.WithLabelValues("failed").Inc()
		c.logger.Warn("Sentence synthesis failed", zap.Int("index", ev.index), zap.Error(ev.err))
	} else {
		c.session.CompleteSlot(ev.index, ev.audio)
		metrics.SynthesisJobs.WithLabelValues("ok").Inc()
	}
	c.drainQueue()
}

// drainQueue emits every resolved slot in submission order, skipping failed
// ones. It stops at the first slot whose synthesis is still pending.
func (c *Conversation) drainQueue() {
	for {
		if c.out.Overloaded() {
			c.out.CloseOverloaded("outbound audio backlog over high watermark")
			return
		}
		slot, ok := c.session.PopEmittable()
		if !ok {
			break
		}
		if slot.State != entities.SlotReady {
			continue
		}
		// The speaking announcement must reach the client before the
		// first audio chunk.
		if c.session.State == entities.StateProcessing {
			c.setState(entities.StateSpeaking)
		}
		if err := c.out.SendAudioChunk(slot.Index, slot.Audio); err != nil {
			c.logger.Debug("Audio emit failed", zap.Error(err))
			return
		}
		metrics.AudioChunksEmitted.Inc()
		metrics.AudioBytesEmitted.Add(float64(len(slot.Audio)))
	}
	c.maybeFinishTurn()
}

// maybeFinishTurn closes out the turn once the reply stream ended and every
// slot resolved and drained. With audio on the wire it hands over to the
// playback acknowledgement; without audio it goes straight back to
// listening.
func (c *Conversation) maybeFinishTurn() {
	if c.awaitingAck || !c.session.TurnDrained() {
		return
	}

	c.cancelTurn()
	c.finishTurnRecord(false)

	if c.session.AudioStarted() {
		c.audioEndSent = true
		if err := c.out.SendAudioEnd(); err != nil {
			c.logger.Debug("Audio end emit failed", zap.Error(err))
		}
		c.awaitingAck = true
		// Fallback window in case the acknowledgement never comes.
		c.session.MuteUntil = time.Now().Add(c.svc.opts.PostPlaybackMute)
		c.armAckTimer()
	} else {
		c.logger.Debug("Turn produced no audio")
		c.session.ResetTurn()
		c.gen++
		c.setState(entities.StateListening)
	}
}

// finishTurnRecord publishes the turn event and appends the assistant reply
// to the rolling history, exactly once per turn.
func (c *Conversation) finishTurnRecord(interrupted bool) {
	if c.published || c.transcript == "" {
		return
	}
	c.published = true

	reply := strings.Join(c.replySentences, " ")
	if reply != "" {
		c.appendHistory(repositories.ChatMessage{Role: repositories.AssistantRole, Content: reply})
	}

	if c.svc.publisher == nil {
		return
	}
	turnEvent := repositories.TurnEvent{
		ID:          uuid.NewString(),
		SessionID:   c.session.ID,
		Transcript:  c.transcript,
		Reply:       reply,
		Interrupted: interrupted,
		At:          time.Now(),
	}
	if err := c.svc.publisher.Publish(context.Background(), turnEvent); err != nil {
		c.logger.Warn("Failed to publish turn event", zap.Error(err))
	}
}

func (c *Conversation) onPlaybackDone() {
	if !c.awaitingAck {
		c.logger.Debug("Ignoring playback_done outside a reply")
		return
	}
	c.finishPlayback()
}

func (c *Conversation) onAckTimeout(ev event) {
	if ev.gen != c.gen || !c.awaitingAck {
		return
	}
	c.logger.Warn("Client never acknowledged playback, forcing listening")
	c.finishPlayback()
}

func (c *Conversation) finishPlayback() {
	c.stopAckTimer()
	c.awaitingAck = false
	c.audioEndSent = false
	c.session.MuteUntil = time.Now().Add(c.svc.opts.PostPlaybackMute)
	c.session.ResetTurn()
	c.gen++
	c.setState(entities.StateListening)
}

// onInterrupt handles a client barge-in: everything the turn still has in
// flight is dropped and the session returns to listening behind a short
// mute.
func (c *Conversation) onInterrupt() {
	if c.session.State == entities.StateListening {
		return
	}
	metrics.TurnsInterrupted.Inc()
	c.session.Interrupted = true
	c.logger.Info("Turn interrupted", zap.Int("turn", c.turns))

	c.teardownTurn()
	c.finishTurnRecord(true)

	c.session.MuteUntil = time.Now().Add(c.svc.opts.PostInterruptMute)
	c.session.Interrupted = false
	c.setState(entities.StateListening)
}

func (c *Conversation) onReplyError(ev event) {
	if ev.gen != c.gen {
		return
	}
	c.logger.Error("Reply stream failed", zap.Error(ev.err))
	c.out.SendError("reply generation failed")

	c.teardownTurn()
	c.setState(entities.StateListening)
}

// teardownTurn cancels an active turn. The order is fixed: queued audio is
// dropped before the upstreams are cancelled so nothing can slip out, the
// transcriber dies before any state change, and the audio sequence is closed
// on the wire last.
func (c *Conversation) teardownTurn() {
	owesAudioEnd := c.session.AudioStarted() && !c.audioEndSent

	c.session.ResetTurn()
	c.cancelTurn()
	c.destroySpeechSession()

	if owesAudioEnd {
		if err := c.out.SendAudioEnd(); err != nil {
			c.logger.Debug("Audio end emit failed", zap.Error(err))
		}
	}

	c.stopAckTimer()
	c.awaitingAck = false
	c.audioEndSent = false
	c.gen++
}

func (c *Conversation) onDisconnect() {
	c.closed = true
	c.teardownTurn()
	c.logger.Info("Conversation ended", zap.Int("turns", c.turns))
}

func (c *Conversation) setState(next entities.SessionState) {
	if c.session.State == next {
		return
	}
	c.logger.Debug("State changed",
		zap.String("from", string(c.session.State)),
		zap.String("to", string(next)),
	)
	c.session.State = next
	if err := c.out.SendState(string(next)); err != nil {
		c.logger.Debug("State emit failed", zap.Error(err))
	}
}

func (c *Conversation) appendHistory(msg repositories.ChatMessage) {
	c.history = append(c.history, msg)
	if len(c.history) > maxHistoryMessages {
		c.history = c.history[len(c.history)-maxHistoryMessages:]
	}
}

func (c *Conversation) cancelTurn() {
	if c.turnCancel != nil {
		c.turnCancel()
		c.turnCancel = nil
	}
	c.closeSynthesisJobs()
}

func (c *Conversation) closeSynthesisJobs() {
	if c.synthesisOpen {
		close(c.synthesisJobs)
		c.synthesisOpen = false
	}
}

func (c *Conversation) destroySpeechSession() {
	if c.speechSession != nil {
		c.speechSession.Close()
		c.speechSession = nil
	}
	c.startupFrames = nil
}

func (c *Conversation) armAckTimer() {
	gen := c.gen
	c.ackTimer = time.AfterFunc(c.svc.opts.PlaybackAckTimeout, func() {
		c.post(event{kind: evAckTimeout, gen: gen})
	})
}

func (c *Conversation) stopAckTimer() {
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
}
