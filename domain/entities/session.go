package entities

import (
	"sync/atomic"
	"time"
)

// SessionState is the conversation pipeline state. Transitions happen only on
// the session's controller goroutine.
type SessionState string

const (
	StateListening  SessionState = "listening"
	StateProcessing SessionState = "processing"
	StateSpeaking   SessionState = "speaking"
)

// SlotState tracks the lifecycle of one synthesis slot.
type SlotState int

const (
	SlotReserved SlotState = iota
	SlotReady
	SlotFailed
)

// TtsSlot is one reserved position in the ordered output sequence, filled by
// one synthesis job. Audio is raw PCM S16LE, 16 kHz, mono.
type TtsSlot struct {
	Index int
	State SlotState
	Text  string
	Audio []byte
}

var sessionCounter atomic.Uint64

// Session holds the per-connection pipeline state: the conversation state,
// the echo mute window, and the bookkeeping for the current turn's ordered
// synthesis queue. All mutation happens on the owning controller goroutine,
// so there is no locking here.
type Session struct {
	ID          uint64
	State       SessionState
	Interrupted bool
	MuteUntil   time.Time

	queue         []TtsSlot
	nextEmitIndex int
	pendingTts    int
	llmDone       bool
	audioStarted  bool
}

// NewSession allocates a session in the listening state with a
// process-unique monotonic id.
func NewSession() *Session {
	return &Session{
		ID:    sessionCounter.Add(1),
		State: StateListening,
	}
}

// ResetTurn clears all per-turn bookkeeping. Called when a turn starts and
// when a turn is torn down (interrupt, per-turn upstream failure).
func (s *Session) ResetTurn() {
	s.queue = nil
	s.nextEmitIndex = 0
	s.pendingTts = 0
	s.llmDone = false
	s.audioStarted = false
}

// ReserveSlot appends a reserved slot for one sentence and returns its index.
// Slots are reserved in submission order; emission follows the same order.
func (s *Session) ReserveSlot(text string) int {
	index := len(s.queue)
	s.queue = append(s.queue, TtsSlot{Index: index, State: SlotReserved, Text: text})
	s.pendingTts++
	return index
}

// CompleteSlot marks a reserved slot ready with its synthesized audio.
// Completions for slots outside the current queue are ignored.
func (s *Session) CompleteSlot(index int, audio []byte) bool {
	if index < 0 || index >= len(s.queue) || s.queue[index].State != SlotReserved {
		return false
	}
	s.queue[index].State = SlotReady
	s.queue[index].Audio = audio
	s.pendingTts--
	return true
}

// FailSlot marks a reserved slot failed. Emission will skip it without
// producing an audio message, but the emit index still advances past it.
func (s *Session) FailSlot(index int) bool {
	if index < 0 || index >= len(s.queue) || s.queue[index].State != SlotReserved {
		return false
	}
	s.queue[index].State = SlotFailed
	s.queue[index].Audio = nil
	s.pendingTts--
	return true
}

// PopEmittable returns the next slot in submission order if it has resolved,
// advancing the emit index. It never steps past a still-reserved slot; that
// is what keeps audio order equal to submission order.
func (s *Session) PopEmittable() (TtsSlot, bool) {
	if s.nextEmitIndex >= len(s.queue) {
		return TtsSlot{}, false
	}
	slot := s.queue[s.nextEmitIndex]
	if slot.State == SlotReserved {
		return TtsSlot{}, false
	}
	s.nextEmitIndex++
	if slot.State == SlotReady {
		s.audioStarted = true
	}
	return slot, true
}

// MarkLlmDone records that the reply stream has finished and no further
// slots will be reserved this turn.
func (s *Session) MarkLlmDone() {
	s.llmDone = true
}

// TurnDrained reports whether the turn's output is complete: the reply
// stream ended, every synthesis job resolved, and every slot was emitted or
// skipped.
func (s *Session) TurnDrained() bool {
	return s.llmDone && s.pendingTts == 0 && s.nextEmitIndex == len(s.queue)
}

// AudioStarted reports whether at least one audio message was emitted this
// turn. It decides both the speaking transition and whether the turn owes
// the client an audio_end.
func (s *Session) AudioStarted() bool {
	return s.audioStarted
}

// QueueLen returns the number of slots reserved this turn.
func (s *Session) QueueLen() int {
	return len(s.queue)
}

// PendingTts returns the number of unresolved synthesis jobs.
func (s *Session) PendingTts() int {
	return s.pendingTts
}

// NextEmitIndex returns the index of the next slot to emit.
func (s *Session) NextEmitIndex() int {
	return s.nextEmitIndex
}

// Muted reports whether inbound audio at instant now falls inside the echo
// mute window.
func (s *Session) Muted(now time.Time) bool {
	return now.Before(s.MuteUntil)
}
