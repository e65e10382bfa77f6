package websocket

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the type discriminant carried by every frame.
type MessageType string

// Client → server message types.
const (
	MessageTypeAudio        MessageType = "audio"
	MessageTypePlaybackDone MessageType = "playback_done"
	MessageTypeInterrupt    MessageType = "interrupt"
	MessageTypePing         MessageType = "ping"
)

// Server → client message types.
const (
	MessageTypeConfig     MessageType = "config"
	MessageTypeState      MessageType = "state"
	MessageTypeTranscript MessageType = "transcript"
	MessageTypeAudioEnd   MessageType = "audio_end"
	MessageTypeError      MessageType = "error"
	MessageTypePong       MessageType = "pong"
)

// ProtocolVersion is advertised in the connect-time config message.
const ProtocolVersion = 1

// Outbound audio is always raw PCM S16LE, 16 kHz, mono; one message per
// synthesized sentence.
const (
	AudioFormat     = "pcm_s16le"
	AudioSampleRate = 16000
	AudioChannels   = 1
)

// CloseCodeBackpressure is sent when a connection's unflushed outbound bytes
// exceed the high watermark. Closing keeps the slot indexing consistent;
// silently dropping a chunk would desynchronize the client.
const CloseCodeBackpressure = 4008

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrEmptyAudioPayload  = errors.New("audio message without data")
)

// Inbound is one decoded client frame. PCM is populated for audio messages
// only.
type Inbound struct {
	Type MessageType
	PCM  []byte
}

type inboundEnvelope struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

// DecodeInbound parses one client frame. Protocol violations (bad JSON,
// unknown type, undecodable audio payload) come back as errors; the caller
// reports them on the connection without changing session state.
func DecodeInbound(raw []byte) (*Inbound, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch envelope.Type {
	case MessageTypeAudio:
		if envelope.Data == "" {
			return nil, ErrEmptyAudioPayload
		}
		pcm, err := base64.StdEncoding.DecodeString(envelope.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: bad base64 audio: %v", ErrMalformedMessage, err)
		}
		return &Inbound{Type: MessageTypeAudio, PCM: pcm}, nil

	case MessageTypePlaybackDone, MessageTypeInterrupt, MessageTypePing:
		return &Inbound{Type: envelope.Type}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, envelope.Type)
	}
}

// ConfigMessage is sent once, immediately after the connection is accepted.
type ConfigMessage struct {
	Type                MessageType `json:"type"`
	Version             int         `json:"version"`
	STT                 string      `json:"stt"`
	TTS                 string      `json:"tts"`
	SpeakerVerification string      `json:"speakerVerification"`
	Backend             string      `json:"backend"`
}

// NewConfigMessage builds the connect-time descriptor from the provider
// names the server was started with.
func NewConfigMessage(stt, tts, speakerVerification, backend string) *ConfigMessage {
	return &ConfigMessage{
		Type:                MessageTypeConfig,
		Version:             ProtocolVersion,
		STT:                 stt,
		TTS:                 tts,
		SpeakerVerification: speakerVerification,
		Backend:             backend,
	}
}

// StateMessage announces a pipeline state transition.
type StateMessage struct {
	Type  MessageType `json:"type"`
	State string      `json:"state"`
}

func NewStateMessage(state string) *StateMessage {
	return &StateMessage{Type: MessageTypeState, State: state}
}

// TranscriptMessage carries the finalized user utterance, informational
// only.
type TranscriptMessage struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

func NewTranscriptMessage(text string) *TranscriptMessage {
	return &TranscriptMessage{Type: MessageTypeTranscript, Text: text}
}

// AudioMessage carries one synthesized sentence. Index is the slot number;
// clients must observe strictly increasing indexes within a turn.
type AudioMessage struct {
	Type       MessageType `json:"type"`
	Format     string      `json:"format"`
	SampleRate int         `json:"sampleRate"`
	Channels   int         `json:"channels"`
	Data       string      `json:"data"`
	Index      int         `json:"index"`
}

func NewAudioMessage(index int, pcm []byte) *AudioMessage {
	return &AudioMessage{
		Type:       MessageTypeAudio,
		Format:     AudioFormat,
		SampleRate: AudioSampleRate,
		Channels:   AudioChannels,
		Data:       base64.StdEncoding.EncodeToString(pcm),
		Index:      index,
	}
}

// AudioEndMessage closes the current turn's audio stream.
type AudioEndMessage struct {
	Type MessageType `json:"type"`
}

func NewAudioEndMessage() *AudioEndMessage {
	return &AudioEndMessage{Type: MessageTypeAudioEnd}
}

// ErrorMessage reports a recoverable failure to the client.
type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

func NewErrorMessage(reason string) *ErrorMessage {
	return &ErrorMessage{Type: MessageTypeError, Error: reason}
}

// PongMessage answers a client ping.
type PongMessage struct {
	Type MessageType `json:"type"`
}

func NewPongMessage() *PongMessage {
	return &PongMessage{Type: MessageTypePong}
}
