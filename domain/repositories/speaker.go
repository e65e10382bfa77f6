package repositories

// SpeakerVerifier gates inbound microphone frames before they reach the
// transcription upstream. Verify is consulted once per frame while the
// session is listening.
type SpeakerVerifier interface {
	// Name describes the gate in the connect-time config message.
	Name() string
	Verify(pcm []byte) bool
}

// AllowAllSpeakers is the gate used when no verifier is configured: every
// frame passes.
type AllowAllSpeakers struct{}

func (AllowAllSpeakers) Name() string { return "disabled" }

func (AllowAllSpeakers) Verify([]byte) bool { return true }
