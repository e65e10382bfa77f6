package websocket

// Typed senders used by the conversation pipeline. They keep the wire
// encoding in this package so callers never touch message structs directly.

// SendState notifies the client of a session state change.
func (c *Client) SendState(state string) error {
	return c.Send(NewStateMessage(state))
}

// SendTranscript forwards the finalized user utterance.
func (c *Client) SendTranscript(text string) error {
	return c.Send(NewTranscriptMessage(text))
}

// SendAudioChunk ships one synthesized sentence with its emission index.
func (c *Client) SendAudioChunk(index int, pcm []byte) error {
	return c.Send(NewAudioMessage(index, pcm))
}

// SendAudioEnd marks the end of the current reply's audio.
func (c *Client) SendAudioEnd() error {
	return c.Send(NewAudioEndMessage())
}

// SendError reports a recoverable failure to the client.
func (c *Client) SendError(reason string) error {
	return c.Send(NewErrorMessage(reason))
}
