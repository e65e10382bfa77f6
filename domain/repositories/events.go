package repositories

import (
	"context"
	"strconv"
	"time"
)

// TurnEvent is the record published after each completed turn: what the user
// said and what the assistant replied. Nothing is persisted by the server
// itself; downstream consumers decide what to do with it.
type TurnEvent struct {
	ID          string    `json:"id"`
	SessionID   uint64    `json:"sessionId"`
	Transcript  string    `json:"transcript"`
	Reply       string    `json:"reply"`
	Interrupted bool      `json:"interrupted"`
	At          time.Time `json:"at"`
}

// SessionKey returns the session ID as a partition key, keeping all turns of
// one session in publication order.
func (e TurnEvent) SessionKey() string {
	return strconv.FormatUint(e.SessionID, 10)
}

// TranscriptPublisher ships turn records to an external sink. Publishing is
// best-effort; failures are logged and never surface to the client.
type TranscriptPublisher interface {
	Publish(ctx context.Context, event TurnEvent) error
	Close() error
}
