package entities

import "strings"

// Utterance accumulates the finalized transcript segments of a single user
// turn. Transcription adapters append each final segment as it arrives and
// flush the joined text when the upstream signals utterance end.
type Utterance struct {
	segments []string
}

// Append adds one finalized segment. Blank segments are ignored.
func (u *Utterance) Append(segment string) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return
	}
	u.segments = append(u.segments, segment)
}

// Empty reports whether no segment has been appended since the last flush.
func (u *Utterance) Empty() bool {
	return len(u.segments) == 0
}

// Flush returns the accumulated transcript joined with single spaces and
// resets the accumulator for the next turn.
func (u *Utterance) Flush() string {
	text := strings.Join(u.segments, " ")
	u.segments = nil
	return text
}
