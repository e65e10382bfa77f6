package usecase

import (
	"strings"
	"unicode"
)

// minVisibleRunes is the shortest sentence worth synthesizing. Anything
// below it is punctuation debris left behind by the delta stream.
const minVisibleRunes = 3

func isSentenceTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// Segment splits buffer into its complete sentences and the residual partial
// sentence. A sentence ends at a run of '.', '!' or '?' followed by
// whitespace or the end of the buffer; the residual is everything after the
// last such boundary. The function is pure and idempotent: callers append
// deltas to their buffer, call Segment, enqueue the returned sentences, and
// continue with buffer = residual.
//
// Sentences with fewer than three visible characters are consumed but not
// returned, so a stray "..." never reaches synthesis.
func Segment(buffer string) (sentences []string, residual string) {
	runes := []rune(buffer)
	start := 0
	for i := 0; i < len(runes); i++ {
		if !isSentenceTerminator(runes[i]) {
			continue
		}
		for i+1 < len(runes) && isSentenceTerminator(runes[i+1]) {
			i++
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			// Mid-token punctuation, e.g. the dot in "3.14" or a URL.
			continue
		}
		sentence := strings.TrimSpace(string(runes[start : i+1]))
		if visibleRunes(sentence) >= minVisibleRunes {
			sentences = append(sentences, sentence)
		}
		start = i + 1
	}
	return sentences, string(runes[start:])
}

func visibleRunes(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
