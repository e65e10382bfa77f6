package usecase

import (
	"reflect"
	"testing"
)

func TestSegment(t *testing.T) {
	tests := []struct {
		name          string
		buffer        string
		wantSentences []string
		wantResidual  string
	}{
		{
			name:          "two sentences and a partial",
			buffer:        "Hoi. Alles goed. Wat",
			wantSentences: []string{"Hoi.", "Alles goed."},
			wantResidual:  " Wat",
		},
		{
			name:          "terminator at end of buffer",
			buffer:        "Wat kan ik voor je doen?",
			wantSentences: []string{"Wat kan ik voor je doen?"},
			wantResidual:  "",
		},
		{
			name:          "no terminator",
			buffer:        "Tot zo",
			wantSentences: nil,
			wantResidual:  "Tot zo",
		},
		{
			name:          "empty buffer",
			buffer:        "",
			wantSentences: nil,
			wantResidual:  "",
		},
		{
			name:          "short fragment is consumed but not returned",
			buffer:        "a. Dat was een testje.",
			wantSentences: []string{"Dat was een testje."},
			wantResidual:  "",
		},
		{
			name:          "terminator run stays on one sentence",
			buffer:        "Echt?! Ja toch.",
			wantSentences: []string{"Echt?!", "Ja toch."},
			wantResidual:  "",
		},
		{
			name:          "decimal point is not a boundary",
			buffer:        "De waarde is 3.14 en dat klopt. Bijna",
			wantSentences: []string{"De waarde is 3.14 en dat klopt."},
			wantResidual:  " Bijna",
		},
		{
			name:          "accented runes count as visible",
			buffer:        "Hè? Oké. Nou",
			wantSentences: []string{"Hè?", "Oké."},
			wantResidual:  " Nou",
		},
		{
			name:          "exclamation inside word is kept",
			buffer:        "Dat is te gek!Echt waar",
			wantSentences: nil,
			wantResidual:  "Dat is te gek!Echt waar",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sentences, residual := Segment(tt.buffer)
			if !reflect.DeepEqual(sentences, tt.wantSentences) {
				t.Errorf("Segment() sentences = %q, want %q", sentences, tt.wantSentences)
			}
			if residual != tt.wantResidual {
				t.Errorf("Segment() residual = %q, want %q", residual, tt.wantResidual)
			}
		})
	}
}

func TestSegmentIdempotent(t *testing.T) {
	buffer := "Hoi. Alles goed. Wat kan ik"

	first, firstResidual := Segment(buffer)
	second, secondResidual := Segment(buffer)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("repeated Segment() returned %q then %q", first, second)
	}
	if firstResidual != secondResidual {
		t.Errorf("repeated Segment() residual = %q then %q", firstResidual, secondResidual)
	}

	// The residual itself must be stable under re-segmentation.
	again, againResidual := Segment(firstResidual)
	if len(again) != 0 || againResidual != firstResidual {
		t.Errorf("Segment(residual) = %q, %q; want no sentences and unchanged residual", again, againResidual)
	}
}

func TestSegmentStreamingChunks(t *testing.T) {
	// The same reply chunked differently must yield the same sentences in
	// the same order when segmented cumulatively.
	reply := "Hoi. Alles goed. Wat kan ik voor je doen?"
	want := []string{"Hoi.", "Alles goed.", "Wat kan ik voor je doen?"}

	chunkings := [][]string{
		{reply},
		{"Hoi. All", "es goed. Wat kan ik voor je doen?"},
		{"Hoi", ". ", "Alles goed", ". Wat kan ik voor je doen", "?"},
		{"H", "o", "i", ". Alles goed. Wat kan ik voor je doen?"},
	}

	for i, chunks := range chunkings {
		var got []string
		buffer := ""
		for _, chunk := range chunks {
			buffer += chunk
			sentences, residual := Segment(buffer)
			got = append(got, sentences...)
			buffer = residual
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("chunking %d: sentences = %q, want %q", i, got, want)
		}
	}
}
