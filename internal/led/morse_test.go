package led

import (
	"errors"
	"testing"
)

func totalTicks(segments []morseSegment) int {
	total := 0
	for _, s := range segments {
		total += s.ticks
	}
	return total
}

func TestExpandMorse(t *testing.T) {
	tests := []struct {
		sequence string
		segments int
		ticks    int
	}{
		// E is one dot.
		{"E", 1, 1},
		// T is one dash.
		{"T", 1, 3},
		// A is dot gap dash, 1+1+3.
		{"A", 3, 5},
		// Two words: E, 7-tick word gap, E.
		{"E E", 3, 9},
		// Lower case is accepted.
		{"e", 1, 1},
		// SOS: 5+3+11+3+5 ticks.
		{"SOS", 17, 27},
	}
	for _, tt := range tests {
		segments, err := expandMorse(tt.sequence, 1)
		if err != nil {
			t.Fatalf("expandMorse(%q): %v", tt.sequence, err)
		}
		if len(segments) != tt.segments {
			t.Errorf("%q: %d segments, want %d", tt.sequence, len(segments), tt.segments)
		}
		if got := totalTicks(segments); got != tt.ticks {
			t.Errorf("%q: %d ticks, want %d", tt.sequence, got, tt.ticks)
		}
	}

	if _, err := expandMorse("S.O.S", 1); !errors.Is(err, ErrBadSequence) {
		t.Errorf("punctuation: got %v, want ErrBadSequence", err)
	}
}

func TestMorseOverlayRepeats(t *testing.T) {
	// A dot, repeated three times with a 2-tick gap in between:
	// on, gap 2, on, gap 2, on then done. 9 ticks in total.
	overlay, err := newMorseOverlay("E", 3, 100, 1, 2)
	if err != nil {
		t.Fatalf("newMorseOverlay: %v", err)
	}

	var levels []int
	for i := 0; i < 20; i++ {
		level, done := overlay.step()
		levels = append(levels, level)
		if done {
			break
		}
	}

	want := []int{100, 0, 0, 100, 0, 0, 100}
	if len(levels) != len(want) {
		t.Fatalf("overlay ran %d tick(s), want %d", len(levels), len(want))
	}
	for i, w := range want {
		if levels[i] != w {
			t.Errorf("tick %d: level %d, want %d", i, levels[i], w)
		}
	}
}
