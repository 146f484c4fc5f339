package led

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadSequence means a morse sequence contains a character outside
// A-Z, 0-9 and space, or is too long.
var ErrBadSequence = errors.New("invalid morse sequence")

// Timing in units, per ITU morse convention: a dot is one unit, a
// dash three, the gap between elements of a letter one, between
// letters three and between words seven.
const (
	morseDotUnits        = 1
	morseDashUnits       = 3
	morseElementGapUnits = 1
	morseLetterGapUnits  = 3
	morseWordGapUnits    = 7
)

// morseTable maps A-Z then 0-9 to their dot ('.') and dash ('-')
// elements.
var morseTable = map[rune]string{
	'A': ".-", 'B': "-...", 'C': "-.-.", 'D': "-..", 'E': ".",
	'F': "..-.", 'G': "--.", 'H': "....", 'I': "..", 'J': ".---",
	'K': "-.-", 'L': ".-..", 'M': "--", 'N': "-.", 'O': "---",
	'P': ".--.", 'Q': "--.-", 'R': ".-.", 'S': "...", 'T': "-",
	'U': "..-", 'V': "...-", 'W': ".--", 'X': "-..-", 'Y': "-.--",
	'Z': "--..",
	'0': "-----", '1': ".----", '2': "..---", '3': "...--",
	'4': "....-", '5': ".....", '6': "-....", '7': "--...",
	'8': "---..", '9': "----.",
}

// morseSegment is one span of the rendered sequence: the LED held on
// or off for a number of ticks.
type morseSegment struct {
	on    bool
	ticks int
}

// morseOverlay walks a pre-expanded segment list, repeating the
// whole sequence repeatsLeft more times with a gap in between. It
// discards itself (the engine clears the slot) when exhausted.
type morseOverlay struct {
	segments       []morseSegment
	levelPercent   int
	repeatGapTicks int
	repeatsLeft    int
	cursor         int
	ticksLeft      int
	inRepeatGap    bool
}

// expandMorse renders a text sequence into on/off segments. unitTicks
// is the duration of one morse unit in render ticks.
func expandMorse(sequence string, unitTicks int) ([]morseSegment, error) {
	if unitTicks < 1 {
		unitTicks = 1
	}

	var segments []morseSegment
	gap := 0
	for _, r := range strings.ToUpper(sequence) {
		if r == ' ' {
			gap = morseWordGapUnits
			continue
		}
		elements, ok := morseTable[r]
		if !ok {
			return nil, fmt.Errorf("character %q: %w", r, ErrBadSequence)
		}
		if len(segments) > 0 {
			if gap == 0 {
				gap = morseLetterGapUnits
			}
			segments = append(segments, morseSegment{on: false, ticks: gap * unitTicks})
		}
		gap = 0
		for i, element := range elements {
			if i > 0 {
				segments = append(segments, morseSegment{on: false, ticks: morseElementGapUnits * unitTicks})
			}
			units := morseDotUnits
			if element == '-' {
				units = morseDashUnits
			}
			segments = append(segments, morseSegment{on: true, ticks: units * unitTicks})
		}
	}
	return segments, nil
}

// newMorseOverlay builds the overlay for a sequence repeated repeat
// times in total.
func newMorseOverlay(sequence string, repeat, levelPercent, unitTicks, repeatGapTicks int) (*morseOverlay, error) {
	segments, err := expandMorse(sequence, unitTicks)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("empty sequence: %w", ErrBadSequence)
	}
	if repeat < 1 {
		repeat = 1
	}
	return &morseOverlay{
		segments:       segments,
		levelPercent:   levelPercent,
		repeatGapTicks: repeatGapTicks,
		repeatsLeft:    repeat - 1,
		ticksLeft:      segments[0].ticks,
	}, nil
}

// step advances the overlay by one tick and returns the level to
// show plus whether the overlay is finished.
func (m *morseOverlay) step() (levelPercent int, done bool) {
	level := 0
	if !m.inRepeatGap && m.segments[m.cursor].on {
		level = m.levelPercent
	}

	m.ticksLeft--
	if m.ticksLeft > 0 {
		return level, false
	}

	if m.inRepeatGap {
		m.inRepeatGap = false
		m.cursor = 0
		m.ticksLeft = m.segments[0].ticks
		return level, false
	}

	m.cursor++
	if m.cursor < len(m.segments) {
		m.ticksLeft = m.segments[m.cursor].ticks
		return level, false
	}

	if m.repeatsLeft > 0 {
		m.repeatsLeft--
		if m.repeatGapTicks > 0 {
			m.inRepeatGap = true
			m.ticksLeft = m.repeatGapTicks
		} else {
			m.cursor = 0
			m.ticksLeft = m.segments[0].ticks
		}
		return level, false
	}

	return level, true
}
