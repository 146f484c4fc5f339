package led

import (
	"context"
	"fmt"
	"time"

	"github.com/RobMeades/watchdog-sub000/internal/debug"
)

// applySpec says which channel(s) a command addresses and, when Both,
// the left-to-right stagger in milliseconds (negative to lead with
// the right channel).
type applySpec struct {
	ch       Channel
	offsetMs int
}

type modeConstantMsg struct {
	apply        applySpec
	levelPercent int
	rampMs       int
}

type modeBreatheMsg struct {
	apply            applySpec
	rateMilliHertz   int
	avgPercent       int
	amplitudePercent int
	rampMs           int
}

type overlayMorseMsg struct {
	apply        applySpec
	sequence     string
	repeat       int
	levelPercent int
	unitMs       int
	repeatGapMs  int
}

type overlayWinkMsg struct {
	ch         Channel
	durationMs int
}

type overlayRandomBlinkMsg struct {
	ratePerMinute int
	rangeSeconds  int
	durationMs    int
}

type levelScaleMsg struct {
	ch      Channel
	percent int
	rampMs  int
}

// SetConstant commands a constant brightness, ramped from the
// current level over rampMs.
func (e *Engine) SetConstant(ch Channel, offsetMs, levelPercent, rampMs int) error {
	if err := validChannel(ch); err != nil {
		return err
	}
	_, err := e.sys.Push(e.queueID, msgModeConstant, modeConstantMsg{
		apply:        applySpec{ch: ch, offsetMs: offsetMs},
		levelPercent: limitLevel(levelPercent),
		rampMs:       rampMs,
	})
	return err
}

// SetBreathe commands a rhythmic brightness variation of the given
// rate and amplitude around a ramped average.
func (e *Engine) SetBreathe(ch Channel, offsetMs, rateMilliHertz, avgPercent, amplitudePercent, rampMs int) error {
	if err := validChannel(ch); err != nil {
		return err
	}
	if rateMilliHertz < 0 {
		return fmt.Errorf("led: breathe rate %d milliHertz must be >= 0", rateMilliHertz)
	}
	_, err := e.sys.Push(e.queueID, msgModeBreathe, modeBreatheMsg{
		apply:            applySpec{ch: ch, offsetMs: offsetMs},
		rateMilliHertz:   rateMilliHertz,
		avgPercent:       limitLevel(avgPercent),
		amplitudePercent: limitLevel(amplitudePercent),
		rampMs:           rampMs,
	})
	return err
}

// SetMorse overlays a morse sequence on the channel, replacing its
// mode output until the sequence and its repeats complete. An empty
// sequence cancels a running overlay.
func (e *Engine) SetMorse(ch Channel, sequence string, repeat, levelPercent, unitMs, repeatGapMs int) error {
	if err := validChannel(ch); err != nil {
		return err
	}
	if len(sequence) > e.maxLen {
		return fmt.Errorf("led: morse sequence of %d characters exceeds %d: %w",
			len(sequence), e.maxLen, ErrBadSequence)
	}
	if sequence != "" {
		// Validate up front so the caller learns of a bad sequence
		// synchronously rather than from a log line.
		if _, err := expandMorse(sequence, 1); err != nil {
			return fmt.Errorf("led: %w", err)
		}
	}
	_, err := e.sys.Push(e.queueID, msgOverlayMorse, overlayMorseMsg{
		apply:        applySpec{ch: ch},
		sequence:     sequence,
		repeat:       repeat,
		levelPercent: limitLevel(levelPercent),
		unitMs:       unitMs,
		repeatGapMs:  repeatGapMs,
	})
	return err
}

// SetWink switches the channel off for durationMs, then reverts to
// its mode.
func (e *Engine) SetWink(ch Channel, durationMs int) error {
	if err := validChannel(ch); err != nil {
		return err
	}
	_, err := e.sys.Push(e.queueID, msgOverlayWink, overlayWinkMsg{
		ch:         ch,
		durationMs: durationMs,
	})
	return err
}

// SetRandomBlink switches both channels off for durationMs roughly
// ratePerMinute times a minute, jittered by up to rangeSeconds. A
// rate of zero cancels the overlay.
func (e *Engine) SetRandomBlink(ratePerMinute, rangeSeconds, durationMs int) error {
	if ratePerMinute < 0 || rangeSeconds < 0 || durationMs < 0 {
		return fmt.Errorf("led: blink rate %d/min, range %d s and duration %d ms must all be >= 0",
			ratePerMinute, rangeSeconds, durationMs)
	}
	_, err := e.sys.Push(e.queueID, msgOverlayRandomBlink, overlayRandomBlinkMsg{
		ratePerMinute: ratePerMinute,
		rangeSeconds:  rangeSeconds,
		durationMs:    durationMs,
	})
	return err
}

// ScaleLevel scales the channel's final output, ramped over rampMs.
// 100 is no scaling.
func (e *Engine) ScaleLevel(ch Channel, percent, rampMs int) error {
	if err := validChannel(ch); err != nil {
		return err
	}
	_, err := e.sys.Push(e.queueID, msgLevelScale, levelScaleMsg{
		ch:      ch,
		percent: limitLevel(percent),
		rampMs:  rampMs,
	})
	return err
}

// Levels returns the current base level of each channel, before
// breathe modulation and overlays.
func (e *Engine) Levels() (left, right int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[Left].levelPercent, e.channels[Right].levelPercent
}

func (e *Engine) handleModeConstant(payload any) {
	m := payload.(modeConstantMsg)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.forEach(m.apply.ch, func(target Channel, st *channelState) {
		st.mode = modeConstant
		st.level.targetPercent = m.levelPercent
		st.level.changeStartTick = e.changeStartTick(target, m.apply.ch, m.apply.offsetMs)
		st.level.changeInterval, st.level.changePercent =
			rampPlan(m.levelPercent, st.levelPercent, e.msToTicks(m.rampMs))
		debug.Verbose("LED %s constant %d%% (ramp %d ms, start tick %d)",
			target, m.levelPercent, m.rampMs, st.level.changeStartTick)
	})
}

func (e *Engine) handleModeBreathe(payload any) {
	m := payload.(modeBreatheMsg)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.forEach(m.apply.ch, func(target Channel, st *channelState) {
		st.mode = modeBreathe
		st.rateMilliHertz = m.rateMilliHertz
		st.amplitudePercent = m.amplitudePercent
		// The phase offset staggers the pair; a single-channel
		// command runs unshifted.
		st.offsetTicks = 0
		if m.apply.ch == Both {
			st.offsetTicks = int64(e.msToTicks(m.apply.offsetMs))
		}
		st.level.targetPercent = m.avgPercent
		st.level.changeStartTick = e.changeStartTick(target, m.apply.ch, m.apply.offsetMs)
		st.level.changeInterval, st.level.changePercent =
			rampPlan(m.avgPercent, st.levelPercent, e.msToTicks(m.rampMs))
		debug.Verbose("LED %s breathe %d%% +/-%d%% at %d milliHertz (ramp %d ms)",
			target, m.avgPercent, m.amplitudePercent, m.rateMilliHertz, m.rampMs)
	})
}

func (e *Engine) handleOverlayMorse(payload any) {
	m := payload.(overlayMorseMsg)

	e.mu.Lock()
	defer e.mu.Unlock()
	if m.sequence == "" {
		e.forEach(m.apply.ch, func(target Channel, st *channelState) {
			st.morse = nil
		})
		return
	}

	unitTicks := e.msToTicks(m.unitMs)
	overlay, err := newMorseOverlay(m.sequence, m.repeat, m.levelPercent,
		unitTicks, e.msToTicks(m.repeatGapMs))
	if err != nil {
		debug.Error(fmt.Errorf("led: morse overlay: %w", err))
		return
	}
	e.forEach(m.apply.ch, func(target Channel, st *channelState) {
		// Each channel advances its own cursor.
		o := *overlay
		st.morse = &o
		debug.Verbose("LED %s morse %q x%d at %d%%", target, m.sequence, m.repeat, m.levelPercent)
	})
}

func (e *Engine) handleOverlayWink(payload any) {
	m := payload.(overlayWinkMsg)

	ticks := e.msToTicks(m.durationMs)
	if ticks < 1 {
		ticks = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.forEach(m.ch, func(target Channel, st *channelState) {
		st.wink = &winkOverlay{ticksLeft: ticks}
	})
}

func (e *Engine) handleOverlayRandomBlink(payload any) {
	m := payload.(overlayRandomBlinkMsg)

	e.mu.Lock()
	defer e.mu.Unlock()
	if m.ratePerMinute <= 0 {
		e.randomBlink = nil
		return
	}

	b := &randomBlinkOverlay{
		intervalTicks: uint64(e.msToTicks(60 * 1000 / m.ratePerMinute)),
		rangeTicks:    uint64(e.msToTicks(m.rangeSeconds * 1000)),
		durationTicks: uint64(e.msToTicks(m.durationMs)),
	}
	// Start half a range into the future so the jittered trigger
	// calculation cannot underrun.
	b.lastBlinkTick = e.nowTick + b.rangeTicks/2
	e.randomBlink = b
}

func (e *Engine) handleLevelScale(payload any) {
	m := payload.(levelScaleMsg)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.forEach(m.ch, func(target Channel, st *channelState) {
		st.scale.targetPercent = m.percent
		st.scale.changeStartTick = e.nowTick
		st.scale.changeInterval, st.scale.changePercent =
			rampPlan(m.percent, st.scalePercent, e.msToTicks(m.rampMs))
	})
}

// Test runs the visual self-test sequence: constant, random blink,
// staggered and independent breathing, then ramped constants. It
// blocks for around a minute and stops early if the context is
// cancelled.
func (e *Engine) Test(ctx context.Context) error {
	debug.Section("LED test")

	steps := []struct {
		what  string
		run   func() error
		pause time.Duration
	}{
		{"both LEDs on at 100%", func() error {
			return e.SetConstant(Both, 0, 100, 3000)
		}, 5 * time.Second},
		{"blinking for 15 seconds", func() error {
			return e.SetRandomBlink(10, 2, 100)
		}, 15 * time.Second},
		{"blinking off, LEDs dark", func() error {
			if err := e.SetRandomBlink(0, 0, 0); err != nil {
				return err
			}
			return e.SetConstant(Both, 0, 0, 0)
		}, 2 * time.Second},
		{"breathe, ramped up, left ahead of right", func() error {
			return e.SetBreathe(Both, 1000, 1000, 50, 50, 1000)
		}, 5 * time.Second},
		{"breathe in sync", func() error {
			return e.SetBreathe(Both, 0, 1000, 50, 50, 1000)
		}, 5 * time.Second},
		{"left ramped down, smaller amplitude, faster", func() error {
			return e.SetBreathe(Left, 0, 2000, 0, 15, 5000)
		}, 5 * time.Second},
		{"left off", func() error {
			return e.SetBreathe(Left, 0, 1000, 0, 0, 0)
		}, time.Second},
		{"right ramped down, larger amplitude, slower", func() error {
			return e.SetBreathe(Right, 0, 500, 0, 70, 5000)
		}, 5 * time.Second},
		{"right off", func() error {
			return e.SetBreathe(Right, 0, 1000, 0, 0, 0)
		}, time.Second},
		{"constant, ramped up over a second, left ahead of right", func() error {
			return e.SetConstant(Both, 1000, 100, 1000)
		}, 2 * time.Second},
		{"left ramped down", func() error {
			return e.SetConstant(Left, 0, 0, 1000)
		}, 2 * time.Second},
		{"right ramped down", func() error {
			return e.SetConstant(Right, 0, 0, 1000)
		}, 2 * time.Second},
		{"both off", func() error {
			return e.SetConstant(Both, 0, 0, 0)
		}, time.Second},
	}

	for i, step := range steps {
		debug.Step(i+1, step.what)
		if err := step.run(); err != nil {
			return fmt.Errorf("led test (%s): %w", step.what, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step.pause):
		}
	}

	debug.Info("LED test completed")
	return nil
}
