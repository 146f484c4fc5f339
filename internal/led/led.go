// Package led animates the two indicator LEDs. A dedicated render
// tick computes each channel's level every period and writes it to
// the PWM layer; commands arrive as messages on the engine's queue
// and their handlers mutate the same state under the same mutex the
// render tick holds, so a command is only ever visible between
// complete ticks.
package led

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/RobMeades/watchdog-sub000/internal/config"
	"github.com/RobMeades/watchdog-sub000/internal/debug"
	"github.com/RobMeades/watchdog-sub000/internal/msg"
)

// ErrBadChannel means the channel value is not Left, Right or Both.
var ErrBadChannel = errors.New("unknown LED channel")

// Channel identifies an LED; Both addresses the pair.
type Channel int

const (
	Left Channel = iota
	Right
	numChannels
	Both = numChannels
)

func (c Channel) String() string {
	switch c {
	case Left:
		return "left"
	case Right:
		return "right"
	case Both:
		return "both"
	default:
		return "unknown"
	}
}

// Message types of the engine's command queue.
const (
	msgModeConstant msg.Type = iota
	msgModeBreathe
	msgOverlayMorse
	msgOverlayWink
	msgOverlayRandomBlink
	msgLevelScale
)

// sinePercent is a quarter sine wave scaled to 100. At the default
// 20 ms render tick these 50 entries take one second, so a full
// mirrored wave is 4 Hertz before rate scaling.
var sinePercent = [...]int{
	0, 3, 6, 9, 13, 16, 19, 22, 25, 28,
	31, 34, 37, 40, 43, 45, 48, 51, 54, 56,
	59, 61, 64, 66, 68, 71, 73, 75, 77, 79,
	81, 83, 84, 86, 88, 89, 90, 92, 93, 94,
	95, 96, 97, 98, 99, 99, 100, 100, 100, 100,
}

// DutyWriter is the slice of the GPIO pin layer the engine needs.
type DutyWriter interface {
	SetDuty(pin int, percent int) error
}

// ramp carries an in-progress linear level change: step by
// changePercent every changeInterval ticks, starting no earlier than
// changeStartTick, until the level reaches targetPercent.
type ramp struct {
	targetPercent   int
	changeStartTick uint64
	changeInterval  uint64
	changePercent   int
}

// rampPlan computes the per-step increment and the interval between
// steps so the level covers current..target within rampTicks. The
// increment is rounded away from zero so the ramp always completes.
func rampPlan(target, current, rampTicks int) (interval uint64, change int) {
	diff := target - current
	if diff == 0 {
		return 0, 0
	}
	if rampTicks <= 0 {
		return 0, diff
	}
	abs := diff
	if abs < 0 {
		abs = -abs
	}
	if abs >= rampTicks {
		change = diff / rampTicks
		if diff%rampTicks != 0 {
			if diff > 0 {
				change++
			} else {
				change--
			}
		}
		return 1, change
	}
	change = 1
	if diff < 0 {
		change = -1
	}
	return uint64(rampTicks / abs), change
}

type modeType int

const (
	modeConstant modeType = iota
	modeBreathe
)

// winkOverlay forces a channel dark for its remaining ticks.
type winkOverlay struct {
	ticksLeft int
}

// randomBlinkOverlay forces all channels dark for durationTicks at a
// randomized interval; channel-independent.
type randomBlinkOverlay struct {
	intervalTicks uint64
	rangeTicks    uint64
	durationTicks uint64
	lastBlinkTick uint64
}

// channelState is everything the render tick needs for one LED.
type channelState struct {
	pin          int
	mode         modeType
	levelPercent int
	lastChange   uint64
	level        ramp

	// breathe parameters
	rateMilliHertz   int
	amplitudePercent int
	offsetTicks      int64

	// level scale, with its own ramp
	scalePercent    int
	scale           ramp
	scaleLastChange uint64

	morse *morseOverlay
	wink  *winkOverlay
}

// Engine owns all LED state. Create with NewEngine, start the render
// tick with Start and tear down with Stop.
type Engine struct {
	pins    DutyWriter
	sys     *msg.System
	queueID int
	tick    time.Duration
	tickMs  int
	maxLen  int

	mu          sync.Mutex
	nowTick     uint64
	channels    [numChannels]channelState
	randomBlink *randomBlinkOverlay
	rng         *rand.Rand

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewEngine creates the engine, its command queue and handlers. The
// render tick is not running until Start.
func NewEngine(pins DutyWriter, sys *msg.System, cfg config.LedConfig, pinCfg config.PinsConfig) (*Engine, error) {
	e := &Engine{
		pins:   pins,
		sys:    sys,
		tick:   time.Duration(cfg.TickMs) * time.Millisecond,
		tickMs: cfg.TickMs,
		maxLen: cfg.MorseMaxLen,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:   make(chan struct{}),
	}
	e.channels[Left].pin = pinCfg.EyeLeft
	e.channels[Right].pin = pinCfg.EyeRight
	for ch := range e.channels {
		e.channels[ch].scalePercent = 100
		e.channels[ch].scale.targetPercent = 100
	}

	queueID, err := sys.StartQueue("LED", cfg.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("led: start command queue: %w", err)
	}
	e.queueID = queueID

	handlers := []struct {
		msgType msg.Type
		handler msg.HandlerFunc
	}{
		{msgModeConstant, e.handleModeConstant},
		{msgModeBreathe, e.handleModeBreathe},
		{msgOverlayMorse, e.handleOverlayMorse},
		{msgOverlayWink, e.handleOverlayWink},
		{msgOverlayRandomBlink, e.handleOverlayRandomBlink},
		{msgLevelScale, e.handleLevelScale},
	}
	for _, h := range handlers {
		if err := sys.AddHandler(queueID, h.msgType, h.handler, nil); err != nil {
			sys.StopQueue(queueID)
			return nil, fmt.Errorf("led: add handler: %w", err)
		}
	}
	return e, nil
}

// Start launches the render tick.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true
	e.wg.Add(1)
	go e.renderLoop()
}

// Stop halts the render tick and the command queue. Both LEDs are
// left dark.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	if err := e.sys.StopQueue(e.queueID); err != nil {
		debug.Error(err)
	}
	close(e.stop)
	e.wg.Wait()
	e.started = false

	for ch := range e.channels {
		e.pins.SetDuty(e.channels[ch].pin, 0)
	}
}

func (e *Engine) renderLoop() {
	defer e.wg.Done()
	debug.Trace("LED loop has started")

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			debug.Trace("LED loop has exited")
			return
		case <-ticker.C:
			e.mu.Lock()
			e.renderTick()
			e.mu.Unlock()
		}
	}
}

// renderTick advances all animation state by one tick and writes the
// resulting duty to each channel's pin. Must be called with the
// state mutex held.
func (e *Engine) renderTick() {
	blinkLevel := e.randomBlinkLevel()

	for ch := range e.channels {
		st := &e.channels[ch]
		e.advanceScale(st)

		// A wink burns down in real time even while morse or a blink
		// outranks it for the tick's level.
		wink := st.wink
		if wink != nil {
			wink.ticksLeft--
			if wink.ticksLeft <= 0 {
				st.wink = nil
			}
		}

		level := -1
		if st.morse != nil {
			// Morse fully overrides everything else on the channel.
			morseLevel, done := st.morse.step()
			level = morseLevel
			if done {
				st.morse = nil
				debug.Verbose("LED %s morse sequence finished", Channel(ch))
			}
		} else if blinkLevel >= 0 {
			level = blinkLevel
		} else if wink != nil {
			level = 0
		} else {
			level = e.modeLevel(Channel(ch), st)
		}

		if level >= 0 {
			level = limitLevel(level * st.scalePercent / 100)
			if err := e.pins.SetDuty(st.pin, level); err != nil {
				debug.Error(fmt.Errorf("led %s: %w", Channel(ch), err))
			}
		}
	}

	e.nowTick++
}

// randomBlinkLevel returns 0 while a blink is in force, otherwise -1.
func (e *Engine) randomBlinkLevel() int {
	b := e.randomBlink
	if b == nil {
		return -1
	}
	if b.lastBlinkTick > 0 && b.lastBlinkTick < e.nowTick &&
		e.nowTick-b.lastBlinkTick < b.durationTicks {
		return 0
	}
	jitter := uint64(0)
	if b.rangeTicks > 0 {
		jitter = uint64(e.rng.Int63n(int64(b.rangeTicks)))
	}
	if e.nowTick > b.lastBlinkTick+b.intervalTicks+jitter-b.rangeTicks/2 {
		b.lastBlinkTick = e.nowTick
		return 0
	}
	return -1
}

// modeLevel advances the channel's ramp and returns the level its
// mode produces this tick.
func (e *Engine) modeLevel(ch Channel, st *channelState) int {
	if st.levelPercent != st.level.targetPercent &&
		e.nowTick >= st.level.changeStartTick &&
		e.nowTick-st.lastChange >= st.level.changeInterval {
		st.levelPercent = rampStep(st.levelPercent, &st.level)
		st.lastChange = e.nowTick
	}

	if st.mode != modeBreathe || st.amplitudePercent == 0 || st.rateMilliHertz <= 0 {
		return st.levelPercent
	}

	// Breathe: modulate the ramping average with the mirrored
	// quarter-wave sine table, scaled to the requested rate and
	// offset to stagger the two channels.
	quarter := len(sinePercent)
	index := int64(e.nowTick)
	if st.offsetTicks > 0 && ch == Right {
		index += st.offsetTicks
	} else if st.offsetTicks < 0 && ch == Left {
		index += -st.offsetTicks
	}
	tableHertz := (1000 / e.tickMs) * 4 / quarter
	index *= int64(tableHertz * 1000 / st.rateMilliHertz)
	index %= int64(quarter * 4)

	i := int(index)
	multiplier := 1
	if i >= quarter*2 {
		multiplier = -1
		if i >= quarter*3 {
			i = (quarter - 1) - (i % quarter)
		} else {
			i = i % quarter
		}
	} else if i >= quarter {
		i = (quarter - 1) - (i % quarter)
	}

	return limitLevel(st.levelPercent + st.amplitudePercent*sinePercent[i]*multiplier/100)
}

// advanceScale moves the channel's level scale along its own ramp.
func (e *Engine) advanceScale(st *channelState) {
	if st.scalePercent != st.scale.targetPercent &&
		e.nowTick >= st.scale.changeStartTick &&
		e.nowTick-st.scaleLastChange >= st.scale.changeInterval {
		st.scalePercent = rampStep(st.scalePercent, &st.scale)
		st.scaleLastChange = e.nowTick
	}
}

// rampStep applies one increment of a ramp, clamping at the target
// and at the 0..100 bounds, and retires the ramp when done.
func rampStep(current int, r *ramp) int {
	next := current + r.changePercent
	if (r.changePercent > 0 && next > r.targetPercent) ||
		(r.changePercent < 0 && next < r.targetPercent) {
		next = r.targetPercent
	}
	next = limitLevel(next)
	if next == r.targetPercent {
		r.changeInterval = 0
		r.changePercent = 0
	}
	return next
}

func limitLevel(levelPercent int) int {
	if levelPercent > 100 {
		return 100
	}
	if levelPercent < 0 {
		return 0
	}
	return levelPercent
}

func (e *Engine) msToTicks(ms int) int {
	return ms / e.tickMs
}

// changeStartTick staggers the start of a change applied to both
// channels by the left-to-right offset.
func (e *Engine) changeStartTick(target, addressed Channel, offsetMs int) uint64 {
	start := e.nowTick
	if addressed == Both && offsetMs != 0 {
		offsetTicks := e.msToTicks(offsetMs)
		if offsetTicks > 0 && target == Right {
			start += uint64(offsetTicks)
		} else if offsetTicks < 0 && target == Left {
			start += uint64(-offsetTicks)
		}
	}
	return start
}

// forEach runs fn for the addressed channel or, for Both, each
// channel in turn.
func (e *Engine) forEach(ch Channel, fn func(target Channel, st *channelState)) {
	if ch == Both {
		for x := range e.channels {
			fn(Channel(x), &e.channels[x])
		}
		return
	}
	fn(ch, &e.channels[ch])
}

func validChannel(ch Channel) error {
	if ch < Left || ch > Both {
		return fmt.Errorf("channel %d: %w", ch, ErrBadChannel)
	}
	return nil
}
