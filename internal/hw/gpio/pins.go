package gpio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RobMeades/watchdog-sub000/internal/debug"
)

var (
	// ErrUnknownPin means the pin was never configured.
	ErrUnknownPin = errors.New("pin not configured")
	// ErrNotInput means a read was attempted on a non-input pin.
	ErrNotInput = errors.New("pin not configured as input")
	// ErrNotOutput means a write was attempted on a non-output pin.
	ErrNotOutput = errors.New("pin not configured as output")
	// ErrNotPwm means a duty operation was attempted on a pin with
	// no PWM channel.
	ErrNotPwm = errors.New("pin has no PWM channel")
	// ErrBadDuty means a duty value outside 0..100 was requested.
	ErrBadDuty = errors.New("duty must be 0..100 percent")
)

// InputSpec describes one debounced input pin.
type InputSpec struct {
	Pin  int
	Name string
	Bias Bias
}

// OutputSpec describes one output pin; Pwm requests a software PWM
// channel on top of it.
type OutputSpec struct {
	Pin     int
	Name    string
	Drive   DriveStrength
	Initial Level
	Pwm     bool
}

// Options configures the pin layer.
type Options struct {
	Inputs  []InputSpec
	Outputs []OutputSpec
	// Tick is the debounce sampler period; one input pin is sampled
	// per tick, round-robin, so a pin is revisited every
	// len(Inputs) ticks.
	Tick time.Duration
	// PwmTick is the software PWM tick period; CycleTicks of them
	// make one full duty cycle.
	PwmTick    time.Duration
	CycleTicks int
	// DebounceThreshold is the number of consecutive differing
	// samples beyond which a stable level flips.
	DebounceThreshold int
}

// inputPin carries the debounce state for one input. stable is
// written only by the sampler and read by anyone; mismatch is
// sampler-private.
type inputPin struct {
	spec     InputSpec
	stable   atomic.Bool
	mismatch int
}

// pwmChannel carries the duty state for one PWM output. duty can be
// set by anyone; snapshot is taken by the PWM loop at the start of
// each cycle so a mid-cycle change never glitches the cycle in
// progress.
type pwmChannel struct {
	spec     OutputSpec
	duty     atomic.Int32
	snapshot int32
}

// Pins owns raw digital input/output access, per-pin debounced
// sampling and software PWM duty output. Construct with NewPins,
// start the sampler and PWM loops with Start, stop with Stop.
type Pins struct {
	drv        Driver
	inputs     []*inputPin
	inputByPin map[int]*inputPin
	outputs    map[int]OutputSpec
	pwm        []*pwmChannel
	pwmByPin   map[int]*pwmChannel

	tick      time.Duration
	pwmTick   time.Duration
	cycle     int
	threshold int

	readIdx   int // round-robin cursor, sampler only
	pwmCount  int // tick position within the PWM cycle, PWM loop only
	readCount uint64

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewPins configures all pins on the driver and returns the pin
// layer with its loops not yet running.
func NewPins(drv Driver, opt Options) (*Pins, error) {
	if opt.Tick <= 0 || opt.PwmTick <= 0 || opt.CycleTicks <= 0 || opt.DebounceThreshold < 1 {
		return nil, fmt.Errorf("gpio: bad options: %+v", opt)
	}

	p := &Pins{
		drv:        drv,
		inputByPin: make(map[int]*inputPin),
		outputs:    make(map[int]OutputSpec),
		pwmByPin:   make(map[int]*pwmChannel),
		tick:       opt.Tick,
		pwmTick:    opt.PwmTick,
		cycle:      opt.CycleTicks,
		threshold:  opt.DebounceThreshold,
		stop:       make(chan struct{}),
	}

	for _, spec := range opt.Inputs {
		if _, dup := p.inputByPin[spec.Pin]; dup {
			return nil, fmt.Errorf("gpio: input pin %d (%s) configured twice", spec.Pin, spec.Name)
		}
		if err := drv.SetupInput(spec.Pin, spec.Bias); err != nil {
			return nil, fmt.Errorf("gpio: set pin %d (%s) as input with bias %s: %w",
				spec.Pin, spec.Name, spec.Bias, err)
		}
		in := &inputPin{spec: spec}
		// Seed the stable level from a raw read so consumers do not
		// see a transition at startup.
		level, err := drv.ReadPin(spec.Pin)
		if err != nil {
			return nil, fmt.Errorf("gpio: initial read of pin %d (%s): %w", spec.Pin, spec.Name, err)
		}
		in.stable.Store(bool(level))
		p.inputs = append(p.inputs, in)
		p.inputByPin[spec.Pin] = in
	}

	for _, spec := range opt.Outputs {
		if _, dup := p.outputs[spec.Pin]; dup {
			return nil, fmt.Errorf("gpio: output pin %d (%s) configured twice", spec.Pin, spec.Name)
		}
		if _, dup := p.inputByPin[spec.Pin]; dup {
			return nil, fmt.Errorf("gpio: pin %d (%s) is already an input", spec.Pin, spec.Name)
		}
		if err := drv.SetupOutput(spec.Pin, spec.Drive, spec.Initial); err != nil {
			return nil, fmt.Errorf("gpio: set pin %d (%s) as output: %w", spec.Pin, spec.Name, err)
		}
		p.outputs[spec.Pin] = spec
		if spec.Pwm {
			ch := &pwmChannel{spec: spec}
			if spec.Initial == High {
				ch.duty.Store(100)
			}
			p.pwm = append(p.pwm, ch)
			p.pwmByPin[spec.Pin] = ch
		}
	}

	return p, nil
}

// Start launches the debounce sampler and PWM loops.
func (p *Pins) Start() {
	if p.started {
		return
	}
	p.started = true

	p.wg.Add(2)
	go p.readLoop()
	go p.pwmLoop()
}

// Stop halts the loops; shutdown latency is bounded by one tick.
func (p *Pins) Stop() {
	if !p.started {
		return
	}
	close(p.stop)
	p.wg.Wait()
	p.started = false
	if len(p.inputs) > 0 {
		debug.Info("GPIO sampler took %d read(s), %d per input",
			p.readCount, p.readCount/uint64(len(p.inputs)))
	}
}

// ReadDebounced returns the last stable level computed by the
// debounce sampler; it never touches hardware directly.
func (p *Pins) ReadDebounced(pin int) (Level, error) {
	in, ok := p.inputByPin[pin]
	if !ok {
		if _, isOut := p.outputs[pin]; isOut {
			return Low, fmt.Errorf("gpio: pin %d: %w", pin, ErrNotInput)
		}
		return Low, fmt.Errorf("gpio: pin %d: %w", pin, ErrUnknownPin)
	}
	return Level(in.stable.Load()), nil
}

// Write sets an output pin immediately; valid only on pins
// configured as outputs.
func (p *Pins) Write(pin int, level Level) error {
	if _, ok := p.outputs[pin]; !ok {
		return fmt.Errorf("gpio: pin %d: %w", pin, ErrNotOutput)
	}
	if err := p.drv.WritePin(pin, level); err != nil {
		return fmt.Errorf("gpio: write pin %d: %w", pin, err)
	}
	return nil
}

// SetDuty sets the duty percentage of a PWM channel; the change
// takes effect at the start of the next PWM cycle.
func (p *Pins) SetDuty(pin int, percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("gpio: pin %d duty %d: %w", pin, percent, ErrBadDuty)
	}
	ch, ok := p.pwmByPin[pin]
	if !ok {
		return fmt.Errorf("gpio: pin %d: %w", pin, ErrNotPwm)
	}
	ch.duty.Store(int32(percent))
	return nil
}

// GetDuty returns the current duty percentage of a PWM channel.
func (p *Pins) GetDuty(pin int) (int, error) {
	ch, ok := p.pwmByPin[pin]
	if !ok {
		return 0, fmt.Errorf("gpio: pin %d: %w", pin, ErrNotPwm)
	}
	return int(ch.duty.Load()), nil
}

func (p *Pins) readLoop() {
	defer p.wg.Done()
	debug.Trace("GPIO read loop has started")

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			debug.Trace("GPIO read loop has exited")
			return
		case <-ticker.C:
			p.readStep()
		}
	}
}

// readStep samples exactly one configured input pin, round-robin.
// A transition is only accepted after more than threshold
// consecutive consistent samples.
func (p *Pins) readStep() {
	if len(p.inputs) == 0 {
		return
	}
	in := p.inputs[p.readIdx]
	p.readIdx = (p.readIdx + 1) % len(p.inputs)
	p.readCount++

	raw, err := p.drv.ReadPin(in.spec.Pin)
	if err != nil {
		debug.Error(fmt.Errorf("gpio: sample pin %d (%s): %w", in.spec.Pin, in.spec.Name, err))
		return
	}
	if bool(raw) != in.stable.Load() {
		in.mismatch++
		if in.mismatch > p.threshold {
			in.stable.Store(bool(raw))
			in.mismatch = 0
			debug.Trace("pin %d (%s) debounced to %v", in.spec.Pin, in.spec.Name, raw)
		}
	} else {
		in.mismatch = 0
	}
}

func (p *Pins) pwmLoop() {
	defer p.wg.Done()
	debug.Trace("GPIO PWM loop has started")

	ticker := time.NewTicker(p.pwmTick)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			debug.Trace("GPIO PWM loop has exited")
			return
		case <-ticker.C:
			p.pwmStep()
		}
	}
}

// pwmStep advances all PWM channels by one tick. Duties are
// snapshotted at the start of each cycle so a mid-cycle change never
// causes a partial-duty glitch.
func (p *Pins) pwmStep() {
	if p.pwmCount == 0 {
		for _, ch := range p.pwm {
			ch.snapshot = ch.duty.Load()
		}
	}
	for _, ch := range p.pwm {
		highTicks := (int(ch.snapshot)*p.cycle + 50) / 100
		if p.pwmCount == 0 {
			if highTicks > 0 {
				p.drv.WritePin(ch.spec.Pin, High)
			}
		} else if p.pwmCount >= highTicks {
			p.drv.WritePin(ch.spec.Pin, Low)
		}
	}
	p.pwmCount++
	if p.pwmCount >= p.cycle {
		p.pwmCount = 0
	}
}
