// Package motor drives the two stepper axes of the pan/tilt head:
// calibration against the limit switches, bounded movement and the
// return-to-rest behaviour. All operations are synchronous and
// serialized by a single mutex covering both axes, because a move
// blocks for milliseconds per step and interleaving two axes on the
// same driver board is not safe.
package motor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RobMeades/watchdog-sub000/internal/config"
	"github.com/RobMeades/watchdog-sub000/internal/debug"
	"github.com/RobMeades/watchdog-sub000/internal/hw/gpio"
)

var (
	// ErrNotCalibrated means a move was refused because the motor's
	// position cannot be trusted and the caller did not override.
	ErrNotCalibrated = errors.New("motor not calibrated")
	// ErrCalibrationFailed means a limit switch was never reached
	// within the safety-limit step budget.
	ErrCalibrationFailed = errors.New("calibration failed")
	// ErrPartialMotion means a motion that had to complete in full
	// (such as a return to rest) came up short.
	ErrPartialMotion = errors.New("motion incomplete")
	// ErrUnknownAxis means the axis value is not Rotate or Vertical.
	ErrUnknownAxis = errors.New("unknown axis")
)

// Axis selects one of the two motors.
type Axis int

const (
	Rotate Axis = iota
	Vertical
)

func (a Axis) String() string {
	switch a {
	case Rotate:
		return "rotate"
	case Vertical:
		return "vertical"
	default:
		return "unknown"
	}
}

// PinIO is the slice of the GPIO pin layer the controller needs:
// debounced limit-switch reads and raw output writes.
type PinIO interface {
	ReadDebounced(pin int) (gpio.Level, error)
	Write(pin int, level gpio.Level) error
}

// motor is the state of one axis. min, max and now are in steps from
// the centred zero and are only meaningful while calibrated.
type motor struct {
	name           string
	safetyLimit    int
	directionSense int
	rest           string

	pinDisable   int
	pinDirection int
	pinStep      int
	pinLimitMin  int
	pinLimitMax  int

	enabled    bool
	calibrated bool
	min        int
	max        int
	now        int
}

// Controller owns both axes. Construct with NewController; motors
// start disabled and uncalibrated.
type Controller struct {
	pins PinIO

	mu     sync.Mutex
	motors [2]*motor

	marginSteps   int
	directionWait time.Duration
	stepWait      time.Duration
	// true when a step shortfall on one axis must also invalidate
	// the other axis's calibration.
	invalidateAll bool
}

// NewController wires both axes to their pins and forces them into
// the disabled state.
func NewController(pins PinIO, pinCfg config.PinsConfig, cfg config.MotorsConfig) (*Controller, error) {
	c := &Controller{
		pins:          pins,
		marginSteps:   cfg.LimitMarginSteps,
		directionWait: time.Duration(cfg.DirectionWaitMs) * time.Millisecond,
		stepWait:      time.Duration(cfg.StepWaitMs) * time.Millisecond,
		invalidateAll: cfg.CalibrationPolicy == "all",
	}
	c.motors[Rotate] = &motor{
		name:           Rotate.String(),
		safetyLimit:    cfg.Rotate.SafetyLimitSteps,
		directionSense: cfg.Rotate.DirectionSense,
		rest:           cfg.Rotate.RestPosition,
		pinDisable:     pinCfg.RotateDisable,
		pinDirection:   pinCfg.RotateDirection,
		pinStep:        pinCfg.RotateStep,
		pinLimitMin:    pinCfg.LookLeftLimit,
		pinLimitMax:    pinCfg.LookRightLimit,
	}
	c.motors[Vertical] = &motor{
		name:           Vertical.String(),
		safetyLimit:    cfg.Vertical.SafetyLimitSteps,
		directionSense: cfg.Vertical.DirectionSense,
		rest:           cfg.Vertical.RestPosition,
		pinDisable:     pinCfg.VerticalDisable,
		pinDirection:   pinCfg.VerticalDirection,
		pinStep:        pinCfg.VerticalStep,
		pinLimitMin:    pinCfg.LookDownLimit,
		pinLimitMax:    pinCfg.LookUpLimit,
	}

	for _, m := range c.motors {
		if err := pins.Write(m.pinDisable, gpio.High); err != nil {
			return nil, fmt.Errorf("motor %s: initial disable: %w", m.name, err)
		}
	}
	return c, nil
}

// Enable powers the axis's driver. The motor holds position but its
// calibration state is unchanged.
func (c *Controller) Enable(axis Axis) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.motor(axis)
	if err != nil {
		return err
	}
	if err := c.pins.Write(m.pinDisable, gpio.Low); err != nil {
		return fmt.Errorf("motor %s: enable: %w", m.name, err)
	}
	m.enabled = true
	return nil
}

// Disable cuts power to the axis's driver. A powered-down motor can
// be moved by hand, so this also invalidates its calibration.
func (c *Controller) Disable(axis Axis) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disableLocked(axis)
}

// DisableAll disables both axes.
func (c *Controller) DisableAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for axis := range c.motors {
		if err := c.disableLocked(Axis(axis)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Controller) disableLocked(axis Axis) error {
	m, err := c.motor(axis)
	if err != nil {
		return err
	}
	if err := c.pins.Write(m.pinDisable, gpio.High); err != nil {
		return fmt.Errorf("motor %s: disable: %w", m.name, err)
	}
	m.enabled = false
	m.calibrated = false
	return nil
}

// IsCalibrated reports whether the axis's position can be trusted.
func (c *Controller) IsCalibrated(axis Axis) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.motor(axis)
	if err != nil {
		return false
	}
	return m.calibrated
}

// Range returns the calibrated bounds and current position of the
// axis, in steps from the centred zero.
func (c *Controller) Range(axis Axis) (min, max, now int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.motor(axis)
	if err != nil {
		return 0, 0, 0, err
	}
	if !m.calibrated {
		return 0, 0, 0, fmt.Errorf("motor %s: %w", m.name, ErrNotCalibrated)
	}
	return m.min, m.max, m.now, nil
}

// Calibrate locates both limit switches and centres the axis's
// coordinate system between them. The motor is driven to the minimum
// switch, backed off until the switch releases to absorb gear
// backlash, then driven to the maximum switch counting the span. The
// bounds are trimmed inward by the safety margin and the motor is
// left parked at the centred zero. On failure the motor stays
// uncalibrated.
func (c *Controller) Calibrate(axis Axis) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.motor(axis)
	if err != nil {
		return err
	}

	debug.Section("Calibrating " + m.name)
	m.calibrated = false
	if !m.enabled {
		if err := c.pins.Write(m.pinDisable, gpio.Low); err != nil {
			return fmt.Errorf("motor %s: enable for calibration: %w", m.name, err)
		}
		m.enabled = true
	}

	// Find the minimum limit switch.
	taken, err := c.stepRun(m, -m.safetyLimit)
	if err != nil {
		return err
	}
	if taken == -m.safetyLimit {
		return fmt.Errorf("motor %s: minimum limit switch not reached in %d steps: %w",
			m.name, m.safetyLimit, ErrCalibrationFailed)
	}
	debug.Move(m.name, taken)

	// Back off until the switch releases; the distance is the gear
	// backlash and must not be counted as usable travel.
	backlash := 0
	for backlash < m.safetyLimit {
		level, err := c.pins.ReadDebounced(m.pinLimitMin)
		if err != nil {
			return fmt.Errorf("motor %s: read minimum limit switch: %w", m.name, err)
		}
		if level == gpio.High {
			break
		}
		if _, err := c.stepRun(m, 1); err != nil {
			return err
		}
		backlash++
	}
	if backlash >= m.safetyLimit {
		return fmt.Errorf("motor %s: minimum limit switch never released: %w",
			m.name, ErrCalibrationFailed)
	}
	debug.Value(m.name+" backlash steps", backlash)

	// Count the span to the maximum limit switch.
	span, err := c.stepRun(m, m.safetyLimit)
	if err != nil {
		return err
	}
	if span == m.safetyLimit {
		return fmt.Errorf("motor %s: maximum limit switch not reached in %d steps: %w",
			m.name, m.safetyLimit, ErrCalibrationFailed)
	}

	halfSpan := span / 2
	if halfSpan <= c.marginSteps {
		return fmt.Errorf("motor %s: span of %d steps too small for a %d step margin: %w",
			m.name, span, c.marginSteps, ErrCalibrationFailed)
	}

	// Park at the centre so the coordinate zero is physical.
	taken, err = c.stepRun(m, -halfSpan)
	if err != nil {
		return err
	}
	if taken != -halfSpan {
		return fmt.Errorf("motor %s: centring move took %d of %d steps: %w",
			m.name, -taken, halfSpan, ErrCalibrationFailed)
	}

	m.min = -(halfSpan - c.marginSteps)
	m.max = halfSpan - c.marginSteps
	m.now = 0
	m.calibrated = true

	debug.Info("Motor %s calibrated: span %d steps, range %d to %d, now %d",
		m.name, span, m.min, m.max, m.now)
	return nil
}

// Move steps the axis by up to the requested number of steps,
// positive towards the maximum limit. The request is clamped to the
// calibrated range, or to the safety limit when moving uncalibrated
// with allowUncalibrated. The motion stops early, without error, if
// the limit switch in the direction of travel triggers; a shortfall
// on a calibrated motor invalidates its calibration because the
// position can no longer be trusted. Returns the signed steps
// actually taken.
func (c *Controller) Move(axis Axis, steps int, allowUncalibrated bool) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.moveLocked(axis, steps, allowUncalibrated)
}

func (c *Controller) moveLocked(axis Axis, steps int, allowUncalibrated bool) (int, error) {
	m, err := c.motor(axis)
	if err != nil {
		return 0, err
	}
	if !m.calibrated && !allowUncalibrated {
		return 0, fmt.Errorf("motor %s: %w", m.name, ErrNotCalibrated)
	}

	clamped := c.clamp(m, steps)
	if clamped != steps {
		debug.Verbose("Motor %s: move of %d clamped to %d", m.name, steps, clamped)
	}
	if clamped == 0 {
		return 0, nil
	}

	wasCalibrated := m.calibrated
	taken, err := c.stepRun(m, clamped)
	if err != nil {
		return taken, err
	}
	debug.Move(m.name, taken)

	if taken != clamped && wasCalibrated {
		debug.Warn("Motor %s stopped at a limit switch after %d of %d steps, calibration lost",
			m.name, taken, clamped)
		m.calibrated = false
		if c.invalidateAll {
			for _, other := range c.motors {
				other.calibrated = false
			}
		}
	}
	return taken, nil
}

// MoveToRest returns the axis to its configured rest position. The
// motion must complete in full; a shortfall is an error.
func (c *Controller) MoveToRest(axis Axis) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, err := c.motor(axis)
	if err != nil {
		return err
	}
	if !m.calibrated {
		return fmt.Errorf("motor %s: %w", m.name, ErrNotCalibrated)
	}

	var target int
	switch m.rest {
	case "max":
		target = m.max
	case "min":
		target = m.min
	default:
		target = 0
	}
	delta := target - m.now

	taken, err := c.moveLocked(axis, delta, false)
	if err != nil {
		return err
	}
	if taken != delta {
		return fmt.Errorf("motor %s: rest move took %d of %d steps: %w",
			m.name, taken, delta, ErrPartialMotion)
	}
	return nil
}

func (c *Controller) motor(axis Axis) (*motor, error) {
	if axis < 0 || int(axis) >= len(c.motors) {
		return nil, fmt.Errorf("axis %d: %w", axis, ErrUnknownAxis)
	}
	return c.motors[axis], nil
}

// clamp bounds a requested step count to the calibrated range, or to
// the raw safety limit when uncalibrated.
func (c *Controller) clamp(m *motor, steps int) int {
	if m.calibrated {
		if m.now+steps > m.max {
			return m.max - m.now
		}
		if m.now+steps < m.min {
			return m.min - m.now
		}
		return steps
	}
	if steps > m.safetyLimit {
		return m.safetyLimit
	}
	if steps < -m.safetyLimit {
		return -m.safetyLimit
	}
	return steps
}

// stepRun performs the raw motion of steps units (signed), checking
// the limit switch in the direction of travel before each unit and
// stopping early if it has triggered. Returns the signed steps
// taken. Updates m.now when the motor is calibrated.
func (c *Controller) stepRun(m *motor, steps int) (int, error) {
	if steps == 0 {
		return 0, nil
	}

	direction := 1
	limitPin := m.pinLimitMax
	if steps < 0 {
		direction = -1
		limitPin = m.pinLimitMin
	}

	// The direction pin meaning is inverted on one axis by the
	// gearing, hence the per-motor sense.
	level := gpio.Level(direction*m.directionSense > 0)
	if err := c.pins.Write(m.pinDirection, level); err != nil {
		return 0, fmt.Errorf("motor %s: set direction: %w", m.name, err)
	}
	time.Sleep(c.directionWait)

	taken := 0
	for taken != steps {
		limit, err := c.pins.ReadDebounced(limitPin)
		if err != nil {
			return taken, fmt.Errorf("motor %s: read limit switch: %w", m.name, err)
		}
		if limit == gpio.Low {
			break
		}

		if err := c.pins.Write(m.pinStep, gpio.High); err != nil {
			return taken, fmt.Errorf("motor %s: step: %w", m.name, err)
		}
		time.Sleep(c.stepWait)
		if err := c.pins.Write(m.pinStep, gpio.Low); err != nil {
			return taken, fmt.Errorf("motor %s: step: %w", m.name, err)
		}
		time.Sleep(c.stepWait)

		taken += direction
		if m.calibrated {
			m.now += direction
		}
	}
	return taken, nil
}
