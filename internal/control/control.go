// Package control turns "focus changed" notifications from the
// motion-analysis collaborator into incremental pan/tilt movement.
// Focus points arrive on the loop's message queue, are averaged over
// a sliding window, and a periodic tick nudges the motors one step
// at a time towards centring the average in the view. Motor calls
// run on their own goroutine, never on the tick itself, because a
// move blocks for the duration of the physical motion.
package control

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RobMeades/watchdog-sub000/internal/config"
	"github.com/RobMeades/watchdog-sub000/internal/debug"
	"github.com/RobMeades/watchdog-sub000/internal/hw/motor"
	"github.com/RobMeades/watchdog-sub000/internal/led"
	"github.com/RobMeades/watchdog-sub000/internal/msg"
)

// ViewPoint is a position in the view, centred on 0,0 with +X to
// the right and +Y upwards.
type ViewPoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// FocusChanged reports a new region of interest from motion
// analysis.
type FocusChanged struct {
	Point      ViewPoint
	AreaPixels int
}

// FrameFunc is the contract by which the camera collaborator hands
// raw frames onward: it returns the length of the backlog still to
// be processed, so the producer can shed load.
type FrameFunc func(data []byte, sequenceNo, width, height, stride int) int

// Motors is the slice of the motor controller the loop needs.
type Motors interface {
	Move(axis motor.Axis, steps int, allowUncalibrated bool) (int, error)
}

// Winker flashes an indicator when the device reacts to a focus
// change. Optional.
type Winker interface {
	SetWink(ch led.Channel, durationMs int) error
}

const msgFocusChanged msg.Type = 0

// One nudge per axis per move; the averaging and the hysteresis
// interval smooth the pursuit, not the step size.
const (
	rotateIncrementSteps   = 1
	verticalIncrementSteps = 1
)

// Loop is the focus-driven control loop. Create with NewLoop, start
// the tick with Start, stop with Stop.
type Loop struct {
	motors  Motors
	winker  Winker
	sys     *msg.System
	queueID int

	tick          time.Duration
	moveInterval  int32
	thresholdArea int
	staticCamera  bool

	mu      sync.Mutex
	points  []ViewPoint
	count   int
	oldest  int
	total   ViewPoint
	average ViewPoint

	// Hysteresis: no focus points are accepted and no moves are
	// made while positive; decremented once per tick. Written by
	// the tick goroutine, read by queue handlers.
	intervalLeft atomic.Int32

	moveReq chan ViewPoint
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewLoop creates the loop and its message queue. winker may be nil.
func NewLoop(motors Motors, winker Winker, sys *msg.System, cfg config.ControlConfig) (*Loop, error) {
	l := &Loop{
		motors:        motors,
		winker:        winker,
		sys:           sys,
		tick:          time.Duration(cfg.TickMs) * time.Millisecond,
		moveInterval:  int32(cfg.MoveIntervalTicks),
		thresholdArea: cfg.FocusThresholdArea,
		staticCamera:  cfg.StaticCamera,
		points:        make([]ViewPoint, 0, cfg.FocusAverageLength),
		moveReq:       make(chan ViewPoint, 1),
		stop:          make(chan struct{}),
	}

	queueID, err := sys.StartQueue("control", cfg.QueueSize)
	if err != nil {
		return nil, fmt.Errorf("control: start queue: %w", err)
	}
	l.queueID = queueID
	if err := sys.AddHandler(queueID, msgFocusChanged, l.handleFocusChanged, nil); err != nil {
		sys.StopQueue(queueID)
		return nil, fmt.Errorf("control: add handler: %w", err)
	}
	return l, nil
}

// Start launches the tick and mover goroutines.
func (l *Loop) Start() {
	if l.started {
		return
	}
	l.started = true
	l.wg.Add(2)
	go l.tickLoop()
	go l.moverLoop()
}

// Stop halts the queue and both goroutines. Any move in flight runs
// to completion first.
func (l *Loop) Stop() {
	if !l.started {
		return
	}
	if err := l.sys.StopQueue(l.queueID); err != nil {
		debug.Error(err)
	}
	close(l.stop)
	l.wg.Wait()
	l.started = false
}

// FocusChange queues a new focus notification; safe from any
// goroutine. Returns the queue backlog length, which a producer can
// use to shed load.
func (l *Loop) FocusChange(point ViewPoint, areaPixels int) (int, error) {
	return l.sys.Push(l.queueID, msgFocusChanged, FocusChanged{
		Point:      point,
		AreaPixels: areaPixels,
	})
}

// Average returns the current sliding-window average focus point.
func (l *Loop) Average() ViewPoint {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.average
}

// handleFocusChanged folds an accepted focus point into the sliding
// window. Points are dropped while the head is (or may still be)
// moving, and when the area is too small to be interesting.
func (l *Loop) handleFocusChanged(payload any) {
	m := payload.(FocusChanged)
	if l.intervalLeft.Load() > 0 || m.AreaPixels < l.thresholdArea {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count < cap(l.points) {
		l.points = append(l.points, m.Point)
		l.count++
	} else {
		old := l.points[l.oldest]
		l.total.X -= old.X
		l.total.Y -= old.Y
		l.points[l.oldest] = m.Point
		l.oldest = (l.oldest + 1) % len(l.points)
	}
	l.total.X += m.Point.X
	l.total.Y += m.Point.Y
	l.average = ViewPoint{X: l.total.X / l.count, Y: l.total.Y / l.count}
	debug.Live("focus %d,%d (area %d), average %d,%d",
		m.Point.X, m.Point.Y, m.AreaPixels, l.average.X, l.average.Y)
}

func (l *Loop) tickLoop() {
	defer l.wg.Done()
	debug.Trace("control loop has started")

	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			debug.Trace("control loop has exited")
			return
		case <-ticker.C:
			l.tickStep()
		}
	}
}

// tickStep decides whether a nudge is due and dispatches it to the
// mover. The motors positive direction matches the view's axes:
// rotate right for +X, tilt up for +Y.
func (l *Loop) tickStep() {
	if left := l.intervalLeft.Load(); left > 0 {
		l.intervalLeft.Store(left - 1)
		return
	}

	focus := l.Average()
	var nudge ViewPoint
	if focus.X > rotateIncrementSteps {
		nudge.X = rotateIncrementSteps
	} else if focus.X < -rotateIncrementSteps {
		nudge.X = -rotateIncrementSteps
	}
	if focus.Y > verticalIncrementSteps {
		nudge.Y = verticalIncrementSteps
	} else if focus.Y < -verticalIncrementSteps {
		nudge.Y = -verticalIncrementSteps
	}
	if nudge.X == 0 && nudge.Y == 0 {
		return
	}

	if l.staticCamera {
		debug.Live("would move %d,%d step(s)", nudge.X, nudge.Y)
		return
	}

	select {
	case l.moveReq <- nudge:
		// Hold off further moves and focus input until the head has
		// had time to settle.
		l.intervalLeft.Store(l.moveInterval)
	default:
		// The mover is still busy with the previous nudge.
	}
}

func (l *Loop) moverLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stop:
			return
		case nudge := <-l.moveReq:
			moved := false
			if nudge.X != 0 {
				taken, err := l.motors.Move(motor.Rotate, nudge.X, false)
				if err != nil {
					debug.Error(fmt.Errorf("control: rotate: %w", err))
				}
				moved = moved || taken != 0
			}
			if nudge.Y != 0 {
				taken, err := l.motors.Move(motor.Vertical, nudge.Y, false)
				if err != nil {
					debug.Error(fmt.Errorf("control: tilt: %w", err))
				}
				moved = moved || taken != 0
			}
			if moved && l.winker != nil {
				if err := l.winker.SetWink(led.Left, 250); err != nil {
					debug.Error(fmt.Errorf("control: wink: %w", err))
				}
			}
		}
	}
}
