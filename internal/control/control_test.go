package control

import (
	"sync"
	"testing"
	"time"

	"github.com/RobMeades/watchdog-sub000/internal/config"
	"github.com/RobMeades/watchdog-sub000/internal/hw/motor"
	"github.com/RobMeades/watchdog-sub000/internal/led"
	"github.com/RobMeades/watchdog-sub000/internal/msg"
)

type recordedMove struct {
	axis  motor.Axis
	steps int
}

type fakeMotors struct {
	mu    sync.Mutex
	moves []recordedMove
}

func (f *fakeMotors) Move(axis motor.Axis, steps int, allowUncalibrated bool) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, recordedMove{axis: axis, steps: steps})
	return steps, nil
}

func (f *fakeMotors) recorded() []recordedMove {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedMove, len(f.moves))
	copy(out, f.moves)
	return out
}

type fakeWinker struct {
	mu    sync.Mutex
	winks []led.Channel
}

func (f *fakeWinker) SetWink(ch led.Channel, durationMs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.winks = append(f.winks, ch)
	return nil
}

func (f *fakeWinker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.winks)
}

// newTestLoop builds a loop whose queue worker and tick never fire,
// so handlers and tick steps can be driven by hand.
func newTestLoop(t *testing.T, motors Motors, winker Winker, mutate func(*config.ControlConfig)) *Loop {
	t.Helper()
	cfg := config.Default().Control
	cfg.TickMs = int(time.Hour / time.Millisecond)
	if mutate != nil {
		mutate(&cfg)
	}
	sys := msg.NewSystem(time.Hour)
	t.Cleanup(sys.Stop)
	l, err := NewLoop(motors, winker, sys, cfg)
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	return l
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFocusBelowThresholdIgnored(t *testing.T) {
	l := newTestLoop(t, &fakeMotors{}, nil, nil)

	l.handleFocusChanged(FocusChanged{Point: ViewPoint{X: 500, Y: 500}, AreaPixels: 99})
	if got := l.Average(); got != (ViewPoint{}) {
		t.Fatalf("small area moved the average to %+v", got)
	}

	l.handleFocusChanged(FocusChanged{Point: ViewPoint{X: 500, Y: 500}, AreaPixels: 100})
	if got := l.Average(); got != (ViewPoint{X: 500, Y: 500}) {
		t.Fatalf("average = %+v, want 500,500", got)
	}
}

func TestFocusAveragingSlidingWindow(t *testing.T) {
	l := newTestLoop(t, &fakeMotors{}, nil, func(cfg *config.ControlConfig) {
		cfg.FocusAverageLength = 3
	})

	for _, x := range []int{30, 60, 90} {
		l.handleFocusChanged(FocusChanged{Point: ViewPoint{X: x, Y: -x}, AreaPixels: 1000})
	}
	if got := l.Average(); got != (ViewPoint{X: 60, Y: -60}) {
		t.Fatalf("average = %+v, want 60,-60", got)
	}

	// A fourth point evicts the oldest (30,-30).
	l.handleFocusChanged(FocusChanged{Point: ViewPoint{X: 120, Y: -120}, AreaPixels: 1000})
	if got := l.Average(); got != (ViewPoint{X: 90, Y: -90}) {
		t.Fatalf("average after eviction = %+v, want 90,-90", got)
	}
}

func TestHysteresisDropsFocusAndDelaysMoves(t *testing.T) {
	l := newTestLoop(t, &fakeMotors{}, nil, nil)
	l.handleFocusChanged(FocusChanged{Point: ViewPoint{X: 200, Y: 0}, AreaPixels: 1000})

	l.intervalLeft.Store(2)
	l.handleFocusChanged(FocusChanged{Point: ViewPoint{X: -900, Y: 0}, AreaPixels: 1000})
	if got := l.Average(); got != (ViewPoint{X: 200, Y: 0}) {
		t.Fatalf("focus accepted during hold-off, average = %+v", got)
	}

	// Each tick only counts down, no nudge is dispatched.
	l.tickStep()
	l.tickStep()
	select {
	case nudge := <-l.moveReq:
		t.Fatalf("nudge %+v dispatched during hold-off", nudge)
	default:
	}
	if left := l.intervalLeft.Load(); left != 0 {
		t.Fatalf("hold-off = %d after two ticks, want 0", left)
	}

	// With the hold-off expired the pending average drives a move.
	l.tickStep()
	select {
	case nudge := <-l.moveReq:
		if nudge != (ViewPoint{X: 1, Y: 0}) {
			t.Fatalf("nudge = %+v, want 1,0", nudge)
		}
	default:
		t.Fatal("no nudge dispatched after hold-off expired")
	}
	if left := l.intervalLeft.Load(); left != int32(config.Default().Control.MoveIntervalTicks) {
		t.Fatalf("hold-off = %d after move, want %d", left, config.Default().Control.MoveIntervalTicks)
	}
}

func TestTickNudgeDirections(t *testing.T) {
	l := newTestLoop(t, &fakeMotors{}, nil, nil)

	l.handleFocusChanged(FocusChanged{Point: ViewPoint{X: 200, Y: -300}, AreaPixels: 1000})
	l.tickStep()
	select {
	case nudge := <-l.moveReq:
		if nudge != (ViewPoint{X: 1, Y: -1}) {
			t.Fatalf("nudge = %+v, want 1,-1", nudge)
		}
	default:
		t.Fatal("no nudge dispatched")
	}
}

func TestCentredFocusStaysPut(t *testing.T) {
	l := newTestLoop(t, &fakeMotors{}, nil, nil)

	// An average within one step of centre needs no correction.
	l.handleFocusChanged(FocusChanged{Point: ViewPoint{X: 1, Y: -1}, AreaPixels: 1000})
	l.tickStep()
	select {
	case nudge := <-l.moveReq:
		t.Fatalf("nudge %+v dispatched for centred focus", nudge)
	default:
	}
}

func TestStaticCameraSuppressesMovement(t *testing.T) {
	l := newTestLoop(t, &fakeMotors{}, nil, func(cfg *config.ControlConfig) {
		cfg.StaticCamera = true
	})

	l.handleFocusChanged(FocusChanged{Point: ViewPoint{X: 400, Y: 400}, AreaPixels: 1000})
	l.tickStep()
	select {
	case nudge := <-l.moveReq:
		t.Fatalf("nudge %+v dispatched with a static camera", nudge)
	default:
	}
	if left := l.intervalLeft.Load(); left != 0 {
		t.Fatalf("hold-off = %d with a static camera, want 0", left)
	}
}

func TestMoverRunsMotorsAndWinks(t *testing.T) {
	motors := &fakeMotors{}
	winker := &fakeWinker{}
	l := newTestLoop(t, motors, winker, nil)
	l.Start()
	defer l.Stop()

	l.moveReq <- ViewPoint{X: 1, Y: -1}
	waitFor(t, "both axes to move", func() bool { return len(motors.recorded()) == 2 })

	moves := motors.recorded()
	if moves[0] != (recordedMove{axis: motor.Rotate, steps: 1}) {
		t.Fatalf("first move = %+v, want rotate +1", moves[0])
	}
	if moves[1] != (recordedMove{axis: motor.Vertical, steps: -1}) {
		t.Fatalf("second move = %+v, want vertical -1", moves[1])
	}
	waitFor(t, "a wink", func() bool { return winker.count() == 1 })
}

func TestFocusChangeReportsBacklog(t *testing.T) {
	l := newTestLoop(t, &fakeMotors{}, nil, nil)

	for i := 1; i <= 3; i++ {
		length, err := l.FocusChange(ViewPoint{X: i}, 1000)
		if err != nil {
			t.Fatalf("FocusChange %d: %v", i, err)
		}
		if length != i {
			t.Fatalf("backlog = %d, want %d", length, i)
		}
	}
}
