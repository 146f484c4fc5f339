// Command watchdog runs the pan/tilt sentry: it calibrates the two
// stepper axes against their limit switches, animates the eye LEDs,
// chases motion-analysis focus points and exposes an HTTP control
// surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/RobMeades/watchdog-sub000/internal/config"
	"github.com/RobMeades/watchdog-sub000/internal/control"
	"github.com/RobMeades/watchdog-sub000/internal/debug"
	"github.com/RobMeades/watchdog-sub000/internal/hw/gpio"
	"github.com/RobMeades/watchdog-sub000/internal/hw/motor"
	"github.com/RobMeades/watchdog-sub000/internal/led"
	"github.com/RobMeades/watchdog-sub000/internal/msg"
	"github.com/RobMeades/watchdog-sub000/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "watchdog: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to YAML config file (defaults apply if empty)")
		webAddr    = flag.String("web", ":8080", "HTTP listen address, empty disables the web surface")
		mock       = flag.Bool("mock", false, "use a mock GPIO driver instead of the Raspberry Pi")
		debugLevel = flag.Int("d", -1, "debug level 0-4, overrides the config")
		selfTest   = flag.String("test", "", "run a self test (led or motor) and exit")
		static     = flag.Bool("static", false, "log intended movement instead of moving")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
	}
	if *mock {
		cfg.Defaults.MockGPIO = true
	}
	if *static {
		cfg.Control.StaticCamera = true
	}
	if *debugLevel >= 0 {
		cfg.Defaults.DebugLevel = *debugLevel
	}
	debug.Init(cfg.Defaults.DebugLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	driver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		return fmt.Errorf("gpio driver: %w", err)
	}
	defer driver.Close()

	pins, err := gpio.NewPins(driver, pinOptions(cfg))
	if err != nil {
		return fmt.Errorf("pin setup: %w", err)
	}
	pins.Start()
	defer pins.Stop()

	sys := msg.NewSystem(cfg.MsgTick())
	defer sys.Stop()

	motors, err := motor.NewController(pins, cfg.Pins, cfg.Motors)
	if err != nil {
		return fmt.Errorf("motor setup: %w", err)
	}
	defer func() {
		if err := motors.DisableAll(); err != nil {
			debug.Error(err)
		}
	}()
	// Rest the head on the way out; this unwinds after the control
	// loop has stopped issuing moves.
	defer func() {
		for _, axis := range []motor.Axis{motor.Rotate, motor.Vertical} {
			if !motors.IsCalibrated(axis) {
				continue
			}
			if err := motors.MoveToRest(axis); err != nil {
				debug.Error(fmt.Errorf("rest %s: %w", axis, err))
			}
		}
	}()

	leds, err := led.NewEngine(pins, sys, cfg.Led, cfg.Pins)
	if err != nil {
		return fmt.Errorf("led setup: %w", err)
	}
	leds.Start()
	defer leds.Stop()

	switch *selfTest {
	case "led":
		return leds.Test(ctx)
	case "motor":
		return motorTest(motors)
	case "":
	default:
		return fmt.Errorf("unknown self test %q, want led or motor", *selfTest)
	}

	for _, axis := range []motor.Axis{motor.Rotate, motor.Vertical} {
		if err := motors.Calibrate(axis); err != nil {
			debug.Error(fmt.Errorf("calibrate %s: %w", axis, err))
		}
	}

	loop, err := control.NewLoop(motors, leds, sys, cfg.Control)
	if err != nil {
		return err
	}
	loop.Start()
	defer loop.Stop()

	// A gentle breathe while watching.
	if err := leds.SetBreathe(led.Both, 0, 200, 30, 20, 1000); err != nil {
		debug.Error(err)
	}

	if *webAddr == "" {
		<-ctx.Done()
		return nil
	}

	broadcaster := web.NewStatusBroadcaster()
	debug.SetOutput(io.MultiWriter(os.Stderr, web.BroadcastWriter(broadcaster)))
	server := web.NewServer(*webAddr, broadcaster, leds, motors)
	return server.Run(ctx)
}

// pinOptions translates the pin roles in the config into the GPIO
// layer's input/output specs. The limit switches are pulled up and
// read low when hit; the driver disable lines start high (disabled);
// the eye LEDs get software PWM channels.
func pinOptions(cfg *config.Config) gpio.Options {
	p := cfg.Pins
	return gpio.Options{
		Inputs: []gpio.InputSpec{
			{Pin: p.LookLeftLimit, Name: "look left limit", Bias: gpio.BiasPullUp},
			{Pin: p.LookRightLimit, Name: "look right limit", Bias: gpio.BiasPullUp},
			{Pin: p.LookDownLimit, Name: "look down limit", Bias: gpio.BiasPullUp},
			{Pin: p.LookUpLimit, Name: "look up limit", Bias: gpio.BiasPullUp},
		},
		Outputs: []gpio.OutputSpec{
			{Pin: p.RotateDisable, Name: "rotate disable", Initial: gpio.High},
			{Pin: p.RotateDirection, Name: "rotate direction"},
			{Pin: p.RotateStep, Name: "rotate step"},
			{Pin: p.VerticalDisable, Name: "vertical disable", Initial: gpio.High},
			{Pin: p.VerticalDirection, Name: "vertical direction"},
			{Pin: p.VerticalStep, Name: "vertical step"},
			{Pin: p.EyeLeft, Name: "eye left", Drive: gpio.Drive16mA, Pwm: true},
			{Pin: p.EyeRight, Name: "eye right", Drive: gpio.Drive16mA, Pwm: true},
		},
		Tick:              cfg.GPIOTick(),
		PwmTick:           cfg.PwmTick(),
		CycleTicks:        cfg.GPIO.PwmCycleTicks,
		DebounceThreshold: cfg.GPIO.DebounceThreshold,
	}
}

// motorTest calibrates each axis in turn, sweeps it between its
// limits and leaves it at rest.
func motorTest(motors *motor.Controller) error {
	for _, axis := range []motor.Axis{motor.Rotate, motor.Vertical} {
		debug.Section("motor test: " + axis.String())
		if err := motors.Calibrate(axis); err != nil {
			return fmt.Errorf("calibrate %s: %w", axis, err)
		}
		min, max, now, err := motors.Range(axis)
		if err != nil {
			return err
		}
		debug.Info("%s calibrated: %d..%d, at %d", axis, min, max, now)
		for _, target := range []int{max - now, min - max, -min} {
			if _, err := motors.Move(axis, target, false); err != nil {
				return fmt.Errorf("sweep %s: %w", axis, err)
			}
		}
		if err := motors.MoveToRest(axis); err != nil {
			return fmt.Errorf("rest %s: %w", axis, err)
		}
	}
	return nil
}
