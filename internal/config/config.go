package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PinsConfig maps the fixed pin roles to BCM pin numbers. The limit
// switch inputs are pulled up; a switch pulls its pin low when hit.
type PinsConfig struct {
	LookLeftLimit     int `yaml:"look_left_limit"`
	LookRightLimit    int `yaml:"look_right_limit"`
	LookDownLimit     int `yaml:"look_down_limit"`
	LookUpLimit       int `yaml:"look_up_limit"`
	RotateDisable     int `yaml:"rotate_disable"`
	RotateDirection   int `yaml:"rotate_direction"`
	RotateStep        int `yaml:"rotate_step"`
	VerticalDisable   int `yaml:"vertical_disable"`
	VerticalDirection int `yaml:"vertical_direction"`
	VerticalStep      int `yaml:"vertical_step"`
	EyeLeft           int `yaml:"eye_left"`
	EyeRight          int `yaml:"eye_right"`
}

// GPIOConfig holds the timing of the GPIO debounce and PWM loops.
type GPIOConfig struct {
	TickUs            int `yaml:"tick_us"`             // debounce sampler period
	PwmTickUs         int `yaml:"pwm_tick_us"`         // PWM tick period
	PwmCycleTicks     int `yaml:"pwm_cycle_ticks"`     // ticks per full PWM cycle (100%)
	DebounceThreshold int `yaml:"debounce_threshold"`  // consecutive differing samples before a flip
}

// MotorConfig holds the per-axis motor parameters.
type MotorConfig struct {
	SafetyLimitSteps int    `yaml:"safety_limit_steps"` // hard cap on uncalibrated movement
	DirectionSense   int    `yaml:"direction_sense"`    // 1 if a 1 on the direction pin moves towards max, else -1
	RestPosition     string `yaml:"rest_position"`      // "centre", "max" or "min"
}

// MotorsConfig holds the parameters shared by both axes plus the
// per-axis blocks.
type MotorsConfig struct {
	Rotate           MotorConfig `yaml:"rotate"`
	Vertical         MotorConfig `yaml:"vertical"`
	LimitMarginSteps int         `yaml:"limit_margin_steps"` // steps to stay clear of the limit switches
	DirectionWaitMs  int         `yaml:"direction_wait_ms"`  // settle time after setting the direction pin
	StepWaitMs       int         `yaml:"step_wait_ms"`       // half-period of a step pulse
	// "one": a step shortfall invalidates only that axis.
	// "all": a shortfall on either axis invalidates both.
	CalibrationPolicy string `yaml:"calibration_policy"`
}

// LedConfig holds the LED animation engine parameters.
type LedConfig struct {
	TickMs       int `yaml:"tick_ms"`        // render tick period
	QueueSize    int `yaml:"queue_size"`     // LED command queue capacity
	MorseMaxLen  int `yaml:"morse_max_len"`  // maximum morse sequence length
}

// ControlConfig holds the focus-driven control loop parameters.
type ControlConfig struct {
	QueueSize          int  `yaml:"queue_size"`           // focus message queue capacity
	TickMs             int  `yaml:"tick_ms"`              // control loop tick period
	MoveIntervalTicks  int  `yaml:"move_interval_ticks"`  // hysteresis ticks after a move
	FocusThresholdArea int  `yaml:"focus_threshold_area"` // ignore focus areas below this, in pixels
	FocusAverageLength int  `yaml:"focus_average_length"` // focus points to average over
	StaticCamera       bool `yaml:"static_camera"`        // true suppresses motor movement
}

// MsgConfig holds the actor framework parameters.
type MsgConfig struct {
	TickUs int `yaml:"tick_us"` // worker wake period
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Pins     PinsConfig     `yaml:"pins"`
	GPIO     GPIOConfig     `yaml:"gpio"`
	Motors   MotorsConfig   `yaml:"motors"`
	Led      LedConfig      `yaml:"led"`
	Control  ControlConfig  `yaml:"control"`
	Msg      MsgConfig      `yaml:"msg"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// Default returns the configuration for the standard wiring of the
// device; Load starts from this so a config file need only state
// what differs.
func Default() *Config {
	return &Config{
		Pins: PinsConfig{
			LookLeftLimit:     1,
			LookRightLimit:    2,
			LookDownLimit:     3,
			LookUpLimit:       4,
			RotateDisable:     5,
			RotateDirection:   6,
			RotateStep:        7,
			VerticalDisable:   8,
			VerticalDirection: 9,
			VerticalStep:      10,
			EyeLeft:           12,
			EyeRight:          13,
		},
		GPIO: GPIOConfig{
			TickUs:            1000,
			PwmTickUs:         1000,
			PwmCycleTicks:     20,
			DebounceThreshold: 3,
		},
		Motors: MotorsConfig{
			Rotate: MotorConfig{
				SafetyLimitSteps: 600,
				DirectionSense:   1,
				RestPosition:     "centre",
			},
			Vertical: MotorConfig{
				SafetyLimitSteps: 650,
				DirectionSense:   -1,
				RestPosition:     "max",
			},
			LimitMarginSteps:  10,
			DirectionWaitMs:   1,
			StepWaitMs:        1,
			CalibrationPolicy: "one",
		},
		Led: LedConfig{
			TickMs:      20,
			QueueSize:   10,
			MorseMaxLen: 32,
		},
		Control: ControlConfig{
			QueueSize:          100,
			TickMs:             50,
			MoveIntervalTicks:  20,
			FocusThresholdArea: 100,
			FocusAverageLength: 15,
		},
		Msg: MsgConfig{
			TickUs: 1000,
		},
		Defaults: DefaultsConfig{
			DebugLevel: 1,
		},
	}
}

// Load reads a YAML file over the defaults and returns the
// configuration. An empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.GPIO.TickUs <= 0 {
		return fmt.Errorf("gpio.tick_us must be > 0, got %d", c.GPIO.TickUs)
	}
	if c.GPIO.PwmTickUs <= 0 {
		return fmt.Errorf("gpio.pwm_tick_us must be > 0, got %d", c.GPIO.PwmTickUs)
	}
	if c.GPIO.PwmCycleTicks <= 0 {
		return fmt.Errorf("gpio.pwm_cycle_ticks must be > 0, got %d", c.GPIO.PwmCycleTicks)
	}
	if c.GPIO.DebounceThreshold < 1 {
		return fmt.Errorf("gpio.debounce_threshold must be >= 1, got %d", c.GPIO.DebounceThreshold)
	}
	for _, m := range []struct {
		name string
		cfg  MotorConfig
	}{{"rotate", c.Motors.Rotate}, {"vertical", c.Motors.Vertical}} {
		if m.cfg.SafetyLimitSteps <= 0 {
			return fmt.Errorf("motors.%s.safety_limit_steps must be > 0, got %d",
				m.name, m.cfg.SafetyLimitSteps)
		}
		if m.cfg.DirectionSense != 1 && m.cfg.DirectionSense != -1 {
			return fmt.Errorf("motors.%s.direction_sense must be 1 or -1, got %d",
				m.name, m.cfg.DirectionSense)
		}
		switch m.cfg.RestPosition {
		case "centre", "max", "min":
		default:
			return fmt.Errorf("motors.%s.rest_position must be centre, max or min, got %q",
				m.name, m.cfg.RestPosition)
		}
	}
	if c.Motors.LimitMarginSteps < 0 {
		return fmt.Errorf("motors.limit_margin_steps must be >= 0, got %d",
			c.Motors.LimitMarginSteps)
	}
	switch c.Motors.CalibrationPolicy {
	case "one", "all":
	default:
		return fmt.Errorf("motors.calibration_policy must be one or all, got %q",
			c.Motors.CalibrationPolicy)
	}
	if c.Led.TickMs <= 0 {
		return fmt.Errorf("led.tick_ms must be > 0, got %d", c.Led.TickMs)
	}
	if c.Led.QueueSize <= 0 {
		return fmt.Errorf("led.queue_size must be > 0, got %d", c.Led.QueueSize)
	}
	if c.Led.MorseMaxLen <= 0 {
		return fmt.Errorf("led.morse_max_len must be > 0, got %d", c.Led.MorseMaxLen)
	}
	if c.Msg.TickUs <= 0 {
		return fmt.Errorf("msg.tick_us must be > 0, got %d", c.Msg.TickUs)
	}
	if c.Control.QueueSize <= 0 {
		return fmt.Errorf("control.queue_size must be > 0, got %d", c.Control.QueueSize)
	}
	if c.Control.TickMs <= 0 {
		return fmt.Errorf("control.tick_ms must be > 0, got %d", c.Control.TickMs)
	}
	if c.Control.MoveIntervalTicks < 0 {
		return fmt.Errorf("control.move_interval_ticks must be >= 0, got %d",
			c.Control.MoveIntervalTicks)
	}
	if c.Control.FocusAverageLength <= 0 {
		return fmt.Errorf("control.focus_average_length must be > 0, got %d",
			c.Control.FocusAverageLength)
	}
	return nil
}

// GPIOTick returns the debounce sampler period.
func (c *Config) GPIOTick() time.Duration {
	return time.Duration(c.GPIO.TickUs) * time.Microsecond
}

// PwmTick returns the PWM tick period.
func (c *Config) PwmTick() time.Duration {
	return time.Duration(c.GPIO.PwmTickUs) * time.Microsecond
}

// MsgTick returns the actor framework worker wake period.
func (c *Config) MsgTick() time.Duration {
	return time.Duration(c.Msg.TickUs) * time.Microsecond
}

// ControlTick returns the control loop tick period.
func (c *Config) ControlTick() time.Duration {
	return time.Duration(c.Control.TickMs) * time.Millisecond
}

// LedTick returns the LED render tick period.
func (c *Config) LedTick() time.Duration {
	return time.Duration(c.Led.TickMs) * time.Millisecond
}

// DirectionWait returns the settle time after setting a direction pin.
func (c *Config) DirectionWait() time.Duration {
	return time.Duration(c.Motors.DirectionWaitMs) * time.Millisecond
}

// StepWait returns the half-period of a step pulse.
func (c *Config) StepWait() time.Duration {
	return time.Duration(c.Motors.StepWaitMs) * time.Millisecond
}
