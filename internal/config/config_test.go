package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "watchdog.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if *cfg != *Default() {
		t.Errorf("Load(\"\") = %+v, want defaults", cfg)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
motors:
  rotate:
    safety_limit_steps: 750
  calibration_policy: all
control:
  static_camera: true
defaults:
  debug_level: 4
  mock_gpio: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Motors.Rotate.SafetyLimitSteps != 750 {
		t.Errorf("rotate safety limit = %d, want 750", cfg.Motors.Rotate.SafetyLimitSteps)
	}
	if cfg.Motors.CalibrationPolicy != "all" {
		t.Errorf("calibration policy = %q, want \"all\"", cfg.Motors.CalibrationPolicy)
	}
	if !cfg.Control.StaticCamera {
		t.Error("static_camera not applied")
	}
	if cfg.Defaults.DebugLevel != 4 || !cfg.Defaults.MockGPIO {
		t.Errorf("defaults = %+v, want level 4 with mock gpio", cfg.Defaults)
	}

	// Unmentioned values keep their defaults.
	if cfg.Motors.Rotate.DirectionSense != 1 {
		t.Errorf("rotate direction sense = %d, want default 1", cfg.Motors.Rotate.DirectionSense)
	}
	if cfg.Motors.Vertical.SafetyLimitSteps != 650 {
		t.Errorf("vertical safety limit = %d, want default 650", cfg.Motors.Vertical.SafetyLimitSteps)
	}
	if cfg.Led.TickMs != 20 {
		t.Errorf("led tick = %d ms, want default 20", cfg.Led.TickMs)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestLoadBadYaml(t *testing.T) {
	path := writeConfig(t, "motors: [not a mapping")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for malformed yaml")
	}
}

func TestValidationRejects(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"zero_gpio_tick", "gpio:\n  tick_us: 0\n", "gpio.tick_us"},
		{"bad_direction_sense", "motors:\n  vertical:\n    direction_sense: 2\n", "direction_sense"},
		{"bad_rest_position", "motors:\n  rotate:\n    rest_position: sideways\n", "rest_position"},
		{"bad_calibration_policy", "motors:\n  calibration_policy: some\n", "calibration_policy"},
		{"zero_led_queue", "led:\n  queue_size: 0\n", "led.queue_size"},
		{"zero_control_tick", "control:\n  tick_ms: 0\n", "control.tick_ms"},
		{"zero_average_length", "control:\n  focus_average_length: 0\n", "focus_average_length"},
		{"negative_move_interval", "control:\n  move_interval_ticks: -1\n", "move_interval_ticks"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.yaml)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	if got := cfg.GPIOTick(); got != time.Millisecond {
		t.Errorf("GPIOTick = %v, want 1ms", got)
	}
	if got := cfg.LedTick(); got != 20*time.Millisecond {
		t.Errorf("LedTick = %v, want 20ms", got)
	}
	if got := cfg.ControlTick(); got != 50*time.Millisecond {
		t.Errorf("ControlTick = %v, want 50ms", got)
	}
	if got := cfg.MsgTick(); got != time.Millisecond {
		t.Errorf("MsgTick = %v, want 1ms", got)
	}
}
