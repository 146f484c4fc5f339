package gpio

import (
	"github.com/RobMeades/watchdog-sub000/internal/debug"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// Bias is the biasing applied to an input pin.
type Bias int

const (
	BiasNone Bias = iota
	BiasPullDown
	BiasPullUp
)

func (b Bias) String() string {
	switch b {
	case BiasPullDown:
		return "pull down"
	case BiasPullUp:
		return "pull up"
	default:
		return "none"
	}
}

// DriveStrength is the pad drive strength for an output pin, in
// steps of 2 mA: 0 = 2 mA up to 7 = 16 mA.
type DriveStrength int

const (
	Drive2mA  DriveStrength = 0
	Drive4mA  DriveStrength = 1
	Drive8mA  DriveStrength = 3
	Drive16mA DriveStrength = 7
)

// Driver defines the abstract interface for raw GPIO access.
// This allows plugging in a real Raspberry Pi implementation
// or a mock for development on PC.
type Driver interface {
	SetupInput(pin int, bias Bias) error
	SetupOutput(pin int, drive DriveStrength, initial Level) error
	ReadPin(pin int) (Level, error)
	WritePin(pin int, level Level) error
	Close() error
}

// NewDriver creates a GPIO driver based on the chosen mode.
// If mock is true, returns a MockDriver (for dev/test).
// If mock is false, returns a real RPiDriver (for Raspberry Pi).
func NewDriver(mock bool) (Driver, error) {
	if mock {
		debug.Info("Using MOCK GPIO driver (development mode)")
		return &MockDriver{}, nil
	}
	return NewRPiDriver()
}

// MockDriver is a development implementation that simply logs actions.
// Inputs read High, matching the released (pulled-up) state of the
// limit switches, so motor movement works in development mode.
type MockDriver struct{}

func (m *MockDriver) SetupInput(pin int, bias Bias) error {
	debug.GPIO("SetupInput", pin, bias)
	return nil
}

func (m *MockDriver) SetupOutput(pin int, drive DriveStrength, initial Level) error {
	debug.GPIO("SetupOutput", pin, initial)
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	return High, nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	return nil
}

func (m *MockDriver) Close() error {
	debug.Trace("GPIO Close (mock)")
	return nil
}
