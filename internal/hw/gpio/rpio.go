package gpio

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/stianeikeland/go-rpio/v4"
	"golang.org/x/sys/unix"

	"github.com/RobMeades/watchdog-sub000/internal/debug"
)

// Address of the pad control register covering GPIOs 0-27; see the
// GPIO addresses section of the Raspberry Pi hardware documentation.
// Writes must be OR'ed with the 0x5a password in the top byte.
const (
	padControlAddress  = 0x7e10002c
	padControlPassword = 0x5a000000
)

// RPiDriver is the real implementation for Raspberry Pi using go-rpio.
type RPiDriver struct {
	pins map[int]rpio.Pin
}

// NewRPiDriver creates a real GPIO driver for Raspberry Pi.
// Requires running on a Raspberry Pi with access to /dev/gpiomem or as root.
func NewRPiDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")

	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}

	debug.Verbose("GPIO memory mapped successfully")

	return &RPiDriver{
		pins: make(map[int]rpio.Pin),
	}, nil
}

func (r *RPiDriver) SetupInput(pin int, bias Bias) error {
	debug.GPIO("SetupInput", pin, bias)

	p := rpio.Pin(pin)
	r.pins[pin] = p
	p.Input()
	switch bias {
	case BiasPullUp:
		p.PullUp()
	case BiasPullDown:
		p.PullDown()
	default:
		p.PullOff()
	}

	return nil
}

func (r *RPiDriver) SetupOutput(pin int, drive DriveStrength, initial Level) error {
	debug.GPIO("SetupOutput", pin, initial)

	p := rpio.Pin(pin)
	r.pins[pin] = p
	p.Output()
	if initial == High {
		p.High()
	} else {
		p.Low()
	}

	// Drive strength is a pad setting, not per pin, and is not
	// exposed by go-rpio; a failure here leaves the pad at its
	// default and the device still works, so only log it.
	if err := setDriveStrength(drive); err != nil {
		debug.Error(fmt.Errorf("pin %d: drive strength not set: %w (do you need sudo?)", pin, err))
	}

	return nil
}

func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	p, ok := r.pins[pin]
	if !ok {
		if err := r.SetupInput(pin, BiasNone); err != nil {
			return Low, err
		}
		p = r.pins[pin]
	}

	if p.Read() == rpio.High {
		return High, nil
	}
	return Low, nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)

	p, ok := r.pins[pin]
	if !ok {
		if err := r.SetupOutput(pin, Drive2mA, level); err != nil {
			return err
		}
		return nil
	}

	if level == High {
		p.High()
	} else {
		p.Low()
	}

	return nil
}

func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	// Reset all pins to input (safe state)
	for pin, p := range r.pins {
		debug.Verbose("Resetting pin %d to input", pin)
		p.Input()
	}

	return rpio.Close()
}

// setDriveStrength raises the pad drive strength for the bank holding
// GPIOs 0-27, which covers every pin on the header. The drive strength
// is never lowered: the register is shared across the bank, so a later
// low-current pin must not undo a higher setting already applied.
func setDriveStrength(drive DriveStrength) error {
	memFd, err := unix.Open("/dev/mem", unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return fmt.Errorf("open /dev/mem: %w", err)
	}
	defer unix.Close(memFd)

	pageSize := int64(os.Getpagesize())
	base := (padControlAddress / pageSize) * pageSize
	offset := padControlAddress - base

	mem, err := unix.Mmap(memFd, base, int(offset)+4,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap pad control register: %w", err)
	}
	defer unix.Munmap(mem)

	reg := (*uint32)(unsafe.Pointer(&mem[offset]))
	value := *reg
	if DriveStrength(value&0x07) < drive {
		// Bits 3 and 4 carry the slew-rate and hysteresis settings;
		// preserve them when writing the new drive strength.
		*reg = (value & 0x18) | padControlPassword | uint32(drive)
	}

	return nil
}
