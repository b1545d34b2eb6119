// Package buzzer drives the alarm output.
package buzzer

import (
	"sync"

	"codeberg.org/mutker/shockwatch/internal/errors"
	"codeberg.org/mutker/shockwatch/internal/logger"
	"periph.io/x/conn/v3/gpio"
)

// DefaultPin is the GPIO the buzzer is wired to unless configured otherwise.
const DefaultPin = "GPIO5"

const (
	ErrPinNotFound = errors.ErrorCode("buzzer_pin_not_found")
	ErrSetFailed   = errors.ErrSetAlarm
)

// Buzzer drives a buzzer on a GPIO output pin. Set is idempotent: the pin is
// only written when the requested level differs from the last level written.
type Buzzer struct {
	pin       gpio.PinOut
	activeLow bool
	active    bool
	written   bool
	logger    logger.Logger
	mu        sync.Mutex
}

// New returns a Buzzer on pin. With activeLow the pin is driven low to sound.
func New(pin gpio.PinOut, activeLow bool, log logger.Logger) *Buzzer {
	return &Buzzer{
		pin:       pin,
		activeLow: activeLow,
		logger:    log,
	}
}

// Set drives the buzzer on or off.
func (b *Buzzer) Set(active bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.written && b.active == active {
		return nil
	}

	if err := b.pin.Out(b.level(active)); err != nil {
		return errors.New().Wrap(ErrSetFailed, err)
	}

	b.active = active
	b.written = true
	b.logger.Debug().Str("pin", b.pin.Name()).Bool("active", active).Msg("Buzzer output changed")

	return nil
}

// Active returns the last level successfully written.
func (b *Buzzer) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.active
}

// Halt silences the buzzer regardless of the cached level.
func (b *Buzzer) Halt() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.pin.Out(b.level(false)); err != nil {
		return errors.New().Wrap(ErrSetFailed, err)
	}

	b.active = false
	b.written = true

	return nil
}

func (b *Buzzer) level(active bool) gpio.Level {
	if b.activeLow {
		return gpio.Level(!active)
	}

	return gpio.Level(active)
}

// DryRun stands in for a Buzzer in monitor mode: it records and logs the
// requested level without touching any pin.
type DryRun struct {
	active bool
	logger logger.Logger
}

// NewDryRun returns a DryRun port.
func NewDryRun(log logger.Logger) *DryRun {
	return &DryRun{logger: log}
}

// Set logs level changes.
func (d *DryRun) Set(active bool) error {
	if d.active != active {
		d.logger.Info().Bool("active", active).Msg("Alarm output (monitor mode, pin untouched)")
	}
	d.active = active

	return nil
}

// Active returns the last requested level.
func (d *DryRun) Active() bool {
	return d.active
}

// Halt resets the requested level.
func (d *DryRun) Halt() error {
	return d.Set(false)
}
