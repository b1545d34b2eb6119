package sensor

import (
	"encoding/binary"
	"fmt"

	"codeberg.org/mutker/shockwatch/internal/accel"
	"codeberg.org/mutker/shockwatch/internal/errors"
	"codeberg.org/mutker/shockwatch/internal/logger"
	"periph.io/x/conn/v3/i2c"
)

// ADXL345 register map (subset).
const (
	regDEVID      = 0x00
	regPOWERCTL   = 0x2D
	regDATAFORMAT = 0x31
	regDATAX0     = 0x32 // X0, X1, Y0, Y1, Z0, Z1, little-endian
)

const (
	// DefaultAddr is the ADXL345 address with SDO/ALT ADDRESS tied low.
	DefaultAddr = 0x53
	// DefaultRange is the measurement range in g.
	DefaultRange = 16

	deviceID     = 0xE5
	powerMeasure = 0x08
	powerStandby = 0x00
	fullRes      = 0x08

	// In full resolution mode every range keeps 4 mg/LSB.
	gPerLSB = 0.004
)

// rangeBits maps the measurement range in g onto DATA_FORMAT bits 1..0.
var rangeBits = map[int]byte{
	2:  0b00,
	4:  0b01,
	8:  0b10,
	16: 0b11,
}

// ADXL345Opts holds initialization options.
type ADXL345Opts struct {
	// Addr is the I2C address, DefaultAddr when zero.
	Addr uint16
	// Range is the measurement range in g: 2, 4, 8 or 16. DefaultRange when zero.
	Range int
}

// ADXL345 reads an ADXL345 accelerometer over I2C.
type ADXL345 struct {
	dev    i2c.Dev
	rng    int
	logger logger.Logger
}

// NewADXL345 verifies the device ID and puts the sensor in measurement mode
// with full resolution at the requested range.
func NewADXL345(bus i2c.Bus, opts ADXL345Opts, log logger.Logger) (*ADXL345, error) {
	errFactory := errors.New()

	addr := opts.Addr
	if addr == 0 {
		addr = DefaultAddr
	}

	rng := opts.Range
	if rng == 0 {
		rng = DefaultRange
	}

	bits, ok := rangeBits[rng]
	if !ok {
		return nil, errFactory.WithData(ErrInvalidRange, rng)
	}

	d := &ADXL345{
		dev:    i2c.Dev{Addr: addr, Bus: bus},
		rng:    rng,
		logger: log,
	}

	id := make([]byte, 1)
	if err := d.readRegBlock(regDEVID, id); err != nil {
		return nil, errFactory.Wrap(ErrInitFailed, err)
	}
	if id[0] != deviceID {
		return nil, errFactory.WithData(ErrDeviceMismatch, fmt.Sprintf("devid 0x%02X at 0x%02X", id[0], addr))
	}

	if err := d.writeReg(regDATAFORMAT, fullRes|bits); err != nil {
		return nil, errFactory.Wrap(ErrInitFailed, err)
	}

	if err := d.writeReg(regPOWERCTL, powerMeasure); err != nil {
		return nil, errFactory.Wrap(ErrInitFailed, err)
	}

	log.Info().
		Str("bus", bus.String()).
		Uint16("addr", addr).
		Int("range_g", rng).
		Msg("ADXL345 initialized")

	return d, nil
}

// ReadSample reads the three axes in one burst and scales them to g.
func (d *ADXL345) ReadSample() (accel.Sample, error) {
	x, y, z, err := d.SenseRaw()
	if err != nil {
		return accel.Sample{}, err
	}

	return accel.Sample{
		X: float32(x) * gPerLSB,
		Y: float32(y) * gPerLSB,
		Z: float32(z) * gPerLSB,
	}, nil
}

// SenseRaw returns the raw signed counts for X, Y and Z.
func (d *ADXL345) SenseRaw() (int16, int16, int16, error) {
	data := make([]byte, 6)
	if err := d.readRegBlock(regDATAX0, data); err != nil {
		return 0, 0, 0, errors.New().Wrap(ErrReadFailed, err)
	}

	//nolint:gosec // G115: two's complement reinterpretation
	x := int16(binary.LittleEndian.Uint16(data[0:2]))
	//nolint:gosec // G115: two's complement reinterpretation
	y := int16(binary.LittleEndian.Uint16(data[2:4]))
	//nolint:gosec // G115: two's complement reinterpretation
	z := int16(binary.LittleEndian.Uint16(data[4:6]))

	return x, y, z, nil
}

// Range returns the configured measurement range in g.
func (d *ADXL345) Range() int {
	return d.rng
}

// Halt puts the sensor in standby.
func (d *ADXL345) Halt() error {
	if err := d.writeReg(regPOWERCTL, powerStandby); err != nil {
		return errors.New().Wrap(ErrHaltFailed, err)
	}
	d.logger.Debug().Msg("ADXL345 in standby")

	return nil
}

func (d *ADXL345) String() string {
	return fmt.Sprintf("ADXL345{%s}", d.dev.String())
}

func (d *ADXL345) writeReg(reg, val byte) error {
	if err := d.dev.Tx([]byte{reg, val}, nil); err != nil {
		return errors.New().Wrap(ErrRegisterAccess, fmt.Errorf("write 0x%02X: %w", reg, err))
	}

	return nil
}

func (d *ADXL345) readRegBlock(reg byte, out []byte) error {
	if err := d.dev.Tx([]byte{reg}, out); err != nil {
		return errors.New().Wrap(ErrRegisterAccess, fmt.Errorf("read 0x%02X: %w", reg, err))
	}

	return nil
}
