package sensor

import "codeberg.org/mutker/shockwatch/internal/accel"

// Sensor produces acceleration samples. ReadSample is synchronous and either
// returns a fully populated reading or an error.
type Sensor interface {
	ReadSample() (accel.Sample, error)
	Halt() error
}

// Driver names accepted in configuration.
const (
	DriverADXL345 = "adxl345"
	DriverReplay  = "replay"
)
