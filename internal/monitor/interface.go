package monitor

import (
	"context"

	"codeberg.org/mutker/shockwatch/internal/accel"
	"codeberg.org/mutker/shockwatch/internal/clock"
)

// Sensor provides one acceleration sample per call.
type Sensor interface {
	ReadSample() (accel.Sample, error)
}

// Alarm drives the alarm output. Set must be idempotent.
type Alarm interface {
	Set(active bool) error
}

// Clock provides the tick counter and the blocking wait between cycles.
type Clock interface {
	Now() clock.Tick
	WaitUntil(ctx context.Context, deadline clock.Tick) error
}
