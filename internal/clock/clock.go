// Package clock provides the wrapping millisecond tick counter the monitor
// schedules against, and a system-backed implementation of it.
package clock

import (
	"context"
	"math"
	"time"

	"codeberg.org/mutker/shockwatch/internal/errors"
)

// Resolution is the duration of one Tick.
const Resolution = time.Millisecond

// Tick is a free-running millisecond counter. It wraps to zero after
// math.MaxUint32, so ticks must only be compared through Sub and Before.
type Tick uint32

// Sub returns the number of ticks elapsed from start to t. The result is
// correct as long as fewer than 2^32 ticks separate the two readings.
func (t Tick) Sub(start Tick) Tick {
	return t - start
}

// Add returns t advanced by d ticks, wrapping as the counter does.
func (t Tick) Add(d Tick) Tick {
	return t + d
}

// Before reports whether t is strictly earlier than u, assuming the two are
// less than half the counter range apart.
func (t Tick) Before(u Tick) bool {
	return int32(t-u) < 0
}

// Duration converts a tick count into a time.Duration.
func (t Tick) Duration() time.Duration {
	return time.Duration(t) * Resolution
}

// FromDuration converts d into ticks, rounding up so that a non-zero
// duration never becomes zero ticks. Negative durations map to zero and
// durations beyond the counter range saturate.
func FromDuration(d time.Duration) Tick {
	if d <= 0 {
		return 0
	}

	ticks := (d + Resolution - 1) / Resolution
	if ticks > math.MaxUint32 {
		return math.MaxUint32
	}

	return Tick(ticks)
}

// System is a Clock backed by the host's monotonic clock.
type System struct {
	origin Tick
	start  time.Time
}

// NewSystem returns a clock whose counter starts at zero now.
func NewSystem() *System {
	return NewSystemAt(0)
}

// NewSystemAt returns a clock whose counter reads origin now.
func NewSystemAt(origin Tick) *System {
	return &System{
		origin: origin,
		start:  time.Now(),
	}
}

// Now returns the current tick.
func (s *System) Now() Tick {
	elapsed := time.Since(s.start) / Resolution

	//nolint:gosec // G115: truncation is the wrap we want
	return s.origin + Tick(uint64(elapsed))
}

// WaitUntil blocks until the counter reaches deadline or ctx is done. A
// deadline already in the past returns immediately.
func (s *System) WaitUntil(ctx context.Context, deadline Tick) error {
	now := s.Now()
	if !now.Before(deadline) {
		return nil
	}

	timer := time.NewTimer(deadline.Sub(now).Duration())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return errors.New().Wrap(errors.ErrClockWait, ctx.Err())
	case <-timer.C:
		return nil
	}
}
