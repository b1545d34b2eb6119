// Package monitor runs the sampling loop: every sample period it reads the
// sensor, evaluates the magnitude, lets the alarm controller decide and
// drives the alarm output with the result.
package monitor

import (
	"context"
	"time"

	"codeberg.org/mutker/shockwatch/internal/accel"
	"codeberg.org/mutker/shockwatch/internal/alarm"
	"codeberg.org/mutker/shockwatch/internal/clock"
	"codeberg.org/mutker/shockwatch/internal/errors"
	"codeberg.org/mutker/shockwatch/internal/logger"
	"codeberg.org/mutker/shockwatch/internal/sensor"
)

// Options configures the loop.
type Options struct {
	SamplePeriod time.Duration
	Policy       ReadErrorPolicy
	// Retries is the number of extra reads per cycle under PolicyRetry.
	Retries int
}

// Cycle describes one completed loop iteration.
type Cycle struct {
	Now       clock.Tick
	Sample    accel.Sample
	Magnitude float32
	Decision  alarm.Decision
	// Attempts is the number of sensor reads made this cycle.
	Attempts int
	// ReadErr is set when the sample was dropped and the cycle ran on timing alone.
	ReadErr error
}

// Stats are in-memory counters for the lifetime of a Monitor.
type Stats struct {
	Cycles             uint64
	ReadFailures       uint64
	Activations        uint64
	Overruns           uint64
	AlarmWriteFailures uint64
}

// Monitor owns the alarm controller and the three ports. It is driven from a
// single goroutine.
type Monitor struct {
	sensor  Sensor
	alarm   Alarm
	clock   Clock
	ctrl    *alarm.Controller
	period  clock.Tick
	policy  ReadErrorPolicy
	retries int
	logger  logger.Logger
	stats   Stats
}

// New validates opts and wires the loop.
func New(s Sensor, a Alarm, c Clock, ctrl *alarm.Controller, opts Options, log logger.Logger) (*Monitor, error) {
	errFactory := errors.New()

	if s == nil || a == nil || c == nil || ctrl == nil {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "sensor, alarm, clock and controller are required")
	}

	period := clock.FromDuration(opts.SamplePeriod)
	if period == 0 {
		return nil, errFactory.WithData(errors.ErrInvalidInterval, opts.SamplePeriod)
	}

	policy := opts.Policy
	if policy == "" {
		policy = PolicySkip
	}
	if !policy.IsValid() {
		return nil, errFactory.WithData(ErrInvalidPolicy, opts.Policy)
	}

	if opts.Retries < 0 {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "retries must not be negative")
	}

	if log == nil {
		log = logger.Default()
	}

	return &Monitor{
		sensor:  s,
		alarm:   a,
		clock:   c,
		ctrl:    ctrl,
		period:  period,
		policy:  policy,
		retries: opts.Retries,
		logger:  log,
	}, nil
}

// Run executes cycles at the sample period until ctx is done, the sensor
// input ends, or a read fails under PolicyHalt. Deadlines are laid on a fixed
// grid from the first cycle so that cycle duration never accumulates as drift.
func (m *Monitor) Run(ctx context.Context) error {
	next := m.clock.Now()

	m.logger.Info().
		Float32("threshold", m.ctrl.Threshold()).
		Dur("alarm_duration", m.ctrl.Duration().Duration()).
		Dur("sample_period", m.period.Duration()).
		Str("read_error_policy", m.policy.String()).
		Msg("Sampling loop started")

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := m.clock.WaitUntil(ctx, next); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		if _, err := m.Step(); err != nil {
			if errors.HasCode(err, sensor.ErrTraceExhausted) {
				m.logger.Info().Uint64("cycles", m.stats.Cycles).Msg("Sensor input ended")
				return nil
			}

			return err
		}

		next = m.schedule(next)
	}
}

// Step runs a single cycle immediately.
func (m *Monitor) Step() (Cycle, error) {
	now := m.clock.Now()
	cycle := Cycle{Now: now}

	sample, attempts, err := m.read()
	cycle.Attempts = attempts
	m.stats.Cycles++

	if err != nil {
		m.stats.ReadFailures++
		cycle.ReadErr = err

		if m.policy == PolicyHalt && !errors.HasCode(err, sensor.ErrTraceExhausted) {
			cycle.Decision = alarm.Decision{From: m.ctrl.State(), To: alarm.Idle}
			m.ctrl.Reset()
			m.apply(false)

			return cycle, err
		}

		cycle.Decision = m.ctrl.Expire(now)
		m.logTransition(cycle)
		m.apply(cycle.Decision.Output)

		if errors.HasCode(err, sensor.ErrTraceExhausted) {
			return cycle, err
		}

		m.logger.Warn().
			Err(err).
			Int("attempts", attempts).
			Uint32("tick", uint32(now)).
			Bool("output", cycle.Decision.Output).
			Msg("Sample dropped")

		return cycle, nil
	}

	cycle.Sample = sample
	cycle.Magnitude = accel.Magnitude(sample)
	cycle.Decision = m.ctrl.Update(cycle.Magnitude, now)

	m.logTransition(cycle)
	m.apply(cycle.Decision.Output)

	m.logger.Debug().
		Uint32("tick", uint32(now)).
		Float32("x", sample.X).
		Float32("y", sample.Y).
		Float32("z", sample.Z).
		Float32("magnitude", cycle.Magnitude).
		Str("state", cycle.Decision.To.String()).
		Bool("output", cycle.Decision.Output).
		Msg("")

	return cycle, nil
}

// Shutdown forces the controller idle and the alarm off.
func (m *Monitor) Shutdown() error {
	m.ctrl.Reset()

	if err := m.alarm.Set(false); err != nil {
		return errors.New().Wrap(errors.ErrShutdownPort, err)
	}

	return nil
}

// Stats returns a copy of the loop counters.
func (m *Monitor) Stats() Stats {
	return m.stats
}

// read samples the sensor, retrying within the cycle under PolicyRetry.
func (m *Monitor) read() (accel.Sample, int, error) {
	attempts := 1
	if m.policy == PolicyRetry {
		attempts += m.retries
	}

	var err error
	for i := 1; i <= attempts; i++ {
		sample, readErr := m.sensor.ReadSample()
		if readErr == nil {
			return sample, i, nil
		}

		err = readErr
		if errors.HasCode(err, sensor.ErrTraceExhausted) {
			return accel.Sample{}, i, err
		}

		if i < attempts {
			m.logger.Debug().Err(err).Int("attempt", i).Msg("Sensor read failed, retrying")
		}
	}

	if !errors.HasCode(err, errors.ErrReadSample) {
		err = errors.New().Wrap(errors.ErrReadSample, err)
	}

	return accel.Sample{}, attempts, err
}

// apply writes the output level. A failed write is logged and left for the
// next cycle to repeat.
func (m *Monitor) apply(active bool) {
	err := m.alarm.Set(active)
	if err == nil {
		return
	}

	m.stats.AlarmWriteFailures++

	var coded errors.Error
	if !errors.As(err, &coded) {
		coded = errors.New().Wrap(errors.ErrSetAlarm, err)
	}
	m.logger.ErrorWithCode(coded).Bool("active", active).Msg("Failed to drive alarm output")
}

func (m *Monitor) logTransition(cycle Cycle) {
	switch {
	case cycle.Decision.Armed():
		m.stats.Activations++
		m.logger.Info().
			Uint32("tick", uint32(cycle.Now)).
			Float32("magnitude", cycle.Magnitude).
			Float32("threshold", m.ctrl.Threshold()).
			Msg("Alarm armed")
	case cycle.Decision.Disarmed():
		m.logger.Info().
			Uint32("tick", uint32(cycle.Now)).
			Msg("Alarm released")
	}
}

// schedule returns the deadline following prev. Deadlines that have already
// passed are skipped so the loop stays on the prev + k*period grid.
func (m *Monitor) schedule(prev clock.Tick) clock.Tick {
	next := prev.Add(m.period)

	now := m.clock.Now()
	if next.Before(now) {
		missed := now.Sub(next)/m.period + 1
		m.stats.Overruns++
		m.logger.Warn().
			Uint32("missed", uint32(missed)).
			Dur("lag", now.Sub(next).Duration()).
			Msg("Cycle overran its sample period")
		next = next.Add(missed * m.period)
	}

	return next
}
