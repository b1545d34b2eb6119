package monitor_test

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"codeberg.org/mutker/shockwatch/internal/accel"
	"codeberg.org/mutker/shockwatch/internal/alarm"
	"codeberg.org/mutker/shockwatch/internal/clock"
	"codeberg.org/mutker/shockwatch/internal/errors"
	"codeberg.org/mutker/shockwatch/internal/logger"
	"codeberg.org/mutker/shockwatch/internal/monitor"
	"codeberg.org/mutker/shockwatch/internal/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock jumps straight to every deadline it is asked to wait for.
type fakeClock struct {
	now       clock.Tick
	waits     int
	stopAfter int
	cancel    context.CancelFunc
}

func (c *fakeClock) Now() clock.Tick {
	return c.now
}

func (c *fakeClock) WaitUntil(ctx context.Context, deadline clock.Tick) error {
	if err := ctx.Err(); err != nil {
		return errors.New().Wrap(errors.ErrClockWait, err)
	}

	if c.now.Before(deadline) {
		c.now = deadline
	}

	c.waits++
	if c.stopAfter > 0 && c.waits >= c.stopAfter && c.cancel != nil {
		c.cancel()
	}

	return nil
}

// scriptedSensor answers read i with script(i). It can also advance the
// clock to simulate a slow bus transaction.
type scriptedSensor struct {
	script  func(i int) (accel.Sample, error)
	reads   int
	clk     *fakeClock
	cost    clock.Tick
	readAts []clock.Tick
}

func (s *scriptedSensor) ReadSample() (accel.Sample, error) {
	if s.clk != nil {
		s.readAts = append(s.readAts, s.clk.now)
		s.clk.now = s.clk.now.Add(s.cost)
	}

	i := s.reads
	s.reads++

	return s.script(i)
}

type recordingAlarm struct {
	levels []bool
	fail   error
}

func (a *recordingAlarm) Set(active bool) error {
	if a.fail != nil {
		return a.fail
	}
	a.levels = append(a.levels, active)

	return nil
}

func (a *recordingAlarm) last() bool {
	return a.levels[len(a.levels)-1]
}

func magnitudeOf(g float32) accel.Sample {
	return accel.Sample{Z: g}
}

var errBus = fmt.Errorf("i2c: remote I/O error")

func exhausted() error {
	return errors.New().New(sensor.ErrTraceExhausted)
}

func newMonitor(t *testing.T, s monitor.Sensor, a monitor.Alarm, c monitor.Clock, opts monitor.Options) (*monitor.Monitor, *alarm.Controller) {
	t.Helper()

	ctrl := alarm.NewController(8.0, clock.FromDuration(10*time.Second))
	if opts.SamplePeriod == 0 {
		opts.SamplePeriod = 10 * time.Millisecond
	}

	m, err := monitor.New(s, a, c, ctrl, opts, logger.Nop())
	require.NoError(t, err)

	return m, ctrl
}

// runScenario drives 100 quiet cycles, one 12 g spike, then quiet cycles with
// a second spike in the middle of the window, for total cycles.
func runScenario(t *testing.T, start clock.Tick, total int) []bool {
	t.Helper()

	clk := &fakeClock{now: start}
	s := &scriptedSensor{script: func(i int) (accel.Sample, error) {
		switch {
		case i >= total:
			return accel.Sample{}, exhausted()
		case i == 100, i == 600:
			return magnitudeOf(12), nil
		default:
			return magnitudeOf(2), nil
		}
	}}
	a := &recordingAlarm{}
	m, _ := newMonitor(t, s, a, clk, monitor.Options{})

	require.NoError(t, m.Run(context.Background()))

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Activations)
	assert.Equal(t, uint64(0), stats.Overruns)

	return a.levels[:total]
}

func assertScenario(t *testing.T, levels []bool) {
	t.Helper()

	for i := 0; i < 100; i++ {
		require.False(t, levels[i], "cycle %d", i+1)
	}
	for i := 100; i < 1100; i++ {
		require.True(t, levels[i], "cycle %d", i+1)
	}
	for i := 1100; i < len(levels); i++ {
		require.False(t, levels[i], "cycle %d", i+1)
	}
}

func TestScenarioTenSecondWindow(t *testing.T) {
	levels := runScenario(t, 0, 1500)

	on := 0
	for _, l := range levels {
		if l {
			on++
		}
	}
	assert.Equal(t, 1000, on)
	assertScenario(t, levels)
}

func TestScenarioAcrossCounterWrap(t *testing.T) {
	// The window opens 2 s before the counter wraps and closes 8 s after.
	start := clock.Tick(math.MaxUint32 - 2999)
	assertScenario(t, runScenario(t, start, 1500))
}

func TestStepArmsWithActivationTick(t *testing.T) {
	clk := &fakeClock{now: 4242}
	s := &scriptedSensor{script: func(int) (accel.Sample, error) {
		return accel.Sample{X: 6, Y: 8}, nil
	}}
	a := &recordingAlarm{}
	m, ctrl := newMonitor(t, s, a, clk, monitor.Options{})

	cycle, err := m.Step()
	require.NoError(t, err)
	assert.InDelta(t, 10.0, cycle.Magnitude, 1e-6)
	assert.True(t, cycle.Decision.Armed())
	assert.Equal(t, []bool{true}, a.levels)

	at, ok := ctrl.ActivatedAt()
	require.True(t, ok)
	assert.Equal(t, clock.Tick(4242), at)
}

func TestSkipPolicyNeverArmsOnFailure(t *testing.T) {
	clk := &fakeClock{}
	s := &scriptedSensor{script: func(int) (accel.Sample, error) {
		return accel.Sample{}, errBus
	}}
	a := &recordingAlarm{}
	m, ctrl := newMonitor(t, s, a, clk, monitor.Options{Policy: monitor.PolicySkip})

	cycle, err := m.Step()
	require.NoError(t, err)
	require.Error(t, cycle.ReadErr)
	assert.True(t, errors.HasCode(cycle.ReadErr, errors.ErrReadSample))
	assert.Equal(t, alarm.Idle, ctrl.State())
	assert.Equal(t, []bool{false}, a.levels)
	assert.Equal(t, uint64(1), m.Stats().ReadFailures)
}

func TestSkipPolicyStillExpiresWindow(t *testing.T) {
	clk := &fakeClock{}
	s := &scriptedSensor{script: func(i int) (accel.Sample, error) {
		if i == 0 {
			return magnitudeOf(12), nil
		}
		return accel.Sample{}, errBus
	}}
	a := &recordingAlarm{}
	m, ctrl := newMonitor(t, s, a, clk, monitor.Options{})

	_, err := m.Step()
	require.NoError(t, err)
	require.True(t, a.last())

	clk.now = 9999
	_, err = m.Step()
	require.NoError(t, err)
	assert.True(t, a.last())

	clk.now = 10000
	cycle, err := m.Step()
	require.NoError(t, err)
	assert.True(t, cycle.Decision.Disarmed())
	assert.False(t, a.last())
	assert.Equal(t, alarm.Idle, ctrl.State())
}

func TestRetryPolicy(t *testing.T) {
	failures := 2
	s := &scriptedSensor{script: func(i int) (accel.Sample, error) {
		if i < failures {
			return accel.Sample{}, errBus
		}
		return magnitudeOf(12), nil
	}}
	a := &recordingAlarm{}
	m, _ := newMonitor(t, s, a, &fakeClock{}, monitor.Options{Policy: monitor.PolicyRetry, Retries: 2})

	cycle, err := m.Step()
	require.NoError(t, err)
	assert.NoError(t, cycle.ReadErr)
	assert.Equal(t, 3, cycle.Attempts)
	assert.True(t, cycle.Decision.Armed())
	assert.Equal(t, uint64(0), m.Stats().ReadFailures)
}

func TestRetryPolicyFallsBackToSkip(t *testing.T) {
	s := &scriptedSensor{script: func(int) (accel.Sample, error) {
		return accel.Sample{}, errBus
	}}
	a := &recordingAlarm{}
	m, _ := newMonitor(t, s, a, &fakeClock{}, monitor.Options{Policy: monitor.PolicyRetry, Retries: 1})

	cycle, err := m.Step()
	require.NoError(t, err)
	assert.Equal(t, 2, cycle.Attempts)
	assert.Equal(t, 2, s.reads)
	assert.ErrorIs(t, cycle.ReadErr, errBus)
	assert.Equal(t, []bool{false}, a.levels)
}

func TestHaltPolicyForcesAlarmOff(t *testing.T) {
	clk := &fakeClock{}
	s := &scriptedSensor{script: func(i int) (accel.Sample, error) {
		if i == 0 {
			return magnitudeOf(12), nil
		}
		return accel.Sample{}, errBus
	}}
	a := &recordingAlarm{}
	m, ctrl := newMonitor(t, s, a, clk, monitor.Options{Policy: monitor.PolicyHalt})

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrReadSample))
	assert.Equal(t, []bool{true, false}, a.levels)
	assert.Equal(t, alarm.Idle, ctrl.State())
}

func TestAlarmWriteFailureIsRepeated(t *testing.T) {
	s := &scriptedSensor{script: func(int) (accel.Sample, error) {
		return magnitudeOf(12), nil
	}}
	a := &recordingAlarm{fail: errors.New().New(errors.ErrSetAlarm)}
	m, _ := newMonitor(t, s, a, &fakeClock{}, monitor.Options{})

	_, err := m.Step()
	require.NoError(t, err)
	assert.Empty(t, a.levels)
	assert.Equal(t, uint64(1), m.Stats().AlarmWriteFailures)

	a.fail = nil
	_, err = m.Step()
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, a.levels)
}

func TestScheduleDoesNotDrift(t *testing.T) {
	clk := &fakeClock{now: 500}
	s := &scriptedSensor{clk: clk, cost: 3, script: func(i int) (accel.Sample, error) {
		if i >= 50 {
			return accel.Sample{}, exhausted()
		}
		return magnitudeOf(1), nil
	}}
	m, _ := newMonitor(t, s, &recordingAlarm{}, clk, monitor.Options{})

	require.NoError(t, m.Run(context.Background()))

	for i, at := range s.readAts {
		require.Equal(t, clock.Tick(500+10*i), at, "cycle %d", i)
	}
	assert.Equal(t, uint64(0), m.Stats().Overruns)
}

func TestScheduleSkipsMissedDeadlines(t *testing.T) {
	clk := &fakeClock{}
	s := &scriptedSensor{clk: clk, cost: 25, script: func(i int) (accel.Sample, error) {
		if i >= 5 {
			return accel.Sample{}, exhausted()
		}
		return magnitudeOf(1), nil
	}}
	m, _ := newMonitor(t, s, &recordingAlarm{}, clk, monitor.Options{})

	require.NoError(t, m.Run(context.Background()))

	assert.Equal(t, []clock.Tick{0, 30, 60, 90, 120, 150}, s.readAts)
	assert.Equal(t, uint64(5), m.Stats().Overruns)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := &fakeClock{stopAfter: 20, cancel: cancel}
	s := &scriptedSensor{script: func(int) (accel.Sample, error) {
		return magnitudeOf(1), nil
	}}
	m, _ := newMonitor(t, s, &recordingAlarm{}, clk, monitor.Options{})

	require.NoError(t, m.Run(ctx))
	assert.Equal(t, 20, s.reads)
	assert.Equal(t, uint64(20), m.Stats().Cycles)
}

func TestShutdownForcesIdle(t *testing.T) {
	s := &scriptedSensor{script: func(int) (accel.Sample, error) {
		return magnitudeOf(12), nil
	}}
	a := &recordingAlarm{}
	m, ctrl := newMonitor(t, s, a, &fakeClock{}, monitor.Options{})

	_, err := m.Step()
	require.NoError(t, err)
	require.Equal(t, alarm.Active, ctrl.State())

	require.NoError(t, m.Shutdown())
	assert.Equal(t, alarm.Idle, ctrl.State())
	assert.False(t, a.last())
}

func TestNewValidation(t *testing.T) {
	ctrl := alarm.NewController(8, 10000)
	s := &scriptedSensor{}
	a := &recordingAlarm{}
	c := &fakeClock{}

	_, err := monitor.New(s, a, c, ctrl, monitor.Options{}, logger.Nop())
	assert.True(t, errors.HasCode(err, errors.ErrInvalidInterval))

	_, err = monitor.New(s, a, c, ctrl, monitor.Options{SamplePeriod: time.Millisecond, Policy: "panic"}, logger.Nop())
	assert.True(t, errors.HasCode(err, monitor.ErrInvalidPolicy))

	_, err = monitor.New(s, a, c, ctrl, monitor.Options{SamplePeriod: time.Millisecond, Retries: -1}, logger.Nop())
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))

	_, err = monitor.New(nil, a, c, ctrl, monitor.Options{SamplePeriod: time.Millisecond}, logger.Nop())
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestParsePolicy(t *testing.T) {
	for _, name := range []string{"skip", "retry", "halt", " HALT "} {
		p, err := monitor.ParsePolicy(name)
		require.NoError(t, err, name)
		assert.True(t, p.IsValid())
	}

	_, err := monitor.ParsePolicy("ignore")
	assert.True(t, errors.HasCode(err, monitor.ErrInvalidPolicy))
}
