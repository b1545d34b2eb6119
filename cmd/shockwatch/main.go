package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/shockwatch/internal/alarm"
	"codeberg.org/mutker/shockwatch/internal/buzzer"
	"codeberg.org/mutker/shockwatch/internal/clock"
	"codeberg.org/mutker/shockwatch/internal/config"
	"codeberg.org/mutker/shockwatch/internal/errors"
	"codeberg.org/mutker/shockwatch/internal/logger"
	"codeberg.org/mutker/shockwatch/internal/monitor"
	"codeberg.org/mutker/shockwatch/internal/pid"
	"codeberg.org/mutker/shockwatch/internal/sensor"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// alarmPort is the alarm output as seen by main: the monitor drives it and
// cleanup releases it.
type alarmPort interface {
	monitor.Alarm
	Halt() error
}

var (
	cfg     *config.Config
	pidFile *pid.File
	device  sensor.Sensor
	output  alarmPort
	bus     io.Closer
	mon     *monitor.Monitor
)

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	errFactory := errors.New()

	pidFile = pid.New("")
	if err := pidFile.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}

	if err := setup(); err != nil {
		var coded errors.Error
		if !errors.As(err, &coded) {
			coded = errFactory.Wrap(errors.ErrInitApp, err)
		}
		logger.ErrorWithCode(coded).Msg("failed to initialize")
		cleanup()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	exitCode := 0
	if err := mon.Run(ctx); err != nil {
		var coded errors.Error
		if !errors.As(err, &coded) {
			coded = errFactory.Wrap(errors.ErrMainLoop, err)
		}
		logger.ErrorWithCode(coded).Msg("error in main loop")
		exitCode = 1
	}

	cleanup()
	os.Exit(exitCode)
}

func setup() error {
	errFactory := errors.New()

	if cfg.Sensor.Driver == sensor.DriverADXL345 || !cfg.Monitor {
		if _, err := host.Init(); err != nil {
			return errFactory.Wrap(errors.ErrInitHost, err)
		}
	}

	var err error
	if device, err = openSensor(); err != nil {
		return err
	}

	if output, err = openAlarm(); err != nil {
		return err
	}

	ctrl := alarm.NewController(float32(cfg.Threshold), clock.FromDuration(cfg.AlarmDuration))

	mon, err = monitor.New(device, output, clock.NewSystem(), ctrl, monitor.Options{
		SamplePeriod: cfg.SamplePeriod,
		Policy:       monitor.ReadErrorPolicy(cfg.ReadErrorPolicy),
		Retries:      cfg.ReadRetries,
	}, logger.Default().With("monitor"))
	if err != nil {
		return err
	}

	if cfg.Monitor {
		logger.Info().Msg("Monitor mode activated. Alarm decisions are logged only.")
	}

	return nil
}

func openSensor() (sensor.Sensor, error) {
	log := logger.Default().With("sensor")

	switch cfg.Sensor.Driver {
	case sensor.DriverReplay:
		r, err := sensor.OpenReplay(sensor.ReplayOpts{
			Path: cfg.Sensor.Trace,
			Loop: cfg.Sensor.Loop,
		}, log)
		if err != nil {
			return nil, err
		}

		return r, nil
	case sensor.DriverADXL345:
		b, err := i2creg.Open(cfg.Sensor.Bus)
		if err != nil {
			return nil, errors.New().Wrap(sensor.ErrInitFailed, err)
		}
		bus = b

		d, err := sensor.NewADXL345(b, sensor.ADXL345Opts{
			Addr:  cfg.Sensor.Address,
			Range: cfg.Sensor.Range,
		}, log)
		if err != nil {
			return nil, err
		}

		return d, nil
	default:
		return nil, errors.New().WithData(sensor.ErrUnknownDriver, cfg.Sensor.Driver)
	}
}

func openAlarm() (alarmPort, error) {
	log := logger.Default().With("buzzer")

	if cfg.Monitor {
		return buzzer.NewDryRun(log), nil
	}

	pin := gpioreg.ByName(cfg.Alarm.Pin)
	if pin == nil {
		return nil, errors.New().WithData(buzzer.ErrPinNotFound, cfg.Alarm.Pin)
	}

	return buzzer.New(pin, cfg.Alarm.ActiveLow, log), nil
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func cleanup() {
	if mon != nil {
		if err := mon.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("failed to silence alarm")
		}
		stats := mon.Stats()
		logger.Info().
			Uint64("cycles", stats.Cycles).
			Uint64("read_failures", stats.ReadFailures).
			Uint64("activations", stats.Activations).
			Uint64("overruns", stats.Overruns).
			Uint64("alarm_write_failures", stats.AlarmWriteFailures).
			Msg("Monitor stopped")
	}
	if output != nil {
		if err := output.Halt(); err != nil {
			logger.Error().Err(err).Msg("failed to release alarm pin")
		}
	}
	if device != nil {
		if err := device.Halt(); err != nil {
			logger.Error().Err(err).Msg("failed to halt sensor")
		}
	}
	if bus != nil {
		if err := bus.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close I2C bus")
		}
	}
	if pidFile != nil {
		if err := pidFile.Remove(); err != nil {
			logger.Error().Err(err).Msg("failed to remove PID file")
		}
	}
	logger.Info().Msg("Exiting...")
}
