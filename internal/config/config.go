package config

import (
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/shockwatch/internal/buzzer"
	"codeberg.org/mutker/shockwatch/internal/errors"
	"codeberg.org/mutker/shockwatch/internal/monitor"
	"codeberg.org/mutker/shockwatch/internal/sensor"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigPath      = "/etc/shockwatch.toml"
	DefaultEnvPrefix       = "SHOCKWATCH"
	DefaultThreshold       = 8.0
	DefaultAlarmDuration   = 10 * time.Second
	DefaultSamplePeriod    = 10 * time.Millisecond
	DefaultReadErrorPolicy = string(monitor.PolicySkip)
	DefaultReadRetries     = 2
	DefaultLogLevel        = string(LogLevelInfo)

	maxReadRetries = 10
	// Durations must stay under half the millisecond tick counter range.
	maxDuration = time.Duration(math.MaxInt32) * time.Millisecond
)

// ErrHelp is returned by Load when --help was requested.
var ErrHelp = pflag.ErrHelp

type SensorConfig struct {
	Driver  string `mapstructure:"driver"`
	Bus     string `mapstructure:"bus"`
	Address uint16 `mapstructure:"address"`
	Range   int    `mapstructure:"range"`
	Trace   string `mapstructure:"trace"`
	Loop    bool   `mapstructure:"loop"`
}

type AlarmConfig struct {
	Pin       string `mapstructure:"pin"`
	ActiveLow bool   `mapstructure:"active_low"`
}

type Config struct {
	Threshold       float64       `mapstructure:"threshold"`
	AlarmDuration   time.Duration `mapstructure:"alarm_duration"`
	SamplePeriod    time.Duration `mapstructure:"sample_period"`
	ReadErrorPolicy string        `mapstructure:"read_error_policy"`
	ReadRetries     int           `mapstructure:"read_retries"`
	Monitor         bool          `mapstructure:"monitor"`
	LogLevel        string        `mapstructure:"log_level"`
	Sensor          SensorConfig  `mapstructure:"sensor"`
	Alarm           AlarmConfig   `mapstructure:"alarm"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"threshold":         "threshold",
	"alarm-duration":    "alarm_duration",
	"sample-period":     "sample_period",
	"read-error-policy": "read_error_policy",
	"read-retries":      "read_retries",
	"monitor":           "monitor",
	"log-level":         "log_level",
	"sensor-driver":     "sensor.driver",
	"sensor-bus":        "sensor.bus",
	"sensor-address":    "sensor.address",
	"sensor-range":      "sensor.range",
	"trace":             "sensor.trace",
	"loop":              "sensor.loop",
	"alarm-pin":         "alarm.pin",
	"alarm-active-low":  "alarm.active_low",
}

// Load reads configuration from defaults, the config file, the environment
// and command line flags, in increasing order of precedence, and validates it.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidArgument, err)
		}
	}
	if o.args == nil {
		o.args = os.Args[1:]
	}

	v := viper.New()
	setDefaults(v)

	// Define flags
	fs := pflag.NewFlagSet("shockwatch", pflag.ContinueOnError)
	configFlag := fs.StringP("config", "c", "", "Path to configuration file")
	debugFlag := fs.Bool("debug", false, "Enable debug logging (same as --log-level debug)")
	fs.Float64("threshold", DefaultThreshold, "Acceleration magnitude in g that arms the alarm")
	fs.Duration("alarm-duration", DefaultAlarmDuration, "How long the alarm sounds once armed")
	fs.Duration("sample-period", DefaultSamplePeriod, "Interval between sensor readings")
	fs.String("read-error-policy", DefaultReadErrorPolicy, "Action on a failed sensor read: skip, retry or halt")
	fs.Int("read-retries", DefaultReadRetries, "Extra reads per cycle with the retry policy")
	fs.Bool("monitor", false, "Only log alarm decisions, never drive the buzzer")
	fs.String("log-level", DefaultLogLevel, "Log level: debug, info, warning or error")
	fs.String("sensor-driver", sensor.DriverADXL345, "Sensor driver: adxl345 or replay")
	fs.String("sensor-bus", "", "I2C bus name (empty selects the first bus)")
	fs.Uint16("sensor-address", sensor.DefaultAddr, "I2C address of the accelerometer")
	fs.Int("sensor-range", sensor.DefaultRange, "Measurement range in g: 2, 4, 8 or 16")
	fs.String("trace", "", "Trace file for the replay driver")
	fs.Bool("loop", false, "Loop the replay trace")
	fs.String("alarm-pin", buzzer.DefaultPin, "GPIO driving the buzzer")
	fs.Bool("alarm-active-low", false, "Drive the buzzer pin low to sound")

	// Parse flags
	if err := fs.Parse(o.args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, err
		}
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}
	if *debugFlag {
		v.Set("log_level", string(LogLevelDebug))
	}

	// Environment variables
	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load configuration from file
	path, explicit := resolveConfigPath(o, *configFlag)
	if err := readConfigFile(v, path, explicit); err != nil {
		return nil, err
	}

	// Unmarshal the configuration
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, fmt.Errorf("unmarshal: %w", err))
	}

	config.ReadErrorPolicy = strings.ToLower(strings.TrimSpace(config.ReadErrorPolicy))
	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))
	config.Sensor.Driver = strings.ToLower(strings.TrimSpace(config.Sensor.Driver))
	if config.LogLevel == "warn" {
		config.LogLevel = string(LogLevelWarning)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("threshold", DefaultThreshold)
	v.SetDefault("alarm_duration", DefaultAlarmDuration)
	v.SetDefault("sample_period", DefaultSamplePeriod)
	v.SetDefault("read_error_policy", DefaultReadErrorPolicy)
	v.SetDefault("read_retries", DefaultReadRetries)
	v.SetDefault("monitor", false)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("sensor.driver", sensor.DriverADXL345)
	v.SetDefault("sensor.bus", "")
	v.SetDefault("sensor.address", sensor.DefaultAddr)
	v.SetDefault("sensor.range", sensor.DefaultRange)
	v.SetDefault("sensor.trace", "")
	v.SetDefault("sensor.loop", false)
	v.SetDefault("alarm.pin", buzzer.DefaultPin)
	v.SetDefault("alarm.active_low", false)
}

// resolveConfigPath picks the config file: option, then flag, then the
// <PREFIX>_CONFIG environment variable, then the default path. Only the
// default path may be missing.
func resolveConfigPath(o *options, flagPath string) (string, bool) {
	switch {
	case o.configPath != "":
		return o.configPath, true
	case flagPath != "":
		return flagPath, true
	}

	if env := os.Getenv(o.envPrefix + "_CONFIG"); env != "" {
		return env, true
	}

	return DefaultConfigPath, false
}

func readConfigFile(v *viper.Viper, path string, explicit bool) error {
	if !explicit {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil
		}
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return errors.New().Wrap(errors.ErrReadConfig, err)
	}

	return nil
}

// Validate checks every field and returns the first violation as a coded
// error wrapping a ValidationError.
func (c *Config) Validate() error {
	for _, check := range []func() *validationError{
		c.validateThreshold,
		c.validateTiming,
		c.validatePolicy,
		c.validateLogLevel,
		c.validateSensor,
		c.validateAlarm,
	} {
		if verr := check(); verr != nil {
			code := errors.ErrInvalidConfig
			if verr.field == "log_level" {
				code = errors.ErrInvalidLogLevel
			}
			return errors.New().Wrap(code, verr)
		}
	}

	return nil
}

func (c *Config) validateThreshold() *validationError {
	if math.IsNaN(c.Threshold) || math.IsInf(c.Threshold, 0) || c.Threshold <= 0 {
		return invalid("threshold", c.Threshold, "must be a positive number of g")
	}

	return nil
}

func (c *Config) validateTiming() *validationError {
	if c.AlarmDuration <= 0 || c.AlarmDuration > maxDuration {
		return invalid("alarm_duration", c.AlarmDuration, fmt.Sprintf("must be between 1ms and %s", maxDuration))
	}
	if c.SamplePeriod < time.Millisecond || c.SamplePeriod > maxDuration {
		return invalid("sample_period", c.SamplePeriod, fmt.Sprintf("must be between 1ms and %s", maxDuration))
	}

	return nil
}

func (c *Config) validatePolicy() *validationError {
	if !monitor.ReadErrorPolicy(c.ReadErrorPolicy).IsValid() {
		return invalid("read_error_policy", c.ReadErrorPolicy, "must be skip, retry or halt")
	}
	if c.ReadRetries < 0 || c.ReadRetries > maxReadRetries {
		return invalid("read_retries", c.ReadRetries, fmt.Sprintf("must be between 0 and %d", maxReadRetries))
	}

	return nil
}

func (c *Config) validateLogLevel() *validationError {
	if !LogLevel(c.LogLevel).IsValid() {
		return invalid("log_level", c.LogLevel, "must be debug, info, warning or error")
	}

	return nil
}

func (c *Config) validateSensor() *validationError {
	switch c.Sensor.Driver {
	case sensor.DriverADXL345:
		if c.Sensor.Address < 0x08 || c.Sensor.Address > 0x77 {
			return invalid("sensor.address", c.Sensor.Address, "must be a 7-bit I2C address")
		}
		switch c.Sensor.Range {
		case 2, 4, 8, 16:
		default:
			return invalid("sensor.range", c.Sensor.Range, "must be 2, 4, 8 or 16")
		}
	case sensor.DriverReplay:
		if c.Sensor.Trace == "" {
			return invalid("sensor.trace", c.Sensor.Trace, "is required by the replay driver")
		}
	default:
		return invalid("sensor.driver", c.Sensor.Driver, "must be adxl345 or replay")
	}

	return nil
}

func (c *Config) validateAlarm() *validationError {
	if !c.Monitor && c.Alarm.Pin == "" {
		return invalid("alarm.pin", c.Alarm.Pin, "is required unless monitor mode is enabled")
	}

	return nil
}

type validationError struct {
	field  string
	value  interface{}
	reason string
}

func invalid(field string, value interface{}, reason string) *validationError {
	return &validationError{field: field, value: value, reason: reason}
}

func (e *validationError) Error() string {
	return fmt.Sprintf("%s %s (got %v)", e.field, e.reason, e.value)
}

func (e *validationError) Field() string {
	return e.field
}

func (e *validationError) Value() interface{} {
	return e.value
}

func (e *validationError) Reason() string {
	return e.reason
}
