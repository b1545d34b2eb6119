package sensor

import "codeberg.org/mutker/shockwatch/internal/errors"

const (
	// Initialization and Lifecycle Errors
	ErrInitFailed       = errors.ErrorCode("sensor_init_failed")
	ErrDeviceMismatch   = errors.ErrorCode("sensor_device_mismatch")
	ErrInvalidRange     = errors.ErrorCode("sensor_invalid_range")
	ErrHaltFailed       = errors.ErrorCode("sensor_halt_failed")
	ErrUnknownDriver    = errors.ErrorCode("sensor_unknown_driver")
	ErrReadFailed       = errors.ErrReadSample
	ErrRegisterAccess   = errors.ErrorCode("sensor_register_access_failed")
	ErrTraceExhausted   = errors.ErrorCode("trace_exhausted")
	ErrInvalidTracePath = errors.ErrorCode("trace_invalid_path")

	// Trace Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("trace_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("trace_schema_validation_failed")
	ErrTraceEmpty             = errors.ErrorCode("trace_empty")
)
