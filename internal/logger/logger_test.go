package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"codeberg.org/mutker/shockwatch/internal/errors"
	"codeberg.org/mutker/shockwatch/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]logger.LogLevel{
		"debug":   logger.DebugLevel,
		"info":    logger.InfoLevel,
		"":        logger.InfoLevel,
		"warn":    logger.WarnLevel,
		"WARNING": logger.WarnLevel,
		"error":   logger.ErrorLevel,
	}
	for name, want := range cases {
		got, ok := logger.ParseLevel(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}

	_, ok := logger.ParseLevel("verbose")
	assert.False(t, ok)
}

func TestComponentLogger(t *testing.T) {
	logger.SetLogLevel(logger.DebugLevel)

	var buf bytes.Buffer
	log := logger.New(&buf).With("monitor")
	log.Info().Float32("magnitude", 12).Msg("Alarm armed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "monitor", line["component"])
	assert.Equal(t, "Alarm armed", line["message"])
	assert.Equal(t, "info", line["level"])
	assert.InDelta(t, 12.0, line["magnitude"], 1e-6)
}

func TestErrorWithCode(t *testing.T) {
	logger.SetLogLevel(logger.DebugLevel)

	var buf bytes.Buffer
	err := errors.New().New(errors.ErrReadSample)
	logger.New(&buf).ErrorWithCode(err).Msg("cycle failed")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "sensor_read_failed", line["error_code"])
	assert.Equal(t, "Failed to read acceleration sample", line["error_message"])
}

func TestLevelFiltering(t *testing.T) {
	logger.SetLogLevel(logger.WarnLevel)
	defer logger.SetLogLevel(logger.InfoLevel)

	var buf bytes.Buffer
	logger.New(&buf).Info().Msg("dropped")
	assert.Empty(t, buf.String())
}
