package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"collabtext/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("JSON at the configured level", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(config.LoggingConfig{Level: "WARN", Format: "json"}, &buf)
		require.NoError(t, err)

		logger.Info().Msg("hidden")
		logger.Warn().Str("room", "r1").Msg("shown")

		var line map[string]any
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
		assert.Equal(t, "warn", line["level"])
		assert.Equal(t, "r1", line["room"])
		assert.Equal(t, "shown", line["message"])
		assert.Contains(t, line, "time")
	})

	t.Run("Console", func(t *testing.T) {
		var buf bytes.Buffer
		logger, err := New(config.LoggingConfig{}, &buf)
		require.NoError(t, err)
		logger.Info().Msg("hello")
		assert.Contains(t, buf.String(), "hello")
	})

	t.Run("Rejects bad settings", func(t *testing.T) {
		_, err := New(config.LoggingConfig{Level: "loud"}, nil)
		assert.Error(t, err)
		_, err = New(config.LoggingConfig{Format: "xml"}, nil)
		assert.Error(t, err)
	})
}
