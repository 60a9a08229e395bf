package logging

import (
	"bytes"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := New(buf, Config{Level: "warn", Format: "json"})
		require.NoError(t, err)

		logger.Info().Msg("dropped")
		logger.Warn().Str("room", "abcde").Msg("kept")

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "expected exactly one json line")
		assert.Equal(t, "warn", entry["level"])
		assert.Equal(t, "abcde", entry["room"])
		assert.Equal(t, "maproom", entry["service"])
		assert.Equal(t, "kept", entry["message"])
	})

	t.Run("console", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := New(buf, Config{Format: "console"})
		require.NoError(t, err)

		logger.Info().Msg("hello")
		assert.Contains(t, buf.String(), "hello")
	})

	t.Run("bad level", func(t *testing.T) {
		_, err := New(&bytes.Buffer{}, Config{Level: "loud"})
		assert.Error(t, err)
	})

	t.Run("bad format", func(t *testing.T) {
		_, err := New(&bytes.Buffer{}, Config{Format: "xml"})
		assert.Error(t, err)
	})
}
