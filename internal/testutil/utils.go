package testutil

import (
	"testing"

	"github.com/rs/zerolog"
)

// TestLogger routes log output through t.Log so it is only shown for
// failing or verbose tests.
func TestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).
		Level(zerolog.DebugLevel).
		With().
		Timestamp().
		Logger()
}

