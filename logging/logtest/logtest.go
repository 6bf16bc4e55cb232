// Package logtest hands tests a logger that writes through t.Log, so
// output only shows for failing or verbose tests.
package logtest

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/risa-org/hubfeed/logging"
)

// New returns a test-profile logger for t, tagged with the test name.
// HUBFEED_LOG_LEVEL still applies, so a noisy run can be turned up.
func New(t testing.TB) zerolog.Logger {
	t.Helper()
	opts := logging.DefaultOptions(logging.ProfileTest)
	logging.ApplyEnv(&opts)
	return zerolog.New(zerolog.NewTestWriter(t)).
		Level(opts.Level).
		With().Str("test", t.Name()).Logger()
}
