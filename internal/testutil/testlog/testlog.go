// Package testlog routes the process logger into test output.
package testlog

import (
	"testing"

	"github.com/danmuck/silverline/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging once and marks where t begins in the log.
func Start(t testing.TB) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("testlog.Start")
}
