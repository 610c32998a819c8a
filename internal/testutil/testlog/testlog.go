package testlog

import (
	"testing"

	"github.com/danmuck/redcoll/internal/logging"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("start")
}

// Logf records a checkpoint inside a test.
func Logf(format string, args ...any) {
	log.Debug().Msgf(format, args...)
}
