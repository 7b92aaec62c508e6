package infra

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger aliases zerolog.Logger so the rest of the codebase depends on the
// logging contract without importing the third-party module everywhere.
type Logger = zerolog.Logger

// NewLogger builds the service logger. Development gets debug level and a
// human-readable console writer; everything else logs JSON at info.
func NewLogger(appEnv string) zerolog.Logger {
	dev := appEnv == "development"

	level := zerolog.InfoLevel
	if dev {
		level = zerolog.DebugLevel
	}

	base := zerolog.New(os.Stdout)
	if dev {
		base = base.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	return base.Level(level).With().Timestamp().Logger()
}
