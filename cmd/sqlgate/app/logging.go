package app

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// SetupLogging builds the root logger. Output goes to w so result rendering
// on stdout stays machine-readable.
func SetupLogging(level string, w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		logLevel = zerolog.InfoLevel
	}

	logger := zerolog.New(w).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "sqlgate")

	if logLevel == zerolog.DebugLevel {
		zerolog.CallerMarshalFunc = func(pc uintptr, file string, line int) string {
			short := file
			for i := len(file) - 1; i > 0; i-- {
				if file[i] == '/' {
					short = file[i+1:]
					break
				}
			}
			return fmt.Sprintf("%s:%d", short, line)
		}
		logger = logger.Caller()
	}

	return logger.Logger()
}
