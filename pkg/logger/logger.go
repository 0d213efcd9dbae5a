// Package logger builds the zerolog loggers powercast components log
// through. Every event carries the service name; components derive their
// sub-loggers via Component.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// serviceName tags every event emitted by this binary.
const serviceName = "powercast"

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // Enable pretty console output
}

// New creates the root logger. Unknown levels fall back to info.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	// Configure output
	var output io.Writer = os.Stdout
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", serviceName).
		Caller().
		Logger()
}

// SetGlobalLogger sets the package-level logger components derive their
// sub-loggers from.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}

// Component derives a sub-logger tagged with the component name, for
// example "pipeline" or "forecast_engine".
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
