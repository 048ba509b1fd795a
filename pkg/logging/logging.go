package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a zerolog logger pre-configured with app and service metadata.
// LOG_LEVEL overrides the default of info; production environments log JSON
// instead of the console format.
func New(appName, serviceName, env string) zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if env == "production" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	return logger.Level(level).
		With().
		Timestamp().
		Str("app", appName).
		Str("service", serviceName).
		Str("env", env).
		Logger()
}
