// Package waLog contains a simple logging interface used by the rest of the whatsmeow-style engine.
package waLog

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the logging interface every component in this module takes as a constructor parameter.
// There is no global logger: callers that want silence pass Noop, callers that want structured
// output pass a Zerolog-backed logger.
type Logger interface {
	Debugf(msg string, args ...interface{})
	Infof(msg string, args ...interface{})
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})
	Sub(module string) Logger
}

type noopLogger struct{}

func (n noopLogger) Debugf(string, ...interface{}) {}
func (n noopLogger) Infof(string, ...interface{})  {}
func (n noopLogger) Warnf(string, ...interface{})  {}
func (n noopLogger) Errorf(string, ...interface{}) {}
func (n noopLogger) Sub(string) Logger             { return n }

// Noop discards everything. Used as the default when NewClient is given a nil logger.
var Noop Logger = noopLogger{}

// zeroLogger adapts a zerolog.Logger to the Logger interface, the way waLog wraps zerolog in the
// upstream project: each Sub() call adds a "module" field instead of creating an unrelated logger.
type zeroLogger struct {
	zl zerolog.Logger
}

func Zerolog(zl zerolog.Logger) Logger {
	return &zeroLogger{zl: zl}
}

func (z *zeroLogger) Debugf(msg string, args ...interface{}) { z.zl.Debug().Msgf(msg, args...) }
func (z *zeroLogger) Infof(msg string, args ...interface{})  { z.zl.Info().Msgf(msg, args...) }
func (z *zeroLogger) Warnf(msg string, args ...interface{})  { z.zl.Warn().Msgf(msg, args...) }
func (z *zeroLogger) Errorf(msg string, args ...interface{}) { z.zl.Error().Msgf(msg, args...) }
func (z *zeroLogger) Sub(module string) Logger {
	return &zeroLogger{zl: z.zl.With().Str("module", module).Logger()}
}

// Stdout returns a human-readable console logger writing to stdout, for use in examples and tests.
func Stdout(minLevel string) Logger {
	level, err := zerolog.ParseLevel(minLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	zl := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return Zerolog(zl)
}
