// Package logging wires zerolog for the whole framework.
//
// Every package obtains a component-tagged logger via Component; the registry
// CLI's debug mode switches the process to verbose console output.
package logging

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var root atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	root.Store(&l)
}

// Component returns a logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return root.Load().With().Str("component", name).Logger()
}

// EnableDebug switches the process to human-readable console output at
// debug level. Used by the registry CLI's debug mode.
func EnableDebug() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(zerolog.DebugLevel).With().Timestamp().Logger()
	root.Store(&l)
}

// SetOutput replaces the root logger's sink. Tests use this to capture output.
func SetOutput(l zerolog.Logger) {
	root.Store(&l)
}
