// Package bkvlog provides the logging setup bkv's allocators, caches and
// tree use for diagnostics. It is deliberately thin: unlike a service, an
// embedded single-threaded store has no request lifecycle to trace, so it
// wraps zap only for leveled, structured warn/error output and for the
// fatal-precondition helper spec.md calls for ("abort with diagnostic").
package bkvlog

import (
	"fmt"

	"go.uber.org/zap"
)

// Nop returns a logger that discards everything, used when a caller does
// not supply one via store.WithLogger.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// Fatal logs msg at error level and then panics, the Go equivalent of the
// "abort with diagnostic" precondition/OS-failure handling spec.md
// prescribes for programming errors and OS call failures.
func Fatal(logger *zap.Logger, msg string, fields ...zap.Field) {
	if logger == nil {
		logger = Nop()
	}
	logger.Error(msg, fields...)
	panic(fmt.Sprintf("bkv: fatal: %s", msg))
}
