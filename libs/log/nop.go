package log

import (
	"github.com/rs/zerolog"
)

// NewNopLogger returns a logger that discards every entry. The log level
// can still be replaced by OverrideWithNewLogger.
func NewNopLogger() Logger {
	return &defaultLogger{
		Logger: zerolog.Nop(),
	}
}
