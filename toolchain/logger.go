package toolchain

import (
	"go.uber.org/zap"

	"github.com/ZenLiuCN/jitlink/internal/logging"
)

var logger logging.Logger

// Logger of the toolchain package, a no-op until SetLogger.
func Logger() *zap.Logger {
	return logger.Get()
}

// SetLogger replaces the toolchain logger. It is safe while jobs run.
func SetLogger(l *zap.Logger) {
	logger.Set(l)
}
