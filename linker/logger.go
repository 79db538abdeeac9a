package linker

import (
	"go.uber.org/zap"

	"github.com/ZenLiuCN/jitlink/internal/logging"
)

var logger logging.Logger

// Logger of the linker package, a no-op until SetLogger.
func Logger() *zap.Logger {
	return logger.Get()
}

// SetLogger replaces the linker logger. It is safe while jobs run.
func SetLogger(l *zap.Logger) {
	logger.Set(l)
}
