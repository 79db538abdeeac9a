package watch

import (
	"go.uber.org/zap"

	"github.com/ZenLiuCN/jitlink/internal/logging"
)

var logger logging.Logger

// Logger of the watch package, a no-op until SetLogger.
func Logger() *zap.Logger {
	return logger.Get()
}

// SetLogger replaces the watch logger. It is safe while jobs run.
func SetLogger(l *zap.Logger) {
	logger.Set(l)
}
