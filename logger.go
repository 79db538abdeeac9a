package jitlink

import (
	"go.uber.org/zap"

	"github.com/ZenLiuCN/jitlink/internal/logging"
	"github.com/ZenLiuCN/jitlink/linker"
	"github.com/ZenLiuCN/jitlink/scheduler"
	"github.com/ZenLiuCN/jitlink/toolchain"
	"github.com/ZenLiuCN/jitlink/watch"
)

var logger logging.Logger

// Logger of the engine, a no-op until SetLogger.
func Logger() *zap.Logger {
	return logger.Get()
}

// SetLogger configures the engine logger and the loggers of every component package, each
// named after its package.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger.Set(l)
	linker.SetLogger(l.Named("linker"))
	toolchain.SetLogger(l.Named("toolchain"))
	scheduler.SetLogger(l.Named("scheduler"))
	watch.SetLogger(l.Named("watch"))
}
