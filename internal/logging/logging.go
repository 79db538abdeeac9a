// Package logging holds the replaceable zap loggers of the jitlink packages.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var nop = zap.NewNop()

// Logger is a zap logger that may be replaced while other goroutines log. The zero value logs
// nothing.
type Logger struct {
	p atomic.Pointer[zap.Logger]
}

func (l *Logger) Get() *zap.Logger {
	if z := l.p.Load(); z != nil {
		return z
	}
	return nop
}

// Set the logger, nil restores the no-op one.
func (l *Logger) Set(z *zap.Logger) {
	l.p.Store(z)
}
