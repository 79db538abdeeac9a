package scheduler

import (
	"context"
	"sync"
)

// Dispatcher runs tasks on the host primary context.
type Dispatcher interface {
	// Post queues f. It never blocks.
	Post(f func())
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(f func())

func (d DispatcherFunc) Post(f func()) {
	d(f)
}

// Immediate runs tasks on the posting goroutine, for hosts without a primary context.
var Immediate Dispatcher = DispatcherFunc(func(f func()) { f() })

// MainLoop is a Dispatcher whose tasks run on the goroutine calling Run or Drain, in posting
// order.
type MainLoop struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
}

func NewMainLoop() *MainLoop {
	return &MainLoop{signal: make(chan struct{}, 1)}
}

func (l *MainLoop) Post(f func()) {
	l.mu.Lock()
	l.queue = append(l.queue, f)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Drain runs the queued tasks and returns how many ran.
func (l *MainLoop) Drain() (n int) {
	for {
		l.mu.Lock()
		q := l.queue
		l.queue = nil
		l.mu.Unlock()
		if len(q) == 0 {
			return
		}
		for _, f := range q {
			f()
		}
		n += len(q)
	}
}

// Run tasks until ctx is done.
func (l *MainLoop) Run(ctx context.Context) error {
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.signal:
		}
	}
}
