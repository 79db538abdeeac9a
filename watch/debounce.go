package watch

import (
	"slices"
	"sync"
	"time"

	"github.com/ZenLiuCN/fn"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period used when none is configured.
const DefaultDebounce = 500 * time.Millisecond

// Debouncer coalesces triggers per key. A key is idle until triggered, then waits for the
// window to pass without another trigger, then fires once and is idle again. Every trigger
// while waiting restarts the window.
type Debouncer struct {
	window time.Duration
	fire   func(key string)

	mu      sync.Mutex
	gen     uint64
	waiting map[string]*wait
	stopped bool
}

type wait struct {
	gen   uint64
	timer *time.Timer
}

// NewDebouncer calls fire on its own goroutine once per quiet period of a key.
func NewDebouncer(window time.Duration, fire func(key string)) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Debouncer{window: window, fire: fire, waiting: make(map[string]*wait)}
}

func (d *Debouncer) Trigger(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if w, ok := d.waiting[key]; ok {
		w.timer.Stop()
	}
	d.gen++
	w := &wait{gen: d.gen}
	w.timer = time.AfterFunc(d.window, func() { d.elapsed(key, w.gen) })
	d.waiting[key] = w
}

func (d *Debouncer) elapsed(key string, gen uint64) {
	d.mu.Lock()
	w, ok := d.waiting[key]
	if !ok || w.gen != gen || d.stopped {
		// restarted or stopped after the timer fired
		d.mu.Unlock()
		return
	}
	delete(d.waiting, key)
	d.mu.Unlock()
	Logger().Debug("debounce fired", zap.String("key", key))
	d.fire(key)
}

// Waiting keys, sorted.
func (d *Debouncer) Waiting() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := fn.MapKeys(d.waiting)
	slices.Sort(k)
	return k
}

// Stop drops every waiting key. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for k, w := range d.waiting {
		w.timer.Stop()
		delete(d.waiting, k)
	}
}
