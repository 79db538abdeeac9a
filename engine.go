package jitlink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ZenLiuCN/jitlink/linker"
	"github.com/ZenLiuCN/jitlink/metadata"
	"github.com/ZenLiuCN/jitlink/scheduler"
	"github.com/ZenLiuCN/jitlink/toolchain"
	"github.com/ZenLiuCN/jitlink/watch"
)

// ErrClosed occurs when using a closed Engine.
var ErrClosed = errors.New("engine closed")

type (
	// Event is delivered to subscribers once per terminal job, on the dispatcher.
	Event struct {
		scheduler.Completion
		// Identity of a finalized module, nil when it is not registrable.
		Identity *metadata.Identity
		// IdentityErr explains a nil Identity of a finalized module.
		IdentityErr error
	}
	// Option of an Engine.
	Option func(*Engine)

	// Engine wires the producer, scheduler, linker and metadata extractor together.
	//
	// Completions are handled on the dispatcher given with [WithDispatcher]. Without one the
	// engine runs its own [scheduler.MainLoop] goroutine, which then is the primary context.
	Engine struct {
		cfg      Config
		tc       toolchain.Toolchain
		backends []linker.Backend
		symbols  *Symbols
		linker   *linker.Linker
		producer *toolchain.Producer
		sched    *scheduler.Scheduler
		dispatch scheduler.Dispatcher
		stop     context.CancelFunc
		stopped  chan struct{}

		mu       sync.RWMutex
		declared map[string]metadata.Declared
		paths    map[string]string // watched path to key
		subs     []subscriber
		nextSub  uint64
		closed   bool
	}
	subscriber struct {
		id uint64
		f  func(Event)
	}
)

// WithDispatcher runs completions on d, the host primary context.
func WithDispatcher(d scheduler.Dispatcher) Option {
	return func(e *Engine) {
		e.dispatch = d
	}
}

// WithToolchain uses tc instead of selecting one from the configuration.
func WithToolchain(tc toolchain.Toolchain) Option {
	return func(e *Engine) {
		e.tc = tc
	}
}

// WithBackends replaces the linker backends, by default the native one.
func WithBackends(b ...linker.Backend) Option {
	return func(e *Engine) {
		e.backends = b
	}
}

// WithSymbols uses s as the host resolver. By default the whole process is searched.
func WithSymbols(s *Symbols) Option {
	return func(e *Engine) {
		e.symbols = s
	}
}

// New creates an Engine.
func New(cfg Config, opts ...Option) (e *Engine, err error) {
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	e = &Engine{
		cfg:      cfg,
		declared: make(map[string]metadata.Declared),
		paths:    make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	if e.tc == nil {
		if e.tc, err = toolchain.Select(cfg.Toolchain, cfg.ToolchainOptions()); err != nil {
			return nil, err
		}
	}
	if e.symbols == nil {
		e.symbols = NewSymbols(true)
	}
	if e.dispatch == nil {
		loop := scheduler.NewMainLoop()
		ctx, cancel := context.WithCancel(context.Background())
		e.dispatch, e.stop, e.stopped = loop, cancel, make(chan struct{})
		go func() {
			defer close(e.stopped)
			_ = loop.Run(ctx)
		}()
	}
	e.linker = linker.New(linker.Options{Resolver: e.symbols, Backends: e.backends})
	e.producer = toolchain.NewProducer(e.tc)
	e.sched = scheduler.New(e.producer, e.linker, e.dispatch, scheduler.Options{
		Workers:     cfg.Workers,
		OnCompleted: e.completed,
	})
	Logger().Debug("engine created", zap.String("toolchain", e.tc.Name()), zap.Int("workers", cfg.Workers))
	return e, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

func (e *Engine) Linker() *linker.Linker {
	return e.linker
}

func (e *Engine) Symbols() *Symbols {
	return e.symbols
}

// Environment probes the toolchain now instead of at the first compilation.
func (e *Engine) Environment(ctx context.Context) (*toolchain.Environment, error) {
	return e.producer.Init(ctx)
}

// Submit compiles sources under key with the configured flags followed by flags.
func (e *Engine) Submit(key string, sources []toolchain.Source, flags ...string) (uint64, error) {
	return e.SubmitJob(scheduler.Job{Key: key, Sources: sources, Flags: flags}, metadata.Declared{})
}

// SubmitJob queues a job. Declared identity parts take precedence over source markers.
func (e *Engine) SubmitJob(job scheduler.Job, declared metadata.Declared) (uint64, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrClosed
	}
	e.declared[job.Key] = declared
	e.mu.Unlock()
	return e.sched.Submit(job)
}

func (e *Engine) SubmitAddon(a *watch.Addon) (uint64, error) {
	e.track(a.Dir, a.Key)
	return e.SubmitJob(a.Job(), a.Declared())
}

// SubmitNode compiles a node followed by the configured footer.
func (e *Engine) SubmitNode(n *watch.Node) (uint64, error) {
	e.track(n.Path, n.Key)
	return e.SubmitJob(n.Job(e.cfg.Footer), n.Declared())
}

func (e *Engine) track(path, key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paths[path] = key
}

// Status of the latest submission of key.
func (e *Engine) Status(key string) (scheduler.Report, bool) {
	return e.sched.Status(key)
}

// UnloadModule removes the module of key. Symbols handed out for it become invalid.
func (e *Engine) UnloadModule(key string) error {
	e.mu.Lock()
	delete(e.declared, key)
	e.mu.Unlock()
	return e.linker.Unload(key)
}

// Live reports whether a module of key is linked and not failed.
func (e *Engine) Live(key string) bool {
	m, ok := e.linker.Module(key)
	return ok && m.State() != linker.StateFailed
}

// Lookup an exported symbol of any live module, finalizing its provider on demand.
func (e *Engine) Lookup(name string) (Sym, error) {
	p, err := e.linker.Lookup(name)
	if err != nil {
		return Sym{}, err
	}
	key, _ := e.linker.Provider(name)
	return Sym{Module: key, Name: name, Addr: p}, nil
}

// LookupIn looks an exported symbol of the module of key up.
func (e *Engine) LookupIn(key, name string) (Sym, error) {
	p, err := e.linker.LookupIn(key, name)
	if err != nil {
		return Sym{}, err
	}
	return Sym{Module: key, Name: name, Addr: p}, nil
}

// Subscribe f to job events. The returned function cancels the subscription.
func (e *Engine) Subscribe(f func(Event)) (cancel func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSub++
	id := e.nextSub
	e.subs = append(e.subs, subscriber{id: id, f: f})
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// completed runs on the dispatcher.
func (e *Engine) completed(c scheduler.Completion) {
	ev := Event{Completion: c}
	e.mu.RLock()
	declared := e.declared[c.Key]
	subs := append([]subscriber(nil), e.subs...)
	e.mu.RUnlock()
	if c.State == scheduler.Finalized {
		ev.Identity, ev.IdentityErr = metadata.Extract(c.Module, c.Sources, declared)
		if ev.IdentityErr != nil {
			Logger().Warn("module not registrable", zap.String("key", c.Key), zap.Error(ev.IdentityErr))
		} else {
			Logger().Info("module finalized",
				zap.String("key", c.Key),
				zap.String("identity", ev.Identity.Key),
				zap.String("name", ev.Identity.Name),
				zap.String("entry", ev.Identity.Entry))
		}
	} else {
		Logger().Warn("job failed", zap.String("key", c.Key), zap.Uint64("seq", c.Seq), zap.Error(c.Err))
	}
	for _, s := range subs {
		s.f(ev)
	}
}

// Watch the configured addons and nodes directories until ctx is done, submitting every addon
// and node found and again after each change. Removed ones are unloaded.
func (e *Engine) Watch(ctx context.Context) error {
	if e.cfg.Addons == "" && e.cfg.Nodes == "" {
		return watch.ErrNoRoot
	}
	w, err := watch.New(watch.Config{
		Addons:   e.cfg.Addons,
		Nodes:    e.cfg.Nodes,
		Debounce: e.cfg.Debounce,
		OnChange: e.changed,
	})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

func (e *Engine) changed(_ context.Context, t watch.Target) (err error) {
	if t.Removed {
		e.mu.Lock()
		key, ok := e.paths[t.Path]
		delete(e.paths, t.Path)
		e.mu.Unlock()
		if !ok {
			return nil
		}
		Logger().Info("unload removed", zap.Stringer("kind", t.Kind), zap.String("path", t.Path), zap.String("key", key))
		if err = e.UnloadModule(key); errors.Is(err, linker.ErrModuleNotFound) {
			return nil
		}
		return err
	}
	switch t.Kind {
	case watch.KindAddon:
		a, err := watch.LoadAddon(t.Path)
		if errors.Is(err, watch.ErrNotAddon) {
			Logger().Debug("skip directory", zap.String("path", t.Path), zap.Error(err))
			return nil
		} else if err != nil {
			return err
		}
		_, err = e.SubmitAddon(a)
		return err
	case watch.KindNode:
		n, err := watch.LoadNode(t.Path)
		if errors.Is(err, watch.ErrNotNode) {
			Logger().Debug("skip file", zap.String("path", t.Path), zap.Error(err))
			return nil
		} else if err != nil {
			return err
		}
		_, err = e.SubmitNode(n)
		return err
	}
	return fmt.Errorf("unknown target %s", t.Kind)
}

// Close stops the scheduler, unloads every module and closes opened libraries. Running
// compilations are canceled and queued jobs dropped.
func (e *Engine) Close() (err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	e.mu.Unlock()
	err = multierr.Append(err, e.sched.Close())
	if e.stop != nil {
		e.stop()
		<-e.stopped
	}
	err = multierr.Append(err, e.linker.Close())
	err = multierr.Append(err, e.symbols.Close())
	return
}
