// Package pool keeps the capabilities a host registered from finalized modules.
package pool

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ZenLiuCN/fn"
	"go.uber.org/zap"

	"github.com/ZenLiuCN/jitlink"
	"github.com/ZenLiuCN/jitlink/metadata"
)

type (
	// Engine the pool registers from.
	Engine interface {
		LookupIn(key, name string) (jitlink.Sym, error)
		UnloadModule(key string) error
		Live(key string) bool
	}
	// Capability is a registered module identity.
	Capability struct {
		metadata.Identity
		Module string // key of the providing module
		Seq    uint64 // submission it came from
	}
	// Pool of registered capabilities, keyed by identity key.
	Pool struct {
		engine   Engine
		mu       sync.RWMutex
		caps     map[string]*Capability
		byModule map[string]string
	}
)

var (
	// ErrNotRegistered occurs when requiring a key nobody registered.
	ErrNotRegistered = errors.New("capability not registered")
	// ErrTaken occurs when a module claims an identity another module holds.
	ErrTaken = errors.New("identity registered by another module")
)

// New creates an empty pool over e.
func New(e Engine) *Pool {
	return &Pool{engine: e, caps: make(map[string]*Capability), byModule: make(map[string]string)}
}

// Attach the pool to an engine's events.
func Attach(e *jitlink.Engine) (p *Pool, cancel func()) {
	p = New(e)
	return p, e.Subscribe(func(ev jitlink.Event) { _ = p.Accept(ev) })
}

// Accept a job event. A finalized module replaces what its key registered before. A failed job
// keeps the previous registration while its module still lives.
func (p *Pool) Accept(ev jitlink.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Failed() {
		if !p.engine.Live(ev.Key) {
			p.dropLocked(ev.Key)
		}
		return nil
	}
	p.dropLocked(ev.Key)
	if ev.Identity == nil {
		return nil
	}
	if c, ok := p.caps[ev.Identity.Key]; ok && c.Module != ev.Key && p.engine.Live(c.Module) {
		jitlink.Logger().Warn("identity taken", zap.String("identity", ev.Identity.Key),
			zap.String("module", ev.Key), zap.String("holder", c.Module))
		return fmt.Errorf("%w: %s by %s", ErrTaken, ev.Identity.Key, c.Module)
	}
	p.caps[ev.Identity.Key] = &Capability{Identity: *ev.Identity, Module: ev.Key, Seq: ev.Seq}
	p.byModule[ev.Key] = ev.Identity.Key
	jitlink.Logger().Debug("capability registered", zap.String("identity", ev.Identity.Key), zap.String("module", ev.Key))
	return nil
}

func (p *Pool) dropLocked(module string) {
	if id, ok := p.byModule[module]; ok {
		delete(p.byModule, module)
		if c, ok := p.caps[id]; ok && c.Module == module {
			delete(p.caps, id)
			jitlink.Logger().Debug("capability unregistered", zap.String("identity", id), zap.String("module", module))
		}
	}
}

// Unload the capability key and its module.
func (p *Pool) Unload(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.caps[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	p.dropLocked(c.Module)
	return p.engine.UnloadModule(c.Module)
}

// Get the capability of key.
func (p *Pool) Get(key string) (Capability, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.caps[key]; ok {
		return *c, true
	}
	return Capability{}, false
}

// Entry point of the capability key.
func (p *Pool) Entry(key string) (jitlink.Sym, error) {
	c, ok := p.Get(key)
	if !ok {
		return jitlink.Sym{}, fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	return jitlink.Sym{Module: c.Module, Name: c.Entry, Addr: c.Address}, nil
}

// Require fetch symbol from the module of capability key, panics when absent.
func (p *Pool) Require(key, symbol string) jitlink.Sym {
	c, ok := p.Get(key)
	if !ok {
		panic(fmt.Errorf("%w: %s", ErrNotRegistered, key))
	}
	return fn.Panic1(p.engine.LookupIn(c.Module, symbol))
}

// Keys of registered capabilities, sorted.
func (p *Pool) Keys() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	k := fn.MapKeys(p.caps)
	slices.Sort(k)
	return k
}
