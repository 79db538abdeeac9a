// Package linker links relocatable objects into the running process.
//
// # Symbol table
//
// A [Linker] owns the process wide table from exported symbol name to the module providing
// it. At most one live module provides a name. Every mutation (link, finalize, unload) takes
// the exclusive lock; lookups of finalized symbols only take the shared lock.
//
// # Lifecycle
//
//  1. [Linker.Link] parses the objects and registers placeholders: names are known, addresses
//     are not.
//  2. [Linker.Finalize], or the first [Linker.Lookup] of one of its symbols, maps memory,
//     resolves references and relocates. Failure leaves nothing mapped.
//  3. [Linker.Unload] removes the symbols and releases the memory. Addresses handed out before
//     are invalid afterward; no reference counting is done.
//
// # Resolution order
//
//  1. definitions inside the module itself
//  2. symbols of other live modules, finalizing them on demand
//  3. the resolver given to Link, then the linker default resolver
//  4. weak references resolve to zero, anything else fails with [UnresolvedSymbolError]
//
// Resolvers are called with the linker locked and must not call back into it.
package linker

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ZenLiuCN/fn"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ZenLiuCN/jitlink/objfile"
)

// Options configures a Linker.
type Options struct {
	// Resolver is consulted after per module resolvers, usually the host process.
	Resolver Resolver
	// Backends in preference order. Empty means the native ELF backend only.
	Backends []Backend
}

// Linker is the process wide module and symbol table service.
type Linker struct {
	mu       sync.RWMutex
	modules  map[string]*Module
	table    map[string]*Module
	resolver Resolver
	backends []Backend
	closed   bool
}

// New creates a Linker.
func New(opts Options) *Linker {
	l := &Linker{
		modules:  make(map[string]*Module),
		table:    make(map[string]*Module),
		resolver: opts.Resolver,
		backends: opts.Backends,
	}
	if len(l.backends) == 0 {
		l.backends = []Backend{Native()}
	}
	return l
}

// Link accepts the object buffers of one job as a placeholder module. A live module with the
// same key is unloaded first; a symbol provided by a module with another key is a collision and
// leaves that module untouched.
func (l *Linker) Link(key string, bufs []objfile.Buffer, resolver Resolver) (*Module, error) {
	if len(bufs) == 0 {
		return nil, &RelocationError{Key: key, Unit: key, Cause: ErrNoObjects}
	}
	backend := l.backend(bufs)
	if backend == nil {
		return nil, &RelocationError{Key: key, Unit: bufs[0].Unit, Reason: bufs[0].Format.String(), Cause: ErrNoBackend}
	}
	prepared, err := backend.Prepare(key, bufs)
	if err != nil {
		var ce *SymbolCollisionError
		var re *RelocationError
		if errors.As(err, &ce) || errors.As(err, &re) {
			return nil, err
		}
		return nil, &RelocationError{Key: key, Unit: bufs[0].Unit, Reason: "prepare", Cause: err}
	}
	m := &Module{
		l:          l,
		key:        key,
		units:      prepared.Units(),
		symbols:    make(map[string]*Symbol),
		references: prepared.References(),
		backend:    backend.Name(),
		prepared:   prepared,
		resolver:   resolver,
	}
	defs := prepared.Definitions()
	for _, d := range defs {
		if d.Flags&FlagExported == 0 {
			continue
		}
		m.symbols[d.Name] = &Symbol{Name: d.Name, Flags: d.Flags, Unit: d.Unit}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	for _, s := range m.symbols {
		if owner, ok := l.table[s.Name]; ok && owner.key != key {
			return nil, &SymbolCollisionError{Key: key, Unit: s.Unit, Symbol: s.Name, Owner: owner.key}
		}
	}
	if old, ok := l.modules[key]; ok {
		Logger().Debug("replace module", zap.String("key", key), zap.Stringer("state", old.state))
		if err = l.unloadLocked(old); err != nil {
			Logger().Warn("release replaced module", zap.String("key", key), zap.Error(err))
		}
	}
	for name := range m.symbols {
		l.table[name] = m
	}
	l.modules[key] = m
	Logger().Debug("module linked",
		zap.String("key", key),
		zap.String("backend", m.backend),
		zap.Strings("units", m.units),
		zap.Int("exports", len(m.symbols)),
		zap.Int("references", len(m.references)))
	return m, nil
}

func (l *Linker) backend(bufs []objfile.Buffer) Backend {
next:
	for _, b := range l.backends {
		for _, buf := range bufs {
			if !b.Accepts(buf) {
				continue next
			}
		}
		return b
	}
	return nil
}

// Finalize a placeholder module. Finalizing a module twice is an error.
func (l *Linker) Finalize(m *Module) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch m.state {
	case StateFinalized:
		return ErrAlreadyFinalized
	case StateFailed:
		return m.err
	case StateUnloaded:
		return fmt.Errorf("%w: %s", ErrUnloaded, m.key)
	}
	return l.ensureLocked(m, nil)
}

// ensureLocked finalizes m unless it already is; chain holds the keys being finalized by the
// callers, used to fail fast on re-entrance.
func (l *Linker) ensureLocked(m *Module, chain []string) error {
	switch m.state {
	case StateFinalized:
		return nil
	case StateFailed:
		return m.err
	case StateUnloaded:
		return fmt.Errorf("%w: %s", ErrUnloaded, m.key)
	case StateFinalizing:
		return &CyclicDependencyError{Key: m.key, Unit: m.unit(), Chain: slices.Clone(chain)}
	}
	m.state = StateFinalizing
	chain = append(chain, m.key)
	image, err := m.prepared.Materialize(func(ref Reference) (uintptr, error) {
		return l.resolveLocked(m, ref, chain)
	})
	if err != nil {
		m.state = StateFailed
		m.err = err
		m.prepared = nil
		l.dropLocked(m)
		Logger().Debug("module failed", zap.String("key", m.key), zap.Error(err))
		return err
	}
	for name, s := range m.symbols {
		addr, ok := image.Address(name)
		if !ok {
			err = &RelocationError{Key: m.key, Unit: s.Unit, Reason: fmt.Sprintf("no address for exported symbol %q", name)}
			err = multierr.Append(err, image.Release())
			m.state = StateFailed
			m.err = err
			m.prepared = nil
			l.dropLocked(m)
			return err
		}
		s.Addr = addr
	}
	m.image = image
	m.prepared = nil
	m.state = StateFinalized
	Logger().Debug("module finalized", zap.String("key", m.key), zap.Int("exports", len(m.symbols)))
	return nil
}

func (l *Linker) resolveLocked(m *Module, ref Reference, chain []string) (uintptr, error) {
	if owner, ok := l.table[ref.Name]; ok && owner != m {
		if err := l.ensureLocked(owner, chain); err != nil {
			var cyc *CyclicDependencyError
			if errors.As(err, &cyc) && cyc.Symbol == "" {
				cyc.Symbol = ref.Name
			}
			return 0, &UnresolvedSymbolError{Key: m.key, Unit: ref.Unit, Symbol: ref.Name, Cause: err}
		}
		return owner.symbols[ref.Name].Addr, nil
	}
	if m.resolver != nil {
		if p, ok := m.resolver.Resolve(ref.Name); ok {
			return p, nil
		}
	}
	if l.resolver != nil {
		if p, ok := l.resolver.Resolve(ref.Name); ok {
			return p, nil
		}
	}
	if ref.Weak {
		Logger().Warn("weak symbol left unresolved", zap.String("key", m.key), zap.String("symbol", ref.Name))
		return 0, nil
	}
	return 0, &UnresolvedSymbolError{Key: m.key, Unit: ref.Unit, Symbol: ref.Name}
}

// Lookup the address of an exported symbol of any live module, finalizing its module first
// when needed. The calling goroutine blocks until that finalization completes or fails.
func (l *Linker) Lookup(name string) (uintptr, error) {
	l.mu.RLock()
	owner, ok := l.table[name]
	if ok && owner.state == StateFinalized {
		p := owner.symbols[name].Addr
		l.mu.RUnlock()
		return p, nil
	}
	l.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingSymbol, name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner, ok = l.table[name]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingSymbol, name)
	}
	if err := l.ensureLocked(owner, nil); err != nil {
		return 0, err
	}
	return owner.symbols[name].Addr, nil
}

// LookupIn resolves an exported symbol of the module with key.
func (l *Linker) LookupIn(key, name string) (uintptr, error) {
	l.mu.RLock()
	m, ok := l.modules[key]
	if ok && m.state == StateFinalized {
		defer l.mu.RUnlock()
		s, found := m.symbols[name]
		if !found {
			return 0, fmt.Errorf("%w: %s in %s", ErrMissingSymbol, name, key)
		}
		return s.Addr, nil
	}
	l.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrModuleNotFound, key)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok = l.modules[key]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrModuleNotFound, key)
	}
	if _, found := m.symbols[name]; !found {
		return 0, fmt.Errorf("%w: %s in %s", ErrMissingSymbol, name, key)
	}
	if err := l.ensureLocked(m, nil); err != nil {
		return 0, err
	}
	return m.symbols[name].Addr, nil
}

// Module returns the live module with key.
func (l *Linker) Module(key string) (*Module, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.modules[key]
	return m, ok
}

// Modules lists the keys of live modules, sorted.
func (l *Linker) Modules() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	k := fn.MapKeys(l.modules)
	slices.Sort(k)
	return k
}

// Provider returns the key of the module providing name.
func (l *Linker) Provider(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.table[name]
	if !ok {
		return "", false
	}
	return m.key, true
}

// Unload the module with key: its symbols leave the table and its memory is released.
func (l *Linker) Unload(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.modules[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, key)
	}
	return l.unloadLocked(m)
}

func (l *Linker) unloadLocked(m *Module) (err error) {
	l.dropLocked(m)
	if m.image != nil {
		err = m.image.Release()
		m.image = nil
	}
	m.prepared = nil
	m.state = StateUnloaded
	Logger().Debug("module unloaded", zap.String("key", m.key), zap.Error(err))
	return
}

func (l *Linker) dropLocked(m *Module) {
	for name := range m.symbols {
		if l.table[name] == m {
			delete(l.table, name)
		}
	}
	if l.modules[m.key] == m {
		delete(l.modules, m.key)
	}
}

// Close unloads every module. The linker accepts no new modules afterward.
func (l *Linker) Close() (err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.modules {
		err = multierr.Append(err, l.unloadLocked(m))
	}
	l.closed = true
	return
}
