package jitlink

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/ZenLiuCN/fn"
	"go.uber.org/multierr"
)

var (
	// ErrMissingSymbol occurs when a symbol is found nowhere.
	ErrMissingSymbol = errors.New("missing symbol")
	// ErrAlreadyLoaded occurs when opening the same library twice.
	ErrAlreadyLoaded = errors.New("library already loaded")
)

// Symbols resolves names already present in the host process: explicit registrations first,
// then libraries opened through [Symbols.Library] in opening order, then everything the process
// exports.
//
// It is the default resolver of an Engine. Resolve may be called concurrently with
// registrations.
type Symbols struct {
	mu      sync.RWMutex
	names   map[string]uintptr
	libs    []library
	process bool
}

type library struct {
	path   string
	handle uintptr
}

// NewSymbols creates a registry. With process set, names no registration or library answers
// are looked up in the whole process.
func NewSymbols(process bool) *Symbols {
	return &Symbols{names: make(map[string]uintptr), process: process}
}

// Register name at addr, replacing any former registration.
func (s *Symbols) Register(name string, addr uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[name] = addr
}

// RegisterMap registers every entry of m.
func (s *Symbols) RegisterMap(m map[string]uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.Copy(s.names, m)
}

// Library opens a shared library whose symbols become resolvable.
func (s *Symbols) Library(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.libs, func(l library) bool { return l.path == path }) {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, path)
	}
	h, err := dlopen(path)
	if err != nil {
		return fmt.Errorf("open library %s: %w", path, err)
	}
	s.libs = append(s.libs, library{path: path, handle: h})
	return nil
}

func (s *Symbols) Resolve(name string) (uintptr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.names[name]; ok {
		return p, true
	}
	for _, l := range s.libs {
		if p, err := dlsym(l.handle, name); err == nil && p != 0 {
			return p, true
		}
	}
	if s.process {
		if p, err := dlsym(processHandle, name); err == nil && p != 0 {
			return p, true
		}
	}
	return 0, false
}

// Lookup is Resolve reporting ErrMissingSymbol.
func (s *Symbols) Lookup(name string) (uintptr, error) {
	if p, ok := s.Resolve(name); ok {
		return p, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrMissingSymbol, name)
}

// Names of registered symbols, sorted. Library and process symbols are not listed.
func (s *Symbols) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := fn.MapKeys(s.names)
	slices.Sort(n)
	return n
}

// Close the opened libraries. Registrations stay.
func (s *Symbols) Close() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.libs {
		err = multierr.Append(err, dlclose(l.handle))
	}
	s.libs = nil
	return
}
