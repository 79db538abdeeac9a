package linker

import (
	"slices"
	"strings"

	"github.com/ZenLiuCN/fn"
)

type (
	// State of a Module.
	State int
	// Flags of a Symbol.
	Flags uint8
	// Symbol exported by a Module. Addr is zero until the module is finalized.
	Symbol struct {
		Name  string
		Addr  uintptr
		Flags Flags
		Unit  string
	}
	// Module is the in-process representation of one linked job.
	Module struct {
		l          *Linker
		key        string
		units      []string
		state      State
		symbols    map[string]*Symbol
		references []Reference
		backend    string
		prepared   Prepared
		image      Image
		resolver   Resolver
		err        error
	}
)

const (
	StatePlaceholder State = iota // symbols named, not addressed
	StateFinalizing
	StateFinalized
	StateFailed
	StateUnloaded
)

const (
	FlagExported Flags = 1 << iota
	FlagWeak
	FlagCallable
	FlagData
)

func (s State) String() string {
	switch s {
	case StatePlaceholder:
		return "placeholder"
	case StateFinalizing:
		return "finalizing"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	case StateUnloaded:
		return "unloaded"
	default:
		return "unknown"
	}
}

func (f Flags) String() string {
	var s []string
	if f&FlagExported != 0 {
		s = append(s, "exported")
	}
	if f&FlagWeak != 0 {
		s = append(s, "weak")
	}
	if f&FlagCallable != 0 {
		s = append(s, "callable")
	}
	if f&FlagData != 0 {
		s = append(s, "data")
	}
	return strings.Join(s, "|")
}

func (m *Module) Key() string {
	return m.key
}

// Units are the source units the module was compiled from.
func (m *Module) Units() []string {
	return m.units
}

// Backend name that prepared the module.
func (m *Module) Backend() string {
	return m.backend
}

func (m *Module) State() State {
	m.l.mu.RLock()
	defer m.l.mu.RUnlock()
	return m.state
}

// Finalized reports whether every exported symbol has an address.
func (m *Module) Finalized() bool {
	return m.State() == StateFinalized
}

// Err is the finalization failure of a failed module.
func (m *Module) Err() error {
	m.l.mu.RLock()
	defer m.l.mu.RUnlock()
	return m.err
}

// Symbols exported by the module, sorted.
func (m *Module) Symbols() []string {
	m.l.mu.RLock()
	defer m.l.mu.RUnlock()
	s := fn.MapKeys(m.symbols)
	slices.Sort(s)
	return s
}

// Symbol returns a copy of an exported symbol. It does not trigger finalization.
func (m *Module) Symbol(name string) (Symbol, bool) {
	m.l.mu.RLock()
	defer m.l.mu.RUnlock()
	s, ok := m.symbols[name]
	if !ok {
		return Symbol{}, false
	}
	return *s, true
}

// Undefined lists the names the module needs from outside of itself.
func (m *Module) Undefined() []string {
	out := make([]string, 0, len(m.references))
	for _, r := range m.references {
		out = append(out, r.Name)
	}
	return out
}

func (m *Module) unit() string {
	return strings.Join(m.units, ",")
}
