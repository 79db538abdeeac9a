package linker

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingSymbol occurs when no live module provides a symbol.
	ErrMissingSymbol = errors.New("missing symbol")
	// ErrModuleNotFound occurs when no live module has the key.
	ErrModuleNotFound = errors.New("module not found")
	// ErrAlreadyFinalized occurs when finalizing a module twice.
	ErrAlreadyFinalized = errors.New("module already finalized")
	// ErrUnloaded occurs when using a module after it was unloaded.
	ErrUnloaded = errors.New("module unloaded")
	// ErrNoObjects occurs when linking without any object buffer.
	ErrNoObjects = errors.New("no object buffers")
	// ErrNoBackend occurs when no backend accepts the object buffers of a job.
	ErrNoBackend = errors.New("no backend accepts objects")
	// ErrClosed occurs when using a closed linker.
	ErrClosed = errors.New("linker closed")
	// ErrOverflow occurs when a relocated value does not fit its field.
	ErrOverflow = errors.New("relocation overflow")
	// ErrUnsupportedRelocation occurs for relocation types the linker cannot apply.
	ErrUnsupportedRelocation = errors.New("unsupported relocation")
)

// SymbolCollisionError reports a symbol already provided by another live module, or
// defined twice inside the same unit set.
type SymbolCollisionError struct {
	Key    string
	Unit   string
	Symbol string
	Owner  string // key of the module that already provides Symbol
}

func (e *SymbolCollisionError) Error() string {
	if e.Owner == e.Key {
		return fmt.Sprintf("link %s (%s): symbol %q defined more than once", e.Key, e.Unit, e.Symbol)
	}
	return fmt.Sprintf("link %s (%s): symbol %q already provided by module %s", e.Key, e.Unit, e.Symbol, e.Owner)
}

// UnresolvedSymbolError reports a reference no module nor resolver could satisfy while
// finalizing a module.
type UnresolvedSymbolError struct {
	Key    string
	Unit   string
	Symbol string
	Cause  error // failure of the module that should have provided Symbol, if any
}

func (e *UnresolvedSymbolError) Error() string {
	s := fmt.Sprintf("finalize %s (%s): unresolved symbol %q", e.Key, e.Unit, e.Symbol)
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *UnresolvedSymbolError) Unwrap() error {
	return e.Cause
}

// RelocationError reports an object layout the linker cannot place or patch.
type RelocationError struct {
	Key     string
	Unit    string
	Section string
	Offset  uint64
	Type    string
	Reason  string
	Cause   error
}

func (e *RelocationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "relocate %s (%s)", e.Key, e.Unit)
	if e.Section != "" {
		fmt.Fprintf(&b, " %s+%#x", e.Section, e.Offset)
	}
	if e.Type != "" {
		b.WriteString(" ")
		b.WriteString(e.Type)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *RelocationError) Unwrap() error {
	return e.Cause
}

// CyclicDependencyError reports a lazy finalization re-entering a module that is being finalized.
type CyclicDependencyError struct {
	Key    string
	Unit   string
	Symbol string
	Chain  []string // keys being finalized, outermost first
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("finalize %s (%s): cyclic dependency through %q: %s -> %s",
		e.Key, e.Unit, e.Symbol, strings.Join(e.Chain, " -> "), e.Key)
}

// AllocationError reports failing to map memory for a module.
type AllocationError struct {
	Key   string
	Unit  string
	Size  int
	Cause error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocate %d bytes for %s (%s): %s", e.Size, e.Key, e.Unit, e.Cause)
}

func (e *AllocationError) Unwrap() error {
	return e.Cause
}
