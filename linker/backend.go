package linker

import (
	"github.com/ZenLiuCN/jitlink/objfile"
)

type (
	// Resolver answers addresses of symbols that already live in the host process.
	Resolver interface {
		Resolve(name string) (addr uintptr, ok bool)
	}
	// ResolverFunc adapts a function to Resolver.
	ResolverFunc func(name string) (uintptr, bool)

	// Backend turns object buffers of one format into loadable code.
	Backend interface {
		Name() string
		Accepts(buf objfile.Buffer) bool
		// Prepare parses the buffers of one job. It must not touch process memory.
		Prepare(key string, bufs []objfile.Buffer) (Prepared, error)
	}
	// Prepared is a parsed set of objects waiting for finalization.
	Prepared interface {
		Units() []string
		Definitions() []Definition
		References() []Reference
		// Materialize allocates, relocates and protects memory. On error nothing stays mapped.
		Materialize(resolve ResolveFunc) (Image, error)
	}
	// ResolveFunc answers the address of a reference that the prepared objects do not define.
	ResolveFunc func(ref Reference) (uintptr, error)
	// Image is finalized code and data living in process memory.
	Image interface {
		Address(name string) (uintptr, bool)
		Release() error
	}

	// Definition of a named symbol by a prepared unit.
	Definition struct {
		Name  string
		Unit  string
		Flags Flags
	}
	// Reference to a symbol a prepared unit does not define.
	Reference struct {
		Name string
		Unit string
		Weak bool
	}
)

func (f ResolverFunc) Resolve(name string) (uintptr, bool) {
	return f(name)
}

// MapResolver resolves from a fixed symbol map.
type MapResolver map[string]uintptr

func (m MapResolver) Resolve(name string) (uintptr, bool) {
	p, ok := m[name]
	return p, ok
}

// Chain resolvers, first answer wins.
func Chain(r ...Resolver) Resolver {
	return ResolverFunc(func(name string) (uintptr, bool) {
		for _, x := range r {
			if x == nil {
				continue
			}
			if p, ok := x.Resolve(name); ok {
				return p, true
			}
		}
		return 0, false
	})
}
