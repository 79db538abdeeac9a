// Package toolchain turns source units into relocatable objects by driving an external compiler.
//
// A [Toolchain] is one supported compiler family. It is chosen once at startup with [Select]
// and wrapped by a [Producer], which runs the toolchain probe exactly once and then compiles
// units concurrently.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/ZenLiuCN/fn"

	"github.com/ZenLiuCN/jitlink/objfile"
)

type (
	// Toolchain compiles units with one compiler family.
	Toolchain interface {
		Name() string
		// Init probes the compiler. It runs once per process before the first Compile.
		Init(ctx context.Context) (*Environment, error)
		// Compile a unit into one object per source file.
		Compile(ctx context.Context, env *Environment, unit Unit) (*Result, error)
	}
	// Factory creates a Toolchain.
	Factory func(Options) Toolchain

	// Environment is the read only probe result shared by every compilation.
	Environment struct {
		Compiler       string // absolute path of the driver
		Triple         string
		Version        string
		Major          int
		SystemIncludes []string
	}
	// Options for a Toolchain.
	Options struct {
		Compiler string   // driver binary, default depends on the toolchain
		Flags    []string // prepended to the flags of every unit
		TempDir  string   // parent of scratch directories
		KeepTemp bool     // keep scratch directories for inspection
	}
	// Unit is a logical compilation unit: sources sharing one flag set.
	Unit struct {
		Key     string
		Sources []Source
		Flags   []string
		Package string // Go package path, go toolchain only
	}
	// Source is a file path or a literal text with a file name.
	Source struct {
		Path string
		Name string
		Text string
	}
	// Result of compiling a unit. Warnings are diagnostics of a successful compilation.
	Result struct {
		Objects  []objfile.Buffer
		Warnings []Diagnostic
	}
)

var (
	// ErrUnknownToolchain occurs when selecting a name nobody registered.
	ErrUnknownToolchain = errors.New("unknown toolchain")
	// ErrNoCompiler occurs when no registered toolchain finds its compiler.
	ErrNoCompiler = errors.New("no compiler found")
	// ErrEmptyUnit occurs when compiling a unit without sources.
	ErrEmptyUnit = errors.New("unit has no sources")
)

// ID of the source, the path or the name of a literal.
func (s Source) ID() string {
	if s.Path != "" {
		return s.Path
	}
	return s.Name
}

func (u Unit) String() string {
	ids := make([]string, len(u.Sources))
	for i, s := range u.Sources {
		ids[i] = s.ID()
	}
	return fmt.Sprintf("%s[%s]", u.Key, strings.Join(ids, ","))
}

// Files creates a unit from source paths.
func Files(key string, flags []string, paths ...string) Unit {
	u := Unit{Key: key, Flags: flags}
	for _, p := range paths {
		u.Sources = append(u.Sources, Source{Path: p})
	}
	return u
}

var (
	registry = make(map[string]Factory)
	// probe order when no toolchain is named
	auto  []string
	regMu sync.RWMutex
)

// Register a toolchain factory. Toolchains registered with detect take part in auto selection,
// in registration order.
func Register(name string, f Factory, detect bool) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = f
	if detect && !slices.Contains(auto, name) {
		auto = append(auto, name)
	}
}

// Names of registered toolchains, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	n := fn.MapKeys(registry)
	slices.Sort(n)
	return n
}

// Select the toolchain by name. An empty name picks the first auto detected toolchain whose
// compiler is installed, or the one matching the base name of Options.Compiler.
func Select(name string, opts Options) (Toolchain, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	if name != "" {
		f, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownToolchain, name)
		}
		return f(opts), nil
	}
	if opts.Compiler != "" {
		base := filepath.Base(opts.Compiler)
		for _, n := range auto {
			if strings.Contains(base, n) || (n == "gcc" && strings.Contains(base, "g++")) {
				return registry[n](opts), nil
			}
		}
	}
	for _, n := range auto {
		tc := registry[n](opts)
		if d, ok := tc.(interface{ driver() string }); ok {
			if _, err := exec.LookPath(d.driver()); err != nil {
				continue
			}
		}
		return tc, nil
	}
	return nil, ErrNoCompiler
}
