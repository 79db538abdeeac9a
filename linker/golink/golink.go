// Package golink is a linker backend for objects produced by go tool compile. Relocation is
// delegated to goloader, which needs the internals of the Go SDK copied as cmd/objfile
// (see the prepare command of addonc).
package golink

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkujhd/goloader"

	"github.com/ZenLiuCN/jitlink/linker"
	"github.com/ZenLiuCN/jitlink/objfile"
)

var (
	host     map[string]uintptr
	hostErr  error
	hostOnce sync.Once
)

// Host returns the Go symbols of the running executable, registered once.
func Host() (map[string]uintptr, error) {
	hostOnce.Do(func() {
		host = make(map[string]uintptr)
		hostErr = goloader.RegSymbol(host)
	})
	return host, hostErr
}

// Option of the backend.
type Option func(*backend)

// WithTypes registers the runtime types of values, so loaded code can share them with the host.
func WithTypes(types ...any) Option {
	return func(b *backend) {
		b.types = append(b.types, types...)
	}
}

// WithSharedObject registers the symbols of a shared library as host symbols.
func WithSharedObject(path string) Option {
	return func(b *backend) {
		b.libraries = append(b.libraries, path)
	}
}

// WithTempDir sets where object buffers are spilled for goloader to read.
func WithTempDir(dir string) Option {
	return func(b *backend) {
		b.tmp = dir
	}
}

type backend struct {
	types     []any
	libraries []string
	tmp       string
}

// New Go object backend.
func New(opts ...Option) linker.Backend {
	b := new(backend)
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *backend) Name() string {
	return "goloader"
}

func (b *backend) Accepts(buf objfile.Buffer) bool {
	return buf.Format == objfile.FormatGo || objfile.Detect(buf.Data) == objfile.FormatGo
}

// symbols returns a private copy of the host symbol map extended by the backend options.
func (b *backend) symbols() (map[string]uintptr, error) {
	h, err := Host()
	if err != nil {
		return nil, err
	}
	sym := maps.Clone(h)
	for _, lib := range b.libraries {
		if err = goloader.RegSymbolWithSo(sym, lib); err != nil {
			return nil, fmt.Errorf("register %s: %w", lib, err)
		}
	}
	if len(b.types) > 0 {
		goloader.RegTypes(sym, b.types...)
	}
	return sym, nil
}

func (b *backend) Prepare(key string, bufs []objfile.Buffer) (linker.Prepared, error) {
	dir, err := os.MkdirTemp(b.tmp, "golink-")
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(dir) }()
	p := &prepared{key: key}
	var files, pkgs []string
	seen := make(map[string]string)
	for i, buf := range bufs {
		pkg := buf.Package
		if pkg == "" {
			pkg = "main"
		}
		file := filepath.Join(dir, fmt.Sprintf("%d.o", i))
		if err = os.WriteFile(file, buf.Data, 0o600); err != nil {
			return nil, err
		}
		names, err := goloader.Parse(file, pkg)
		if err != nil {
			return nil, &linker.RelocationError{Key: key, Unit: buf.Unit, Reason: "parse", Cause: err}
		}
		for _, name := range names {
			if !strings.HasPrefix(name, pkg+".") {
				continue
			}
			if _, ok := seen[name]; ok {
				return nil, &linker.SymbolCollisionError{Key: key, Unit: buf.Unit, Symbol: name, Owner: key}
			}
			seen[name] = buf.Unit
			p.defs = append(p.defs, linker.Definition{Name: name, Unit: buf.Unit, Flags: linker.FlagExported})
		}
		files = append(files, file)
		pkgs = append(pkgs, pkg)
		p.units = append(p.units, buf.Unit)
	}
	if p.linker, err = goloader.ReadObjs(files, pkgs); err != nil {
		return nil, &linker.RelocationError{Key: key, Unit: strings.Join(p.units, ","), Reason: "read objects", Cause: err}
	}
	if p.symbols, err = b.symbols(); err != nil {
		return nil, &linker.RelocationError{Key: key, Unit: strings.Join(p.units, ","), Reason: "host symbols", Cause: err}
	}
	for _, name := range goloader.UnresolvedSymbols(p.linker, p.symbols) {
		p.refs = append(p.refs, linker.Reference{Name: name, Unit: p.units[0]})
	}
	return p, nil
}

type prepared struct {
	key     string
	units   []string
	defs    []linker.Definition
	refs    []linker.Reference
	linker  *goloader.Linker
	symbols map[string]uintptr
}

func (p *prepared) Units() []string                  { return p.units }
func (p *prepared) Definitions() []linker.Definition { return p.defs }
func (p *prepared) References() []linker.Reference   { return p.refs }

func (p *prepared) Materialize(resolve linker.ResolveFunc) (linker.Image, error) {
	for _, ref := range p.refs {
		addr, err := resolve(ref)
		if err != nil {
			return nil, err
		}
		p.symbols[ref.Name] = addr
	}
	cm, err := goloader.Load(p.linker, p.symbols)
	if err != nil {
		return nil, &linker.RelocationError{Key: p.key, Unit: strings.Join(p.units, ","), Reason: "load", Cause: err}
	}
	p.linker = nil
	p.symbols = nil
	return &image{module: cm}, nil
}

type image struct {
	module *goloader.CodeModule
}

func (i *image) Address(name string) (uintptr, bool) {
	p, ok := i.module.Syms[name]
	return p, ok
}

func (i *image) Release() error {
	if i.module != nil {
		_ = os.Stdout.Sync()
		i.module.Unload()
		i.module = nil
	}
	return nil
}

// Inspect lists the package symbols an object defines and the symbols the host does not provide.
func Inspect(buf objfile.Buffer) (defined, missing []string, err error) {
	p, err := New().Prepare(buf.Key, []objfile.Buffer{buf})
	if err != nil {
		return
	}
	for _, d := range p.Definitions() {
		defined = append(defined, d.Name)
	}
	for _, r := range p.References() {
		missing = append(missing, r.Name)
	}
	return
}
