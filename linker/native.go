package linker

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"unsafe"

	"go.uber.org/multierr"

	"github.com/ZenLiuCN/jitlink/objfile"
)

const (
	stubSize = 16
	gotSize  = 8
)

// Native returns the backend for relocatable ELF objects of the running architecture.
func Native() Backend {
	return native{}
}

type native struct{}

func (native) Name() string {
	return "native"
}

func (native) Accepts(buf objfile.Buffer) bool {
	return buf.Format == objfile.FormatELF || objfile.Detect(buf.Data) == objfile.FormatELF
}

func (native) Prepare(key string, bufs []objfile.Buffer) (Prepared, error) {
	u := &nativeUnit{key: key, defined: make(map[string]symbolRef)}
	for _, buf := range bufs {
		f, err := objfile.Decode(buf)
		if err != nil {
			return nil, &RelocationError{Key: key, Unit: buf.Unit, Reason: "decode", Cause: err}
		}
		if len(u.files) > 0 && f.Machine != u.files[0].Machine {
			return nil, &RelocationError{Key: key, Unit: buf.Unit,
				Reason: fmt.Sprintf("machine %s mixed with %s", f.Machine, u.files[0].Machine)}
		}
		u.files = append(u.files, f)
		u.units = append(u.units, buf.Unit)
	}
	for fi, f := range u.files {
		for _, s := range f.Definitions() {
			prev, ok := u.defined[s.Name]
			switch {
			case !ok:
			case s.Binding == objfile.BindWeak:
				continue
			case prev.sym.Binding == objfile.BindWeak:
			case s.Section == objfile.SectionCommon && prev.sym.Section == objfile.SectionCommon:
				if s.Size <= prev.sym.Size {
					continue
				}
			case s.Section == objfile.SectionCommon:
				continue
			case prev.sym.Section == objfile.SectionCommon:
			default:
				return nil, &SymbolCollisionError{Key: key, Unit: f.Unit, Symbol: s.Name, Owner: key}
			}
			u.defined[s.Name] = symbolRef{file: fi, sym: s}
		}
	}
	for _, ref := range u.defined {
		s := ref.sym
		var flags Flags
		if s.Exported() {
			flags |= FlagExported
		}
		if s.Binding == objfile.BindWeak {
			flags |= FlagWeak
		}
		switch s.Kind {
		case objfile.SymFunc:
			flags |= FlagCallable
		case objfile.SymObject:
			flags |= FlagData
		}
		u.defs = append(u.defs, Definition{Name: s.Name, Unit: u.files[ref.file].Unit, Flags: flags})
	}
	seen := make(map[string]int)
	for _, f := range u.files {
		for _, s := range f.References() {
			if _, ok := u.defined[s.Name]; ok {
				continue
			}
			if i, ok := seen[s.Name]; ok {
				u.refs[i].Weak = u.refs[i].Weak && s.Binding == objfile.BindWeak
				continue
			}
			seen[s.Name] = len(u.refs)
			u.refs = append(u.refs, Reference{Name: s.Name, Unit: f.Unit, Weak: s.Binding == objfile.BindWeak})
		}
	}
	return u, nil
}

type (
	symbolRef struct {
		file int
		sym  *objfile.Symbol
	}
	nativeUnit struct {
		key     string
		units   []string
		files   []*objfile.File
		defined map[string]symbolRef
		defs    []Definition
		refs    []Reference
	}
	// placement of a section or a common block inside the mapping.
	placement struct {
		kind objfile.SectionKind
		off  uint64
	}
	layout struct {
		sections [][]placement          // [file][section]
		commons  map[symbolRef]placement // common blocks
		stubs    map[string]uint64       // external name -> offset in text region
		got      map[gotKey]uint64       // target -> offset in data region
		size     [objfile.KindBSS + 1]uint64
		base     [objfile.KindBSS + 1]uint64 // region offsets inside the mapping
		total    uint64
	}
	gotKey struct {
		file int
		sym  int
		name string
	}
)

func (u *nativeUnit) Units() []string           { return u.units }
func (u *nativeUnit) Definitions() []Definition { return u.defs }
func (u *nativeUnit) References() []Reference   { return u.refs }

func (u *nativeUnit) Materialize(resolve ResolveFunc) (Image, error) {
	arch := u.files[0].Machine
	if arch.String() != runtime.GOARCH {
		return nil, &RelocationError{Key: u.key, Unit: u.files[0].Unit,
			Reason: fmt.Sprintf("object built for %s cannot run on %s", arch, runtime.GOARCH)}
	}
	external := make(map[string]uintptr, len(u.refs))
	for _, ref := range u.refs {
		p, err := resolve(ref)
		if err != nil {
			return nil, err
		}
		external[ref.Name] = p
	}
	lay := u.layout(arch)
	mem, err := mapMemory(int(lay.total))
	if err != nil {
		return nil, &AllocationError{Key: u.key, Unit: u.files[0].Unit, Size: int(lay.total), Cause: err}
	}
	img := &nativeImage{mem: mem, symbols: make(map[string]uintptr, len(u.defs))}
	if err = u.place(arch, lay, img, external); err != nil {
		return nil, multierr.Append(err, unmapMemory(mem))
	}
	if err = lay.protect(mem); err != nil {
		return nil, multierr.Append(&RelocationError{Key: u.key, Unit: u.files[0].Unit, Reason: "protect", Cause: err}, unmapMemory(mem))
	}
	return img, nil
}

func align(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) &^ (a - 1)
}

func (u *nativeUnit) layout(arch objfile.Machine) *layout {
	lay := &layout{
		sections: make([][]placement, len(u.files)),
		commons:  make(map[symbolRef]placement),
		stubs:    make(map[string]uint64),
		got:      make(map[gotKey]uint64),
	}
	for fi, f := range u.files {
		lay.sections[fi] = make([]placement, len(f.Sections))
		for si, s := range f.Sections {
			if !s.Loaded() {
				continue
			}
			off := align(lay.size[s.Kind], s.Align)
			lay.sections[fi][si] = placement{kind: s.Kind, off: off}
			lay.size[s.Kind] = off + s.Size
		}
		for _, s := range f.Symbols {
			if s == nil || s.Section != objfile.SectionCommon {
				continue
			}
			ref := symbolRef{file: fi, sym: s}
			if d, ok := u.defined[s.Name]; ok && d != ref {
				continue
			}
			off := align(lay.size[objfile.KindBSS], max(s.Value, 1))
			lay.commons[ref] = placement{kind: objfile.KindBSS, off: off}
			lay.size[objfile.KindBSS] = off + s.Size
		}
	}
	// stubs follow text, GOT slots follow data.
	textEnd := align(lay.size[objfile.KindText], stubSize)
	dataEnd := align(lay.size[objfile.KindData], gotSize)
	for fi, f := range u.files {
		for _, s := range f.Sections {
			if !s.Loaded() {
				continue
			}
			for _, r := range s.Relocs {
				sym := f.Symbols[r.Symbol]
				switch {
				case needsStub(arch, r.Type) && sym != nil && u.external(sym):
					if _, ok := lay.stubs[sym.Name]; !ok {
						lay.stubs[sym.Name] = textEnd
						textEnd += stubSize
					}
				case needsGOT(arch, r.Type):
					k := u.gotKey(fi, r.Symbol)
					if _, ok := lay.got[k]; !ok {
						lay.got[k] = dataEnd
						dataEnd += gotSize
					}
				}
			}
		}
	}
	lay.size[objfile.KindText] = textEnd
	lay.size[objfile.KindData] = dataEnd
	// data and bss share the writable region.
	bssOff := align(dataEnd, 16)
	for ref, p := range lay.commons {
		p.off += bssOff
		lay.commons[ref] = p
	}
	for fi := range lay.sections {
		for si, p := range lay.sections[fi] {
			if p.kind == objfile.KindBSS {
				lay.sections[fi][si].off += bssOff
			}
		}
	}
	page := uint64(pageSize)
	lay.base[objfile.KindText] = 0
	lay.base[objfile.KindROData] = align(lay.size[objfile.KindText], page)
	lay.base[objfile.KindData] = lay.base[objfile.KindROData] + align(lay.size[objfile.KindROData], page)
	lay.base[objfile.KindBSS] = lay.base[objfile.KindData]
	lay.total = lay.base[objfile.KindData] + align(bssOff+lay.size[objfile.KindBSS], page)
	if lay.total == 0 {
		lay.total = page
	}
	return lay
}

func (u *nativeUnit) external(s *objfile.Symbol) bool {
	if s.Defined() {
		return false
	}
	_, ok := u.defined[s.Name]
	return !ok
}

func (u *nativeUnit) gotKey(file, sym int) gotKey {
	s := u.files[file].Symbols[sym]
	if s != nil && s.Name != "" && s.Binding != objfile.BindLocal {
		return gotKey{name: s.Name}
	}
	return gotKey{file: file, sym: sym}
}

func (l *layout) offset(p placement) uint64 {
	return l.base[p.kind] + p.off
}

func (l *layout) protect(mem []byte) error {
	text := l.base[objfile.KindROData]
	ro := l.base[objfile.KindData]
	if text > 0 {
		if err := protectMemory(mem[:text], true, false); err != nil {
			return err
		}
	}
	if ro > text {
		if err := protectMemory(mem[text:ro], false, false); err != nil {
			return err
		}
	}
	return nil
}

// place copies sections into mem, fills stubs and GOT slots and applies relocations.
func (u *nativeUnit) place(arch objfile.Machine, lay *layout, img *nativeImage, external map[string]uintptr) error {
	mem := img.mem
	base := uint64(uintptr(unsafe.Pointer(&mem[0])))
	for fi, f := range u.files {
		for si, s := range f.Sections {
			if !s.Loaded() || s.Kind == objfile.KindBSS {
				continue
			}
			off := lay.offset(lay.sections[fi][si])
			copy(mem[off:off+s.Size], s.Data)
		}
	}
	var addr func(fi, si int) (uint64, bool)
	addr = func(fi, si int) (uint64, bool) {
		s := u.files[fi].Symbols[si]
		if s == nil {
			return 0, false
		}
		switch s.Section {
		case objfile.SectionAbs:
			return s.Value, true
		case objfile.SectionUndef:
			if d, ok := u.defined[s.Name]; ok {
				return addr(d.file, d.sym.Index)
			}
			p, ok := external[s.Name]
			return uint64(p), ok
		case objfile.SectionCommon:
			if d, ok := u.defined[s.Name]; ok && d.sym != s {
				return addr(d.file, d.sym.Index)
			}
			p, ok := lay.commons[symbolRef{file: fi, sym: s}]
			return base + lay.offset(p), ok
		}
		if s.Section >= len(lay.sections[fi]) || !u.files[fi].Sections[s.Section].Loaded() {
			return 0, false
		}
		return base + lay.offset(lay.sections[fi][s.Section]) + s.Value, true
	}
	for name, off := range lay.stubs {
		writeStub(arch, mem[lay.base[objfile.KindText]+off:], uint64(external[name]))
	}
	for k, off := range lay.got {
		var target uint64
		if k.name != "" {
			if d, ok := u.defined[k.name]; ok {
				target, _ = addr(d.file, d.sym.Index)
			} else {
				target = uint64(external[k.name])
			}
		} else {
			target, _ = addr(k.file, k.sym)
		}
		binary.LittleEndian.PutUint64(mem[lay.base[objfile.KindData]+off:], target)
	}
	for fi, f := range u.files {
		for si, s := range f.Sections {
			if !s.Loaded() {
				continue
			}
			secOff := lay.offset(lay.sections[fi][si])
			for _, r := range s.Relocs {
				rerr := func(reason string, cause error) error {
					return &RelocationError{Key: u.key, Unit: f.Unit, Section: s.Name, Offset: r.Offset,
						Type: relocName(arch, r.Type), Reason: reason, Cause: cause}
				}
				if r.Offset+width(arch, r.Type) > s.Size || secOff+s.Size > uint64(len(mem)) {
					return rerr("relocation site outside section", nil)
				}
				sAddr, ok := addr(fi, r.Symbol)
				if !ok && r.Symbol != 0 {
					return rerr("target symbol has no address", nil)
				}
				fx := fixup{
					loc: mem[secOff+r.Offset:],
					P:   base + secOff + r.Offset,
					S:   sAddr,
					A:   r.Addend,
				}
				if sym := f.Symbols[r.Symbol]; sym != nil && needsStub(arch, r.Type) && u.external(sym) {
					fx.stub = base + lay.base[objfile.KindText] + lay.stubs[sym.Name]
				}
				if needsGOT(arch, r.Type) {
					fx.G = base + lay.base[objfile.KindData] + lay.got[u.gotKey(fi, r.Symbol)]
				}
				if err := relocate(arch, r.Type, fx); err != nil {
					return rerr("", err)
				}
			}
		}
	}
	for name, d := range u.defined {
		p, ok := addr(d.file, d.sym.Index)
		if !ok {
			return &RelocationError{Key: u.key, Unit: u.files[d.file].Unit, Reason: fmt.Sprintf("symbol %q in unloaded section", name)}
		}
		img.symbols[name] = uintptr(p)
	}
	return nil
}

type nativeImage struct {
	mem     []byte
	symbols map[string]uintptr
}

func (i *nativeImage) Address(name string) (uintptr, bool) {
	p, ok := i.symbols[name]
	return p, ok
}

func (i *nativeImage) Release() error {
	if i.mem == nil {
		return nil
	}
	err := unmapMemory(i.mem)
	i.mem = nil
	i.symbols = nil
	return err
}
