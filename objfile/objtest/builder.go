// Package objtest builds relocatable ELF64 objects in memory, so tests can feed the linker
// without a compiler on the machine.
package objtest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"github.com/ZenLiuCN/jitlink/objfile"
)

type (
	// Builder of one object.
	Builder struct {
		machine  elf.Machine
		sections []*section
		locals   []*Sym
		globals  []*Sym
	}
	// Section handle.
	Section struct {
		s *section
	}
	// Sym handle.
	Sym struct {
		name  string
		info  uint8
		other uint8
		shndx uint16
		value uint64
		size  uint64
		index uint32
	}
	section struct {
		name   string
		typ    elf.SectionType
		flags  elf.SectionFlag
		align  uint64
		data   []byte
		size   uint64
		index  uint16
		relocs []reloc
	}
	reloc struct {
		off    uint64
		sym    *Sym
		typ    uint32
		addend int64
	}
)

// New builder for the given machine.
func New(machine elf.Machine) *Builder {
	return &Builder{machine: machine}
}

// AMD64 builder.
func AMD64() *Builder { return New(elf.EM_X86_64) }

// ARM64 builder.
func ARM64() *Builder { return New(elf.EM_AARCH64) }

// Text adds an executable section.
func (b *Builder) Text(code []byte) Section {
	return b.add(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, 16, code, 0)
}

// ROData adds a read only data section.
func (b *Builder) ROData(data []byte) Section {
	return b.add(".rodata", elf.SHT_PROGBITS, elf.SHF_ALLOC, 8, data, 0)
}

// Data adds a writable data section.
func (b *Builder) Data(data []byte) Section {
	return b.add(".data", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 8, data, 0)
}

// BSS adds a zero filled section of size bytes.
func (b *Builder) BSS(size uint64) Section {
	return b.add(".bss", elf.SHT_NOBITS, elf.SHF_ALLOC|elf.SHF_WRITE, 8, nil, size)
}

// Note adds a non loaded section.
func (b *Builder) Note(name string, data []byte) Section {
	return b.add(name, elf.SHT_PROGBITS, 0, 1, data, 0)
}

func (b *Builder) add(name string, typ elf.SectionType, flags elf.SectionFlag, align uint64, data []byte, size uint64) Section {
	if typ != elf.SHT_NOBITS {
		size = uint64(len(data))
	}
	s := &section{name: name, typ: typ, flags: flags, align: align, data: data, size: size}
	b.sections = append(b.sections, s)
	s.index = uint16(len(b.sections))
	return Section{s: s}
}

// Func defines a global function symbol at off inside sec.
func (b *Builder) Func(name string, sec Section, off, size uint64) *Sym {
	return b.define(name, sec, off, size, elf.STB_GLOBAL, elf.STT_FUNC, elf.STV_DEFAULT)
}

// Object defines a global data symbol at off inside sec.
func (b *Builder) Object(name string, sec Section, off, size uint64) *Sym {
	return b.define(name, sec, off, size, elf.STB_GLOBAL, elf.STT_OBJECT, elf.STV_DEFAULT)
}

// WeakObject defines a weak data symbol, overridden by any global definition.
func (b *Builder) WeakObject(name string, sec Section, off, size uint64) *Sym {
	return b.define(name, sec, off, size, elf.STB_WEAK, elf.STT_OBJECT, elf.STV_DEFAULT)
}

// Hidden defines a global function symbol with hidden visibility.
func (b *Builder) Hidden(name string, sec Section, off, size uint64) *Sym {
	return b.define(name, sec, off, size, elf.STB_GLOBAL, elf.STT_FUNC, elf.STV_HIDDEN)
}

// Local defines a local function symbol.
func (b *Builder) Local(name string, sec Section, off, size uint64) *Sym {
	return b.define(name, sec, off, size, elf.STB_LOCAL, elf.STT_FUNC, elf.STV_DEFAULT)
}

// Undefined references an external symbol.
func (b *Builder) Undefined(name string) *Sym {
	s := &Sym{name: name, info: elf.ST_INFO(elf.STB_GLOBAL, elf.STT_NOTYPE)}
	b.globals = append(b.globals, s)
	return s
}

// Weak references an external symbol that may stay unresolved.
func (b *Builder) Weak(name string) *Sym {
	s := &Sym{name: name, info: elf.ST_INFO(elf.STB_WEAK, elf.STT_NOTYPE)}
	b.globals = append(b.globals, s)
	return s
}

// Common declares a common block of size bytes.
func (b *Builder) Common(name string, size, align uint64) *Sym {
	s := &Sym{
		name:  name,
		info:  elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT),
		shndx: uint16(elf.SHN_COMMON),
		value: align,
		size:  size,
	}
	b.globals = append(b.globals, s)
	return s
}

func (b *Builder) define(name string, sec Section, off, size uint64, bind elf.SymBind, typ elf.SymType, vis elf.SymVis) *Sym {
	s := &Sym{
		name:  name,
		info:  elf.ST_INFO(bind, typ),
		other: uint8(vis),
		shndx: sec.s.index,
		value: off,
		size:  size,
	}
	if bind == elf.STB_LOCAL {
		b.locals = append(b.locals, s)
	} else {
		b.globals = append(b.globals, s)
	}
	return s
}

// Reloc records a relocation of type typ at off inside sec against sym.
func (b *Builder) Reloc(sec Section, off uint64, sym *Sym, typ uint32, addend int64) {
	sec.s.relocs = append(sec.s.relocs, reloc{off: off, sym: sym, typ: typ, addend: addend})
}

// Buffer wraps the encoded object for the given job key and unit.
func (b *Builder) Buffer(key, unit string) objfile.Buffer {
	return objfile.Buffer{Key: key, Unit: unit, Format: objfile.FormatELF, Data: b.Bytes()}
}

// Bytes encodes the object.
func (b *Builder) Bytes() []byte {
	le := binary.LittleEndian
	strtab := newStrtab()
	shstrtab := newStrtab()

	symbols := make([]*Sym, 0, len(b.locals)+len(b.globals))
	symbols = append(symbols, b.locals...)
	symbols = append(symbols, b.globals...)
	for i, s := range symbols {
		s.index = uint32(i + 1)
	}
	symtab := new(bytes.Buffer)
	_ = binary.Write(symtab, le, elf.Sym64{})
	for _, s := range symbols {
		_ = binary.Write(symtab, le, elf.Sym64{
			Name:  strtab.add(s.name),
			Info:  s.info,
			Other: s.other,
			Shndx: s.shndx,
			Value: s.value,
			Size:  s.size,
		})
	}

	type out struct {
		hdr  elf.Section64
		data []byte
	}
	outs := []out{{}}
	for _, s := range b.sections {
		outs = append(outs, out{
			hdr: elf.Section64{
				Name:      shstrtab.add(s.name),
				Type:      uint32(s.typ),
				Flags:     uint64(s.flags),
				Size:      s.size,
				Addralign: s.align,
			},
			data: s.data,
		})
	}
	symtabIndex := uint32(len(b.sections) + 1)
	for _, s := range b.sections {
		if len(s.relocs) == 0 {
			continue
		}
		rela := new(bytes.Buffer)
		for _, r := range s.relocs {
			_ = binary.Write(rela, le, elf.Rela64{Off: r.off, Info: elf.R_INFO(r.sym.index, r.typ), Addend: r.addend})
		}
		symtabIndex++
		outs = append(outs, out{
			hdr: elf.Section64{
				Name:      shstrtab.add(".rela" + s.name),
				Type:      uint32(elf.SHT_RELA),
				Flags:     uint64(elf.SHF_INFO_LINK),
				Size:      uint64(rela.Len()),
				Info:      uint32(s.index),
				Addralign: 8,
				Entsize:   24,
			},
			data: rela.Bytes(),
		})
	}
	// rela sections link to the symbol table, which follows them.
	for i := len(b.sections) + 1; i < len(outs); i++ {
		outs[i].hdr.Link = symtabIndex
	}
	outs = append(outs, out{
		hdr: elf.Section64{
			Name:      shstrtab.add(".symtab"),
			Type:      uint32(elf.SHT_SYMTAB),
			Size:      uint64(symtab.Len()),
			Link:      symtabIndex + 1,
			Info:      uint32(len(b.locals) + 1),
			Addralign: 8,
			Entsize:   24,
		},
		data: symtab.Bytes(),
	})
	strtabHdr := elf.Section64{Name: shstrtab.add(".strtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1}
	shstrtabHdr := elf.Section64{Name: shstrtab.add(".shstrtab"), Type: uint32(elf.SHT_STRTAB), Addralign: 1}
	strtabHdr.Size = uint64(strtab.buf.Len())
	outs = append(outs, out{hdr: strtabHdr, data: strtab.buf.Bytes()})
	shstrtabHdr.Size = uint64(shstrtab.buf.Len())
	outs = append(outs, out{hdr: shstrtabHdr, data: shstrtab.buf.Bytes()})

	body := new(bytes.Buffer)
	const ehsize = 64
	for i := range outs {
		if outs[i].hdr.Type == uint32(elf.SHT_NULL) || outs[i].hdr.Type == uint32(elf.SHT_NOBITS) {
			continue
		}
		for (ehsize+body.Len())%8 != 0 {
			body.WriteByte(0)
		}
		outs[i].hdr.Off = uint64(ehsize + body.Len())
		body.Write(outs[i].data)
	}
	for (ehsize+body.Len())%8 != 0 {
		body.WriteByte(0)
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_REL),
		Machine:   uint16(b.machine),
		Version:   uint32(elf.EV_CURRENT),
		Shoff:     uint64(ehsize + body.Len()),
		Ehsize:    ehsize,
		Shentsize: 64,
		Shnum:     uint16(len(outs)),
		Shstrndx:  uint16(len(outs) - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	res := new(bytes.Buffer)
	_ = binary.Write(res, le, hdr)
	res.Write(body.Bytes())
	for _, o := range outs {
		_ = binary.Write(res, le, o.hdr)
	}
	return res.Bytes()
}

type strtab struct {
	buf bytes.Buffer
	idx map[string]uint32
}

func newStrtab() *strtab {
	s := &strtab{idx: map[string]uint32{"": 0}}
	s.buf.WriteByte(0)
	return s
}

func (s *strtab) add(name string) uint32 {
	if i, ok := s.idx[name]; ok {
		return i
	}
	i := uint32(s.buf.Len())
	s.buf.WriteString(name)
	s.buf.WriteByte(0)
	s.idx[name] = i
	return i
}
