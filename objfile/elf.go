package objfile

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

const relaSize = 24

// DecodeError wraps a failure to read the object of a unit.
type DecodeError struct {
	Unit  string
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode object of %s: %s", e.Unit, e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Decode a relocatable ELF object buffer.
func Decode(buf Buffer) (*File, error) {
	if f := Detect(buf.Data); f != FormatELF {
		return nil, &DecodeError{Unit: buf.Unit, Cause: fmt.Errorf("%w: %s", ErrUnknownFormat, f)}
	}
	f, err := decodeELF(buf.Data)
	if err != nil {
		return nil, &DecodeError{Unit: buf.Unit, Cause: err}
	}
	f.Unit = buf.Unit
	return f, nil
}

func decodeELF(data []byte) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer ef.Close()
	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("%w: %s %s", ErrUnsupported, ef.Class, ef.Data)
	}
	if ef.Type != elf.ET_REL {
		return nil, fmt.Errorf("%w: %s", ErrNotRelocatable, ef.Type)
	}
	f := &File{}
	switch ef.Machine {
	case elf.EM_X86_64:
		f.Machine = MachineAMD64
	case elf.EM_AARCH64:
		f.Machine = MachineARM64
	default:
		return nil, fmt.Errorf("%w: machine %s", ErrUnsupported, ef.Machine)
	}
	f.Sections = make([]*Section, len(ef.Sections))
	for i, s := range ef.Sections {
		kind := classify(s)
		if kind == KindOther {
			continue
		}
		if s.Flags&elf.SHF_TLS != 0 {
			return nil, fmt.Errorf("%w: thread local section %s", ErrUnsupported, s.Name)
		}
		sec := &Section{Index: i, Name: s.Name, Kind: kind, Align: s.Addralign, Size: s.Size}
		if sec.Align == 0 {
			sec.Align = 1
		}
		if kind != KindBSS {
			if sec.Data, err = s.Data(); err != nil {
				return nil, fmt.Errorf("read section %s: %w", s.Name, err)
			}
		}
		f.Sections[i] = sec
	}
	if err = decodeSymbols(ef, f); err != nil {
		return nil, err
	}
	for _, s := range ef.Sections {
		switch s.Type {
		case elf.SHT_RELA:
		case elf.SHT_REL:
			if target := int(s.Info); target < len(f.Sections) && f.Sections[target].Loaded() {
				return nil, fmt.Errorf("%w: implicit addend relocations in %s", ErrUnsupported, s.Name)
			}
			continue
		default:
			continue
		}
		target := int(s.Info)
		if target >= len(f.Sections) || !f.Sections[target].Loaded() {
			continue
		}
		if err = decodeRelocs(s, f.Sections[target], len(f.Symbols)); err != nil {
			return nil, err
		}
	}
	return f, nil
}

func classify(s *elf.Section) SectionKind {
	switch {
	case s.Flags&elf.SHF_ALLOC == 0:
		return KindOther
	case s.Type == elf.SHT_NOBITS:
		return KindBSS
	case s.Flags&elf.SHF_EXECINSTR != 0:
		return KindText
	case s.Flags&elf.SHF_WRITE != 0:
		return KindData
	default:
		return KindROData
	}
}

func decodeSymbols(ef *elf.File, f *File) error {
	syms, err := ef.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		f.Symbols = []*Symbol{nil}
		return nil
	} else if err != nil {
		return fmt.Errorf("read symbols: %w", err)
	}
	// debug/elf drops the null entry, indexes are shifted by one.
	f.Symbols = make([]*Symbol, len(syms)+1)
	for i, s := range syms {
		sym := &Symbol{
			Index: i + 1,
			Name:  s.Name,
			Value: s.Value,
			Size:  s.Size,
		}
		switch elf.ST_BIND(s.Info) {
		case elf.STB_GLOBAL:
			sym.Binding = BindGlobal
		case elf.STB_WEAK:
			sym.Binding = BindWeak
		default:
			sym.Binding = BindLocal
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_GNU_IFUNC:
			sym.Kind = SymFunc
		case elf.STT_OBJECT, elf.STT_COMMON:
			sym.Kind = SymObject
		case elf.STT_SECTION:
			sym.Kind = SymSection
		case elf.STT_FILE:
			sym.Kind = SymFile
		case elf.STT_TLS:
			sym.Kind = SymTLS
		}
		switch elf.ST_VISIBILITY(s.Other) {
		case elf.STV_HIDDEN:
			sym.Visibility = VisHidden
		case elf.STV_INTERNAL:
			sym.Visibility = VisInternal
		case elf.STV_PROTECTED:
			sym.Visibility = VisProtected
		}
		switch s.Section {
		case elf.SHN_UNDEF:
			sym.Section = SectionUndef
		case elf.SHN_ABS:
			sym.Section = SectionAbs
		case elf.SHN_COMMON:
			sym.Section = SectionCommon
		default:
			if s.Section >= elf.SHN_LORESERVE {
				return fmt.Errorf("%w: symbol %q in reserved section %#x", ErrUnsupported, s.Name, uint16(s.Section))
			}
			sym.Section = int(s.Section)
		}
		f.Symbols[i+1] = sym
	}
	return nil
}

func decodeRelocs(s *elf.Section, target *Section, symbols int) error {
	data, err := s.Data()
	if err != nil {
		return fmt.Errorf("read relocations %s: %w", s.Name, err)
	}
	if len(data)%relaSize != 0 {
		return fmt.Errorf("relocation section %s has size %d", s.Name, len(data))
	}
	target.Relocs = make([]Reloc, 0, len(data)/relaSize)
	for off := 0; off < len(data); off += relaSize {
		info := binary.LittleEndian.Uint64(data[off+8:])
		r := Reloc{
			Offset: binary.LittleEndian.Uint64(data[off:]),
			Type:   elf.R_TYPE64(info),
			Symbol: int(elf.R_SYM64(info)),
			Addend: int64(binary.LittleEndian.Uint64(data[off+16:])),
		}
		if r.Symbol >= symbols {
			return fmt.Errorf("relocation in %s references symbol %d of %d", s.Name, r.Symbol, symbols)
		}
		if r.Offset >= target.Size {
			return fmt.Errorf("relocation in %s at %#x outside of %s", s.Name, r.Offset, target.Name)
		}
		target.Relocs = append(target.Relocs, r)
	}
	return nil
}
