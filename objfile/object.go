// Package objfile holds compiled object buffers and decodes relocatable objects into a
// format neutral model the linker can place into memory.
package objfile

import (
	"bytes"
	"errors"
	"fmt"
)

type (
	// Format of an object buffer.
	Format int
	// Machine an object was compiled for.
	Machine int
	// SectionKind classifies an allocatable section by the protection it needs once linked.
	SectionKind int
	// Binding of a symbol.
	Binding int
	// Visibility of a symbol.
	Visibility int
	// SymbolKind is the type of entity a symbol names.
	SymbolKind int
)

const (
	FormatUnknown Format = iota
	FormatELF            // relocatable ELF64
	FormatGo             // go tool compile output
)

const (
	MachineUnknown Machine = iota
	MachineAMD64
	MachineARM64
)

const (
	KindOther  SectionKind = iota // not loaded
	KindText                      // executable
	KindROData                    // read only
	KindData                      // writable
	KindBSS                       // writable, zero filled
)

const (
	BindLocal Binding = iota
	BindGlobal
	BindWeak
)

const (
	VisDefault Visibility = iota
	VisInternal
	VisHidden
	VisProtected
)

const (
	SymNoType SymbolKind = iota
	SymObject
	SymFunc
	SymSection
	SymFile
	SymTLS
)

// Special section indexes of a Symbol.
const (
	SectionUndef  = -1
	SectionAbs    = -2
	SectionCommon = -3
)

var (
	// ErrUnknownFormat occurs when the buffer is neither an ELF nor a Go object.
	ErrUnknownFormat = errors.New("unknown object format")
	// ErrNotRelocatable occurs when an ELF buffer is an executable or a shared library.
	ErrNotRelocatable = errors.New("not a relocatable object")
	// ErrUnsupported occurs for ELF classes, byte orders or machines the linker cannot place.
	ErrUnsupported = errors.New("unsupported object")
)

// Buffer is the relocatable output of compiling one source unit. It is immutable once built
// and is consumed by the linker.
type Buffer struct {
	Key     string // job key the buffer was produced for
	Unit    string // originating source unit
	Package string // package path, Go objects only
	Format  Format
	Data    []byte
}

func (b Buffer) String() string {
	return fmt.Sprintf("%s[%s] %s (%d bytes)", b.Key, b.Unit, b.Format, len(b.Data))
}

// Detect the format of raw object data.
func Detect(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, []byte("\x7fELF")):
		return FormatELF
	case bytes.HasPrefix(data, []byte("!<arch>\n")), bytes.HasPrefix(data, []byte("go object ")):
		return FormatGo
	default:
		return FormatUnknown
	}
}

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatGo:
		return "go"
	default:
		return "unknown"
	}
}

func (m Machine) String() string {
	switch m {
	case MachineAMD64:
		return "amd64"
	case MachineARM64:
		return "arm64"
	default:
		return "unknown"
	}
}

func (k SectionKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindROData:
		return "rodata"
	case KindData:
		return "data"
	case KindBSS:
		return "bss"
	default:
		return "other"
	}
}

type (
	// File is a decoded relocatable object.
	File struct {
		Unit     string
		Machine  Machine
		Sections []*Section // indexed by section header index, nil for skipped entries
		Symbols  []*Symbol  // indexed by symbol table index, entry 0 is the null symbol
	}
	// Section of a File.
	Section struct {
		Index  int
		Name   string
		Kind   SectionKind
		Align  uint64
		Size   uint64
		Data   []byte // nil for KindBSS
		Relocs []Reloc
	}
	// Symbol of a File.
	Symbol struct {
		Index      int
		Name       string
		Kind       SymbolKind
		Binding    Binding
		Visibility Visibility
		Section    int // section index or one of SectionUndef, SectionAbs, SectionCommon
		Value      uint64
		Size       uint64
	}
	// Reloc is a relocation with explicit addend applied at Offset inside its section.
	Reloc struct {
		Offset uint64
		Type   uint32
		Symbol int
		Addend int64
	}
)

// Defined reports whether the symbol is provided by its object.
func (s *Symbol) Defined() bool {
	return s.Section != SectionUndef
}

// Exported reports whether other modules may bind to the symbol.
func (s *Symbol) Exported() bool {
	if s.Binding == BindLocal || s.Name == "" {
		return false
	}
	return s.Visibility == VisDefault || s.Visibility == VisProtected
}

// Loaded reports whether the section occupies memory once linked.
func (s *Section) Loaded() bool {
	return s != nil && s.Kind != KindOther
}

// Definitions lists the named global or weak symbols defined by the object.
func (f *File) Definitions() (out []*Symbol) {
	for _, s := range f.Symbols {
		if s == nil || s.Binding == BindLocal || s.Name == "" || !s.Defined() {
			continue
		}
		out = append(out, s)
	}
	return
}

// References lists the named symbols the object uses but does not define.
func (f *File) References() (out []*Symbol) {
	for _, s := range f.Symbols {
		if s == nil || s.Name == "" || s.Defined() {
			continue
		}
		out = append(out, s)
	}
	return
}
