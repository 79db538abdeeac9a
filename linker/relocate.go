package linker

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ZenLiuCN/jitlink/objfile"
)

// fixup is one relocation site: loc starts at the patched bytes, P is their address, S the
// target symbol address, A the addend, G the GOT slot of the target and stub its jump stub.
type fixup struct {
	loc  []byte
	P    uint64
	S    uint64
	A    int64
	G    uint64
	stub uint64
}

var le = binary.LittleEndian

func needsStub(arch objfile.Machine, typ uint32) bool {
	switch arch {
	case objfile.MachineAMD64:
		return elf.R_X86_64(typ) == elf.R_X86_64_PLT32
	case objfile.MachineARM64:
		t := elf.R_AARCH64(typ)
		return t == elf.R_AARCH64_CALL26 || t == elf.R_AARCH64_JUMP26
	}
	return false
}

func needsGOT(arch objfile.Machine, typ uint32) bool {
	switch arch {
	case objfile.MachineAMD64:
		switch elf.R_X86_64(typ) {
		case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
			return true
		}
	case objfile.MachineARM64:
		switch elf.R_AARCH64(typ) {
		case elf.R_AARCH64_ADR_GOT_PAGE, elf.R_AARCH64_LD64_GOT_LO12_NC:
			return true
		}
	}
	return false
}

func relocName(arch objfile.Machine, typ uint32) string {
	switch arch {
	case objfile.MachineAMD64:
		return elf.R_X86_64(typ).String()
	case objfile.MachineARM64:
		return elf.R_AARCH64(typ).String()
	}
	return fmt.Sprint(typ)
}

// writeStub emits an absolute jump to target.
func writeStub(arch objfile.Machine, b []byte, target uint64) {
	switch arch {
	case objfile.MachineAMD64:
		// jmp *0(%rip); .quad target
		copy(b, []byte{0xff, 0x25, 0, 0, 0, 0})
		le.PutUint64(b[6:], target)
	case objfile.MachineARM64:
		// ldr x16, #8; br x16; .quad target
		le.PutUint32(b, 0x58000050)
		le.PutUint32(b[4:], 0xd61f0200)
		le.PutUint64(b[8:], target)
	}
}

// width of the bytes a relocation type patches.
func width(arch objfile.Machine, typ uint32) uint64 {
	switch arch {
	case objfile.MachineAMD64:
		switch elf.R_X86_64(typ) {
		case elf.R_X86_64_NONE:
			return 0
		case elf.R_X86_64_64, elf.R_X86_64_PC64:
			return 8
		}
	case objfile.MachineARM64:
		switch elf.R_AARCH64(typ) {
		case elf.R_AARCH64_NONE, elf.R_AARCH64_NULL:
			return 0
		case elf.R_AARCH64_ABS64, elf.R_AARCH64_PREL64:
			return 8
		}
	}
	return 4
}

func relocate(arch objfile.Machine, typ uint32, f fixup) error {
	switch arch {
	case objfile.MachineAMD64:
		return relocateAMD64(elf.R_X86_64(typ), f)
	case objfile.MachineARM64:
		return relocateARM64(elf.R_AARCH64(typ), f)
	}
	return fmt.Errorf("%w: machine %s", ErrUnsupportedRelocation, arch)
}

func putInt32(b []byte, v int64) error {
	if v < math.MinInt32 || v > math.MaxInt32 {
		return fmt.Errorf("%w: %#x does not fit 32 bits", ErrOverflow, v)
	}
	le.PutUint32(b, uint32(int32(v)))
	return nil
}

func relocateAMD64(t elf.R_X86_64, f fixup) error {
	switch t {
	case elf.R_X86_64_NONE:
		return nil
	case elf.R_X86_64_64:
		le.PutUint64(f.loc, f.S+uint64(f.A))
	case elf.R_X86_64_PC64:
		le.PutUint64(f.loc, f.S+uint64(f.A)-f.P)
	case elf.R_X86_64_PC32:
		return putInt32(f.loc, int64(f.S+uint64(f.A)-f.P))
	case elf.R_X86_64_PLT32:
		v := int64(f.S + uint64(f.A) - f.P)
		if (v < math.MinInt32 || v > math.MaxInt32) && f.stub != 0 {
			v = int64(f.stub + uint64(f.A) - f.P)
		}
		return putInt32(f.loc, v)
	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		return putInt32(f.loc, int64(f.G+uint64(f.A)-f.P))
	case elf.R_X86_64_32:
		v := f.S + uint64(f.A)
		if v > math.MaxUint32 {
			return fmt.Errorf("%w: %#x does not fit 32 bits", ErrOverflow, v)
		}
		le.PutUint32(f.loc, uint32(v))
	case elf.R_X86_64_32S:
		return putInt32(f.loc, int64(f.S+uint64(f.A)))
	default:
		return ErrUnsupportedRelocation
	}
	return nil
}

func page(v uint64) uint64 {
	return v &^ 0xfff
}

// patch replaces the bits of the instruction at b selected by mask.
func patch(b []byte, mask, bits uint32) {
	le.PutUint32(b, le.Uint32(b)&^mask|bits&mask)
}

func relocateARM64(t elf.R_AARCH64, f fixup) error {
	sa := f.S + uint64(f.A)
	switch t {
	case elf.R_AARCH64_NONE, elf.R_AARCH64_NULL:
		return nil
	case elf.R_AARCH64_ABS64:
		le.PutUint64(f.loc, sa)
	case elf.R_AARCH64_PREL64:
		le.PutUint64(f.loc, sa-f.P)
	case elf.R_AARCH64_ABS32:
		if int64(sa) < math.MinInt32 || int64(sa) > math.MaxUint32 {
			return fmt.Errorf("%w: %#x does not fit 32 bits", ErrOverflow, sa)
		}
		le.PutUint32(f.loc, uint32(sa))
	case elf.R_AARCH64_PREL32:
		return putInt32(f.loc, int64(sa-f.P))
	case elf.R_AARCH64_ADR_PREL_PG_HI21:
		return adrp(f.loc, page(sa), f.P)
	case elf.R_AARCH64_ADR_GOT_PAGE:
		return adrp(f.loc, page(f.G), f.P)
	case elf.R_AARCH64_ADD_ABS_LO12_NC, elf.R_AARCH64_LDST8_ABS_LO12_NC:
		patch(f.loc, 0xfff<<10, uint32(sa&0xfff)<<10)
	case elf.R_AARCH64_LDST16_ABS_LO12_NC:
		patch(f.loc, 0xfff<<10, uint32(sa&0xfff)>>1<<10)
	case elf.R_AARCH64_LDST32_ABS_LO12_NC:
		patch(f.loc, 0xfff<<10, uint32(sa&0xfff)>>2<<10)
	case elf.R_AARCH64_LDST64_ABS_LO12_NC:
		patch(f.loc, 0xfff<<10, uint32(sa&0xfff)>>3<<10)
	case elf.R_AARCH64_LDST128_ABS_LO12_NC:
		patch(f.loc, 0xfff<<10, uint32(sa&0xfff)>>4<<10)
	case elf.R_AARCH64_LD64_GOT_LO12_NC:
		patch(f.loc, 0xfff<<10, uint32(f.G&0xfff)>>3<<10)
	case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26:
		v := int64(sa - f.P)
		if (v < -(1<<27) || v >= 1<<27) && f.stub != 0 {
			v = int64(f.stub + uint64(f.A) - f.P)
		}
		if v < -(1<<27) || v >= 1<<27 {
			return fmt.Errorf("%w: branch of %#x", ErrOverflow, v)
		}
		patch(f.loc, 0x03ffffff, uint32(v>>2))
	default:
		return ErrUnsupportedRelocation
	}
	return nil
}

func adrp(b []byte, target, pc uint64) error {
	v := int64(target-page(pc)) >> 12
	if v < -(1<<20) || v >= 1<<20 {
		return fmt.Errorf("%w: page offset %#x", ErrOverflow, v)
	}
	imm := uint32(v)
	patch(b, 0x60000000|0x00ffffe0, (imm&0x3)<<29|(imm>>2&0x7ffff)<<5)
	return nil
}
