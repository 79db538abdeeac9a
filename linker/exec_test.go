//go:build linux && amd64

package linker_test

import (
	"debug/elf"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/ebitengine/purego"

	"github.com/ZenLiuCN/jitlink/linker"
	"github.com/ZenLiuCN/jitlink/objfile"
	"github.com/ZenLiuCN/jitlink/objfile/objtest"
)

func TestExecuteLocalCall(t *testing.T) {
	b := objtest.AMD64()
	// call helper; ret; helper: mov eax, 42; ret
	text := b.Text([]byte{0xe8, 0, 0, 0, 0, 0xc3, 0xb8, 0x2a, 0, 0, 0, 0xc3})
	b.Func("run_addonA", text, 0, 6)
	helper := b.Local("helper", text, 6, 6)
	b.Reloc(text, 1, helper, uint32(elf.R_X86_64_PLT32), -4)

	l := linker.New(linker.Options{})
	defer l.Close()
	fn.Panic1(l.Link("addonA", []objfile.Buffer{b.Buffer("addonA", "a.c")}, nil))
	p := fn.Panic1(l.Lookup("run_addonA"))
	if r, _, _ := purego.SyscallN(p); r != 42 {
		t.Fatalf("run_addonA() = %d", r)
	}
}

func TestExecuteHostCall(t *testing.T) {
	libc, err := purego.Dlopen("libc.so.6", purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		t.Skip(err)
	}
	abs := fn.Panic1(purego.Dlsym(libc, "abs"))

	b := objtest.AMD64()
	// mov edi, -5; jmp abs
	text := b.Text([]byte{0xbf, 0xfb, 0xff, 0xff, 0xff, 0xe9, 0, 0, 0, 0})
	b.Func("call_abs", text, 0, 10)
	b.Reloc(text, 6, b.Undefined("abs"), uint32(elf.R_X86_64_PLT32), -4)

	l := linker.New(linker.Options{Resolver: linker.MapResolver{"abs": abs}})
	defer l.Close()
	fn.Panic1(l.Link("host", []objfile.Buffer{b.Buffer("host", "host.c")}, nil))
	p := fn.Panic1(l.Lookup("call_abs"))
	if r, _, _ := purego.SyscallN(p); int32(r) != 5 {
		t.Fatalf("call_abs() = %d", int32(r))
	}
}
