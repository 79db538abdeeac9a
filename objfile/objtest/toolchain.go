package objtest

import (
	"context"
	"debug/elf"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/ZenLiuCN/jitlink/toolchain"
)

// Native builder for the running architecture, with its absolute 64-bit relocation type. The
// builder is nil on other architectures.
func Native() (*Builder, uint32) {
	switch runtime.GOARCH {
	case "amd64":
		return AMD64(), uint32(elf.R_X86_64_64)
	case "arm64":
		return ARM64(), uint32(elf.R_AARCH64_ABS64)
	}
	return nil, 0
}

// Directives is a toolchain compiling sources made of whitespace separated directives into
// native objects:
//
//	def:name   a function returning at once
//	ref:name   a data word holding the address of name
//	error      a compile error on the line of the directive
//
// Any other word, including C code, is ignored.
type Directives struct{}

func (Directives) Name() string {
	return "directives"
}

func (Directives) Init(context.Context) (*toolchain.Environment, error) {
	if b, _ := Native(); b == nil {
		return nil, fmt.Errorf("no native objects for %s", runtime.GOARCH)
	}
	return &toolchain.Environment{Compiler: "directives", Triple: runtime.GOARCH + "-unknown-elf"}, nil
}

func (Directives) Compile(_ context.Context, _ *toolchain.Environment, u toolchain.Unit) (*toolchain.Result, error) {
	res := new(toolchain.Result)
	for _, src := range u.Sources {
		text := src.Text
		if text == "" && src.Path != "" {
			b, err := os.ReadFile(src.Path)
			if err != nil {
				return nil, &toolchain.CompileError{Key: u.Key, Unit: src.ID(), Cause: err}
			}
			text = string(b)
		}
		b, abs64 := Native()
		code := make([]byte, 64)
		ret := []byte{0xc3}
		if runtime.GOARCH == "arm64" {
			ret = []byte{0xc0, 0x03, 0x5f, 0xd6}
		}
		for i := 0; i+len(ret) <= len(code); i += 4 {
			copy(code[i:], ret)
		}
		txt := b.Text(code)
		data := b.Data(make([]byte, 64))
		var fns, refs int
		for n, line := range strings.Split(text, "\n") {
			for _, d := range strings.Fields(line) {
				kind, name, _ := strings.Cut(d, ":")
				switch kind {
				case "def":
					b.Func(name, txt, uint64(4*fns), 4)
					fns++
				case "ref":
					b.Reloc(data, uint64(8*refs), b.Undefined(name), abs64, 0)
					refs++
				case "error":
					return nil, &toolchain.CompileError{Key: u.Key, Unit: src.ID(), Diagnostics: []toolchain.Diagnostic{
						{Unit: src.ID(), File: src.ID(), Line: n + 1, Severity: toolchain.SeverityError, Message: "error directive"},
					}}
				}
			}
		}
		res.Objects = append(res.Objects, b.Buffer(u.Key, src.ID()))
	}
	return res, nil
}
