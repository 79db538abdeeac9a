package jitlink

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"
)

// Sym is a resolved symbol of a finalized module. Its address is valid until the module is
// unloaded or replaced.
type Sym struct {
	Module string
	Name   string
	Addr   uintptr
}

func (s Sym) String() string {
	return fmt.Sprintf("%s:%s@%#x", s.Module, s.Name, s.Addr)
}

// Call a native function with integer or pointer arguments, returning its first integer
// result.
func (s Sym) Call(args ...uintptr) uintptr {
	r, _, _ := purego.SyscallN(s.Addr, args...)
	return r
}

// Bind a native function to a Go function type T, usually a func with C compatible
// parameters.
func Bind[T any](s Sym) (f T) {
	purego.RegisterFunc(&f, s.Addr)
	return
}

// As converts the symbol of a Go function, linked from a Go object, to the function type T.
// T must be exactly the declared signature.
func As[T any](s Sym) T {
	p := new(uintptr)
	*p = s.Addr
	return *(*T)(unsafe.Pointer(&p))
}

// Use creates a function to convert and use a symbol on the fly. A panic raised while
// converting is recovered and given to the callback as an error.
func Use[T any](s Sym, convert func(Sym) T) func(func(t T, err error)) {
	return func(f func(t T, err error)) {
		var x T
		defer func() {
			switch y := recover().(type) {
			case nil:
				f(x, nil)
			case error:
				Logger().Debug("use symbol", zap.Stringer("symbol", s), zap.Error(y))
				f(x, y)
			default:
				Logger().Debug("use symbol", zap.Stringer("symbol", s), zap.Any("panic", y))
				f(x, fmt.Errorf("%v", y))
			}
		}()
		if s.Addr == 0 {
			panic(fmt.Errorf("%w: %s", ErrMissingSymbol, s))
		}
		x = convert(s)
	}
}
