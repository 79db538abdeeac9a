package jitlink

import (
	"errors"
	"runtime"
	"slices"
	"testing"

	"github.com/ZenLiuCN/fn"
)

func TestSymbolsRegistry(t *testing.T) {
	s := NewSymbols(false)
	s.Register("b", 2)
	s.RegisterMap(map[string]uintptr{"a": 1, "b": 3})
	if p, ok := s.Resolve("b"); !ok || p != 3 {
		t.Fatalf("b = %#x %v", p, ok)
	}
	if _, err := s.Lookup("c"); !errors.Is(err, ErrMissingSymbol) {
		t.Fatalf("c: %v", err)
	}
	if n := s.Names(); !slices.Equal(n, []string{"a", "b"}) {
		t.Fatalf("names %v", n)
	}
	fn.Panic(s.Close())
}

func TestSymbolsProcess(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("process symbols of linux libc")
	}
	s := NewSymbols(false)
	if _, ok := s.Resolve("malloc"); ok {
		t.Fatal("process searched without being asked")
	}
	if err := s.Library("libc.so.6"); err != nil {
		t.Skip(err)
	}
	defer func() { fn.Panic(s.Close()) }()
	if p, ok := s.Resolve("malloc"); !ok || p == 0 {
		t.Fatal("malloc not found in libc")
	}
	if err := s.Library("libc.so.6"); !errors.Is(err, ErrAlreadyLoaded) {
		t.Fatalf("reopen: %v", err)
	}
	if err := s.Library("/nonexistent/libnothing.so"); err == nil {
		t.Fatal("opened a missing library")
	}
	if p, ok := NewSymbols(true).Resolve("malloc"); !ok || p == 0 {
		t.Fatal("malloc not found in process")
	}
}
