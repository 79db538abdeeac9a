package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ZenLiuCN/fn"
)

func TestCopyDir(t *testing.T) {
	src, dest := t.TempDir(), filepath.Join(t.TempDir(), "copy")
	fn.Panic(os.MkdirAll(filepath.Join(src, "a", "b"), 0o755))
	fn.Panic(os.WriteFile(filepath.Join(src, "a", "b", "x.go"), []byte("package b"), 0o644))
	fn.Panic(os.WriteFile(filepath.Join(src, "run.sh"), []byte("#!/bin/sh"), 0o755))
	fn.Panic(copyDir(src, dest))
	if b := fn.Panic1(os.ReadFile(filepath.Join(dest, "a", "b", "x.go"))); string(b) != "package b" {
		t.Fatalf("copied %q", b)
	}
	if fi := fn.Panic1(os.Stat(filepath.Join(dest, "run.sh"))); fi.Mode().Perm()&0o100 == 0 {
		t.Fatalf("mode %v", fi.Mode())
	}
}
