package jitlink

import (
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := fn.Panic1(LoadConfig(""))
	if cfg.Workers != runtime.NumCPU() || cfg.Debounce != 500*time.Millisecond || cfg.Toolchain != "" {
		t.Fatalf("config %s", spew.Sdump(cfg))
	}
	if len(cfg.CompilerFlags()) != 0 {
		t.Fatalf("flags %v", cfg.CompilerFlags())
	}
}

func TestLoadConfigFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "jitlink.toml")
	fn.Panic(os.WriteFile(p, []byte(`
toolchain = "clang"
workers = 3
include = ["/opt/sdk/include"]
define = ["SCORE_JIT=1", "NDEBUG"]
flags = ["-O2"]
addons = "/tmp/addons"
debounce = "2s"
keep_temp = true
`), 0o644))
	t.Setenv("JITLINK_WORKERS", "5")
	t.Setenv("JITLINK_COMPILER", "/usr/bin/clang-18")
	cfg := fn.Panic1(LoadConfig(p))
	if cfg.Toolchain != "clang" || cfg.Workers != 5 || cfg.Compiler != "/usr/bin/clang-18" {
		t.Fatalf("config %s", spew.Sdump(cfg))
	}
	if cfg.Debounce != 2*time.Second || !cfg.KeepTemp || cfg.Addons != "/tmp/addons" {
		t.Fatalf("config %s", spew.Sdump(cfg))
	}
	want := []string{"-I/opt/sdk/include", "-DSCORE_JIT=1", "-DNDEBUG", "-O2"}
	if f := cfg.CompilerFlags(); !slices.Equal(f, want) {
		t.Fatalf("flags %v", f)
	}
	if o := cfg.ToolchainOptions(); o.Compiler != cfg.Compiler || !o.KeepTemp || len(o.Flags) != 4 {
		t.Fatalf("options %+v", o)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"negative.json": `{"workers": -1}`,
		"define.yaml":   "define: ['=1']\n",
		"broken.toml":   "workers = ",
	}
	for name, text := range tests {
		p := filepath.Join(dir, name)
		fn.Panic(os.WriteFile(p, []byte(text), 0o644))
		if _, err := LoadConfig(p); err == nil {
			t.Errorf("%s accepted", name)
		}
	}
	if _, err := LoadConfig(filepath.Join(dir, "absent.toml")); err == nil {
		t.Error("missing file accepted")
	}
}
