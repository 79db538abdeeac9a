package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ZenLiuCN/jitlink/objfile"
)

func init() {
	Register("clang", Clang, true)
	Register("gcc", GCC, true)
}

// cc drives a C/C++ compiler that understands gcc style flags.
type cc struct {
	name   string
	opts   Options
	quirks func(major int) []string
}

// Clang toolchain, driver clang unless Options.Compiler is set.
func Clang(opts Options) Toolchain {
	if opts.Compiler == "" {
		opts.Compiler = "clang"
	}
	return &cc{name: "clang", opts: opts, quirks: func(major int) []string {
		f := []string{"-fno-color-diagnostics", "-fno-caret-diagnostics"}
		if major >= 6 {
			f = append(f, "-fdiagnostics-absolute-paths")
		}
		return f
	}}
}

// GCC toolchain, driver gcc unless Options.Compiler is set.
func GCC(opts Options) Toolchain {
	if opts.Compiler == "" {
		opts.Compiler = "gcc"
	}
	return &cc{name: "gcc", opts: opts, quirks: func(major int) []string {
		var f []string
		if major >= 5 {
			f = append(f, "-fdiagnostics-color=never", "-fno-diagnostics-show-caret")
		}
		if major >= 10 {
			f = append(f, "-fno-common")
		}
		return f
	}}
}

func (c *cc) Name() string {
	return c.name
}

func (c *cc) driver() string {
	return c.opts.Compiler
}

func (c *cc) Init(ctx context.Context) (env *Environment, err error) {
	env = new(Environment)
	if env.Compiler, err = exec.LookPath(c.opts.Compiler); err != nil {
		return nil, err
	}
	if env.Triple, err = output(ctx, env.Compiler, "-dumpmachine"); err != nil {
		return nil, err
	}
	if env.Version, err = output(ctx, env.Compiler, "-dumpversion"); err != nil {
		return nil, err
	}
	env.Major = major(env.Version)
	env.SystemIncludes = c.includes(ctx, env.Compiler)
	return env, nil
}

func output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	b, err := cmd.Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, bytes.TrimSpace(ee.Stderr))
		}
		return "", fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(b)), nil
}

func major(version string) int {
	v, _, _ := strings.Cut(version, ".")
	n, _ := strconv.Atoi(v)
	return n
}

// includes lists the system include directories the driver searches for C++ sources.
func (c *cc) includes(ctx context.Context, compiler string) []string {
	cmd := exec.CommandContext(ctx, compiler, "-E", "-x", "c++", "-", "-v")
	cmd.Stdin = strings.NewReader("")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		Logger().Debug("probe include paths", zap.String("compiler", compiler), zap.Error(err))
		return nil
	}
	return parseIncludes(stderr.String())
}

func parseIncludes(out string) (dirs []string) {
	in := false
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "#include <...> search starts here:"):
			in = true
		case strings.HasPrefix(line, "End of search list."):
			return
		case in:
			dir := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), "(framework directory)"))
			if dir != "" {
				dirs = append(dirs, filepath.Clean(dir))
			}
		}
	}
	return
}

// scratch creates the working directory of one compilation.
func scratch(opts Options, key string) (dir string, clean func(), err error) {
	if dir, err = os.MkdirTemp(opts.TempDir, "jitlink-"+sanitize(key)+"-"); err != nil {
		return
	}
	clean = func() {
		if opts.KeepTemp {
			Logger().Debug("keep scratch directory", zap.String("dir", dir))
			return
		}
		_ = os.RemoveAll(dir)
	}
	return
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, key)
}

// materialize returns the path of a source, writing literal text into dir.
func materialize(dir string, i int, s Source) (string, error) {
	if s.Path != "" {
		return s.Path, nil
	}
	name := filepath.Base(s.Name)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("literal source %d has no file name", i)
	}
	p := filepath.Join(dir, fmt.Sprintf("%d-%s", i, name))
	return p, os.WriteFile(p, []byte(s.Text), 0o600)
}

func (c *cc) Compile(ctx context.Context, env *Environment, unit Unit) (*Result, error) {
	if len(unit.Sources) == 0 {
		return nil, &CompileError{Key: unit.Key, Unit: unit.Key, Cause: ErrEmptyUnit}
	}
	dir, clean, err := scratch(c.opts, unit.Key)
	if err != nil {
		return nil, err
	}
	defer clean()
	res := new(Result)
	for i, src := range unit.Sources {
		path, err := materialize(dir, i, src)
		if err != nil {
			return nil, &CompileError{Key: unit.Key, Unit: src.ID(), Cause: err}
		}
		out := filepath.Join(dir, fmt.Sprintf("%d-%s.o", i, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))))
		args := make([]string, 0, len(c.opts.Flags)+len(unit.Flags)+8)
		args = append(args, c.quirks(env.Major)...)
		args = append(args, c.opts.Flags...)
		args = append(args, unit.Flags...)
		args = append(args, "-c", "-fPIC", "-o", out, path)
		cmd := exec.CommandContext(ctx, env.Compiler, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		Logger().Debug("compile", zap.String("key", unit.Key), zap.String("unit", src.ID()), zap.Strings("args", args))
		err = cmd.Run()
		diags := ParseDiagnostics(src.ID(), stderr.String())
		if err != nil {
			return nil, &CompileError{Key: unit.Key, Unit: src.ID(), Diagnostics: diags, Cause: err}
		}
		res.Warnings = append(res.Warnings, diags...)
		data, err := os.ReadFile(out)
		if err != nil {
			return nil, &CompileError{Key: unit.Key, Unit: src.ID(), Cause: err}
		}
		res.Objects = append(res.Objects, objfile.Buffer{Key: unit.Key, Unit: src.ID(), Format: objfile.FormatELF, Data: data})
	}
	return res, nil
}
