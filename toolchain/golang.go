package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ZenLiuCN/jitlink/objfile"
)

func init() {
	Register("go", Go, false)
}

type golang struct {
	opts Options
}

// Go toolchain compiling Go packages with go tool compile, loaded by the goloader backend.
func Go(opts Options) Toolchain {
	if opts.Compiler == "" {
		opts.Compiler = "go"
	}
	return &golang{opts: opts}
}

func (g *golang) Name() string {
	return "go"
}

func (g *golang) driver() string {
	return g.opts.Compiler
}

func (g *golang) Init(ctx context.Context) (env *Environment, err error) {
	env = new(Environment)
	if env.Compiler, err = exec.LookPath(g.opts.Compiler); err != nil {
		return nil, err
	}
	var out string
	if out, err = output(ctx, env.Compiler, "env", "GOOS", "GOARCH", "GOVERSION", "GOROOT"); err != nil {
		return nil, err
	}
	v := strings.Split(out, "\n")
	if len(v) < 4 {
		return nil, fmt.Errorf("unexpected go env output %q", out)
	}
	env.Triple = strings.TrimSpace(v[0]) + "/" + strings.TrimSpace(v[1])
	env.Version = strings.TrimPrefix(strings.TrimSpace(v[2]), "go")
	if _, minor, ok := strings.Cut(env.Version, "."); ok {
		env.Major = major(minor)
	}
	env.SystemIncludes = []string{filepath.Join(strings.TrimSpace(v[3]), "src")}
	return env, nil
}

// importcfg writes the export data locations of the packages the sources import and of std.
func (g *golang) importcfg(ctx context.Context, env *Environment, dir string, files []string) (string, error) {
	imports, err := output(ctx, env.Compiler, append([]string{"list", "-export", "-f", "{{.Imports}}"}, files...)...)
	if err != nil {
		return "", fmt.Errorf("inspect imports: %w", err)
	}
	imports = strings.TrimSuffix(strings.TrimPrefix(imports, "["), "]")
	deps := strings.Fields(imports)
	Logger().Debug("go imports", zap.Strings("deps", deps))
	cfg, err := output(ctx, env.Compiler, append([]string{"list", "-export", "-deps", "-f",
		"{{if .Export}}packagefile {{.ImportPath}}={{.Export}}{{end}}", "std"}, deps...)...)
	if err != nil {
		return "", fmt.Errorf("inspect dependencies: %w", err)
	}
	p := filepath.Join(dir, "importcfg")
	return p, os.WriteFile(p, []byte(cfg+"\n"), 0o600)
}

func (g *golang) Compile(ctx context.Context, env *Environment, unit Unit) (*Result, error) {
	if len(unit.Sources) == 0 {
		return nil, &CompileError{Key: unit.Key, Unit: unit.Key, Cause: ErrEmptyUnit}
	}
	dir, clean, err := scratch(g.opts, unit.Key)
	if err != nil {
		return nil, err
	}
	defer clean()
	files := make([]string, len(unit.Sources))
	for i, src := range unit.Sources {
		if files[i], err = materialize(dir, i, src); err != nil {
			return nil, &CompileError{Key: unit.Key, Unit: src.ID(), Cause: err}
		}
	}
	id := unit.String()
	cfg, err := g.importcfg(ctx, env, dir, files)
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return nil, &CompileError{Key: unit.Key, Unit: id, Diagnostics: ParseDiagnostics(id, string(ee.Stderr)), Cause: err}
		}
		return nil, &CompileError{Key: unit.Key, Unit: id, Cause: err}
	}
	pkg := unit.Package
	if pkg == "" {
		pkg = "main"
	}
	out := filepath.Join(dir, sanitize(unit.Key)+".o")
	args := []string{"tool", "compile", "-importcfg", cfg, "-p", pkg, "-o", out}
	args = append(args, g.opts.Flags...)
	args = append(args, unit.Flags...)
	args = append(args, files...)
	cmd := exec.CommandContext(ctx, env.Compiler, args...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr
	Logger().Debug("compile", zap.String("key", unit.Key), zap.Strings("args", args))
	err = cmd.Run()
	diags := ParseDiagnostics(id, stderr.String())
	if err != nil {
		return nil, &CompileError{Key: unit.Key, Unit: id, Diagnostics: diags, Cause: err}
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, &CompileError{Key: unit.Key, Unit: id, Cause: err}
	}
	return &Result{
		Objects:  []objfile.Buffer{{Key: unit.Key, Unit: id, Package: pkg, Format: objfile.FormatGo, Data: data}},
		Warnings: diags,
	}, nil
}
