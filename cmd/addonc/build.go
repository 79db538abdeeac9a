package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ZenLiuCN/jitlink"
	"github.com/ZenLiuCN/jitlink/objfile"
	"github.com/ZenLiuCN/jitlink/toolchain"
)

var buildCommand = &cli.Command{
	Name:      "build",
	Usage:     "compile sources as one unit and write its objects",
	ArgsUsage: "sources...",
	Action:    build,
	Flags: append(compilerFlags(),
		&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Usage: "unit key, default the first source name"},
		&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "go package path", Value: "main"},
		&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output directory", Value: "."},
	),
}

func build(ctx *cli.Context) error {
	srcs := ctx.Args().Slice()
	if len(srcs) == 0 {
		return fmt.Errorf("missing target sources list")
	}
	cfg, err := config(ctx)
	if err != nil {
		return err
	}
	tc, err := toolchain.Select(cfg.Toolchain, cfg.ToolchainOptions())
	if err != nil {
		return err
	}
	key := ctx.String("key")
	if key == "" {
		key = strings.TrimSuffix(filepath.Base(srcs[0]), filepath.Ext(srcs[0]))
	}
	unit := toolchain.Files(key, nil, srcs...)
	unit.Package = ctx.String("pkg")
	res, err := toolchain.NewProducer(tc).Compile(ctx.Context, unit)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		jitlink.Logger().Warn("compile warning", zap.Stringer("diagnostic", w))
	}
	out := ctx.String("out")
	if err = os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	for _, obj := range res.Objects {
		name := key
		if obj.Format == objfile.FormatELF {
			name = strings.TrimSuffix(filepath.Base(obj.Unit), filepath.Ext(obj.Unit))
		}
		p := filepath.Join(out, name+".o")
		if err = os.WriteFile(p, obj.Data, 0o644); err != nil {
			return err
		}
		jitlink.Logger().Debug("object written", zap.String("path", p), zap.Stringer("object", obj))
	}
	return nil
}
