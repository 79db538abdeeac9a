package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/urfave/cli/v2"

	"github.com/ZenLiuCN/jitlink/linker/golink"
	"github.com/ZenLiuCN/jitlink/objfile"
)

var inspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "display defined and undefined symbols of objects",
	ArgsUsage: "objects...",
	Action:    inspect,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "pkg", Aliases: []string{"p"}, Usage: "package path of go objects", Value: "main"},
		&cli.BoolFlag{Name: "dump", Usage: "dump the decoded object"},
	},
}

func inspect(ctx *cli.Context) error {
	files := ctx.Args().Slice()
	if len(files) == 0 {
		return fmt.Errorf("missing objects list")
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		buf := objfile.Buffer{Key: filepath.Base(f), Unit: f, Package: ctx.String("pkg"), Format: objfile.Detect(data), Data: data}
		var defined, undefined []string
		switch buf.Format {
		case objfile.FormatELF:
			obj, err := objfile.Decode(buf)
			if err != nil {
				return err
			}
			if ctx.Bool("dump") {
				cfg := spew.NewDefaultConfig()
				cfg.DisableMethods = true
				cfg.MaxDepth = 4
				cfg.Dump(obj)
			}
			for _, s := range obj.Definitions() {
				if s.Exported() {
					defined = append(defined, s.Name)
				}
			}
			for _, s := range obj.References() {
				undefined = append(undefined, s.Name)
			}
		case objfile.FormatGo:
			if defined, undefined, err = golink.Inspect(buf); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%s: %w", f, objfile.ErrUnknownFormat)
		}
		slices.Sort(defined)
		slices.Sort(undefined)
		fmt.Printf("%s (%s)\n  defined:\n    %s\n  undefined:\n    %s\n", f, buf.Format,
			strings.Join(defined, "\n    "), strings.Join(undefined, "\n    "))
	}
	return nil
}
