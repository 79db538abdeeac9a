// Command addonc compiles addon sources, inspects objects and runs the compile and link engine
// over addon directories.
package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/ZenLiuCN/jitlink"
)

func main() {
	app := cli.NewApp()
	app.Name = "addonc"
	app.Usage = "addon compiler and runtime linker"
	app.Description = "addonc compiles addon sources into relocatable objects and links them into a running engine"
	app.Flags = []cli.Flag{
		&cli.BoolFlag{Name: "debug", Aliases: []string{"d"}, Usage: "development logging"},
		&cli.StringFlag{Name: "config", Aliases: []string{"f"}, Usage: "configuration file, toml, yaml or json", EnvVars: []string{"JITLINK_CONFIG"}},
	}
	app.Before = setup
	app.After = func(*cli.Context) error {
		_ = jitlink.Logger().Sync()
		return nil
	}
	app.Commands = []*cli.Command{
		buildCommand,
		inspectCommand,
		runCommand,
		{Name: "prepare", Action: prepare, Usage: "copy internals of go sdk for the go object backend"},
		{Name: "clean", Action: clean, Usage: "remove copied internals of go sdk"},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatalf("failure %s", err)
	}
}

func setup(ctx *cli.Context) (err error) {
	var l *zap.Logger
	if ctx.Bool("debug") {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return
	}
	jitlink.SetLogger(l)
	return
}

// config loads the configuration file given by --config, command flags override it.
func config(ctx *cli.Context) (*jitlink.Config, error) {
	cfg, err := jitlink.LoadConfig(ctx.String("config"))
	if err != nil {
		return nil, err
	}
	if ctx.Bool("debug") {
		cfg.Debug = true
	}
	if v := ctx.String("toolchain"); v != "" {
		cfg.Toolchain = v
	}
	if v := ctx.String("compiler"); v != "" {
		cfg.Compiler = v
	}
	cfg.Include = append(cfg.Include, ctx.StringSlice("include")...)
	cfg.Define = append(cfg.Define, ctx.StringSlice("define")...)
	if ctx.IsSet("keep") {
		cfg.KeepTemp = ctx.Bool("keep")
	}
	return cfg, cfg.Validate()
}

// compilerFlags shared by commands that compile.
func compilerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "toolchain", Aliases: []string{"t"}, Usage: "clang, gcc or go, detected when empty"},
		&cli.StringFlag{Name: "compiler", Aliases: []string{"c"}, Usage: "compiler driver binary"},
		&cli.StringSliceFlag{Name: "include", Aliases: []string{"I"}, Usage: "include directory"},
		&cli.StringSliceFlag{Name: "define", Aliases: []string{"D"}, Usage: "preprocessor definition"},
		&cli.BoolFlag{Name: "keep", Usage: "keep scratch directories"},
	}
}
