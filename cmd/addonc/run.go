package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ZenLiuCN/jitlink"
	"github.com/ZenLiuCN/jitlink/linker"
	"github.com/ZenLiuCN/jitlink/linker/golink"
	"github.com/ZenLiuCN/jitlink/pool"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "watch addon and node directories, compile and link every change until interrupted",
	Action: run,
	Flags: append(compilerFlags(),
		&cli.StringFlag{Name: "addons", Aliases: []string{"a"}, Usage: "directory of addon folders"},
		&cli.StringFlag{Name: "nodes", Aliases: []string{"n"}, Usage: "directory of node files"},
		&cli.DurationFlag{Name: "debounce", Usage: "quiet period before a change is compiled"},
		&cli.StringSliceFlag{Name: "library", Aliases: []string{"l"}, Usage: "shared library providing host symbols"},
	),
}

func run(ctx *cli.Context) (err error) {
	cfg, err := config(ctx)
	if err != nil {
		return err
	}
	if v := ctx.String("addons"); v != "" {
		cfg.Addons = v
	}
	if v := ctx.String("nodes"); v != "" {
		cfg.Nodes = v
	}
	if ctx.IsSet("debounce") {
		cfg.Debounce = ctx.Duration("debounce")
	}
	if cfg.Addons == "" && cfg.Nodes == "" {
		return fmt.Errorf("missing --addons or --nodes")
	}
	symbols := jitlink.NewSymbols(true)
	for _, lib := range ctx.StringSlice("library") {
		if err = symbols.Library(lib); err != nil {
			return multierr.Append(err, symbols.Close())
		}
	}
	e, err := jitlink.New(*cfg,
		jitlink.WithSymbols(symbols),
		jitlink.WithBackends(linker.Native(), golink.New(golink.WithTempDir(cfg.TempDir))))
	if err != nil {
		return multierr.Append(err, symbols.Close())
	}
	defer func() { err = multierr.Append(err, e.Close()) }()
	env, err := e.Environment(ctx.Context)
	if err != nil {
		return err
	}
	jitlink.Logger().Info("toolchain ready", zap.String("compiler", env.Compiler), zap.String("triple", env.Triple), zap.String("version", env.Version))

	registry, cancel := pool.Attach(e)
	defer cancel()
	unsubscribe := e.Subscribe(func(ev jitlink.Event) {
		if !ev.Failed() {
			jitlink.Logger().Info("registered capabilities", zap.Strings("keys", registry.Keys()))
		}
	})
	defer unsubscribe()

	sig, stop := signal.NotifyContext(ctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err = e.Watch(sig); err != nil && sig.Err() == nil {
		return err
	}
	jitlink.Logger().Info("stopped", zap.Strings("modules", e.Linker().Modules()))
	return nil
}
