/*
Package jitlink compiles addon sources at runtime and links the produced objects into the
running process.

# License

Source codes are under Apache License Version 2.0.

# Underwater

 1. A [toolchain.Producer] drives an external compiler (clang, gcc, or the go toolchain) and
    yields relocatable objects in memory.
 2. A [scheduler.Scheduler] runs compilations off the host primary context, at most one per
    key, and hands the objects to the linker on that context.
 3. A [linker.Linker] maps the objects into executable memory, resolves their references
    against other modules and the host process, and keeps the process wide symbol table.
 4. [metadata.Extract] derives the identity a host registers the new capability under.

An [Engine] wires them together:

	cfg, _ := jitlink.LoadConfig("jitlink.toml")
	e, _ := jitlink.New(*cfg)
	defer e.Close()
	e.Subscribe(func(ev jitlink.Event) {
		if ev.Identity != nil {
			run := jitlink.Bind[func() int32](jitlink.Sym{Addr: ev.Identity.Address})
			run()
		}
	})
	e.SubmitAddon(addon)

# Notes

 1. Addresses are invalid once their module is unloaded or replaced. Nothing tracks who still
    references a module; unloading in the right order is up to the host.
 2. Compiled code is not verified nor sandboxed.
 3. Static constructors of native objects are not run.
 4. Go objects are linked by [goloader] through the linker/golink backend, which needs the
    patched Go SDK, see `addonc prepare`.

# Command line

	go install github.com/ZenLiuCN/jitlink/cmd/addonc@latest

compiles units, inspects objects and watches addon directories. See `addonc -h`.

[goloader]: https://github.com/pkujhd/goloader
*/
package jitlink
