//go:build unix

package jitlink_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"

	"github.com/ZenLiuCN/jitlink"
	"github.com/ZenLiuCN/jitlink/linker"
	"github.com/ZenLiuCN/jitlink/metadata"
	"github.com/ZenLiuCN/jitlink/objfile/objtest"
	"github.com/ZenLiuCN/jitlink/scheduler"
	"github.com/ZenLiuCN/jitlink/toolchain"
)

func engine(t *testing.T, cfg jitlink.Config, symbols *jitlink.Symbols) (*jitlink.Engine, chan jitlink.Event) {
	t.Helper()
	if b, _ := objtest.Native(); b == nil {
		t.Skipf("no native backend for %s", runtime.GOARCH)
	}
	if symbols == nil {
		symbols = jitlink.NewSymbols(false)
	}
	e := fn.Panic1(jitlink.New(cfg, jitlink.WithToolchain(objtest.Directives{}), jitlink.WithSymbols(symbols)))
	events := make(chan jitlink.Event, 16)
	e.Subscribe(func(ev jitlink.Event) { events <- ev })
	t.Cleanup(func() { _ = e.Close() })
	return e, events
}

func next(t *testing.T, events chan jitlink.Event) jitlink.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	return jitlink.Event{}
}

func src(name, text string) []toolchain.Source {
	return []toolchain.Source{{Name: name, Text: text}}
}

func TestEngineSubmit(t *testing.T) {
	e, events := engine(t, jitlink.DefaultConfig(), nil)
	fn.Panic1(e.SubmitJob(scheduler.Job{Key: "addonA", Sources: src("a.cpp", "def:run_addonA")},
		metadata.Declared{Key: "addon-A", Name: "Addon A"}))
	ev := next(t, events)
	if ev.State != scheduler.Finalized || ev.Identity == nil {
		t.Fatalf("event %s", spew.Sdump(ev))
	}
	if ev.Identity.Key != "addonA" || ev.Identity.Name != "Addon A" || ev.Identity.Entry != "run_addonA" {
		t.Fatalf("identity %+v", *ev.Identity)
	}
	s := fn.Panic1(e.Lookup("run_addonA"))
	if s.Module != "addonA" || s.Addr != ev.Identity.Address {
		t.Fatalf("symbol %s, identity %+v", s, *ev.Identity)
	}
	if s2 := fn.Panic1(e.LookupIn("addonA", "run_addonA")); s2 != s {
		t.Fatalf("lookup in %s", s2)
	}

	fn.Panic(e.UnloadModule("addonA"))
	if _, err := e.Lookup("run_addonA"); !errors.Is(err, linker.ErrMissingSymbol) {
		t.Fatalf("after unload: %v", err)
	}
}

func TestEngineNotRegistrable(t *testing.T) {
	e, events := engine(t, jitlink.DefaultConfig(), nil)
	fn.Panic1(e.Submit("helper", src("h.cpp", "def:helper_fn")))
	ev := next(t, events)
	var ie *metadata.IdentityMissingError
	if ev.State != scheduler.Finalized || ev.Identity != nil || !errors.As(ev.IdentityErr, &ie) {
		t.Fatalf("event %s", spew.Sdump(ev))
	}
	if _, err := e.Lookup("helper_fn"); err != nil {
		t.Fatalf("module stays usable: %v", err)
	}
}

// a heap address the host resolver hands out
var anchor = new(uint64)

func TestEngineHostResolver(t *testing.T) {
	symbols := jitlink.NewSymbols(false)
	symbols.Register("host_value", uintptr(unsafe.Pointer(anchor)))
	e, events := engine(t, jitlink.DefaultConfig(), symbols)
	fn.Panic1(e.Submit("uses", src("u.cpp", "def:run_uses ref:host_value")))
	if ev := next(t, events); ev.Failed() {
		t.Fatalf("event %v", ev.Err)
	}
	fn.Panic1(e.Submit("misses", src("m.cpp", "def:run_misses ref:absent_value")))
	ev := next(t, events)
	var ue *linker.UnresolvedSymbolError
	if !ev.Failed() || !errors.As(ev.Err, &ue) || ue.Symbol != "absent_value" {
		t.Fatalf("event %s", spew.Sdump(ev))
	}
}

func TestEngineCompileError(t *testing.T) {
	e, events := engine(t, jitlink.DefaultConfig(), nil)
	fn.Panic1(e.Submit("bad", src("bad.cpp", "def:x\nerror")))
	ev := next(t, events)
	var ce *toolchain.CompileError
	if !ev.Failed() || !errors.As(ev.Err, &ce) || ce.Diagnostics[0].Line != 2 {
		t.Fatalf("event %s", spew.Sdump(ev))
	}
	if r, ok := e.Status("bad"); !ok || r.State != scheduler.Failed {
		t.Fatalf("status %+v", r)
	}
}

func TestEngineSubscription(t *testing.T) {
	e, events := engine(t, jitlink.DefaultConfig(), nil)
	other := make(chan jitlink.Event, 4)
	cancel := e.Subscribe(func(ev jitlink.Event) { other <- ev })
	cancel()
	fn.Panic1(e.Submit("k", src("k.cpp", "def:run_k")))
	next(t, events)
	select {
	case ev := <-other:
		t.Fatalf("canceled subscriber got %s", ev.Key)
	default:
	}
}

func TestEngineClose(t *testing.T) {
	e, _ := engine(t, jitlink.DefaultConfig(), nil)
	fn.Panic(e.Close())
	if _, err := e.Submit("late", src("l.cpp", "def:late")); !errors.Is(err, jitlink.ErrClosed) {
		t.Fatalf("submit after close: %v", err)
	}
	if err := e.Close(); !errors.Is(err, jitlink.ErrClosed) {
		t.Fatalf("second close: %v", err)
	}
}

func TestEngineWatch(t *testing.T) {
	root := t.TempDir()
	addons, nodes := filepath.Join(root, "Addons"), filepath.Join(root, "Nodes")
	fn.Panic(os.MkdirAll(filepath.Join(addons, "gain"), 0o755))
	fn.Panic(os.MkdirAll(nodes, 0o755))
	fn.Panic(os.WriteFile(filepath.Join(addons, "gain", "addon.json"), []byte(`{"key": "gain-1", "name": "Gain"}`), 0o644))
	fn.Panic(os.WriteFile(filepath.Join(addons, "gain", "gain.cpp"), []byte("def:run_gain1"), 0o644))
	fn.Panic(os.WriteFile(filepath.Join(nodes, "n.hpp"),
		[]byte(`make_uuid("0b6d8c0e-7f2a-4d4e-9a51-3c2e8f6a9b10") def:plugin_instance`), 0o644))

	cfg := jitlink.DefaultConfig()
	cfg.Addons, cfg.Nodes, cfg.Debounce = addons, nodes, 50*time.Millisecond
	e, events := engine(t, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Watch(ctx) }()

	got := map[string]jitlink.Event{}
	for i := 0; i < 2; i++ {
		ev := next(t, events)
		got[ev.Key] = ev
	}
	if ev := got["gain1"]; ev.Identity == nil || ev.Identity.Name != "Gain" || ev.Identity.Entry != "run_gain1" {
		t.Fatalf("addon %s", spew.Sdump(ev))
	}
	if ev := got["0b6d8c0e7f2a4d4e9a513c2e8f6a9b10"]; ev.Identity == nil || ev.Identity.Entry != "plugin_instance" {
		t.Fatalf("node %s", spew.Sdump(got))
	}

	fn.Panic(os.RemoveAll(filepath.Join(addons, "gain")))
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := e.Linker().Module("gain1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("removed addon still linked")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
