//go:build unix

package pool

import (
	"errors"
	"runtime"
	"slices"
	"testing"
	"time"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"

	"github.com/ZenLiuCN/jitlink"
	"github.com/ZenLiuCN/jitlink/linker"
	"github.com/ZenLiuCN/jitlink/metadata"
	"github.com/ZenLiuCN/jitlink/objfile/objtest"
	"github.com/ZenLiuCN/jitlink/scheduler"
	"github.com/ZenLiuCN/jitlink/toolchain"
)

type harness struct {
	t      *testing.T
	engine *jitlink.Engine
	pool   *Pool
	events chan jitlink.Event
}

func setup(t *testing.T) *harness {
	t.Helper()
	if b, _ := objtest.Native(); b == nil {
		t.Skipf("no native backend for %s", runtime.GOARCH)
	}
	e := fn.Panic1(jitlink.New(jitlink.DefaultConfig(),
		jitlink.WithToolchain(objtest.Directives{}),
		jitlink.WithSymbols(jitlink.NewSymbols(false))))
	t.Cleanup(func() { _ = e.Close() })
	h := &harness{t: t, engine: e, events: make(chan jitlink.Event, 8)}
	h.pool, _ = Attach(e)
	e.Subscribe(func(ev jitlink.Event) { h.events <- ev })
	return h
}

// submit a module of key under identity id and wait for its event.
func (h *harness) submit(key, id, text string) jitlink.Event {
	h.t.Helper()
	fn.Panic1(h.engine.SubmitJob(scheduler.Job{Key: key, Sources: []toolchain.Source{{Name: key + ".cpp", Text: text}}},
		metadata.Declared{Key: id}))
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(5 * time.Second):
		h.t.Fatal("no event")
	}
	return jitlink.Event{}
}

func TestRegister(t *testing.T) {
	h := setup(t)
	h.submit("reverb", "rev-1", "def:plugin_instance def:reverb_mix")
	c, ok := h.pool.Get("rev1")
	if !ok || c.Module != "reverb" || c.Entry != "plugin_instance" {
		t.Fatalf("capability %s", spew.Sdump(c))
	}
	entry := fn.Panic1(h.pool.Entry("rev1"))
	if entry.Addr == 0 || entry.Addr != c.Address {
		t.Fatalf("entry %s", entry)
	}
	if s := h.pool.Require("rev1", "reverb_mix"); s.Addr == 0 || s.Module != "reverb" {
		t.Fatalf("require %s", s)
	}
	if k := h.pool.Keys(); !slices.Equal(k, []string{"rev1"}) {
		t.Fatalf("keys %v", k)
	}
}

func TestRequireMissing(t *testing.T) {
	h := setup(t)
	defer func() {
		if err, _ := recover().(error); !errors.Is(err, ErrNotRegistered) {
			t.Fatalf("recovered %v", err)
		}
	}()
	h.pool.Require("absent", "run")
}

func TestFailureKeepsRegistration(t *testing.T) {
	h := setup(t)
	first := h.submit("delay", "delay", "def:plugin_instance")
	h.submit("delay", "delay", "def:plugin_instance\nerror")
	c, ok := h.pool.Get("delay")
	if !ok || c.Seq != first.Seq {
		t.Fatalf("capability %s", spew.Sdump(c))
	}
	if _, err := h.engine.LookupIn("delay", "plugin_instance"); err != nil {
		t.Fatalf("previous module gone: %v", err)
	}
}

func TestLinkFailureDropsRegistration(t *testing.T) {
	h := setup(t)
	h.submit("chorus", "chorus", "def:plugin_instance")
	ev := h.submit("chorus", "chorus", "def:plugin_instance ref:unknown_dep")
	var ue *linker.UnresolvedSymbolError
	if !errors.As(ev.Err, &ue) {
		t.Fatalf("event %v", ev.Err)
	}
	if _, ok := h.pool.Get("chorus"); ok {
		t.Fatal("registration outlived its module")
	}
}

func TestReplaceAndUnload(t *testing.T) {
	h := setup(t)
	h.submit("eq", "eq-a", "def:plugin_instance")
	h.submit("eq", "eq-b", "def:plugin_instance")
	if k := h.pool.Keys(); !slices.Equal(k, []string{"eqb"}) {
		t.Fatalf("keys %v", k)
	}
	fn.Panic(h.pool.Unload("eqb"))
	if len(h.pool.Keys()) != 0 || h.engine.Live("eq") {
		t.Fatal("unload left the capability or module")
	}
	if err := h.pool.Unload("eqb"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("second unload: %v", err)
	}
}

func TestIdentityTaken(t *testing.T) {
	h := setup(t)
	h.submit("one", "same", "def:run_one")
	ev := h.submit("two", "same", "def:run_two")
	if err := h.pool.Accept(ev); !errors.Is(err, ErrTaken) {
		t.Fatalf("accept: %v", err)
	}
	if c, _ := h.pool.Get("same"); c.Module != "one" {
		t.Fatalf("capability %s", spew.Sdump(c))
	}
}
