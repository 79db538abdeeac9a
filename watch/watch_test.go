package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ZenLiuCN/fn"
	"github.com/davecgh/go-spew/spew"
)

const nodeText = `struct Node {
  static const constexpr auto prettyName = "Gain";
  static const constexpr auto uuid = make_uuid("5e0b2a4c-8ad4-4c1f-9c46-2a3b9d6e1f70");
};
`

func write(t *testing.T, path, text string) {
	t.Helper()
	fn.Panic(os.MkdirAll(filepath.Dir(path), 0o755))
	fn.Panic(os.WriteFile(path, []byte(text), 0o644))
}

func TestLoadAddon(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my-addon")
	write(t, filepath.Join(dir, Description), `{"key": "a1b2-c3d4", "name": "My Addon", "flags": ["-DFOO=1"]}`)
	write(t, filepath.Join(dir, "src", "b.cpp"), "int b;")
	write(t, filepath.Join(dir, "a.c"), "int a;")
	write(t, filepath.Join(dir, "include", "a.hpp"), "#pragma once")
	a := fn.Panic1(LoadAddon(dir))
	if a.Key != "a1b2c3d4" || a.Name != "My Addon" {
		t.Fatalf("addon %s", spew.Sdump(a))
	}
	if !slices.Equal(a.Flags, []string{"-I" + dir, "-DFOO=1"}) {
		t.Fatalf("flags %v", a.Flags)
	}
	var got []string
	for _, s := range a.Sources {
		got = append(got, s.Path)
	}
	if want := []string{filepath.Join(dir, "a.c"), filepath.Join(dir, "src", "b.cpp")}; !slices.Equal(got, want) {
		t.Fatalf("sources %v", got)
	}
	if j := a.Job(); j.Key != a.Key || len(j.Sources) != 2 {
		t.Fatalf("job %+v", j)
	}
}

func TestLoadAddonDefaults(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "plain-addon")
	write(t, filepath.Join(dir, "x.cpp"), "int x;")
	a := fn.Panic1(LoadAddon(dir))
	if a.Key != "plainaddon" || a.Name != "" || len(a.Flags) != 1 {
		t.Fatalf("addon %s", spew.Sdump(a))
	}
}

func TestLoadAddonSkipped(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "headers", "a.hpp"), "")
	write(t, filepath.Join(root, NodesFolder, "n.cpp"), nodeText)
	for _, d := range []string{"headers", NodesFolder} {
		if _, err := LoadAddon(filepath.Join(root, d)); !errors.Is(err, ErrNotAddon) {
			t.Fatalf("%s: %v", d, err)
		}
	}
	bad := filepath.Join(root, "bad")
	write(t, filepath.Join(bad, Description), `{"key": `)
	write(t, filepath.Join(bad, "a.cpp"), "")
	if _, err := LoadAddon(bad); err == nil || errors.Is(err, ErrNotAddon) {
		t.Fatalf("malformed description: %v", err)
	}
}

func TestLoadNode(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "gain.hpp")
	write(t, p, nodeText)
	n := fn.Panic1(LoadNode(p))
	if n.Key != "5e0b2a4c8ad44c1f9c462a3b9d6e1f70" || n.Name != "Gain" {
		t.Fatalf("node %+v", n)
	}
	j := n.Job("EXPORT(Node)")
	if j.Key != n.Key || len(j.Sources) != 1 || j.Sources[0].Name != "gain.cpp" {
		t.Fatalf("job %s", spew.Sdump(j))
	}
	if !strings.HasSuffix(j.Sources[0].Text, "\nEXPORT(Node)\n") || j.Flags[0] != "-I"+dir {
		t.Fatalf("job %s", spew.Sdump(j))
	}

	write(t, filepath.Join(dir, "plain.hpp"), "struct X{};")
	write(t, filepath.Join(dir, "notes.txt"), nodeText)
	for _, f := range []string{"plain.hpp", "notes.txt"} {
		if _, err := LoadNode(filepath.Join(dir, f)); !errors.Is(err, ErrNotNode) {
			t.Fatalf("%s: %v", f, err)
		}
	}
}

func TestDebouncer(t *testing.T) {
	var mu sync.Mutex
	fired := map[string]int{}
	d := NewDebouncer(50*time.Millisecond, func(key string) {
		mu.Lock()
		fired[key]++
		mu.Unlock()
	})
	defer d.Stop()
	for i := 0; i < 5; i++ {
		d.Trigger("a")
		time.Sleep(10 * time.Millisecond)
	}
	d.Trigger("b")
	if w := d.Waiting(); !slices.Equal(w, []string{"a", "b"}) {
		t.Fatalf("waiting %v", w)
	}
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired["a"] != 1 || fired["b"] != 1 {
		t.Fatalf("fired %v", fired)
	}
	if w := d.Waiting(); len(w) != 0 {
		t.Fatalf("waiting %v", w)
	}
}

func TestDebouncerStop(t *testing.T) {
	var n atomic.Int32
	d := NewDebouncer(20*time.Millisecond, func(string) { n.Add(1) })
	d.Trigger("a")
	d.Stop()
	d.Trigger("b")
	time.Sleep(80 * time.Millisecond)
	if n.Load() != 0 {
		t.Fatalf("fired %d after stop", n.Load())
	}
}

func TestWatcherRejects(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, ErrNoRoot) {
		t.Fatalf("no root: %v", err)
	}
	if _, err := New(Config{Addons: t.TempDir(), Ignore: []string{"[unclosed"}}); err == nil {
		t.Fatal("invalid pattern accepted")
	}
	if _, err := New(Config{Addons: filepath.Join(t.TempDir(), "absent")}); err == nil {
		t.Fatal("missing root accepted")
	}
}

func TestWatcherScan(t *testing.T) {
	root := t.TempDir()
	addons, nodes := filepath.Join(root, "Addons"), filepath.Join(root, "Addons", NodesFolder)
	write(t, filepath.Join(addons, "b", "b.cpp"), "")
	write(t, filepath.Join(addons, "a", "a.cpp"), "")
	write(t, filepath.Join(addons, "readme.md"), "")
	write(t, filepath.Join(addons, ".git", "HEAD"), "")
	write(t, filepath.Join(nodes, "deep", "n.hpp"), nodeText)
	write(t, filepath.Join(nodes, "n.txt"), "")
	w := fn.Panic1(New(Config{Addons: addons, Nodes: nodes}))
	defer func() { _ = w.Close() }()
	got := fn.Panic1(w.Scan())
	want := []Target{
		{Kind: KindAddon, Path: filepath.Join(addons, "a")},
		{Kind: KindAddon, Path: filepath.Join(addons, "b")},
		{Kind: KindNode, Path: filepath.Join(nodes, "deep", "n.hpp")},
	}
	if !slices.Equal(got, want) {
		t.Fatalf("targets %s", spew.Sdump(got))
	}
}

func TestWatcherClassify(t *testing.T) {
	root := t.TempDir()
	addons, nodes := filepath.Join(root, "addons"), filepath.Join(root, "nodes")
	write(t, filepath.Join(addons, "a", "src", "a.cpp"), "")
	write(t, filepath.Join(addons, "top.txt"), "")
	write(t, filepath.Join(nodes, "n.cpp"), "")
	w := fn.Panic1(New(Config{Addons: addons, Nodes: nodes}))
	defer func() { _ = w.Close() }()
	tests := []struct {
		path string
		want Target
		ok   bool
	}{
		{filepath.Join(addons, "a", "src", "a.cpp"), Target{Kind: KindAddon, Path: filepath.Join(addons, "a")}, true},
		{filepath.Join(addons, "a"), Target{Kind: KindAddon, Path: filepath.Join(addons, "a")}, true},
		{filepath.Join(addons, "gone"), Target{Kind: KindAddon, Path: filepath.Join(addons, "gone")}, true},
		{filepath.Join(addons, "top.txt"), Target{}, false},
		{filepath.Join(addons, "a", "x.cpp.swp"), Target{}, false},
		{filepath.Join(nodes, "n.cpp"), Target{Kind: KindNode, Path: filepath.Join(nodes, "n.cpp")}, true},
		{filepath.Join(nodes, "n.o"), Target{}, false},
		{filepath.Join(root, "elsewhere.cpp"), Target{}, false},
	}
	for _, tt := range tests {
		got, ok := w.classify(tt.path)
		if ok != tt.ok || got != tt.want {
			t.Errorf("%s: got %+v %v", tt.path, got, ok)
		}
	}
}

func TestWatcherRun(t *testing.T) {
	root := t.TempDir()
	addon := filepath.Join(root, "a")
	write(t, filepath.Join(addon, "a.cpp"), "int a;")
	changes := make(chan Target, 16)
	w := fn.Panic1(New(Config{
		Addons:   root,
		Debounce: 50 * time.Millisecond,
		OnChange: func(_ context.Context, tg Target) error {
			changes <- tg
			return nil
		},
	}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	next := func() Target {
		t.Helper()
		select {
		case c := <-changes:
			return c
		case <-time.After(3 * time.Second):
			t.Fatal("no change reported")
		}
		return Target{}
	}
	if c := next(); c.Kind != KindAddon || c.Path != addon || c.Removed {
		t.Fatalf("initial %+v", c)
	}
	for i := 0; i < 3; i++ {
		write(t, filepath.Join(addon, "a.cpp"), strings.Repeat("int a;", i+2))
	}
	if c := next(); c.Path != addon || c.Removed {
		t.Fatalf("change %+v", c)
	}
	select {
	case c := <-changes:
		t.Fatalf("changes not coalesced: %+v", c)
	case <-time.After(150 * time.Millisecond):
	}

	fn.Panic(os.RemoveAll(addon))
	if c := next(); c.Path != addon || !c.Removed {
		t.Fatalf("removal %+v", c)
	}
	if err := w.Run(ctx); !errors.Is(err, ErrStarted) {
		t.Fatalf("second run: %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
