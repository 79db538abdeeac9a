package metadata_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ZenLiuCN/fn"

	"github.com/ZenLiuCN/jitlink/linker"
	"github.com/ZenLiuCN/jitlink/metadata"
	"github.com/ZenLiuCN/jitlink/toolchain"
)

type module struct {
	key     string
	symbols map[string]uintptr
}

func (m module) Key() string { return m.key }

func (m module) Symbol(name string) (linker.Symbol, bool) {
	p, ok := m.symbols[name]
	return linker.Symbol{Name: name, Addr: p}, ok
}

const node = `
struct Node {
  static const constexpr auto prettyName = "Bit crusher";
  static const constexpr auto uuid = make_uuid("36427eb1-b5f4-4735-a383-6164cb9b2572");
};
`

func TestExtract(t *testing.T) {
	const uuidKey = "36427eb1b5f44735a3836164cb9b2572"
	tests := []struct {
		name     string
		module   module
		sources  []toolchain.Source
		declared metadata.Declared
		want     metadata.Identity
	}{
		{
			name:     "declared",
			module:   module{"addonA", map[string]uintptr{"run_addonA": 0x10}},
			declared: metadata.Declared{Key: "a-b-c", Name: "Addon A"},
			sources:  []toolchain.Source{{Name: "a.cpp", Text: node}},
			want:     metadata.Identity{Key: "abc", Name: "Addon A", Entry: "run_addonA", Address: 0x10},
		},
		{
			name:    "marker",
			module:  module{uuidKey, map[string]uintptr{"plugin_instance": 0x20, "plugin_instance_" + uuidKey: 0x30}},
			sources: []toolchain.Source{{Name: "empty.cpp"}, {Name: "node.cpp", Text: node}},
			want:    metadata.Identity{Key: uuidKey, Name: "Bit crusher", Entry: "plugin_instance_" + uuidKey, Address: 0x30},
		},
		{
			name:     "name defaults to key",
			module:   module{"k", map[string]uintptr{"plugin_instance": 0x40}},
			declared: metadata.Declared{Key: "k"},
			want:     metadata.Identity{Key: "k", Name: "k", Entry: "plugin_instance", Address: 0x40},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fn.Panic1(metadata.Extract(tt.module, tt.sources, tt.declared))
			if *got != tt.want {
				t.Fatalf("got %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestExtractFromPath(t *testing.T) {
	p := filepath.Join(t.TempDir(), "node.hpp")
	fn.Panic(os.WriteFile(p, []byte(node), 0o600))
	m := module{"36427eb1b5f44735a3836164cb9b2572", map[string]uintptr{"plugin_instance": 1}}
	id := fn.Panic1(metadata.Extract(m, []toolchain.Source{{Path: p}}, metadata.Declared{}))
	if id.Name != "Bit crusher" {
		t.Fatalf("identity %+v", id)
	}
}

func TestExtractMissing(t *testing.T) {
	tests := []struct {
		name    string
		module  module
		sources []toolchain.Source
		cause   error
	}{
		{"no marker", module{"x", map[string]uintptr{"run_x": 1}}, []toolchain.Source{{Name: "x.cpp", Text: "int run_x;"}}, nil},
		{"malformed", module{"x", map[string]uintptr{"run_x": 1}}, []toolchain.Source{{Name: "x.cpp", Text: `make_uuid("not-a-uuid")`}}, metadata.ErrMalformedUUID},
		{"no entry", module{"x", map[string]uintptr{"helper": 1}}, []toolchain.Source{{Name: "x.cpp", Text: node}}, nil},
		{"unaddressed entry", module{"x", map[string]uintptr{"run_x": 0}}, []toolchain.Source{{Name: "x.cpp", Text: node}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := metadata.Extract(tt.module, tt.sources, metadata.Declared{})
			var ie *metadata.IdentityMissingError
			if !errors.As(err, &ie) || ie.Module != "x" || ie.Unit == "" {
				t.Fatalf("expected missing identity, got %v", err)
			}
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Fatalf("cause %v", err)
			}
		})
	}
}

func TestScan(t *testing.T) {
	m, err := metadata.Scan(`make_uuid( "36427EB1-B5F4-4735-A383-6164CB9B2572" ) prettyName("Upper")`)
	if err != nil || m.UUID != "36427eb1b5f44735a3836164cb9b2572" || m.PrettyName != "Upper" {
		t.Fatalf("markers %+v %v", m, err)
	}
	if m, err = metadata.Scan("nothing here"); err != nil || m != (metadata.Markers{}) {
		t.Fatalf("markers %+v %v", m, err)
	}
}
