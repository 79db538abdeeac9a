package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"

	"github.com/ZenLiuCN/jitlink/metadata"
	"github.com/ZenLiuCN/jitlink/scheduler"
	"github.com/ZenLiuCN/jitlink/toolchain"
)

const (
	// Description is the file describing an addon directory.
	Description = "addon.json"
	// SourcePattern selects the compiled files of an addon.
	SourcePattern = "**/*.{c,cc,cpp,cxx}"
	// NodesFolder is never loaded as an addon.
	NodesFolder = "Nodes"
)

var (
	// ErrNotAddon occurs for directories that hold nothing to compile. Callers skip them.
	ErrNotAddon = errors.New("not an addon")
	// ErrNotNode occurs for files that are not a node: wrong extension or no make_uuid marker.
	ErrNotNode = errors.New("not a node")
)

// Addon is a directory of sources compiled as one unit.
type Addon struct {
	Dir     string
	Key     string // normalized
	Name    string
	Flags   []string
	Sources []toolchain.Source
}

// LoadAddon reads an addon directory. The key comes from addon.json, or the folder name when
// the description is absent or declares none.
func LoadAddon(dir string) (*Addon, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if filepath.Base(dir) == NodesFolder {
		return nil, fmt.Errorf("%w: %s", ErrNotAddon, dir)
	}
	a := &Addon{Dir: dir, Flags: []string{"-I" + dir}}
	desc := viper.New()
	desc.SetConfigFile(filepath.Join(dir, Description))
	desc.SetConfigType("json")
	if err = desc.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read %s of %s: %w", Description, dir, err)
	}
	a.Key = metadata.NormalizeKey(desc.GetString("key"))
	if a.Key == "" {
		a.Key = metadata.NormalizeKey(filepath.Base(dir))
	}
	a.Name = desc.GetString("name")
	a.Flags = append(a.Flags, desc.GetStringSlice("flags")...)

	files, err := doublestar.Glob(os.DirFS(dir), SourcePattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob sources of %s: %w", dir, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s has no sources", ErrNotAddon, dir)
	}
	slices.Sort(files)
	for _, f := range files {
		a.Sources = append(a.Sources, toolchain.Source{Path: filepath.Join(dir, filepath.FromSlash(f))})
	}
	return a, nil
}

func (a *Addon) Job() scheduler.Job {
	return scheduler.Job{Key: a.Key, Sources: a.Sources, Flags: a.Flags}
}

func (a *Addon) Declared() metadata.Declared {
	return metadata.Declared{Key: a.Key, Name: a.Name}
}

// Node is a single header or source file keyed by its make_uuid literal.
type Node struct {
	Path string
	Key  string
	Name string
	Text string
}

// LoadNode reads a node file.
func LoadNode(path string) (*Node, error) {
	switch filepath.Ext(path) {
	case ".hpp", ".cpp":
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotNode, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := metadata.Scan(string(b))
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", path, err)
	}
	if m.UUID == "" {
		return nil, fmt.Errorf("%w: %s has no make_uuid marker", ErrNotNode, path)
	}
	return &Node{Path: path, Key: m.UUID, Name: m.PrettyName, Text: string(b)}, nil
}

// Job compiles the node text followed by footer, which usually instantiates the node for the
// host. The directory of the node is on the include path.
func (n *Node) Job(footer string) scheduler.Job {
	name := strings.TrimSuffix(filepath.Base(n.Path), filepath.Ext(n.Path)) + ".cpp"
	text := n.Text
	if footer != "" {
		text += "\n" + footer + "\n"
	}
	return scheduler.Job{
		Key:     n.Key,
		Sources: []toolchain.Source{{Name: name, Text: text}},
		Flags:   []string{"-I" + filepath.Dir(n.Path)},
	}
}

func (n *Node) Declared() metadata.Declared {
	return metadata.Declared{Key: n.Key, Name: n.Name}
}
