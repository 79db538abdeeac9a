// Package watch finds addon directories and node files on disk and reports them again whenever
// they change.
//
// An addons root holds one directory per addon; a nodes root holds single file nodes at any
// depth. Filesystem events are mapped to the addon directory or node file they touch, and
// coalesced per target by a [Debouncer] before the callback runs.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// always excluded from watching
var defaultIgnores = []string{
	"**/.git/**",
	"**/.git",
	"**/*.swp",
	"**/*.swo",
	"**/*~",
	"**/.#*",
	"**/.DS_Store",
}

// Kind of a watched target.
type Kind int

const (
	KindAddon Kind = iota + 1
	KindNode
)

func (k Kind) String() string {
	switch k {
	case KindAddon:
		return "addon"
	case KindNode:
		return "node"
	default:
		return "unknown"
	}
}

// Target is an addon directory or a node file. Removed is set when it no longer exists.
type Target struct {
	Kind    Kind
	Path    string
	Removed bool
}

type (
	// Config of a Watcher. At least one root is required.
	Config struct {
		Addons   string // directory whose subdirectories are addons
		Nodes    string // directory of node files
		Ignore   []string
		Debounce time.Duration
		// OnChange runs on the Run goroutine, once per target at startup and after each quiet
		// period following changes. An error is logged and watching continues.
		OnChange func(ctx context.Context, t Target) error
	}
	// Watcher of addon and node roots.
	Watcher struct {
		cfg      Config
		addons   string
		nodes    string
		ignores  []string
		fsw      *fsnotify.Watcher
		debounce *Debouncer
		fired    chan Target
		done     chan struct{}
		started  atomic.Bool

		mu      sync.Mutex
		targets map[string]Target
	}
)

var (
	// ErrNoRoot occurs when neither root is configured.
	ErrNoRoot = errors.New("watch: no addons nor nodes directory")
	// ErrStarted occurs when Run is called twice.
	ErrStarted = errors.New("watch: already running")
)

// New validates the configuration and registers the roots. The roots must exist.
func New(cfg Config) (w *Watcher, err error) {
	if cfg.Addons == "" && cfg.Nodes == "" {
		return nil, ErrNoRoot
	}
	for _, pat := range cfg.Ignore {
		if !doublestar.ValidatePattern(pat) {
			return nil, fmt.Errorf("watch: invalid ignore pattern %q", pat)
		}
	}
	w = &Watcher{
		cfg:     cfg,
		ignores: append(slices.Clone(defaultIgnores), cfg.Ignore...),
		fired:   make(chan Target, 16),
		done:    make(chan struct{}),
		targets: make(map[string]Target),
	}
	if w.addons, err = root(cfg.Addons); err != nil {
		return nil, err
	}
	if w.nodes, err = root(cfg.Nodes); err != nil {
		return nil, err
	}
	if w.fsw, err = fsnotify.NewWatcher(); err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	for _, r := range []string{w.addons, w.nodes} {
		if r == "" {
			continue
		}
		if err = w.addTree(r); err != nil {
			_ = w.fsw.Close()
			return nil, err
		}
	}
	w.debounce = NewDebouncer(cfg.Debounce, w.elapsed)
	return w, nil
}

func root(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("watch: root %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("watch: root %s is not a directory", dir)
	}
	return abs, nil
}

// Scan lists the current targets, addons first, each group sorted by path.
func (w *Watcher) Scan() (targets []Target, err error) {
	if w.addons != "" {
		entries, err := os.ReadDir(w.addons)
		if err != nil {
			return nil, fmt.Errorf("watch: scan addons: %w", err)
		}
		for _, e := range entries {
			p := filepath.Join(w.addons, e.Name())
			if e.IsDir() && e.Name() != NodesFolder && p != w.nodes && !w.ignored(w.addons, p) {
				targets = append(targets, Target{Kind: KindAddon, Path: p})
			}
		}
	}
	if w.nodes != "" {
		err = filepath.WalkDir(w.nodes, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				Logger().Warn("skip inaccessible path", zap.String("path", p), zap.Error(err))
				return nil
			}
			if w.ignored(w.nodes, p) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() && isNodeFile(p) {
				targets = append(targets, Target{Kind: KindNode, Path: p})
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("watch: scan nodes: %w", err)
		}
	}
	return targets, nil
}

// Run reports every current target, then changes until ctx is done. It closes the watcher on
// return and may be called once.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	defer func() {
		close(w.done)
		w.debounce.Stop()
		_ = w.fsw.Close()
	}()
	initial, err := w.Scan()
	if err != nil {
		return err
	}
	for _, t := range initial {
		w.notify(ctx, t)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-w.fired:
			w.notify(ctx, t)
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return errors.New("watch: fsnotify event channel closed unexpectedly")
			}
			w.event(evt)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return errors.New("watch: fsnotify error channel closed unexpectedly")
			}
			Logger().Warn("fsnotify error", zap.Error(err))
		}
	}
}

// Close stops a watcher that is not running.
func (w *Watcher) Close() error {
	if w.started.Load() {
		return ErrStarted
	}
	w.debounce.Stop()
	return w.fsw.Close()
}

func (w *Watcher) notify(ctx context.Context, t Target) {
	if w.cfg.OnChange == nil {
		return
	}
	if err := w.cfg.OnChange(ctx, t); err != nil {
		Logger().Warn("change handler", zap.Stringer("kind", t.Kind), zap.String("path", t.Path), zap.Error(err))
	}
}

func (w *Watcher) event(evt fsnotify.Event) {
	t, ok := w.classify(evt.Name)
	if !ok {
		return
	}
	if evt.Has(fsnotify.Create) {
		if fi, err := os.Stat(evt.Name); err == nil && fi.IsDir() {
			if err = w.addTree(evt.Name); err != nil {
				Logger().Warn("watch new directory", zap.String("path", evt.Name), zap.Error(err))
			}
		}
	}
	w.mu.Lock()
	w.targets[t.Path] = t
	w.mu.Unlock()
	Logger().Debug("change", zap.Stringer("kind", t.Kind), zap.String("path", t.Path), zap.Stringer("op", evt.Op))
	w.debounce.Trigger(t.Path)
}

func (w *Watcher) elapsed(path string) {
	w.mu.Lock()
	t, ok := w.targets[path]
	delete(w.targets, path)
	w.mu.Unlock()
	if !ok {
		return
	}
	if _, err := os.Stat(t.Path); errors.Is(err, os.ErrNotExist) {
		t.Removed = true
	}
	select {
	case w.fired <- t:
	case <-w.done:
	}
}

// classify maps a changed path to the target it belongs to.
func (w *Watcher) classify(path string) (Target, bool) {
	if w.nodes != "" && within(w.nodes, path) {
		if path == w.nodes || w.ignored(w.nodes, path) || !isNodeFile(path) {
			return Target{}, false
		}
		return Target{Kind: KindNode, Path: path}, true
	}
	if w.addons != "" && within(w.addons, path) {
		rel, err := filepath.Rel(w.addons, path)
		if err != nil || rel == "." || w.ignored(w.addons, path) {
			return Target{}, false
		}
		first, rest, _ := strings.Cut(filepath.ToSlash(rel), "/")
		if first == NodesFolder {
			return Target{}, false
		}
		dir := filepath.Join(w.addons, first)
		if rest == "" {
			// a plain file directly under the root is not an addon
			if fi, err := os.Stat(dir); err == nil && !fi.IsDir() {
				return Target{}, false
			}
		}
		return Target{Kind: KindAddon, Path: dir}, true
	}
	return Target{}, false
}

func (w *Watcher) addTree(dir string) error {
	base := w.addons
	if w.nodes != "" && within(w.nodes, dir) {
		base = w.nodes
	}
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			Logger().Warn("skip inaccessible path", zap.String("path", p), zap.Error(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != base && w.ignored(base, p) {
			return filepath.SkipDir
		}
		if err = w.fsw.Add(p); err != nil {
			return fmt.Errorf("watch: add directory %q: %w", p, err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch: walk %s: %w", dir, err)
	}
	return nil
}

func (w *Watcher) ignored(base, path string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pat := range w.ignores {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func within(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

func isNodeFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".hpp" || ext == ".cpp"
}

// DefaultIgnores returns a copy of the built-in ignore patterns.
func DefaultIgnores() []string {
	return slices.Clone(defaultIgnores)
}
