// Package watcher turns file system notifications into coalesced triggers:
// sources changed -> compile, assets changed -> copy, marker written -> restart.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long the watcher waits for a burst of events to end
// before firing the trigger.
const DefaultSettle = 100 * time.Millisecond

var ErrClosed = errors.New("watcher closed")

// Batch is the set of paths that changed within one settle window.
type Batch struct {
	Paths []string
	At    time.Time
}

// Trigger is invoked once per batch. An error is logged and watching continues.
type Trigger func(ctx context.Context, b Batch) error

// Watcher watches directory trees and individual files.
type Watcher struct {
	fsw     *fsnotify.Watcher
	name    string
	include []string
	exclude []string
	settle  time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	roots  []string        // recursively watched directories
	files  map[string]bool // individually watched files
	dirs   map[string]bool // directories registered with fsnotify
	closed bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithInclude keeps only paths (relative to a watched root) matching one of
// the doublestar patterns. Individually added files always match.
func WithInclude(patterns ...string) Option {
	return func(w *Watcher) { w.include = append(w.include, patterns...) }
}

// WithExclude drops paths matching one of the doublestar patterns.
func WithExclude(patterns ...string) Option {
	return func(w *Watcher) { w.exclude = append(w.exclude, patterns...) }
}

// WithSettle sets the coalescing window.
func WithSettle(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// WithName labels log lines, e.g. "sources" or "marker".
func WithName(name string) Option {
	return func(w *Watcher) { w.name = name }
}

func New(opts ...Option) (*Watcher, error) {
	w := &Watcher{
		settle: DefaultSettle,
		log:    slog.Default(),
		files:  make(map[string]bool),
		dirs:   make(map[string]bool),
	}
	for _, o := range opts {
		o(w)
	}
	for _, p := range append(append([]string(nil), w.include...), w.exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("watcher: invalid pattern %q", p)
		}
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w.fsw = fsw
	if w.name != "" {
		w.log = w.log.With("watch", w.name)
	}
	return w, nil
}

// Add watches each path: directories recursively, files through their parent
// directory so that replace-by-rename writes are seen. A file that does not
// exist yet is allowed as long as its directory does.
func (w *Watcher) Add(paths ...string) error {
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		info, err := os.Stat(abs)
		switch {
		case err == nil && info.IsDir():
			if err := w.addTree(abs); err != nil {
				return err
			}
			w.mu.Lock()
			w.roots = append(w.roots, abs)
			w.mu.Unlock()
		case err == nil || errors.Is(err, fs.ErrNotExist):
			if err := w.addDir(filepath.Dir(abs)); err != nil {
				return err
			}
			w.mu.Lock()
			w.files[abs] = true
			w.mu.Unlock()
		default:
			return err
		}
	}
	return nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != root && w.excludedDir(root, p) {
			return filepath.SkipDir
		}
		return w.addDir(p)
	})
}

func (w *Watcher) addDir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if w.dirs[dir] {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.dirs[dir] = true
	return nil
}

// Watched returns the directories registered with the OS watcher.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Run delivers coalesced batches to fn until ctx is done or the watcher is
// closed. Triggers run one at a time; events arriving meanwhile form the
// next batch.
func (w *Watcher) Run(ctx context.Context, fn Trigger) error {
	pending := make(map[string]struct{})
	timer := time.NewTimer(w.settle)
	timer.Stop()
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.handle(ev) {
				continue
			}
			pending[ev.Name] = struct{}{}
			timer.Reset(w.settle)
			fire = timer.C

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", "error", err)

		case <-fire:
			fire = nil
			b := Batch{Paths: make([]string, 0, len(pending)), At: time.Now()}
			for p := range pending {
				b.Paths = append(b.Paths, p)
			}
			sort.Strings(b.Paths)
			clear(pending)
			w.log.Debug("change detected", "paths", b.Paths)
			if err := fn(ctx, b); err != nil {
				w.log.Error("watch trigger failed", "error", err)
			}
		}
	}
}

// handle registers new directories and reports whether ev should count.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	w.mu.Lock()
	isFile := w.files[ev.Name]
	root := w.rootOf(ev.Name)
	w.mu.Unlock()
	if isFile {
		return true
	}
	if root == "" {
		return false
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.excludedDir(root, ev.Name) {
				if err := w.addTree(ev.Name); err != nil {
					w.log.Warn("watch new directory", "path", ev.Name, "error", err)
				}
			}
			return false
		}
	}
	return w.matches(root, ev.Name)
}

// rootOf returns the watched root containing p. Callers hold mu.
func (w *Watcher) rootOf(p string) string {
	for _, r := range w.roots {
		if p == r {
			continue
		}
		if rel, err := filepath.Rel(r, p); err == nil && rel != ".." && !startsWithDotDot(rel) {
			return r
		}
	}
	return ""
}

func (w *Watcher) matches(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pat := range w.exclude {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return false
		}
	}
	if len(w.include) == 0 {
		return true
	}
	for _, pat := range w.include {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) excludedDir(root, dir string) bool {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pat := range w.exclude {
		// "dir/**" also matches "dir" itself
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

func startsWithDotDot(rel string) bool {
	return len(rel) >= 3 && rel[:2] == ".." && (rel[2] == '/' || rel[2] == filepath.Separator)
}

// Close releases the OS watcher. Run returns once it is closed.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.fsw.Close()
}
