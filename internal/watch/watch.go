// Package watch runs a backup whenever the tree under a root settles after a
// burst of changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// DefaultDebounce is used when Options.Debounce is zero.
const DefaultDebounce = 5 * time.Second

// Trigger performs one backup pass.
type Trigger func(ctx context.Context) error

// Options tunes a Watcher.
type Options struct {
	// Debounce is how long the tree must stay quiet before a pass runs.
	Debounce time.Duration
	// Ignore reports whether a root-relative path is excluded. isDir is
	// false when the type is unknown, as for removed paths. Changes to
	// ignored paths never schedule a pass and ignored directories are not
	// watched.
	Ignore func(rel string, isDir bool) bool
	// SkipInitial suppresses the pass normally run at startup.
	SkipInitial bool
	Logger      freeze.Logger
}

// Watcher watches root and every directory below it.
type Watcher struct {
	root    string
	trigger Trigger
	opts    Options
	fsw     *fsnotify.Watcher

	// passes is signalled after every completed pass.
	passes chan struct{}
}

// New creates a Watcher for root and registers the directory tree. Changes
// made after New returns are seen by Run.
func New(root string, trigger Trigger, opts Options) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %v", freeze.ErrArgument, root, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", freeze.ErrIO, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", freeze.ErrArgument, abs)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Ignore == nil {
		opts.Ignore = func(string, bool) bool { return false }
	}
	if opts.Logger == nil {
		opts.Logger = freeze.NewNopLogger()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: creating watcher: %v", freeze.ErrIO, err)
	}
	w := &Watcher{
		root:    abs,
		trigger: trigger,
		opts:    opts,
		fsw:     fsw,
		passes:  make(chan struct{}, 1),
	}
	if err := w.addTree(abs); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Passes receives a value after each completed pass. Only the most recent
// unconsumed signal is kept.
func (w *Watcher) Passes() <-chan struct{} {
	return w.passes
}

// Run watches until ctx is cancelled. A failed pass is logged and the watch
// continues. Run must be called at most once.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	w.opts.Logger.Info("watching", "root", w.root, "debounce", w.opts.Debounce)

	if !w.opts.SkipInitial {
		w.pass(ctx)
	}

	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()

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
			timer.Reset(w.opts.Debounce)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.opts.Logger.Warn("watch error", "error", err)

		case <-timer.C:
			w.pass(ctx)
		}
	}
}

// handle reports whether ev should schedule a pass. New directories are
// added to the watch set.
func (w *Watcher) handle(ev fsnotify.Event) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." {
		return false
	}
	isDir := false
	if info, err := os.Lstat(ev.Name); err == nil {
		isDir = info.IsDir()
	}
	if w.opts.Ignore(rel, isDir) {
		return false
	}
	if isDir && ev.Has(fsnotify.Create) {
		if err := w.addTree(ev.Name); err != nil {
			w.opts.Logger.Warn("watching new directory", "path", ev.Name, "error", err)
		}
	}
	w.opts.Logger.Debug("change", "path", rel, "op", ev.Op.String())
	return true
}

func (w *Watcher) pass(ctx context.Context) {
	if err := w.trigger(ctx); err != nil && ctx.Err() == nil {
		w.opts.Logger.Error("backup pass failed", "error", err)
	}
	select {
	case w.passes <- struct{}{}:
	default:
	}
}

// addTree adds dir and its non-ignored subdirectories. Directories that
// vanish during the walk are skipped.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p != w.root {
				return nil
			}
			return fmt.Errorf("%w: walking %s: %v", freeze.ErrIO, p, err)
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root {
			rel, err := filepath.Rel(w.root, p)
			if err == nil && w.opts.Ignore(rel, true) {
				return filepath.SkipDir
			}
		}
		if err := w.fsw.Add(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return fmt.Errorf("%w: watching %s: %v", freeze.ErrIO, p, err)
		}
		return nil
	})
}
