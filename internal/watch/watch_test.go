package watch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CodeFork/b2-autopush/internal/freeze"
	"github.com/CodeFork/b2-autopush/internal/watch"
)

const debounce = 50 * time.Millisecond

type harness struct {
	w      *watch.Watcher
	count  atomic.Int64
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, root string, opts watch.Options) *harness {
	t.Helper()
	h := &harness{done: make(chan error, 1)}
	opts.Debounce = debounce
	w, err := watch.New(root, func(ctx context.Context) error {
		h.count.Add(1)
		return nil
	}, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.w = w
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) waitPass(t *testing.T) {
	t.Helper()
	select {
	case <-h.w.Passes():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a backup pass")
	}
}

func (h *harness) noPass(t *testing.T) {
	t.Helper()
	select {
	case <-h.w.Passes():
		t.Fatal("unexpected backup pass")
	case <-time.After(6 * debounce):
	}
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestWatcher_InitialPass(t *testing.T) {
	h := start(t, t.TempDir(), watch.Options{})
	h.waitPass(t)
	if got := h.count.Load(); got != 1 {
		t.Errorf("passes = %d, want 1", got)
	}
}

func TestWatcher_SkipInitial(t *testing.T) {
	h := start(t, t.TempDir(), watch.Options{SkipInitial: true})
	h.noPass(t)
	if got := h.count.Load(); got != 0 {
		t.Errorf("passes = %d, want 0", got)
	}
}

func TestWatcher_ChangeTriggersPass(t *testing.T) {
	root := t.TempDir()
	h := start(t, root, watch.Options{})
	h.waitPass(t)

	write(t, filepath.Join(root, "a.txt"), "one")
	h.waitPass(t)
	if got := h.count.Load(); got != 2 {
		t.Errorf("passes = %d, want 2", got)
	}
}

func TestWatcher_BurstIsDebounced(t *testing.T) {
	root := t.TempDir()
	h := start(t, root, watch.Options{SkipInitial: true})

	for i := 0; i < 5; i++ {
		write(t, filepath.Join(root, "a.txt"), strings.Repeat("x", i+1))
	}
	h.waitPass(t)
	h.noPass(t)
	if got := h.count.Load(); got != 1 {
		t.Errorf("passes = %d, want 1", got)
	}
}

func TestWatcher_NewDirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	h := start(t, root, watch.Options{SkipInitial: true})

	sub := filepath.Join(root, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	h.waitPass(t)

	write(t, filepath.Join(sub, "b.txt"), "nested")
	h.waitPass(t)
	if got := h.count.Load(); got != 2 {
		t.Errorf("passes = %d, want 2", got)
	}
}

func TestWatcher_IgnoredPaths(t *testing.T) {
	root := t.TempDir()
	ignored := filepath.Join(root, "cache")
	if err := os.Mkdir(ignored, 0755); err != nil {
		t.Fatal(err)
	}
	h := start(t, root, watch.Options{
		SkipInitial: true,
		Ignore: func(rel string, isDir bool) bool {
			return rel == "cache" || strings.HasSuffix(rel, ".tmp")
		},
	})

	write(t, filepath.Join(root, "scratch.tmp"), "x")
	write(t, filepath.Join(ignored, "blob"), "x")
	h.noPass(t)
	if got := h.count.Load(); got != 0 {
		t.Errorf("passes = %d, want 0", got)
	}
}

func TestWatcher_FailedPassKeepsWatching(t *testing.T) {
	root := t.TempDir()
	var calls atomic.Int64
	w, err := watch.New(root, func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("backend down")
	}, watch.Options{Debounce: debounce})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	<-w.Passes()
	write(t, filepath.Join(root, "a.txt"), "one")
	select {
	case <-w.Passes():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second pass")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v, want nil after cancel", err)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestNew_Errors(t *testing.T) {
	noop := func(context.Context) error { return nil }

	file := filepath.Join(t.TempDir(), "f")
	write(t, file, "x")
	if _, err := watch.New(file, noop, watch.Options{}); !errors.Is(err, freeze.ErrArgument) {
		t.Errorf("New(file) error = %v, want ErrArgument", err)
	}
	if _, err := watch.New(filepath.Join(t.TempDir(), "missing"), noop, watch.Options{}); !errors.Is(err, freeze.ErrIO) {
		t.Errorf("New(missing) error = %v, want ErrIO", err)
	}
}
