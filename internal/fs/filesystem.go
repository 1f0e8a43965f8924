package fs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// OSLister is the real filesystem implementation of freeze.FileLister.
// Only regular files are listed; symlinks, devices, pipes and sockets are
// skipped. Ignore patterns come from configuration plus the root's
// .autopushignore file.
type OSLister struct {
	ignore []string
	logger freeze.Logger
}

// NewOSLister creates a lister that applies the given ignore patterns.
func NewOSLister(ignore []string, logger freeze.Logger) *OSLister {
	if logger == nil {
		logger = freeze.NewNopLogger()
	}
	return &OSLister{ignore: ignore, logger: logger}
}

// List walks root and returns its regular files sorted by path.
func (l *OSLister) List(root string) ([]*freeze.FreezeFile, error) {
	absRoot, err := resolveDir(root)
	if err != nil {
		return nil, err
	}

	matcher, err := l.Matcher(absRoot)
	if err != nil {
		return nil, err
	}

	var files []*freeze.FreezeFile
	err = filepath.WalkDir(absRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == absRoot {
				return err
			}
			l.logger.Warn("skipping unreadable path", "path", p, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if p == absRoot {
			return nil
		}
		rel, err := filepath.Rel(absRoot, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if matcher.MatchDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher.Match(rel) {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("stat %s: %w", p, err)
		}
		files = append(files, &freeze.FreezeFile{
			Path:     filepath.ToSlash(rel),
			Modified: info.ModTime(),
			Size:     info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walking %s: %v", freeze.ErrIO, absRoot, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Matcher combines the default patterns, the configured ones and those in
// root's ignore file.
func (l *OSLister) Matcher(root string) (*IgnoreMatcher, error) {
	filePatterns, err := ParseIgnoreFile(filepath.Join(root, IgnoreFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", freeze.ErrIO, err)
	}
	patterns := append(append(append([]string{}, defaultIgnorePatterns...), l.ignore...), filePatterns...)
	return NewIgnoreMatcher(patterns), nil
}

// Open opens the file at the forward-slash path relative to root. Reading
// to EOF fails with freeze.ErrIO if the file changed while it was read.
func (l *OSLister) Open(root, rel string) (io.ReadCloser, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" || strings.Contains(rel, "\\") {
		return nil, fmt.Errorf("%w: invalid relative path %q", freeze.ErrArgument, rel)
	}
	full := filepath.Join(root, filepath.FromSlash(clean[1:]))

	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", freeze.ErrIO, rel, err)
	}
	before, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", freeze.ErrIO, rel, err)
	}
	if !before.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: not a regular file: %s", freeze.ErrArgument, rel)
	}
	return &stableReader{f: f, path: rel, before: before}, nil
}

func resolveDir(root string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: resolving absolute path: %v", freeze.ErrArgument, err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return "", fmt.Errorf("%w: stat root: %v", freeze.ErrIO, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: backup root is not a directory: %s", freeze.ErrArgument, absRoot)
	}
	return absRoot, nil
}

// stableReader re-stats the file at EOF and fails the read if it changed.
type stableReader struct {
	f      *os.File
	path   string
	before fs.FileInfo
}

func (r *stableReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if errors.Is(err, io.EOF) {
		after, statErr := r.f.Stat()
		if statErr != nil {
			return n, fmt.Errorf("%w: re-stat %s: %v", freeze.ErrIO, r.path, statErr)
		}
		if changeErr := validateUnchanged(r.before, after); changeErr != nil {
			return n, fmt.Errorf("%w: %s changed while reading: %v", freeze.ErrIO, r.path, changeErr)
		}
	}
	return n, err
}

func (r *stableReader) Close() error { return r.f.Close() }

// validateUnchanged compares size, mode, mtime and, where available, ctime.
// Access time is ignored since reading updates it.
func validateUnchanged(info1, info2 fs.FileInfo) error {
	if info1.Size() != info2.Size() {
		return fmt.Errorf("size changed: %d -> %d", info1.Size(), info2.Size())
	}
	if info1.Mode() != info2.Mode() {
		return fmt.Errorf("mode changed: %v -> %v", info1.Mode(), info2.Mode())
	}
	if !info1.ModTime().Equal(info2.ModTime()) {
		return fmt.Errorf("mtime changed: %v -> %v", info1.ModTime(), info2.ModTime())
	}
	c1, ok1 := changeTime(info1)
	c2, ok2 := changeTime(info2)
	if ok1 && ok2 && !c1.Equal(c2) {
		return fmt.Errorf("ctime changed: %v -> %v", c1, c2)
	}
	return nil
}

var _ freeze.FileLister = (*OSLister)(nil)
