package testutil

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// MockFile represents a file in the mock lister.
type MockFile struct {
	Content []byte
	ModTime time.Time
	OpenErr error
}

// MockLister is an in-memory freeze.FileLister. The root argument is
// ignored: every root sees the same files. Safe for concurrent use.
type MockLister struct {
	mu      sync.Mutex
	files   map[string]*MockFile
	opens   map[string]int
	listErr error
}

// NewMockLister creates an empty mock lister.
func NewMockLister() *MockLister {
	return &MockLister{
		files: make(map[string]*MockFile),
		opens: make(map[string]int),
	}
}

// AddFile adds or replaces a file with a fixed modification time.
func (m *MockLister) AddFile(path string, content []byte) {
	m.AddFileAt(path, content, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
}

// AddFileAt adds or replaces a file with the given modification time.
func (m *MockLister) AddFileAt(path string, content []byte, mod time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = &MockFile{Content: bytes.Clone(content), ModTime: mod}
}

// RemoveFile deletes a file.
func (m *MockLister) RemoveFile(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
}

// FailOpen makes every Open of path return err.
func (m *MockLister) FailOpen(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.files[path]; ok {
		f.OpenErr = err
	}
}

// FailList makes List return err.
func (m *MockLister) FailList(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// Opens returns how many times path was opened.
func (m *MockLister) Opens(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[path]
}

func (m *MockLister) List(root string) ([]*freeze.FreezeFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]*freeze.FreezeFile, 0, len(m.files))
	for p, f := range m.files {
		out = append(out, &freeze.FreezeFile{Path: p, Modified: f.ModTime, Size: int64(len(f.Content))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MockLister) Open(root, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("%w: not found: %s", freeze.ErrIO, path)
	}
	m.opens[path]++
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	return io.NopCloser(bytes.NewReader(f.Content)), nil
}

var _ freeze.FileLister = (*MockLister)(nil)
