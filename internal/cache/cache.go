// Package cache implements the File Cache: the local, directory-partitioned
// index of what has been backed up.
package cache

import (
	"sync"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// bucket holds the records of one directory in insertion order.
type bucket struct {
	files []*freeze.FreezeFile
	index map[string]int
}

// FileCache maps a path's first segment to its records. There is at most one
// record per path; Add replaces an existing one in place.
type FileCache struct {
	mu    sync.RWMutex
	dirs  map[string]*bucket
	order []string
}

// New creates an empty cache.
func New() *FileCache {
	return &FileCache{dirs: make(map[string]*bucket)}
}

// Add upserts a copy of f keyed by f.Path.
func (c *FileCache) Add(f *freeze.FreezeFile) {
	rec := f.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = insert(c.dirs, c.order, rec)
}

// insert upserts rec into dirs and returns the updated directory order.
func insert(dirs map[string]*bucket, order []string, rec *freeze.FreezeFile) []string {
	dir := rec.Directory()
	b, ok := dirs[dir]
	if !ok {
		b = &bucket{index: make(map[string]int)}
		dirs[dir] = b
		order = append(order, dir)
	}
	if i, ok := b.index[rec.Path]; ok {
		b.files[i] = rec
		return order
	}
	b.index[rec.Path] = len(b.files)
	b.files = append(b.files, rec)
	return order
}

// GetDirectory returns copies of the records in directory name, in insertion
// order. An unknown directory yields an empty slice.
func (c *FileCache) GetDirectory(name string) []*freeze.FreezeFile {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.dirs[name]
	if !ok {
		return []*freeze.FreezeFile{}
	}
	out := make([]*freeze.FreezeFile, len(b.files))
	for i, f := range b.files {
		out[i] = f.Clone()
	}
	return out
}

// Lookup returns a copy of the record for path.
func (c *FileCache) Lookup(path string) (*freeze.FreezeFile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	b, ok := c.dirs[freeze.FirstSegment(path)]
	if !ok {
		return nil, false
	}
	i, ok := b.index[path]
	if !ok {
		return nil, false
	}
	return b.files[i].Clone(), true
}

// Unchanged reports whether path is cached with localHash. A zero hash is
// never unchanged.
func (c *FileCache) Unchanged(path string, localHash freeze.Hash) bool {
	if localHash.IsZero() {
		return false
	}
	rec, ok := c.Lookup(path)
	return ok && rec.LocalHash.Equal(localHash)
}

// Changed is the negation of Unchanged.
func (c *FileCache) Changed(path string, localHash freeze.Hash) bool {
	return !c.Unchanged(path, localHash)
}

// Remove drops the record for path.
func (c *FileCache) Remove(path string) {
	dir := freeze.FirstSegment(path)

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.dirs[dir]
	if !ok {
		return
	}
	i, ok := b.index[path]
	if !ok {
		return
	}
	b.files = append(b.files[:i], b.files[i+1:]...)
	delete(b.index, path)
	for j := i; j < len(b.files); j++ {
		b.index[b.files[j].Path] = j
	}
	if len(b.files) == 0 {
		delete(c.dirs, dir)
		for k, d := range c.order {
			if d == dir {
				c.order = append(c.order[:k], c.order[k+1:]...)
				break
			}
		}
	}
}

// Directories returns the directory names in first-seen order.
func (c *FileCache) Directories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// Len returns the number of records.
func (c *FileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, b := range c.dirs {
		n += len(b.files)
	}
	return n
}

// All returns copies of every record, directory by directory.
func (c *FileCache) All() []*freeze.FreezeFile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*freeze.FreezeFile
	for _, d := range c.order {
		for _, f := range c.dirs[d].files {
			out = append(out, f.Clone())
		}
	}
	return out
}

var _ freeze.Cache = (*FileCache)(nil)
