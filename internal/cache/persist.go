package cache

import (
	"fmt"
	"time"

	"github.com/CodeFork/b2-autopush/internal/freeze"
	"github.com/CodeFork/b2-autopush/internal/snapshot"
)

type document struct {
	Version int       `yaml:"version"`
	Files   []fileDoc `yaml:"files"`
}

type containerDoc struct {
	ID        string `yaml:"id"`
	AccountID int64  `yaml:"account_id"`
	Name      string `yaml:"name"`
	Type      string `yaml:"type,omitempty"`
}

type fileDoc struct {
	Path        string        `yaml:"path"`
	LocalHash   string        `yaml:"local_hash,omitempty"`
	StoredHash  string        `yaml:"stored_hash,omitempty"`
	FileID      string        `yaml:"file_id,omitempty"`
	Modified    string        `yaml:"modified,omitempty"`
	Uploaded    string        `yaml:"uploaded,omitempty"`
	MimeType    string        `yaml:"mime_type,omitempty"`
	Size        int64         `yaml:"size,omitempty"`
	Container   *containerDoc `yaml:"container,omitempty"`
	ServiceInfo string        `yaml:"service_info,omitempty"`
}

// Save writes every record to path atomically.
func (c *FileCache) Save(path string) error {
	doc := document{Version: snapshot.Version, Files: []fileDoc{}}
	for _, f := range c.All() {
		doc.Files = append(doc.Files, toDoc(f))
	}
	if err := snapshot.Write(path, doc); err != nil {
		return fmt.Errorf("saving cache: %w", err)
	}
	return nil
}

// Load replaces the cache contents with the records stored at path. A
// missing file leaves the cache untouched. On a malformed document the
// cache is left as it was.
func (c *FileCache) Load(path string) error {
	var doc document
	found, err := snapshot.Read(path, &doc)
	if err != nil {
		return fmt.Errorf("loading cache: %w", err)
	}
	if !found {
		return nil
	}

	containers := make(map[containerDoc]*freeze.Container)
	dirs := make(map[string]*bucket)
	var order []string
	for i, fd := range doc.Files {
		f, err := fromDoc(fd, containers)
		if err != nil {
			return fmt.Errorf("loading cache: entry %d: %w", i, err)
		}
		order = insert(dirs, order, f)
	}

	c.mu.Lock()
	c.dirs, c.order = dirs, order
	c.mu.Unlock()
	return nil
}

func toDoc(f *freeze.FreezeFile) fileDoc {
	fd := fileDoc{
		Path:        f.Path,
		LocalHash:   f.LocalHash.String(),
		StoredHash:  f.StoredHash.String(),
		FileID:      f.FileID,
		Modified:    formatTime(f.Modified),
		Uploaded:    formatTime(f.Uploaded),
		MimeType:    f.MimeType,
		Size:        f.Size,
		ServiceInfo: f.ServiceInfo,
	}
	if f.Container != nil {
		fd.Container = &containerDoc{
			ID:        f.Container.ID,
			AccountID: f.Container.AccountID,
			Name:      f.Container.Name,
			Type:      f.Container.Type,
		}
	}
	return fd
}

// fromDoc rebuilds a record. Records naming the same container share one
// *freeze.Container.
func fromDoc(fd fileDoc, containers map[containerDoc]*freeze.Container) (*freeze.FreezeFile, error) {
	if fd.Path == "" {
		return nil, fmt.Errorf("%w: missing path", freeze.ErrDeserialization)
	}
	local, err := freeze.ParseHash(fd.LocalHash)
	if err != nil {
		return nil, fmt.Errorf("%w: local_hash: %v", freeze.ErrDeserialization, err)
	}
	stored, err := freeze.ParseHash(fd.StoredHash)
	if err != nil {
		return nil, fmt.Errorf("%w: stored_hash: %v", freeze.ErrDeserialization, err)
	}
	modified, err := parseTime(fd.Modified)
	if err != nil {
		return nil, fmt.Errorf("%w: modified: %v", freeze.ErrDeserialization, err)
	}
	uploaded, err := parseTime(fd.Uploaded)
	if err != nil {
		return nil, fmt.Errorf("%w: uploaded: %v", freeze.ErrDeserialization, err)
	}

	f := &freeze.FreezeFile{
		Path:        fd.Path,
		LocalHash:   local,
		StoredHash:  stored,
		FileID:      fd.FileID,
		Modified:    modified,
		Uploaded:    uploaded,
		MimeType:    fd.MimeType,
		Size:        fd.Size,
		ServiceInfo: fd.ServiceInfo,
	}
	if fd.Container != nil {
		key := *fd.Container
		ct, ok := containers[key]
		if !ok {
			ct = &freeze.Container{ID: key.ID, AccountID: key.AccountID, Name: key.Name, Type: key.Type}
			containers[key] = ct
		}
		f.Container = ct
	}
	return f, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
