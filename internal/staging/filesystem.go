package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const spoolPrefix = ".spool-"

// NewFileSystemSpoolArea creates a spool area that writes content to temp
// files under stagingDir/files. Spool files left behind by an interrupted
// run are removed. maxSize is the maximum total size in bytes; must be
// positive.
//
// Directory structure:
//
//	<staging_dir>/
//	  files/
//	    .spool-<random>    (one per open spool)
func NewFileSystemSpoolArea(stagingDir string, maxSize int64) (*Area, error) {
	filesDir := filepath.Join(stagingDir, "files")
	if err := os.MkdirAll(filesDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	entries, err := os.ReadDir(filesDir)
	if err != nil {
		return nil, fmt.Errorf("listing staging directory: %w", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), spoolPrefix) {
			os.Remove(filepath.Join(filesDir, e.Name()))
		}
	}

	return newArea(filesystemStore{dir: filesDir}, maxSize), nil
}

type filesystemStore struct {
	dir string
}

func (s filesystemStore) create() (spoolFile, error) {
	f, err := os.CreateTemp(s.dir, spoolPrefix+"*")
	if err != nil {
		return nil, err
	}
	return &diskFile{File: f}, nil
}

// diskFile is a spool file backed by an unlinked-on-release temp file.
type diskFile struct {
	*os.File
}

func (d *diskFile) release() error {
	name := d.Name()
	closeErr := d.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing spool file: %w", err)
	}
	return closeErr
}
