// Package snapshot reads and writes the YAML documents that persist the File
// Cache and the account list.
package snapshot

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// Version is the document version written by this build. Documents with a
// higher version are refused rather than silently truncated on the next save.
const Version = 1

// Read decodes the YAML document at path into v. A missing file is not an
// error: Read reports found=false and leaves v untouched. Malformed documents
// wrap freeze.ErrDeserialization; other read failures wrap freeze.ErrIO.
func Read(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: reading %s: %v", freeze.ErrIO, path, err)
	}
	var header struct {
		Version int `yaml:"version"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return false, fmt.Errorf("%w: parsing %s: %v", freeze.ErrDeserialization, path, err)
	}
	if header.Version > Version {
		return false, fmt.Errorf("%w: %s has version %d, this build reads up to %d",
			freeze.ErrDeserialization, path, header.Version, Version)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: parsing %s: %v", freeze.ErrDeserialization, path, err)
	}
	return true, nil
}

// Write encodes v as YAML and replaces path atomically: the document goes to a
// temp file in the same directory, is synced, then renamed over path. On any
// failure the previous document is left intact and the error wraps
// freeze.ErrIO.
func Write(path string, v any) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("%w: encoding %s: %v", freeze.ErrIO, path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: encoding %s: %v", freeze.ErrIO, path, err)
	}
	return WriteFile(path, buf.Bytes(), 0600)
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: creating %s: %v", freeze.ErrIO, dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", freeze.ErrIO, err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing %s: %v", freeze.ErrIO, tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: syncing %s: %v", freeze.ErrIO, tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", freeze.ErrIO, tmpPath, err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("%w: chmod %s: %v", freeze.ErrIO, tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: replacing %s: %v", freeze.ErrIO, path, err)
	}

	success = true
	return nil
}
