package staging

import (
	"bytes"
	"fmt"
)

// NewMemorySpoolArea creates a spool area that keeps content in memory.
// maxSize is the maximum total size in bytes; must be positive.
func NewMemorySpoolArea(maxSize int64) *Area {
	return newArea(memoryStore{}, maxSize)
}

type memoryStore struct{}

func (memoryStore) create() (spoolFile, error) {
	return &memoryFile{}, nil
}

// memoryFile buffers writes and serves reads from the same bytes.
type memoryFile struct {
	buf    bytes.Buffer
	reader *bytes.Reader
}

func (m *memoryFile) Write(p []byte) (int, error) {
	if m.reader != nil {
		return 0, fmt.Errorf("spool file is read-only after the first seek")
	}
	return m.buf.Write(p)
}

func (m *memoryFile) Read(p []byte) (int, error) {
	if m.reader == nil {
		m.reader = bytes.NewReader(m.buf.Bytes())
	}
	return m.reader.Read(p)
}

func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	if m.reader == nil {
		m.reader = bytes.NewReader(m.buf.Bytes())
	}
	return m.reader.Seek(offset, whence)
}

func (m *memoryFile) release() error {
	m.buf = bytes.Buffer{}
	m.reader = bytes.NewReader(nil)
	return nil
}
