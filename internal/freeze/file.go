package freeze

import (
	"io"
	"strings"
	"time"
)

// Service actions reported by version listings.
const (
	ActionUpload = "upload"
	ActionHide   = "hide"
	ActionStart  = "start"
	ActionFolder = "folder"
)

// MetaLastModified is the custom per-object metadata key carrying the local
// modification time in epoch milliseconds.
const MetaLastModified = "src_last_modified_millis"

// Container is a remote bucket. Containers are created by listing calls and
// never mutated afterwards.
type Container struct {
	ID        string
	AccountID int64
	Name      string
	Type      string
}

// FreezeFile is one version of one logical file, as known locally or remotely.
type FreezeFile struct {
	Path        string // forward-slash logical path; cache key and upload name
	LocalHash   Hash
	StoredHash  Hash
	FileID      string
	Modified    time.Time
	Uploaded    time.Time
	MimeType    string
	Size        int64
	Container   *Container // not owned
	ServiceInfo string
}

// Directory returns the first path segment, which partitions the File Cache.
func (f *FreezeFile) Directory() string {
	return FirstSegment(f.Path)
}

// Clone returns a shallow copy. Hash values are immutable and the Container
// is shared by reference.
func (f *FreezeFile) Clone() *FreezeFile {
	c := *f
	return &c
}

// FirstSegment returns the part of p before the first '/', ignoring a leading
// slash. A path without a slash is its own directory.
func FirstSegment(p string) string {
	p = strings.TrimPrefix(p, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return p
}

// Content is an upload payload. Reader is rewound before every attempt, so
// it must be seekable. Hash must be computed with the storage's algorithm.
type Content struct {
	Reader io.ReadSeeker
	Size   int64
	Hash   Hash
}

// MillisToTime converts epoch milliseconds to local time.
func MillisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).Local()
}

// TimeToMillis converts t to epoch milliseconds.
func TimeToMillis(t time.Time) int64 {
	return t.UnixMilli()
}
