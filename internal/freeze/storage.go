package freeze

import (
	"context"
	"fmt"
	"io"
)

// StorageKind selects a Storage implementation. The set is closed.
type StorageKind string

const (
	KindB2         StorageKind = "b2"
	KindS3         StorageKind = "s3"
	KindFilesystem StorageKind = "filesystem"
	KindMemory     StorageKind = "memory"
)

// ParseStorageKind validates a kind name read from config or a snapshot.
func ParseStorageKind(s string) (StorageKind, error) {
	switch k := StorageKind(s); k {
	case KindB2, KindS3, KindFilesystem, KindMemory:
		return k, nil
	default:
		return "", fmt.Errorf("%w: unknown storage kind %q", ErrArgument, s)
	}
}

// Storage is the capability set every remote backend provides.
// All methods except StartWorker/StopWorker may block on network I/O.
type Storage interface {
	// Kind identifies the implementation.
	Kind() StorageKind

	// HashAlgorithm is the digest the backend computes for stored objects.
	// Upload content must be hashed with it.
	HashAlgorithm() string

	// Authorize establishes or refreshes the session and stores the new
	// credentials in the account's CredentialStore.
	Authorize(ctx context.Context) error

	// Containers lists the account's buckets.
	Containers(ctx context.Context) ([]*Container, error)

	// CreateContainer creates a private bucket.
	CreateContainer(ctx context.Context, name string) (*Container, error)

	// Files lists the current version of every file in c, across all pages.
	Files(ctx context.Context, c *Container) ([]*FreezeFile, error)

	// Versions lists every version in c including hide markers; ServiceInfo
	// carries the action.
	Versions(ctx context.Context, c *Container) ([]*FreezeFile, error)

	// Upload stores content as f.Path in c using the worker's upload
	// credentials. It returns ErrAttemptsExhausted when every attempt failed
	// transiently and a *RemoteError wrapping ErrUpload on rejection.
	Upload(ctx context.Context, w *Worker, c *Container, f *FreezeFile, content *Content) (*FreezeFile, error)

	// Download fetches f by FileID and refreshes f's metadata. The returned
	// reader verifies the digest at EOF and records f in the cache only when
	// it matches.
	Download(ctx context.Context, f *FreezeFile) (io.ReadCloser, error)

	// Delete hides f and returns the id of the hide marker.
	Delete(ctx context.Context, f *FreezeFile) (string, error)

	// StartWorker returns a fresh per-worker upload context.
	StartWorker() *Worker

	// StopWorker releases w. w must not be used afterwards.
	StopWorker(w *Worker)
}

// Worker holds the upload URL and token of one upload goroutine. A Worker is
// owned by exactly one goroutine and needs no locking.
type Worker struct {
	ID        int
	UploadURL string
	Token     string
	bucketID  string
}

// NewWorker creates a Worker with the given id.
func NewWorker(id int) *Worker {
	return &Worker{ID: id}
}

// Authorized reports whether w holds upload credentials for container.
func (w *Worker) Authorized(containerID string) bool {
	return w.Token != "" && w.bucketID == containerID
}

// SetUploadAuth stores upload credentials scoped to containerID.
func (w *Worker) SetUploadAuth(containerID, url, token string) {
	w.bucketID = containerID
	w.UploadURL = url
	w.Token = token
}

// Invalidate drops the cached upload credentials.
func (w *Worker) Invalidate() {
	w.UploadURL = ""
	w.Token = ""
	w.bucketID = ""
}

// Recorder receives records confirmed by a verified download.
type Recorder interface {
	Add(f *FreezeFile)
}
