package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// Memory is an in-process backend. It stores every version in memory,
// digests with SHA256, and can be told to fail uploads with chosen statuses.
// Safe for concurrent use.
type Memory struct {
	accountID int64
	pageSize  int
	creds     freeze.CredentialStore
	recorder  freeze.Recorder
	logger    freeze.Logger
	sleep     freeze.Sleeper
	clock     freeze.Clock

	mu         sync.RWMutex
	containers []*freeze.Container
	logs       map[string][]*freeze.FreezeFile // container id -> versions
	blobs      map[string][]byte               // file id -> content
	nextID     int64
	faults     []int
	stats      MemoryStats

	workers atomic.Int64
}

// MemoryStats counts backend calls.
type MemoryStats struct {
	Authorizations int
	UploadAuths    int
	UploadAttempts int
	Pages          int
}

// NewMemory creates a Memory backend. The connection string may set
// page_size.
func NewMemory(opts Options) (*Memory, error) {
	cs, err := ParseConnString(opts.ConnString)
	if err != nil {
		return nil, err
	}
	pageSize, err := pageSizeOf(cs)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	return &Memory{
		accountID: opts.AccountID,
		pageSize:  pageSize,
		creds:     opts.Credentials,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
		sleep:     opts.Sleep,
		clock:     opts.Clock,
		logs:      make(map[string][]*freeze.FreezeFile),
		blobs:     make(map[string][]byte),
	}, nil
}

func (m *Memory) Kind() freeze.StorageKind { return freeze.KindMemory }

func (m *Memory) HashAlgorithm() string { return freeze.AlgSHA256 }

// FailUploads queues statuses returned by the next upload attempts, one per
// attempt. Status 0 simulates a network fault.
func (m *Memory) FailUploads(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, statuses...)
}

// Corrupt flips the last byte stored for fileID.
func (m *Memory) Corrupt(fileID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.blobs[fileID]; len(b) > 0 {
		b[len(b)-1] ^= 0xff
	}
}

// Stats returns the call counters.
func (m *Memory) Stats() MemoryStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Memory) Authorize(ctx context.Context) error {
	m.mu.Lock()
	m.stats.Authorizations++
	n := m.stats.Authorizations
	m.mu.Unlock()
	m.creds.SetCredentials(freeze.Credentials{
		Version:            freeze.CredentialsVersion,
		AuthorizationToken: "memory-" + strconv.Itoa(n),
		APIURL:             "memory://",
		DownloadURL:        "memory://",
	})
	return nil
}

func (m *Memory) Containers(ctx context.Context) ([]*freeze.Container, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*freeze.Container, len(m.containers))
	for i, c := range m.containers {
		cc := *c
		out[i] = &cc
	}
	return out, nil
}

func (m *Memory) CreateContainer(ctx context.Context, name string) (*freeze.Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.containers {
		if c.Name == name {
			return nil, freeze.NewRemoteError("create_container", "", http.StatusBadRequest, "duplicate_bucket_name", "bucket name already in use", nil, freeze.ErrArgument)
		}
	}
	c := &freeze.Container{ID: "mem-" + name, AccountID: m.accountID, Name: name, Type: b2BucketPrivate}
	m.containers = append(m.containers, c)
	cc := *c
	return &cc, nil
}

func (m *Memory) Files(ctx context.Context, c *freeze.Container) ([]*freeze.FreezeFile, error) {
	return m.list(ctx, c, currentVersions)
}

func (m *Memory) Versions(ctx context.Context, c *freeze.Container) ([]*freeze.FreezeFile, error) {
	return m.list(ctx, c, allVersions)
}

func (m *Memory) list(ctx context.Context, c *freeze.Container, view func([]*freeze.FreezeFile) []*freeze.FreezeFile) ([]*freeze.FreezeFile, error) {
	m.mu.RLock()
	all := view(m.logs[c.ID])
	m.mu.RUnlock()
	return collectPages(ctx, func(ctx context.Context, from cursor) ([]*freeze.FreezeFile, cursor, error) {
		m.mu.Lock()
		m.stats.Pages++
		m.mu.Unlock()
		page, next := pageOf(all, from, m.pageSize)
		for _, f := range page {
			f.Container = c
		}
		return page, next, nil
	})
}

func (m *Memory) StartWorker() *freeze.Worker {
	return freeze.NewWorker(int(m.workers.Add(1)))
}

func (m *Memory) StopWorker(w *freeze.Worker) { w.Invalidate() }

func (m *Memory) Upload(ctx context.Context, w *freeze.Worker, c *freeze.Container, f *freeze.FreezeFile, content *freeze.Content) (*freeze.FreezeFile, error) {
	return runUpload(ctx, m, w, c, f, content, m.sleep, m.logger)
}

func (m *Memory) uploadAuth(ctx context.Context, w *freeze.Worker, c *freeze.Container) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.UploadAuths++
	w.SetUploadAuth(c.ID, "memory://"+c.ID, fmt.Sprintf("upload-%d", m.stats.UploadAuths))
	return nil
}

func (m *Memory) put(ctx context.Context, w *freeze.Worker, c *freeze.Container, f *freeze.FreezeFile, content *freeze.Content) (*freeze.FreezeFile, error) {
	const op = "upload"
	m.mu.Lock()
	m.stats.UploadAttempts++
	if len(m.faults) > 0 {
		status := m.faults[0]
		m.faults = m.faults[1:]
		m.mu.Unlock()
		return nil, freeze.NewRemoteError(op, f.Path, status, "injected", "injected fault", nil, freeze.ErrUpload)
	}
	m.mu.Unlock()

	data, err := io.ReadAll(content.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", freeze.ErrIO, f.Path, err)
	}
	h, _ := freeze.NewHasher(freeze.AlgSHA256)
	h.Write(data)
	got := freeze.Sum(freeze.AlgSHA256, h)
	if !content.Hash.Equal(got) {
		return nil, freeze.NewRemoteError(op, f.Path, http.StatusBadRequest, "bad_request", "digest mismatch", nil, freeze.ErrUpload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	stored := &freeze.FreezeFile{
		Path:        f.Path,
		StoredHash:  got,
		FileID:      fmt.Sprintf("mem_%d", m.nextID),
		Modified:    f.Modified,
		Uploaded:    m.clock.Now(),
		MimeType:    "application/octet-stream",
		Size:        int64(len(data)),
		Container:   c,
		ServiceInfo: freeze.ActionUpload,
	}
	m.blobs[stored.FileID] = data
	m.logs[c.ID] = append(m.logs[c.ID], stored.Clone())
	return stored, nil
}

func (m *Memory) Download(ctx context.Context, f *freeze.FreezeFile) (io.ReadCloser, error) {
	if f.FileID == "" {
		return nil, fmt.Errorf("%w: download of %q needs a file id", freeze.ErrArgument, f.Path)
	}
	m.mu.RLock()
	data, ok := m.blobs[f.FileID]
	var v *freeze.FreezeFile
	for _, log := range m.logs {
		for _, e := range log {
			if e.FileID == f.FileID {
				v = e
			}
		}
	}
	var copied []byte
	if ok {
		copied = bytes.Clone(data)
	}
	m.mu.RUnlock()
	if !ok || v == nil {
		return nil, freeze.NewRemoteError("download", f.Path, http.StatusNotFound, "not_found", "file not present: "+f.FileID, nil, freeze.ErrArgument)
	}

	f.Path = v.Path
	f.StoredHash = v.StoredHash
	f.MimeType = v.MimeType
	f.Modified = v.Modified
	f.Uploaded = v.Uploaded
	f.Size = v.Size
	return newVerifyingReader(io.NopCloser(bytes.NewReader(copied)), f, freeze.AlgSHA256, m.recorder)
}

func (m *Memory) Delete(ctx context.Context, f *freeze.FreezeFile) (string, error) {
	if f.Container == nil {
		return "", fmt.Errorf("%w: hiding %q needs a container", freeze.ErrArgument, f.Path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.logs[f.Container.ID]
	latest := latestVersion(log, f.Path)
	if latest == nil {
		return "", freeze.NewRemoteError("hide", f.Path, http.StatusBadRequest, "no_such_file", "file not present", nil, freeze.ErrArgument)
	}
	if latest.ServiceInfo == freeze.ActionHide {
		return latest.FileID, nil
	}
	m.nextID++
	hide := &freeze.FreezeFile{
		Path:        f.Path,
		StoredHash:  freeze.NewHash(freeze.AlgSHA256, nil),
		FileID:      fmt.Sprintf("mem_%d", m.nextID),
		Uploaded:    m.clock.Now(),
		Container:   f.Container,
		ServiceInfo: freeze.ActionHide,
	}
	m.logs[f.Container.ID] = append(log, hide)
	return hide.FileID, nil
}

var _ freeze.Storage = (*Memory)(nil)
