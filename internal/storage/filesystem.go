package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/CodeFork/b2-autopush/internal/freeze"
	"github.com/CodeFork/b2-autopush/internal/snapshot"
)

// Filesystem stores backups in a local directory:
//
//	<root>/
//	  content/
//	    <digest>            (blobs named by BLAKE2b-256)
//	  containers/
//	    <name>/versions.yaml (version log of one container)
//
// Blobs are content addressed, so uploading identical bytes twice stores
// them once. The version log is rewritten atomically on every change.
type Filesystem struct {
	accountID  int64
	root       string
	contentDir string
	bucketsDir string
	pageSize   int

	creds    freeze.CredentialStore
	recorder freeze.Recorder
	logger   freeze.Logger
	sleep    freeze.Sleeper
	clock    freeze.Clock

	mu      sync.Mutex
	workers atomic.Int64
}

// NewFilesystem creates a filesystem backend from "root=<dir>[;page_size=<n>]"
// or a bare directory path.
func NewFilesystem(opts Options) (*Filesystem, error) {
	cs, err := ParseConnString(opts.ConnString, "root")
	if err != nil {
		return nil, err
	}
	vals, err := cs.Require("root")
	if err != nil {
		return nil, err
	}
	pageSize, err := pageSizeOf(cs)
	if err != nil {
		return nil, err
	}
	root := vals[0]
	contentDir := filepath.Join(root, "content")
	bucketsDir := filepath.Join(root, "containers")
	for _, dir := range []string{contentDir, bucketsDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: creating %s: %v", freeze.ErrIO, dir, err)
		}
	}
	opts = opts.withDefaults()
	return &Filesystem{
		accountID:  opts.AccountID,
		root:       root,
		contentDir: contentDir,
		bucketsDir: bucketsDir,
		pageSize:   pageSize,
		creds:      opts.Credentials,
		recorder:   opts.Recorder,
		logger:     opts.Logger,
		sleep:      opts.Sleep,
		clock:      opts.Clock,
	}, nil
}

func (v *Filesystem) Kind() freeze.StorageKind { return freeze.KindFilesystem }

func (v *Filesystem) HashAlgorithm() string { return freeze.AlgBLAKE2b256 }

// Authorize checks that the root is a usable directory.
func (v *Filesystem) Authorize(ctx context.Context) error {
	info, err := os.Stat(v.root)
	if err != nil {
		return fmt.Errorf("%w: storage root not accessible: %v", freeze.ErrAuth, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: storage root is not a directory: %s", freeze.ErrAuth, v.root)
	}
	v.creds.SetCredentials(freeze.Credentials{
		Version:            freeze.CredentialsVersion,
		AuthorizationToken: "local",
		APIURL:             "file://" + v.root,
		DownloadURL:        "file://" + v.root,
	})
	return nil
}

func (v *Filesystem) container(name string) *freeze.Container {
	return &freeze.Container{ID: name, AccountID: v.accountID, Name: name, Type: b2BucketPrivate}
}

func (v *Filesystem) Containers(ctx context.Context) ([]*freeze.Container, error) {
	entries, err := os.ReadDir(v.bucketsDir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing containers: %v", freeze.ErrIO, err)
	}
	var out []*freeze.Container
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, v.container(e.Name()))
		}
	}
	return out, nil
}

func (v *Filesystem) CreateContainer(ctx context.Context, name string) (*freeze.Container, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return nil, fmt.Errorf("%w: invalid container name %q", freeze.ErrArgument, name)
	}
	dir := filepath.Join(v.bucketsDir, name)
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, freeze.NewRemoteError("create_container", "", http.StatusBadRequest, "duplicate_bucket_name", "container already exists", nil, freeze.ErrArgument)
		}
		return nil, fmt.Errorf("%w: creating container: %v", freeze.ErrIO, err)
	}
	return v.container(name), nil
}

type versionLog struct {
	Version  int          `yaml:"version"`
	Versions []versionDoc `yaml:"versions"`
}

type versionDoc struct {
	Path           string `yaml:"path"`
	FileID         string `yaml:"file_id"`
	Hash           string `yaml:"hash,omitempty"`
	Size           int64  `yaml:"size"`
	MimeType       string `yaml:"mime_type,omitempty"`
	ModifiedMillis int64  `yaml:"src_last_modified_millis,omitempty"`
	Uploaded       string `yaml:"uploaded"`
	Action         string `yaml:"action"`
}

func (v *Filesystem) logPath(c *freeze.Container) string {
	return filepath.Join(v.bucketsDir, c.ID, "versions.yaml")
}

// readLog loads a container's versions in append order. Callers hold mu.
func (v *Filesystem) readLog(c *freeze.Container) ([]*freeze.FreezeFile, error) {
	if _, err := os.Stat(filepath.Join(v.bucketsDir, c.ID)); err != nil {
		return nil, freeze.NewRemoteError("list", "", http.StatusNotFound, "bad_bucket_id", "no such container: "+c.ID, nil, freeze.ErrArgument)
	}
	var doc versionLog
	if _, err := snapshot.Read(v.logPath(c), &doc); err != nil {
		return nil, err
	}
	out := make([]*freeze.FreezeFile, 0, len(doc.Versions))
	for _, d := range doc.Versions {
		h, err := freeze.NewHashHex(freeze.AlgBLAKE2b256, d.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: version %s: %v", freeze.ErrDeserialization, d.FileID, err)
		}
		uploaded, err := time.Parse(time.RFC3339Nano, d.Uploaded)
		if err != nil {
			return nil, fmt.Errorf("%w: version %s: %v", freeze.ErrDeserialization, d.FileID, err)
		}
		f := &freeze.FreezeFile{
			Path:        d.Path,
			StoredHash:  h,
			FileID:      d.FileID,
			Uploaded:    uploaded.Local(),
			MimeType:    d.MimeType,
			Size:        d.Size,
			Container:   c,
			ServiceInfo: d.Action,
		}
		if d.ModifiedMillis != 0 {
			f.Modified = freeze.MillisToTime(d.ModifiedMillis)
		}
		out = append(out, f)
	}
	return out, nil
}

// appendLog adds one version. Callers hold mu.
func (v *Filesystem) appendLog(c *freeze.Container, f *freeze.FreezeFile) error {
	var doc versionLog
	if _, err := snapshot.Read(v.logPath(c), &doc); err != nil {
		return err
	}
	d := versionDoc{
		Path:     f.Path,
		FileID:   f.FileID,
		Hash:     f.StoredHash.Hex(),
		Size:     f.Size,
		MimeType: f.MimeType,
		Uploaded: f.Uploaded.Format(time.RFC3339Nano),
		Action:   f.ServiceInfo,
	}
	if !f.Modified.IsZero() {
		d.ModifiedMillis = freeze.TimeToMillis(f.Modified)
	}
	doc.Version = snapshot.Version
	doc.Versions = append(doc.Versions, d)
	return snapshot.Write(v.logPath(c), doc)
}

func (v *Filesystem) Files(ctx context.Context, c *freeze.Container) ([]*freeze.FreezeFile, error) {
	return v.list(ctx, c, currentVersions)
}

func (v *Filesystem) Versions(ctx context.Context, c *freeze.Container) ([]*freeze.FreezeFile, error) {
	return v.list(ctx, c, allVersions)
}

func (v *Filesystem) list(ctx context.Context, c *freeze.Container, view func([]*freeze.FreezeFile) []*freeze.FreezeFile) ([]*freeze.FreezeFile, error) {
	v.mu.Lock()
	log, err := v.readLog(c)
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}
	all := view(log)
	return collectPages(ctx, func(ctx context.Context, from cursor) ([]*freeze.FreezeFile, cursor, error) {
		page, next := pageOf(all, from, v.pageSize)
		return page, next, nil
	})
}

func (v *Filesystem) StartWorker() *freeze.Worker {
	return freeze.NewWorker(int(v.workers.Add(1)))
}

func (v *Filesystem) StopWorker(w *freeze.Worker) { w.Invalidate() }

func (v *Filesystem) Upload(ctx context.Context, w *freeze.Worker, c *freeze.Container, f *freeze.FreezeFile, content *freeze.Content) (*freeze.FreezeFile, error) {
	return runUpload(ctx, v, w, c, f, content, v.sleep, v.logger)
}

func (v *Filesystem) uploadAuth(ctx context.Context, w *freeze.Worker, c *freeze.Container) error {
	w.SetUploadAuth(c.ID, "file://"+filepath.Join(v.bucketsDir, c.ID), "local")
	return nil
}

func (v *Filesystem) put(ctx context.Context, w *freeze.Worker, c *freeze.Container, f *freeze.FreezeFile, content *freeze.Content) (*freeze.FreezeFile, error) {
	digest, size, err := v.writeBlob(content)
	if err != nil {
		return nil, err
	}
	if !content.Hash.Equal(digest) {
		return nil, freeze.NewRemoteError("upload", f.Path, http.StatusBadRequest, "bad_request", "digest mismatch", nil, freeze.ErrUpload)
	}

	stored := &freeze.FreezeFile{
		Path:        f.Path,
		StoredHash:  digest,
		FileID:      uuid.New().String(),
		Modified:    f.Modified,
		Uploaded:    v.clock.Now(),
		MimeType:    "application/octet-stream",
		Size:        size,
		Container:   c,
		ServiceInfo: freeze.ActionUpload,
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := v.readLog(c); err != nil {
		return nil, err
	}
	if err := v.appendLog(c, stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// writeBlob stores content under its digest using temp file + rename. An
// existing blob with the same digest is kept.
func (v *Filesystem) writeBlob(content *freeze.Content) (freeze.Hash, int64, error) {
	tmp, err := os.CreateTemp(v.contentDir, ".tmp-*")
	if err != nil {
		return freeze.Hash{}, 0, fmt.Errorf("%w: creating temp file: %v", freeze.ErrIO, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	h, _ := freeze.NewHasher(freeze.AlgBLAKE2b256)
	written, err := io.Copy(io.MultiWriter(tmp, h), content.Reader)
	if err != nil {
		tmp.Close()
		return freeze.Hash{}, 0, fmt.Errorf("%w: writing blob: %v", freeze.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return freeze.Hash{}, 0, fmt.Errorf("%w: closing blob: %v", freeze.ErrIO, err)
	}
	digest := freeze.Sum(freeze.AlgBLAKE2b256, h)
	dest := filepath.Join(v.contentDir, digest.Hex())
	if _, err := os.Stat(dest); err == nil {
		return digest, written, nil
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return freeze.Hash{}, 0, fmt.Errorf("%w: renaming blob: %v", freeze.ErrIO, err)
	}
	success = true
	return digest, written, nil
}

func (v *Filesystem) Download(ctx context.Context, f *freeze.FreezeFile) (io.ReadCloser, error) {
	if f.FileID == "" {
		return nil, fmt.Errorf("%w: download of %q needs a file id", freeze.ErrArgument, f.Path)
	}
	found, err := v.findVersion(ctx, f)
	if err != nil {
		return nil, err
	}
	if found == nil || found.ServiceInfo != freeze.ActionUpload {
		return nil, freeze.NewRemoteError("download", f.Path, http.StatusNotFound, "not_found", "file not present: "+f.FileID, nil, freeze.ErrArgument)
	}
	body, err := os.Open(filepath.Join(v.contentDir, found.StoredHash.Hex()))
	if err != nil {
		return nil, fmt.Errorf("%w: opening blob: %v", freeze.ErrIO, err)
	}

	f.Path = found.Path
	f.StoredHash = found.StoredHash
	f.MimeType = found.MimeType
	f.Modified = found.Modified
	f.Uploaded = found.Uploaded
	f.Size = found.Size
	return newVerifyingReader(body, f, freeze.AlgBLAKE2b256, v.recorder)
}

func (v *Filesystem) findVersion(ctx context.Context, f *freeze.FreezeFile) (*freeze.FreezeFile, error) {
	var candidates []*freeze.Container
	if f.Container != nil {
		candidates = append(candidates, f.Container)
	} else {
		cs, err := v.Containers(ctx)
		if err != nil {
			return nil, err
		}
		sort.Slice(cs, func(i, j int) bool { return cs[i].Name < cs[j].Name })
		candidates = cs
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range candidates {
		log, err := v.readLog(c)
		if err != nil {
			return nil, err
		}
		for _, e := range log {
			if e.FileID == f.FileID {
				return e, nil
			}
		}
	}
	return nil, nil
}

func (v *Filesystem) Delete(ctx context.Context, f *freeze.FreezeFile) (string, error) {
	if f.Container == nil {
		return "", fmt.Errorf("%w: hiding %q needs a container", freeze.ErrArgument, f.Path)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	log, err := v.readLog(f.Container)
	if err != nil {
		return "", err
	}
	latest := latestVersion(log, f.Path)
	if latest == nil {
		return "", freeze.NewRemoteError("hide", f.Path, http.StatusBadRequest, "no_such_file", "file not present", nil, freeze.ErrArgument)
	}
	if latest.ServiceInfo == freeze.ActionHide {
		return latest.FileID, nil
	}
	hide := &freeze.FreezeFile{
		Path:        f.Path,
		StoredHash:  freeze.NewHash(freeze.AlgBLAKE2b256, nil),
		FileID:      uuid.New().String(),
		Uploaded:    v.clock.Now(),
		Container:   f.Container,
		ServiceInfo: freeze.ActionHide,
	}
	if err := v.appendLog(f.Container, hide); err != nil {
		return "", err
	}
	return hide.FileID, nil
}

var _ freeze.Storage = (*Filesystem)(nil)
