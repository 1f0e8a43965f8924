package freeze

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"
)

// LocalHashAlgorithm is used for change detection. It hashes plaintext:
// age ciphertext differs on every run, so a ciphertext digest would never
// match the cached one.
const LocalHashAlgorithm = AlgSHA256

// ServiceConfig holds the driver's tunables.
type ServiceConfig struct {
	// Workers is the number of concurrent uploads. Values below 1 mean 1.
	Workers int
	// HideMissing hides remote files whose local copy has disappeared.
	HideMissing bool
}

// Service drives backups and restores across the cache, a storage backend,
// the encryptor and the spool area.
type Service struct {
	storage   Storage
	cache     Cache
	lister    FileLister
	encryptor Encryptor
	spool     SpoolArea
	history   History
	logger    Logger
	clock     Clock
	idgen     IDGenerator
	cfg       ServiceConfig
}

// NewService creates a Service with the provided dependencies.
func NewService(storage Storage, cache Cache, lister FileLister, encryptor Encryptor, spool SpoolArea, history History, logger Logger, clock Clock, idgen IDGenerator, cfg ServiceConfig) *Service {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Service{
		storage:   storage,
		cache:     cache,
		lister:    lister,
		encryptor: encryptor,
		spool:     spool,
		history:   history,
		logger:    logger,
		clock:     clock,
		idgen:     idgen,
		cfg:       cfg,
	}
}

// FileFailure is one file that could not be backed up.
type FileFailure struct {
	Path string
	Err  error
}

// Report summarises a backup run.
type Report struct {
	RunID    string
	Uploaded int
	Skipped  int
	Failed   int
	Hidden   int
	Failures []FileFailure

	mu sync.Mutex
}

func (r *Report) uploaded() {
	r.mu.Lock()
	r.Uploaded++
	r.mu.Unlock()
}

func (r *Report) skipped() {
	r.mu.Lock()
	r.Skipped++
	r.mu.Unlock()
}

func (r *Report) failed(path string, err error) {
	r.mu.Lock()
	r.Failed++
	r.Failures = append(r.Failures, FileFailure{Path: path, Err: err})
	r.mu.Unlock()
}

// Backup uploads every file under root whose content differs from the cached
// record into container c. A single file's failure is recorded in the report
// and does not stop the run. The returned error is non-nil only when the
// listing failed or ctx was cancelled.
func (s *Service) Backup(ctx context.Context, root string, c *Container) (*Report, error) {
	run := &Run{
		ID:         s.idgen.New(),
		Operation:  "backup",
		Parameters: fmt.Sprintf("root=%s container=%s", root, c.Name),
		StartedAt:  s.clock.Now(),
		Status:     RunRunning,
	}
	if err := s.history.StartRun(run); err != nil {
		return nil, fmt.Errorf("recording run start: %w", err)
	}
	report := &Report{RunID: run.ID}
	s.logger.Info("backup started", "root", root, "container", c.Name, "run", run.ID)

	err := s.backup(ctx, root, c, report)
	s.finish(run, report, err)
	if err != nil {
		return report, err
	}
	s.logger.Info("backup complete",
		"uploaded", report.Uploaded, "skipped", report.Skipped,
		"failed", report.Failed, "hidden", report.Hidden)
	return report, nil
}

func (s *Service) backup(ctx context.Context, root string, c *Container, report *Report) error {
	files, err := s.lister.List(root)
	if err != nil {
		return fmt.Errorf("listing %s: %w", root, err)
	}

	queue := make(chan *FreezeFile)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for _, f := range files {
			select {
			case queue <- f:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			w := s.storage.StartWorker()
			defer s.storage.StopWorker(w)
			for f := range queue {
				if err := s.backupFile(gctx, w, root, c, f, report); err != nil {
					if gctx.Err() != nil {
						return gctx.Err()
					}
					s.logger.Warn("file failed", "path", f.Path, "error", err)
					report.failed(f.Path, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("backup cancelled: %w", err)
	}

	if s.cfg.HideMissing {
		return s.hideMissing(ctx, c, files, report)
	}
	return nil
}

// backupFile skips f when its plaintext hash matches the cache, otherwise it
// encrypts, spools and uploads it.
func (s *Service) backupFile(ctx context.Context, w *Worker, root string, c *Container, f *FreezeFile, report *Report) error {
	local, err := s.hashLocal(root, f.Path)
	if err != nil {
		return err
	}
	if s.unchanged(c, f.Path, local) {
		s.logger.Debug("file unchanged", "path", f.Path)
		report.skipped()
		return nil
	}

	src, err := s.lister.Open(root, f.Path)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %v", ErrIO, f.Path, err)
	}
	defer src.Close()

	sealed := Seal(s.encryptor, src)
	spooled, err := s.spool.Spool(ctx, sealed, s.storage.HashAlgorithm())
	sealed.Close()
	if err != nil {
		return fmt.Errorf("spooling %s: %w", f.Path, err)
	}
	defer spooled.Close()

	f.Container = c
	stored, err := s.storage.Upload(ctx, w, c, f, ContentOf(spooled))
	if err != nil {
		return fmt.Errorf("uploading %s: %w", f.Path, err)
	}
	stored.LocalHash = local
	stored.Size = f.Size
	s.cache.Add(stored)
	report.uploaded()
	s.logger.Info("file uploaded", "path", f.Path, "id", stored.FileID)
	return nil
}

// unchanged reports whether path is cached with local as last uploaded to
// c. The cache keeps one record per path, so a record for another
// container or account does not count.
func (s *Service) unchanged(c *Container, path string, local Hash) bool {
	if !s.cache.Unchanged(path, local) {
		return false
	}
	rec, ok := s.cache.Lookup(path)
	return ok && sameContainer(rec.Container, c)
}

func sameContainer(a, b *Container) bool {
	return a != nil && b != nil && a.AccountID == b.AccountID && a.Name == b.Name
}

func (s *Service) hashLocal(root, path string) (Hash, error) {
	r, err := s.lister.Open(root, path)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: opening %s: %v", ErrIO, path, err)
	}
	defer r.Close()
	h, err := NewHasher(LocalHashAlgorithm)
	if err != nil {
		return Hash{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Hash{}, fmt.Errorf("%w: reading %s: %v", ErrIO, path, err)
	}
	return Sum(LocalHashAlgorithm, h), nil
}

func (s *Service) hideMissing(ctx context.Context, c *Container, present []*FreezeFile, report *Report) error {
	seen := make(map[string]bool, len(present))
	for _, f := range present {
		seen[f.Path] = true
	}
	for _, rec := range s.cache.All() {
		if seen[rec.Path] || !sameContainer(rec.Container, c) {
			continue
		}
		if _, err := s.storage.Delete(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("backup cancelled: %w", ctx.Err())
			}
			report.failed(rec.Path, fmt.Errorf("hiding %s: %w", rec.Path, err))
			continue
		}
		s.cache.Remove(rec.Path)
		report.Hidden++
		s.logger.Info("file hidden", "path", rec.Path)
	}
	return nil
}

func (s *Service) finish(run *Run, report *Report, runErr error) {
	run.FinishedAt = s.clock.Now()
	run.Status = RunCompleted
	if runErr != nil {
		run.Status = RunFailed
	}
	run.Uploaded, run.Skipped, run.Failed, run.Hidden = report.Uploaded, report.Skipped, report.Failed, report.Hidden
	for _, f := range report.Failures {
		if err := s.history.RecordFailure(&RunFailure{RunID: run.ID, Path: f.Path, Error: f.Err.Error()}); err != nil {
			s.logger.Error("recording failure", "path", f.Path, "error", err)
		}
	}
	if err := s.history.FinishRun(run); err != nil {
		s.logger.Error("recording run finish", "run", run.ID, "error", err)
	}
}

// Containers lists the backend's containers.
func (s *Service) Containers(ctx context.Context) ([]*Container, error) {
	cs, err := s.storage.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	return cs, nil
}

// FindContainer returns the container called name.
func (s *Service) FindContainer(ctx context.Context, name string) (*Container, error) {
	cs, err := s.Containers(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range cs {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: container %q not found", ErrArgument, name)
}

// CreateContainer creates a private container called name.
func (s *Service) CreateContainer(ctx context.Context, name string) (*Container, error) {
	c, err := s.storage.CreateContainer(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("creating container %s: %w", name, err)
	}
	s.logger.Info("container created", "name", name, "id", c.ID)
	return c, nil
}

// Files lists the current remote files in c.
func (s *Service) Files(ctx context.Context, c *Container) ([]*FreezeFile, error) {
	files, err := s.storage.Files(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("listing files in %s: %w", c.Name, err)
	}
	return files, nil
}

// Versions lists every remote version in c, hide markers included.
func (s *Service) Versions(ctx context.Context, c *Container) ([]*FreezeFile, error) {
	versions, err := s.storage.Versions(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("listing versions in %s: %w", c.Name, err)
	}
	return versions, nil
}

// History returns the most recent runs, newest first.
func (s *Service) History(limit int) ([]*Run, error) {
	runs, err := s.history.ListRuns(limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	return runs, nil
}

// Failures returns the failures recorded for a run.
func (s *Service) Failures(runID string) ([]*RunFailure, error) {
	fs, err := s.history.ListFailures(runID)
	if err != nil {
		return nil, fmt.Errorf("listing failures: %w", err)
	}
	return fs, nil
}

// isCancel reports whether err came from context cancellation.
func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
