package staging

import (
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// Area implements freeze.SpoolArea on top of a spoolStore. It bounds
// the bytes held by all open spools together. A spool that does not fit
// next to the others waits until enough of them are closed.
//
// Only one spool fills at a time. A filling spool waits only on spools
// that are complete, which their owners close after uploading, so two
// partial spools never wait on each other.
type Area struct {
	store   spoolStore
	maxSize int64
	space   *semaphore.Weighted
	filling *semaphore.Weighted

	mu   sync.Mutex
	used int64
}

var _ freeze.SpoolArea = (*Area)(nil)

func newArea(store spoolStore, maxSize int64) *Area {
	return &Area{
		store:   store,
		maxSize: maxSize,
		space:   semaphore.NewWeighted(maxSize),
		filling: semaphore.NewWeighted(1),
	}
}

// Spool copies r into a new spool file, hashing it with algorithm. Content
// larger than the whole area fails with ErrIO. If ctx ends while waiting
// for space the ctx error is returned.
func (s *Area) Spool(ctx context.Context, r io.Reader, algorithm string) (freeze.Spooled, error) {
	h, err := freeze.NewHasher(algorithm)
	if err != nil {
		return nil, err
	}
	if err := s.filling.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for spool area: %w", err)
	}
	defer s.filling.Release(1)

	f, err := s.store.create()
	if err != nil {
		return nil, fmt.Errorf("%w: creating spool file: %v", freeze.ErrIO, err)
	}

	sp := &spooled{area: s, file: f}
	w := &quotaWriter{ctx: ctx, area: s, sp: sp}
	if _, err := io.Copy(io.MultiWriter(w, h), r); err != nil {
		sp.Close()
		switch {
		case w.tooLarge:
			return nil, fmt.Errorf("%w: spool area full: content exceeds max size of %d bytes", freeze.ErrIO, s.maxSize)
		case w.waitErr != nil:
			return nil, fmt.Errorf("waiting for spool space: %w", w.waitErr)
		}
		return nil, fmt.Errorf("%w: spooling: %v", freeze.ErrIO, err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		sp.Close()
		return nil, fmt.Errorf("%w: rewinding spool file: %v", freeze.ErrIO, err)
	}
	sp.hash = freeze.Sum(algorithm, h)
	return sp, nil
}

// Size returns the bytes held by open spools.
func (s *Area) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *Area) reserve(ctx context.Context, n int64) error {
	if err := s.space.Acquire(ctx, n); err != nil {
		return err
	}
	s.mu.Lock()
	s.used += n
	s.mu.Unlock()
	return nil
}

func (s *Area) unreserve(n int64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.used -= n
	s.mu.Unlock()
	s.space.Release(n)
}

// quotaWriter reserves space in the area before each write, waiting for
// it if necessary.
type quotaWriter struct {
	ctx      context.Context
	area     *Area
	sp       *spooled
	tooLarge bool
	waitErr  error
}

func (w *quotaWriter) Write(p []byte) (int, error) {
	n := int64(len(p))
	if w.sp.size+n > w.area.maxSize {
		w.tooLarge = true
		return 0, fmt.Errorf("spool area full")
	}
	if err := w.area.reserve(w.ctx, n); err != nil {
		w.waitErr = err
		return 0, err
	}
	written, err := w.sp.file.Write(p)
	w.sp.size += int64(written)
	if written < len(p) {
		w.area.unreserve(n - int64(written))
	}
	return written, err
}

// spooled is one buffered stream.
type spooled struct {
	area *Area
	file spoolFile
	size int64
	hash freeze.Hash

	closeOnce sync.Once
	closeErr  error
}

var _ freeze.Spooled = (*spooled)(nil)

func (s *spooled) Read(p []byte) (int, error) { return s.file.Read(p) }

func (s *spooled) Seek(offset int64, whence int) (int64, error) {
	return s.file.Seek(offset, whence)
}

func (s *spooled) Size() int64 { return s.size }

func (s *spooled) Hash() freeze.Hash { return s.hash }

// Close releases the spool file and its reservation. It is safe to call
// more than once.
func (s *spooled) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.file.release()
		s.area.unreserve(s.size)
	})
	return s.closeErr
}
