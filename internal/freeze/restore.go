package freeze

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Restore downloads the cached record for path, decrypts it and writes the
// plaintext to dest. Output goes to a temporary file beside dest that is
// renamed into place only after the download verified and decrypted cleanly,
// so an integrity failure leaves nothing behind.
func (s *Service) Restore(ctx context.Context, path, dest string, dc DecryptionContext) error {
	if dc == nil {
		return fmt.Errorf("%w: restore needs an unlocked key", ErrKey)
	}
	rec, ok := s.cache.Lookup(path)
	if !ok {
		return fmt.Errorf("%w: %s has no backup record", ErrArgument, path)
	}

	run := &Run{
		ID:         s.idgen.New(),
		Operation:  "restore",
		Parameters: fmt.Sprintf("path=%s dest=%s", path, dest),
		StartedAt:  s.clock.Now(),
		Status:     RunRunning,
	}
	if err := s.history.StartRun(run); err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	report := &Report{RunID: run.ID}

	err := s.restore(ctx, rec, dest, dc)
	if err != nil && !isCancel(err) {
		report.failed(path, err)
	}
	s.finish(run, report, err)
	if err != nil {
		return err
	}
	s.logger.Info("file restored", "path", path, "dest", dest)
	return nil
}

func (s *Service) restore(ctx context.Context, rec *FreezeFile, dest string, dc DecryptionContext) error {
	body, err := s.storage.Download(ctx, rec)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", rec.Path, err)
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("%w: creating parent directory: %v", ErrIO, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".restore-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %v", ErrIO, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := dc.Decrypt(body, tmp); err != nil {
		return fmt.Errorf("decrypting %s: %w", rec.Path, err)
	}
	// The digest is checked at EOF, so read whatever the decryptor left.
	if _, err := io.Copy(io.Discard, body); err != nil {
		return fmt.Errorf("verifying %s: %w", rec.Path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, tmpName, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("%w: renaming into place: %v", ErrIO, err)
	}
	committed = true

	if !rec.Modified.IsZero() {
		if err := os.Chtimes(dest, rec.Modified, rec.Modified); err != nil {
			return fmt.Errorf("%w: setting file times: %v", ErrIO, err)
		}
	}
	return nil
}
