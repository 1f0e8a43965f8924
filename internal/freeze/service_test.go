package freeze_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/CodeFork/b2-autopush/internal/freeze"
	"github.com/CodeFork/b2-autopush/internal/testutil"
)

func TestService_Backup(t *testing.T) {
	ctx := context.Background()

	t.Run("uploads new files and records them", func(t *testing.T) {
		env := testutil.NewTestEnv(t, freeze.ServiceConfig{Workers: 2})
		env.Lister.AddFile("docs/a.txt", []byte("alpha"))
		env.Lister.AddFile("docs/b.txt", []byte("bravo"))
		env.Lister.AddFile("photos/c.jpg", []byte("charlie"))

		report, err := env.Service.Backup(ctx, "/src", env.Container)
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if report.Uploaded != 3 || report.Skipped != 0 || report.Failed != 0 {
			t.Errorf("report = %d uploaded, %d skipped, %d failed; want 3, 0, 0",
				report.Uploaded, report.Skipped, report.Failed)
		}
		if env.Cache.Len() != 3 {
			t.Errorf("cache has %d records, want 3", env.Cache.Len())
		}

		rec, ok := env.Cache.Lookup("docs/a.txt")
		if !ok {
			t.Fatal("docs/a.txt not cached")
		}
		if !rec.LocalHash.Equal(testutil.SHA256([]byte("alpha"))) {
			t.Errorf("LocalHash = %s, want plaintext digest", rec.LocalHash)
		}
		if rec.StoredHash.IsZero() || rec.StoredHash.Equal(rec.LocalHash) {
			t.Errorf("StoredHash = %s, want ciphertext digest", rec.StoredHash)
		}
		if rec.Size != int64(len("alpha")) {
			t.Errorf("Size = %d, want plaintext size %d", rec.Size, len("alpha"))
		}
		if rec.FileID == "" || rec.Container == nil || rec.Container.Name != "backups" {
			t.Errorf("record = %+v, want file id and container", rec)
		}

		files, err := env.Service.Files(ctx, env.Container)
		if err != nil {
			t.Fatalf("Files() error = %v", err)
		}
		if len(files) != 3 {
			t.Errorf("remote has %d files, want 3", len(files))
		}
	})

	t.Run("skips unchanged files on the next run", func(t *testing.T) {
		env := testutil.NewTestEnv(t, freeze.ServiceConfig{Workers: 2})
		env.Lister.AddFile("docs/a.txt", []byte("alpha"))
		env.Lister.AddFile("docs/b.txt", []byte("bravo"))

		if _, err := env.Service.Backup(ctx, "/src", env.Container); err != nil {
			t.Fatalf("first Backup() error = %v", err)
		}
		attempts := env.Storage.Stats().UploadAttempts

		report, err := env.Service.Backup(ctx, "/src", env.Container)
		if err != nil {
			t.Fatalf("second Backup() error = %v", err)
		}
		if report.Uploaded != 0 || report.Skipped != 2 {
			t.Errorf("report = %d uploaded, %d skipped; want 0, 2", report.Uploaded, report.Skipped)
		}
		if got := env.Storage.Stats().UploadAttempts; got != attempts {
			t.Errorf("upload attempts grew from %d to %d", attempts, got)
		}
		// hash + seal on the first run, hash only on the second
		if got := env.Lister.Opens("docs/a.txt"); got != 3 {
			t.Errorf("Opens(docs/a.txt) = %d, want 3", got)
		}
	})

	t.Run("re-uploads a changed file", func(t *testing.T) {
		env := testutil.NewTestEnv(t, freeze.ServiceConfig{Workers: 1})
		env.Lister.AddFile("docs/a.txt", []byte("alpha"))
		env.Lister.AddFile("docs/b.txt", []byte("bravo"))
		if _, err := env.Service.Backup(ctx, "/src", env.Container); err != nil {
			t.Fatalf("first Backup() error = %v", err)
		}
		before, _ := env.Cache.Lookup("docs/a.txt")

		env.Lister.AddFile("docs/a.txt", []byte("alpha, edited"))
		report, err := env.Service.Backup(ctx, "/src", env.Container)
		if err != nil {
			t.Fatalf("second Backup() error = %v", err)
		}
		if report.Uploaded != 1 || report.Skipped != 1 {
			t.Errorf("report = %d uploaded, %d skipped; want 1, 1", report.Uploaded, report.Skipped)
		}

		after, _ := env.Cache.Lookup("docs/a.txt")
		if after.FileID == before.FileID {
			t.Error("cache still points at the old version")
		}
		if !after.LocalHash.Equal(testutil.SHA256([]byte("alpha, edited"))) {
			t.Errorf("LocalHash = %s, want digest of new content", after.LocalHash)
		}

		versions, err := env.Service.Versions(ctx, env.Container)
		if err != nil {
			t.Fatalf("Versions() error = %v", err)
		}
		count := 0
		for _, v := range versions {
			if v.Path == "docs/a.txt" {
				count++
			}
		}
		if count != 2 {
			t.Errorf("docs/a.txt has %d versions, want 2", count)
		}
	})

	t.Run("continues past a file that cannot be opened", func(t *testing.T) {
		env := testutil.NewTestEnv(t, freeze.ServiceConfig{Workers: 2})
		env.Lister.AddFile("docs/a.txt", []byte("alpha"))
		env.Lister.AddFile("docs/b.txt", []byte("bravo"))
		env.Lister.FailOpen("docs/a.txt", fmt.Errorf("%w: permission denied", freeze.ErrIO))

		report, err := env.Service.Backup(ctx, "/src", env.Container)
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if report.Uploaded != 1 || report.Failed != 1 {
			t.Errorf("report = %d uploaded, %d failed; want 1, 1", report.Uploaded, report.Failed)
		}
		if len(report.Failures) != 1 || report.Failures[0].Path != "docs/a.txt" {
			t.Fatalf("Failures = %+v, want docs/a.txt", report.Failures)
		}
		if !errors.Is(report.Failures[0].Err, freeze.ErrIO) {
			t.Errorf("failure error = %v, want ErrIO", report.Failures[0].Err)
		}
		if _, ok := env.Cache.Lookup("docs/a.txt"); ok {
			t.Error("failed file was cached")
		}
	})

	t.Run("rejected upload is reported and not cached", func(t *testing.T) {
		env := testutil.NewTestEnv(t, freeze.ServiceConfig{Workers: 1})
		env.Lister.AddFile("docs/a.txt", []byte("alpha"))
		env.Lister.AddFile("docs/b.txt", []byte("bravo"))
		env.Storage.FailUploads(400)

		report, err := env.Service.Backup(ctx, "/src", env.Container)
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if report.Uploaded != 1 || report.Failed != 1 {
			t.Fatalf("report = %d uploaded, %d failed; want 1, 1", report.Uploaded, report.Failed)
		}
		f := report.Failures[0]
		if f.Path != "docs/a.txt" || !errors.Is(f.Err, freeze.ErrUpload) {
			t.Errorf("failure = %s: %v, want docs/a.txt with ErrUpload", f.Path, f.Err)
		}
		if freeze.StatusOf(f.Err) != 400 {
			t.Errorf("StatusOf() = %d, want 400", freeze.StatusOf(f.Err))
		}
	})

	t.Run("transient upload failures are retried", func(t *testing.T) {
		env := testutil.NewTestEnv(t, freeze.ServiceConfig{Workers: 1})
		env.Lister.AddFile("docs/a.txt", []byte("alpha"))
		env.Storage.FailUploads(503, 503)

		report, err := env.Service.Backup(ctx, "/src", env.Container)
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if report.Uploaded != 1 || report.Failed != 0 {
			t.Errorf("report = %d uploaded, %d failed; want 1, 0", report.Uploaded, report.Failed)
		}
		if got := env.Sleeper.Delays(); len(got) != 2 {
			t.Errorf("delays = %v, want two backoff sleeps", got)
		}
	})

	t.Run("exhausted attempts leave the file for the next run", func(t *testing.T) {
		env := testutil.NewTestEnv(t, freeze.ServiceConfig{Workers: 1})
		env.Lister.AddFile("docs/a.txt", []byte("alpha"))
		env.Storage.FailUploads(401, 401, 401, 401, 401)

		report, err := env.Service.Backup(ctx, "/src", env.Container)
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if report.Failed != 1 || !errors.Is(report.Failures[0].Err, freeze.ErrAttemptsExhausted) {
			t.Fatalf("failures = %+v, want ErrAttemptsExhausted", report.Failures)
		}

		report, err = env.Service.Backup(ctx, "/src", env.Container)
		if err != nil {
			t.Fatalf("second Backup() error = %v", err)
		}
		if report.Uploaded != 1 {
			t.Errorf("second run uploaded %d, want 1", report.Uploaded)
		}
	})

	t.Run("listing failure aborts the run", func(t *testing.T) {
		env := testutil.NewTestEnv(t, freeze.ServiceConfig{})
		env.Lister.FailList(fmt.Errorf("%w: root vanished", freeze.ErrIO))

		_, err := env.Service.Backup(ctx, "/src", env.Container)
		if !errors.Is(err, freeze.ErrIO) {
			t.Fatalf("Backup() error = %v, want ErrIO", err)
		}
		run, err := env.History.GetRun("id-1")
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}
		if run == nil || run.Status != freeze.RunFailed {
			t.Errorf("run = %+v, want status %q", run, freeze.RunFailed)
		}
	})

	t.Run("cancellation stops the run", func(t *testing.T) {
		env := testutil.NewTestEnv(t, freeze.ServiceConfig{Workers: 2})
		for i := 0; i < 10; i++ {
			env.Lister.AddFile(fmt.Sprintf("docs/%02d.txt", i), []byte{byte(i)})
		}
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := env.Service.Backup(cctx, "/src", env.Container)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Backup() error = %v, want context.Canceled", err)
		}
		if got := env.Storage.Stats().UploadAttempts; got != 0 {
			t.Errorf("upload attempts = %d, want 0", got)
		}
		if env.Spool.Size() != 0 {
			t.Errorf("spool holds %d bytes after cancellation", env.Spool.Size())
		}
	})

	t.Run("waits for spool space held by other workers", func(t *testing.T) {
		// each ciphertext fits the spool alone, but not both at once
		var slow *heldUploads
		env := testutil.NewTestEnv(t, freeze.ServiceConfig{Workers: 2},
			testutil.WithSpoolSize(1000),
			testutil.WithStorage(func(st freeze.Storage) freeze.Storage {
				slow = &heldUploads{Storage: st}
				return slow
			}))
		slow.ready = func() bool {
			return env.Lister.Opens("d/a")+env.Lister.Opens("d/b") >= 4
		}
		env.Lister.AddFile("d/a", bytes.Repeat([]byte("a"), 600))
		env.Lister.AddFile("d/b", bytes.Repeat([]byte("b"), 600))

		report, err := env.Service.Backup(ctx, "/src", env.Container)
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		if report.Uploaded != 2 || report.Failed != 0 {
			t.Errorf("report = %d uploaded, %d failed %v; want 2, 0", report.Uploaded, report.Failed, report.Failures)
		}
		if env.Spool.Size() != 0 {
			t.Errorf("spool holds %d bytes after the run", env.Spool.Size())
		}
	})

	t.Run("re-uploads when the target container changes", func(t *testing.T) {
		env := testutil.NewTestEnv(t, freeze.ServiceConfig{Workers: 2})
		env.Lister.AddFile("docs/a.txt", []byte("alpha"))
		env.Lister.AddFile("docs/b.txt", []byte("bravo"))
		if _, err := env.Service.Backup(ctx, "/src", env.Container); err != nil {
			t.Fatalf("first Backup() error = %v", err)
		}

		other, err := env.Storage.CreateContainer(ctx, "offsite")
		if err != nil {
			t.Fatal(err)
		}
		report, err := env.Service.Backup(ctx, "/src", other)
		if err != nil {
			t.Fatalf("second Backup() error = %v", err)
		}
		if report.Uploaded != 2 || report.Skipped != 0 {
			t.Errorf("report = %d uploaded, %d skipped; want 2, 0", report.Uploaded, report.Skipped)
		}
		files, err := env.Service.Files(ctx, other)
		if err != nil {
			t.Fatalf("Files() error = %v", err)
		}
		if len(files) != 2 {
			t.Errorf("offsite has %v, want both files", paths(files))
		}
		rec, _ := env.Cache.Lookup("docs/a.txt")
		if rec.Container == nil || rec.Container.Name != "offsite" {
			t.Errorf("record container = %+v, want offsite", rec.Container)
		}
	})
}

func TestService_BackupHideMissing(t *testing.T) {
	ctx := context.Background()

	t.Run("hides files deleted locally", func(t *testing.T) {
		env := testutil.NewTestEnv(t, freeze.ServiceConfig{Workers: 2, HideMissing: true})
		env.Lister.AddFile("docs/a.txt", []byte("alpha"))
		env.Lister.AddFile("docs/b.txt", []byte("bravo"))
		if _, err := env.Service.Backup(ctx, "/src", env.Container); err != nil {
			t.Fatalf("first Backup() error = %v", err)
		}

		env.Lister.RemoveFile("docs/b.txt")
		report, err := env.Service.Backup(ctx, "/src", env.Container)
		if err != nil {
			t.Fatalf("second Backup() error = %v", err)
		}
		if report.Hidden != 1 {
			t.Errorf("Hidden = %d, want 1", report.Hidden)
		}
		if _, ok := env.Cache.Lookup("docs/b.txt"); ok {
			t.Error("hidden file still cached")
		}

		files, err := env.Service.Files(ctx, env.Container)
		if err != nil {
			t.Fatalf("Files() error = %v", err)
		}
		if len(files) != 1 || files[0].Path != "docs/a.txt" {
			t.Errorf("remote files = %v, want only docs/a.txt", paths(files))
		}
	})

	t.Run("keeps remote files when disabled", func(t *testing.T) {
		env := testutil.NewTestEnv(t, freeze.ServiceConfig{Workers: 2})
		env.Lister.AddFile("docs/a.txt", []byte("alpha"))
		env.Lister.AddFile("docs/b.txt", []byte("bravo"))
		if _, err := env.Service.Backup(ctx, "/src", env.Container); err != nil {
			t.Fatalf("first Backup() error = %v", err)
		}

		env.Lister.RemoveFile("docs/b.txt")
		report, err := env.Service.Backup(ctx, "/src", env.Container)
		if err != nil {
			t.Fatalf("second Backup() error = %v", err)
		}
		if report.Hidden != 0 {
			t.Errorf("Hidden = %d, want 0", report.Hidden)
		}
		if _, ok := env.Cache.Lookup("docs/b.txt"); !ok {
			t.Error("record for docs/b.txt dropped")
		}
	})
}

func TestService_History(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewTestEnv(t, freeze.ServiceConfig{Workers: 1})
	env.Lister.AddFile("docs/a.txt", []byte("alpha"))
	env.Lister.AddFile("docs/b.txt", []byte("bravo"))
	env.Lister.FailOpen("docs/b.txt", fmt.Errorf("%w: locked", freeze.ErrIO))

	env.Clock.Step(time.Second)
	report, err := env.Service.Backup(ctx, "/src", env.Container)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	env.Clock.Advance(time.Minute)
	if _, err := env.Service.Backup(ctx, "/src", env.Container); err != nil {
		t.Fatalf("second Backup() error = %v", err)
	}

	runs, err := env.Service.History(0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("History() returned %d runs, want 2", len(runs))
	}
	if runs[0].ID != "id-2" || runs[1].ID != report.RunID {
		t.Errorf("run order = %s, %s; want id-2, %s", runs[0].ID, runs[1].ID, report.RunID)
	}

	if got := env.IDs.Issued(); got != 2 {
		t.Errorf("ids issued = %d, want 2", got)
	}

	first := runs[1]
	if d := first.FinishedAt.Sub(first.StartedAt); d != time.Second {
		t.Errorf("first run took %v, want 1s", d)
	}
	if first.Operation != "backup" || first.Status != freeze.RunCompleted {
		t.Errorf("run = %s/%s, want backup/%s", first.Operation, first.Status, freeze.RunCompleted)
	}
	if first.Uploaded != 1 || first.Failed != 1 {
		t.Errorf("run counters = %d uploaded, %d failed; want 1, 1", first.Uploaded, first.Failed)
	}

	failures, err := env.Service.Failures(report.RunID)
	if err != nil {
		t.Fatalf("Failures() error = %v", err)
	}
	if len(failures) != 1 || failures[0].Path != "docs/b.txt" {
		t.Errorf("failures = %+v, want docs/b.txt", failures)
	}
}

func TestService_Containers(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewTestEnv(t, freeze.ServiceConfig{})

	if _, err := env.Service.CreateContainer(ctx, "archive"); err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}
	if _, err := env.Service.CreateContainer(ctx, "archive"); !errors.Is(err, freeze.ErrArgument) {
		t.Errorf("duplicate CreateContainer() error = %v, want ErrArgument", err)
	}

	c, err := env.Service.FindContainer(ctx, "archive")
	if err != nil {
		t.Fatalf("FindContainer() error = %v", err)
	}
	if c.Name != "archive" || c.ID == "" {
		t.Errorf("container = %+v", c)
	}

	if _, err := env.Service.FindContainer(ctx, "missing"); !errors.Is(err, freeze.ErrArgument) {
		t.Errorf("FindContainer(missing) error = %v, want ErrArgument", err)
	}
}

func paths(files []*freeze.FreezeFile) []string {
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

// heldUploads keeps the first upload waiting until ready reports true, or
// a second has passed, so the other worker spools in the meantime.
type heldUploads struct {
	freeze.Storage
	ready func() bool

	once sync.Once
}

func (h *heldUploads) Upload(ctx context.Context, w *freeze.Worker, c *freeze.Container, f *freeze.FreezeFile, content *freeze.Content) (*freeze.FreezeFile, error) {
	h.once.Do(func() {
		deadline := time.Now().Add(time.Second)
		for !h.ready() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(20 * time.Millisecond)
	})
	return h.Storage.Upload(ctx, w, c, f, content)
}
