package staging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/CodeFork/b2-autopush/internal/config"
	"github.com/CodeFork/b2-autopush/internal/freeze"
)

type areaFactory struct {
	name string
	new  func(t *testing.T, maxSize int64) *Area
}

func factories() []areaFactory {
	return []areaFactory{
		{
			name: "memory",
			new: func(t *testing.T, maxSize int64) *Area {
				return NewMemorySpoolArea(maxSize)
			},
		},
		{
			name: "filesystem",
			new: func(t *testing.T, maxSize int64) *Area {
				a, err := NewFileSystemSpoolArea(t.TempDir(), maxSize)
				if err != nil {
					t.Fatalf("NewFileSystemSpoolArea() error = %v", err)
				}
				return a
			},
		},
	}
}

func sha1Of(t *testing.T, data []byte) freeze.Hash {
	t.Helper()
	h, err := freeze.NewHasher(freeze.AlgSHA1)
	if err != nil {
		t.Fatal(err)
	}
	h.Write(data)
	return freeze.Sum(freeze.AlgSHA1, h)
}

func TestSpool_RoundTrip(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			area := f.new(t, 1<<20)
			data := bytes.Repeat([]byte("spool"), 1000)

			sp, err := area.Spool(context.Background(), bytes.NewReader(data), freeze.AlgSHA1)
			if err != nil {
				t.Fatalf("Spool() error = %v", err)
			}
			defer sp.Close()

			if sp.Size() != int64(len(data)) {
				t.Errorf("Size() = %d, want %d", sp.Size(), len(data))
			}
			if !sp.Hash().Equal(sha1Of(t, data)) {
				t.Errorf("Hash() = %s, want %s", sp.Hash(), sha1Of(t, data))
			}
			if area.Size() != int64(len(data)) {
				t.Errorf("area Size() = %d, want %d", area.Size(), len(data))
			}

			// Reads can be repeated after rewinding, as an upload retry does.
			for i := 0; i < 2; i++ {
				if _, err := sp.Seek(0, io.SeekStart); err != nil {
					t.Fatalf("Seek() error = %v", err)
				}
				got, err := io.ReadAll(sp)
				if err != nil {
					t.Fatalf("ReadAll() error = %v", err)
				}
				if !bytes.Equal(got, data) {
					t.Fatalf("read %d: got %d bytes, want %d", i, len(got), len(data))
				}
			}

			if err := sp.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			if err := sp.Close(); err != nil {
				t.Fatalf("second Close() error = %v", err)
			}
			if area.Size() != 0 {
				t.Errorf("area Size() after Close = %d, want 0", area.Size())
			}
		})
	}
}

func TestSpool_Empty(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			area := f.new(t, 10)
			sp, err := area.Spool(context.Background(), strings.NewReader(""), freeze.AlgSHA256)
			if err != nil {
				t.Fatalf("Spool() error = %v", err)
			}
			defer sp.Close()
			if sp.Size() != 0 {
				t.Errorf("Size() = %d, want 0", sp.Size())
			}
			if sp.Hash().IsZero() {
				t.Error("Hash() of empty content is zero, want the digest of no bytes")
			}
		})
	}
}

func TestSpool_MaxSize(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name+"/oversized content fails at once", func(t *testing.T) {
			area := f.new(t, 100)
			_, err := area.Spool(context.Background(), bytes.NewReader(make([]byte, 101)), freeze.AlgSHA1)
			if !errors.Is(err, freeze.ErrIO) {
				t.Fatalf("Spool() error = %v, want ErrIO", err)
			}
			if area.Size() != 0 {
				t.Errorf("area Size() = %d, want 0", area.Size())
			}
		})

		t.Run(f.name+"/waits for space", func(t *testing.T) {
			area := f.new(t, 100)

			first, err := area.Spool(context.Background(), bytes.NewReader(make([]byte, 60)), freeze.AlgSHA1)
			if err != nil {
				t.Fatalf("first Spool() error = %v", err)
			}

			type result struct {
				sp  freeze.Spooled
				err error
			}
			done := make(chan result, 1)
			go func() {
				sp, err := area.Spool(context.Background(), bytes.NewReader(make([]byte, 60)), freeze.AlgSHA1)
				done <- result{sp, err}
			}()

			select {
			case r := <-done:
				t.Fatalf("second Spool() returned while the area was full: %v", r.err)
			case <-time.After(50 * time.Millisecond):
			}
			if area.Size() != 60 {
				t.Errorf("area Size() while waiting = %d, want 60", area.Size())
			}

			if err := first.Close(); err != nil {
				t.Fatal(err)
			}
			select {
			case r := <-done:
				if r.err != nil {
					t.Fatalf("second Spool() error = %v", r.err)
				}
				if r.sp.Size() != 60 {
					t.Errorf("second Size() = %d, want 60", r.sp.Size())
				}
				r.sp.Close()
			case <-time.After(5 * time.Second):
				t.Fatal("second Spool() still waiting after the first was closed")
			}
			if area.Size() != 0 {
				t.Errorf("area Size() after Close = %d, want 0", area.Size())
			}
		})

		t.Run(f.name+"/cancelled while waiting", func(t *testing.T) {
			area := f.new(t, 100)
			first, err := area.Spool(context.Background(), bytes.NewReader(make([]byte, 60)), freeze.AlgSHA1)
			if err != nil {
				t.Fatal(err)
			}
			defer first.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err = area.Spool(ctx, bytes.NewReader(make([]byte, 60)), freeze.AlgSHA1)
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("Spool() error = %v, want DeadlineExceeded", err)
			}
			if area.Size() != 60 {
				t.Errorf("area Size() after cancelled spool = %d, want 60", area.Size())
			}
		})
	}
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) { return 0, errors.New("disk on fire") }

func TestSpool_SourceError(t *testing.T) {
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			area := f.new(t, 100)
			src := io.MultiReader(strings.NewReader("partial"), failingReader{})
			if _, err := area.Spool(context.Background(), src, freeze.AlgSHA1); !errors.Is(err, freeze.ErrIO) {
				t.Fatalf("Spool() error = %v, want ErrIO", err)
			}
			if area.Size() != 0 {
				t.Errorf("area Size() = %d, want 0", area.Size())
			}
		})
	}
}

func TestSpool_UnknownAlgorithm(t *testing.T) {
	area := NewMemorySpoolArea(100)
	if _, err := area.Spool(context.Background(), strings.NewReader("x"), "MD5"); !errors.Is(err, freeze.ErrArgument) {
		t.Fatalf("Spool() error = %v, want ErrArgument", err)
	}
}

func TestFileSystemSpoolArea_Files(t *testing.T) {
	dir := t.TempDir()
	filesDir := filepath.Join(dir, "files")
	if err := os.MkdirAll(filesDir, 0700); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(filesDir, spoolPrefix+"leftover")
	if err := os.WriteFile(stale, []byte("old"), 0600); err != nil {
		t.Fatal(err)
	}

	area, err := NewFileSystemSpoolArea(dir, 1<<20)
	if err != nil {
		t.Fatalf("NewFileSystemSpoolArea() error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale spool file survived: %v", err)
	}

	sp, err := area.Spool(context.Background(), strings.NewReader("content"), freeze.AlgSHA1)
	if err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(filesDir)
	if len(entries) != 1 {
		t.Errorf("spool files while open = %d, want 1", len(entries))
	}
	sp.Close()
	entries, _ = os.ReadDir(filesDir)
	if len(entries) != 0 {
		t.Errorf("spool files after Close = %d, want 0", len(entries))
	}
}

func TestNewSpoolAreaFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.StagingConfig
		wantErr bool
	}{
		{name: "memory", cfg: config.StagingConfig{Type: "memory", MaxSize: 2048}},
		{name: "memory default size", cfg: config.StagingConfig{Type: "memory"}},
		{name: "filesystem", cfg: config.StagingConfig{Type: "filesystem", StagingDir: t.TempDir()}},
		{name: "filesystem without dir", cfg: config.StagingConfig{Type: "filesystem"}, wantErr: true},
		{name: "unknown", cfg: config.StagingConfig{Type: "tape"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewSpoolAreaFromConfig(tt.cfg)
			if tt.wantErr {
				if !errors.Is(err, freeze.ErrArgument) {
					t.Errorf("error = %v, want ErrArgument", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if got == nil {
				t.Fatal("got nil SpoolArea")
			}
		})
	}
}
