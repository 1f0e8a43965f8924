package app

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLineHandler_Handle(t *testing.T) {
	ts := time.Date(2024, 6, 15, 14, 30, 45, 0, time.UTC)

	tests := []struct {
		name    string
		opID    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			opID:    "run-123",
			level:   slog.LevelInfo,
			message: "file uploaded",
			want:    "2024-06-15T14:30:45Z\tINFO\trun-123\tfile uploaded\n",
		},
		{
			name:    "warn level",
			opID:    "run-456",
			level:   slog.LevelWarn,
			message: "file failed",
			want:    "2024-06-15T14:30:45Z\tWARN\trun-456\tfile failed\n",
		},
		{
			name:    "with record attrs",
			opID:    "run-789",
			level:   slog.LevelInfo,
			message: "file uploaded",
			attrs:   []slog.Attr{slog.String("path", "docs/a.txt"), slog.Int("size", 42)},
			want:    "2024-06-15T14:30:45Z\tINFO\trun-789\tfile uploaded\tpath=docs/a.txt\tsize=42\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newLineHandler(&buf, tt.opID, nil)

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			r.AddAttrs(tt.attrs...)

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestLineHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newLineHandler(&buf, "run-1", nil)
	h2 := h.WithAttrs([]slog.Attr{slog.String("account", "b2main")}).(*lineHandler)

	r := slog.NewRecord(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), slog.LevelInfo, "upload", 0)
	r.AddAttrs(slog.String("path", "docs/a.txt"))
	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "\taccount=b2main\tpath=docs/a.txt\n") {
		t.Errorf("output %q lacks pre-set attr before record attr", got)
	}
	if len(h.attrs) != 0 {
		t.Errorf("original handler attrs modified: got %d, want 0", len(h.attrs))
	}
}

func TestLineHandler_Enabled(t *testing.T) {
	all := newLineHandler(nil, "", nil)
	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if !all.Enabled(context.Background(), level) {
			t.Errorf("Enabled(%v) = false without a level, want true", level)
		}
	}

	warn := newLineHandler(nil, "", slog.LevelWarn)
	if warn.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Enabled(INFO) = true with level WARN")
	}
	if !warn.Enabled(context.Background(), slog.LevelError) {
		t.Error("Enabled(ERROR) = false with level WARN")
	}
}

func TestLineHandler_ConcurrentLinesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newLineHandler(&buf, "run-1", nil))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Info("file uploaded", "path", "docs/a.txt")
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 400 {
		t.Fatalf("got %d lines, want 400", len(lines))
	}
	for _, l := range lines {
		if !strings.HasSuffix(l, "\tfile uploaded\tpath=docs/a.txt") {
			t.Fatalf("mangled line %q", l)
		}
	}
}

func TestFanoutHandler(t *testing.T) {
	var all, errs bytes.Buffer
	logger := slog.New(&fanoutHandler{handlers: []slog.Handler{
		newLineHandler(&all, "run-1", nil),
		newLineHandler(&errs, "run-1", slog.LevelError),
	}}).With("account", "main")

	logger.Debug("checking cache")
	logger.Error("upload failed")

	if n := strings.Count(all.String(), "\n"); n != 2 {
		t.Errorf("unfiltered sink got %d lines, want 2", n)
	}
	if got := errs.String(); !strings.Contains(got, "\tERROR\trun-1\tupload failed\taccount=main\n") || strings.Contains(got, "checking cache") {
		t.Errorf("error sink = %q", got)
	}
}

func TestNewLogger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "log")

	logger, f, err := newLogger(dir, "run-1", slog.LevelError)
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	logger.Debug("debug line")
	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "\tDEBUG\trun-1\tdebug line\n") {
		t.Errorf("log file = %q, want debug line", data)
	}
}
