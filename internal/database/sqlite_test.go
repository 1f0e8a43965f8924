package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

func newTestHistory(t *testing.T) *SQLiteHistory {
	t.Helper()
	h, err := NewSQLiteHistory(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

var base = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func startRun(t *testing.T, h *SQLiteHistory, id string, at time.Time) *freeze.Run {
	t.Helper()
	run := &freeze.Run{ID: id, Operation: "backup", Parameters: "/photos -> photos", StartedAt: at, Status: freeze.RunRunning}
	if err := h.StartRun(run); err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	return run
}

func TestSQLiteHistory_RunLifecycle(t *testing.T) {
	h := newTestHistory(t)
	run := startRun(t, h, "run-1", base)

	got, err := h.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != freeze.RunRunning || !got.FinishedAt.IsZero() {
		t.Errorf("unfinished run = %+v", got)
	}

	run.FinishedAt = base.Add(time.Minute)
	run.Status = freeze.RunCompleted
	run.Uploaded, run.Skipped, run.Failed, run.Hidden = 3, 10, 1, 2
	if err := h.FinishRun(run); err != nil {
		t.Fatalf("FinishRun() error = %v", err)
	}

	got, err = h.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Status != freeze.RunCompleted {
		t.Errorf("Status = %q, want %q", got.Status, freeze.RunCompleted)
	}
	if got.Uploaded != 3 || got.Skipped != 10 || got.Failed != 1 || got.Hidden != 2 {
		t.Errorf("counts = %d/%d/%d/%d, want 3/10/1/2", got.Uploaded, got.Skipped, got.Failed, got.Hidden)
	}
	if !got.StartedAt.Equal(base) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, base)
	}
	if !got.FinishedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("FinishedAt = %v, want %v", got.FinishedAt, base.Add(time.Minute))
	}
	if got.Parameters != "/photos -> photos" {
		t.Errorf("Parameters = %q", got.Parameters)
	}
}

func TestSQLiteHistory_Errors(t *testing.T) {
	h := newTestHistory(t)
	startRun(t, h, "run-1", base)

	if err := h.StartRun(&freeze.Run{ID: "run-1", Operation: "backup", StartedAt: base, Status: freeze.RunRunning}); err == nil {
		t.Error("StartRun() with duplicate id expected error")
	}
	if err := h.FinishRun(&freeze.Run{ID: "missing", Status: freeze.RunCompleted}); !errors.Is(err, freeze.ErrArgument) {
		t.Errorf("FinishRun(missing) error = %v, want ErrArgument", err)
	}
	if err := h.RecordFailure(&freeze.RunFailure{RunID: "missing", Path: "a", Error: "x"}); err == nil {
		t.Error("RecordFailure() for unknown run expected error")
	}
	got, err := h.GetRun("missing")
	if err != nil || got != nil {
		t.Errorf("GetRun(missing) = %v, %v; want nil, nil", got, err)
	}
}

func TestSQLiteHistory_ListRuns(t *testing.T) {
	h := newTestHistory(t)
	startRun(t, h, "run-1", base)
	startRun(t, h, "run-2", base.Add(time.Hour))
	startRun(t, h, "run-3", base.Add(30*time.Minute))

	tests := []struct {
		name  string
		limit int
		want  []string
	}{
		{name: "all", limit: 0, want: []string{"run-2", "run-3", "run-1"}},
		{name: "limited", limit: 2, want: []string{"run-2", "run-3"}},
		{name: "over limit", limit: 10, want: []string{"run-2", "run-3", "run-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := h.ListRuns(tt.limit)
			if err != nil {
				t.Fatalf("ListRuns() error = %v", err)
			}
			if len(runs) != len(tt.want) {
				t.Fatalf("ListRuns() returned %d runs, want %d", len(runs), len(tt.want))
			}
			for i, id := range tt.want {
				if runs[i].ID != id {
					t.Errorf("runs[%d].ID = %q, want %q", i, runs[i].ID, id)
				}
			}
		})
	}
}

func TestSQLiteHistory_Failures(t *testing.T) {
	h := newTestHistory(t)
	startRun(t, h, "run-1", base)
	startRun(t, h, "run-2", base)

	for _, f := range []*freeze.RunFailure{
		{RunID: "run-1", Path: "b.txt", Error: "upload: 400"},
		{RunID: "run-2", Path: "other.txt", Error: "io"},
		{RunID: "run-1", Path: "a.txt", Error: "attempts exhausted"},
	} {
		if err := h.RecordFailure(f); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}

	got, err := h.ListFailures("run-1")
	if err != nil {
		t.Fatalf("ListFailures() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListFailures() returned %d, want 2", len(got))
	}
	if got[0].Path != "b.txt" || got[1].Path != "a.txt" {
		t.Errorf("failures out of insertion order: %q, %q", got[0].Path, got[1].Path)
	}

	none, err := h.ListFailures("run-9")
	if err != nil {
		t.Fatalf("ListFailures() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("ListFailures(unknown) returned %d, want 0", len(none))
	}
}

func TestSQLiteHistory_PersistsAndBacksUp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")

	h, err := NewSQLiteHistory(path)
	if err != nil {
		t.Fatal(err)
	}
	run := &freeze.Run{ID: "run-1", Operation: "restore", StartedAt: base, Status: freeze.RunRunning}
	if err := h.StartRun(run); err != nil {
		t.Fatal(err)
	}
	if err := h.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() error = %v", err)
	}
	backup := filepath.Join(dir, "copy.db")
	if err := h.BackupTo(backup); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}
	h.Close()

	for _, p := range []string{path, backup} {
		reopened, err := NewSQLiteHistory(p)
		if err != nil {
			t.Fatalf("reopen %s: %v", p, err)
		}
		runs, err := reopened.ListRuns(0)
		reopened.Close()
		if err != nil {
			t.Fatal(err)
		}
		if len(runs) != 1 || runs[0].Operation != "restore" {
			t.Errorf("%s: runs = %+v", filepath.Base(p), runs)
		}
	}
}

func TestNewSQLiteHistory_RefusesNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	h, err := NewSQLiteHistory(path)
	if err != nil {
		t.Fatal(err)
	}
	h.Close()

	db, err := OpenConnection(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec("UPDATE schema_migrations SET version = 99"); err != nil {
		t.Fatal(err)
	}
	db.Close()

	if _, err := NewSQLiteHistory(path); !errors.Is(err, freeze.ErrDeserialization) {
		t.Errorf("NewSQLiteHistory(newer schema) error = %v, want ErrDeserialization", err)
	}
}
