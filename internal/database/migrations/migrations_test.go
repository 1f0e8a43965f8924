package migrations

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// openDB opens a private in-memory database with foreign keys enforced.
func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatal(err)
	}
	return db
}

func migrated(t *testing.T) *sql.DB {
	t.Helper()
	db := openDB(t)
	if err := MigrateUp(db); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	return db
}

func TestLatestVersion(t *testing.T) {
	v, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if v != 1 {
		t.Errorf("LatestVersion() = %d, want 1", v)
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T) *sql.DB
		want  error
	}{
		{"fresh database", openDB, ErrNoVersion},
		{"migrated", migrated, nil},
		{"migrated twice", func(t *testing.T) *sql.DB {
			db := migrated(t)
			if err := MigrateUp(db); err != nil {
				t.Fatalf("second MigrateUp() error = %v", err)
			}
			return db
		}, nil},
		{"dirty", func(t *testing.T) *sql.DB {
			db := migrated(t)
			mustExec(t, db, "UPDATE schema_migrations SET dirty = 1")
			return db
		}, ErrDirty},
		{"written by a newer binary", func(t *testing.T) *sql.DB {
			db := migrated(t)
			mustExec(t, db, "UPDATE schema_migrations SET version = 99")
			return db
		}, ErrAhead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(tt.setup(t))
			if tt.want == nil {
				if err != nil {
					t.Errorf("Check() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Check() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSchema(t *testing.T) {
	db := migrated(t)

	for _, table := range []string{"runs", "run_failures", "schema_migrations"} {
		var name string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	insertRun := "INSERT INTO runs (id, operation, started_at, status) VALUES ('run-1', 'backup', datetime('now'), 'running')"
	mustExec(t, db, insertRun)
	if _, err := db.Exec(insertRun); err == nil {
		t.Error("duplicate run id accepted")
	}

	if _, err := db.Exec("INSERT INTO run_failures (run_id, path, error) VALUES ('no-such-run', 'a.txt', 'boom')"); err == nil {
		t.Error("failure for an unknown run accepted")
	}

	mustExec(t, db, "INSERT INTO run_failures (run_id, path, error) VALUES ('run-1', 'a.txt', 'boom')")
	mustExec(t, db, "DELETE FROM runs WHERE id = 'run-1'")
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM run_failures").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("%d failures survived their run", n)
	}
}

func mustExec(t *testing.T, db *sql.DB, query string) {
	t.Helper()
	if _, err := db.Exec(query); err != nil {
		t.Fatalf("%s: %v", query, err)
	}
}
