package testutil

import (
	"testing"

	"github.com/CodeFork/b2-autopush/internal/database"
)

// NewTestHistory creates an in-memory run history closed at test cleanup.
func NewTestHistory(t *testing.T) *database.SQLiteHistory {
	t.Helper()
	h, err := database.NewSQLiteHistory(":memory:")
	if err != nil {
		t.Fatalf("creating test history: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}
