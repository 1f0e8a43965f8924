package testutil

import (
	"testing"

	"github.com/CodeFork/b2-autopush/internal/freeze"
	"github.com/CodeFork/b2-autopush/internal/storage"
)

// NewTestStorage creates a memory backend that records verified downloads
// into recorder and backs off through sleeper instead of sleeping.
func NewTestStorage(t *testing.T, recorder freeze.Recorder, sleeper *RecordingSleeper) *storage.Memory {
	t.Helper()
	m, err := storage.NewMemory(storage.Options{
		Kind:     freeze.KindMemory,
		Recorder: recorder,
		Sleep:    sleeper.Sleep,
		Clock:    FixedClock(),
	})
	if err != nil {
		t.Fatalf("creating test storage: %v", err)
	}
	return m
}
