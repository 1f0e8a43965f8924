package testutil

import (
	"github.com/CodeFork/b2-autopush/internal/staging"
)

// DefaultTestSpoolSize is the spool limit used by NewTestSpoolArea.
const DefaultTestSpoolSize = 1 << 20

// NewTestSpoolArea creates an in-memory spool area with a 1 MiB limit.
func NewTestSpoolArea() *staging.Area {
	return staging.NewMemorySpoolArea(DefaultTestSpoolSize)
}

// NewTestSpoolAreaWithSize creates an in-memory spool area with maxSize.
func NewTestSpoolAreaWithSize(maxSize int64) *staging.Area {
	return staging.NewMemorySpoolArea(maxSize)
}
