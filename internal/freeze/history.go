package freeze

import "time"

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is one recorded invocation of backup, restore or watch.
type Run struct {
	ID         string
	Operation  string
	Parameters string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Uploaded   int
	Skipped    int
	Failed     int
	Hidden     int
}

// RunFailure records one file that failed within a run.
type RunFailure struct {
	RunID string
	Path  string
	Error string
}

// History persists run bookkeeping. It is not consulted for change detection;
// the File Cache is the source of truth for that.
type History interface {
	StartRun(run *Run) error
	FinishRun(run *Run) error
	RecordFailure(f *RunFailure) error
	// ListRuns returns the most recent runs, newest first.
	ListRuns(limit int) ([]*Run, error)
	ListFailures(runID string) ([]*RunFailure, error)
	Close() error
}
