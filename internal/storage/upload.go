package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

const (
	maxUploadAttempts = 5
	initialBackoff    = time.Second
	maxBackoff        = 64 * time.Second
)

// uploader is the backend half of an upload: obtaining per-worker upload
// credentials and sending one attempt. Both return *freeze.RemoteError for
// backend failures (Status 0 for network faults); any other error is a local
// failure and ends the upload immediately.
type uploader interface {
	uploadAuth(ctx context.Context, w *freeze.Worker, c *freeze.Container) error
	put(ctx context.Context, w *freeze.Worker, c *freeze.Container, f *freeze.FreezeFile, content *freeze.Content) (*freeze.FreezeFile, error)
}

// runUpload drives the retry state machine shared by every backend.
//
// At most five top-level attempts are made. A 401 drops the worker's upload
// credentials and retries. 408, 429, 503 and network faults enter backoff:
// sleep 1s and retry, doubling the delay on every further 503 until a 503 at
// the 64s cap, and leaving backoff on any other outcome. Remaining statuses
// are fatal and wrap freeze.ErrUpload. Running out of attempts returns
// freeze.ErrAttemptsExhausted.
func runUpload(ctx context.Context, u uploader, w *freeze.Worker, c *freeze.Container, f *freeze.FreezeFile, content *freeze.Content, sleep freeze.Sleeper, logger freeze.Logger) (*freeze.FreezeFile, error) {
	var last error
	for attempt := 1; attempt <= maxUploadAttempts; attempt++ {
		stored, outcome, err := tryUpload(ctx, u, w, c, f, content)
		switch outcome {
		case freeze.OutcomeSuccess:
			return stored, nil
		case freeze.OutcomeAuth:
			logger.Debug("upload token rejected", "path", f.Path, "worker", w.ID)
			w.Invalidate()
			last = err
			continue
		case freeze.OutcomeTransient, freeze.OutcomeUnavailable:
			last = err
		default:
			return nil, err
		}

		delay := initialBackoff
		for {
			logger.Debug("upload backing off", "path", f.Path, "delay", delay, "error", last)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			stored, outcome, err = tryUpload(ctx, u, w, c, f, content)
			if outcome == freeze.OutcomeSuccess {
				return stored, nil
			}
			if outcome == freeze.OutcomeFatal {
				return nil, err
			}
			last = err
			if outcome == freeze.OutcomeAuth {
				w.Invalidate()
			}
			if outcome != freeze.OutcomeUnavailable || delay >= maxBackoff {
				break
			}
			delay = min(delay*2, maxBackoff)
		}
	}
	logger.Warn("upload attempts exhausted", "path", f.Path, "error", last)
	return nil, fmt.Errorf("%w: %s: %v", freeze.ErrAttemptsExhausted, f.Path, last)
}

// tryUpload performs one attempt and classifies it. Local failures and
// cancellation come back as OutcomeFatal with the error unchanged.
func tryUpload(ctx context.Context, u uploader, w *freeze.Worker, c *freeze.Container, f *freeze.FreezeFile, content *freeze.Content) (*freeze.FreezeFile, freeze.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, freeze.OutcomeFatal, err
	}
	if !w.Authorized(c.ID) {
		if err := u.uploadAuth(ctx, w, c); err != nil {
			return nil, classifyAttempt(ctx, err), uploadError(f, err)
		}
	}
	if _, err := content.Reader.Seek(0, io.SeekStart); err != nil {
		return nil, freeze.OutcomeFatal, fmt.Errorf("%w: rewinding %s: %v", freeze.ErrIO, f.Path, err)
	}
	stored, err := u.put(ctx, w, c, f, content)
	if err != nil {
		return nil, classifyAttempt(ctx, err), uploadError(f, err)
	}
	return stored, freeze.OutcomeSuccess, nil
}

func classifyAttempt(ctx context.Context, err error) freeze.Outcome {
	if ctx.Err() != nil {
		return freeze.OutcomeFatal
	}
	var re *freeze.RemoteError
	if !errors.As(err, &re) {
		return freeze.OutcomeFatal
	}
	return freeze.Classify(re.Status)
}

// uploadError re-tags fatal backend rejections as freeze.ErrUpload, keeping
// status, code and cause.
func uploadError(f *freeze.FreezeFile, err error) error {
	var re *freeze.RemoteError
	if !errors.As(err, &re) {
		return err
	}
	if freeze.Classify(re.Status) != freeze.OutcomeFatal || errors.Is(re.Kind, freeze.ErrUpload) {
		return err
	}
	path := re.Path
	if path == "" {
		path = f.Path
	}
	return freeze.NewRemoteError(re.Op, path, re.Status, re.Code, re.Message, re.Err, freeze.ErrUpload)
}
