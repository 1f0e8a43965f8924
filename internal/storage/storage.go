// Package storage implements freeze.Storage for Backblaze B2, S3-compatible
// services, a local directory and process memory.
package storage

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// Options configures a backend. Only Kind and ConnString are required.
type Options struct {
	Kind        freeze.StorageKind
	ConnString  string
	AccountID   int64
	Credentials freeze.CredentialStore
	Recorder    freeze.Recorder
	Logger      freeze.Logger
	HTTPClient  *http.Client
	Sleep       freeze.Sleeper
	Clock       freeze.Clock
}

func (o Options) withDefaults() Options {
	if o.Credentials == nil {
		o.Credentials = freeze.NewMemoryCredentials(freeze.Credentials{})
	}
	if o.Logger == nil {
		o.Logger = freeze.NewNopLogger()
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if o.Sleep == nil {
		o.Sleep = freeze.Sleep
	}
	if o.Clock == nil {
		o.Clock = freeze.RealClock{}
	}
	return o
}

// New creates the backend selected by opts.Kind.
func New(opts Options) (freeze.Storage, error) {
	switch opts.Kind {
	case freeze.KindB2:
		return NewB2(opts)
	case freeze.KindS3:
		return NewS3(opts)
	case freeze.KindFilesystem:
		return NewFilesystem(opts)
	case freeze.KindMemory:
		return NewMemory(opts)
	default:
		return nil, fmt.Errorf("%w: unknown storage kind %q", freeze.ErrArgument, opts.Kind)
	}
}

func pageSizeOf(cs ConnString) (int, error) {
	raw := cs.Get("page_size", "")
	if raw == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: invalid page_size %q", freeze.ErrArgument, raw)
	}
	return n, nil
}

// modifiedFromInfo parses the src_last_modified_millis metadata value.
func modifiedFromInfo(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return freeze.MillisToTime(ms)
}
