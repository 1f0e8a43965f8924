package staging

import "io"

// spoolStore abstracts where spooled bytes live. Concurrency is managed by
// the caller, and each spoolFile is used by one goroutine at a time.
type spoolStore interface {
	// create returns an empty, writable spool file.
	create() (spoolFile, error)
}

// spoolFile is written once, then read and rewound any number of times.
type spoolFile interface {
	io.Writer
	io.ReadSeeker

	// release discards the content. Further use is invalid.
	release() error
}
