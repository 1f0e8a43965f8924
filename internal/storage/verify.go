package storage

import (
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/CodeFork/b2-autopush/internal/freeze"
)

// verifyingReader hashes a download as it is read. At EOF the digest is
// compared with the record's StoredHash: on a match the record goes to the
// recorder, on a mismatch the read fails with freeze.ErrIntegrity and the
// recorder is not touched. A record without a known digest is accepted and
// takes the computed one.
type verifyingReader struct {
	body     io.ReadCloser
	h        hash.Hash
	alg      string
	file     *freeze.FreezeFile
	recorder freeze.Recorder
	err      error
}

func newVerifyingReader(body io.ReadCloser, file *freeze.FreezeFile, algorithm string, recorder freeze.Recorder) (io.ReadCloser, error) {
	h, err := freeze.NewHasher(algorithm)
	if err != nil {
		body.Close()
		return nil, err
	}
	return &verifyingReader{body: body, h: h, alg: algorithm, file: file, recorder: recorder}, nil
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	if v.err != nil {
		return 0, v.err
	}
	n, err := v.body.Read(p)
	v.h.Write(p[:n])
	if errors.Is(err, io.EOF) {
		v.err = v.finish()
		return n, v.err
	}
	if err != nil {
		v.err = err
	}
	return n, err
}

func (v *verifyingReader) finish() error {
	got := freeze.Sum(v.alg, v.h)
	want := v.file.StoredHash
	if want.IsZero() {
		v.file.StoredHash = got
	} else if !want.Equal(got) {
		return fmt.Errorf("%w: %s: stored %s, downloaded %s", freeze.ErrIntegrity, v.file.Path, want, got)
	}
	if v.recorder != nil {
		v.recorder.Add(v.file)
	}
	return io.EOF
}

func (v *verifyingReader) Close() error {
	return v.body.Close()
}
