package storage_test

import "bytes"

func newSeeker(data []byte) *bytes.Reader {
	return bytes.NewReader(data)
}
