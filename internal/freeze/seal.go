package freeze

import (
	"io"
)

// Seal returns a reader producing the ciphertext of r. Encryption runs in a
// goroutine feeding an io.Pipe, so only the encryptor's own chunk is held in
// memory. Closing the returned reader stops the goroutine.
func Seal(enc Encryptor, r io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(enc.Encrypt(r, pw))
	}()
	return pr
}
