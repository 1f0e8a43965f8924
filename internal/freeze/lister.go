package freeze

import "io"

// FileLister enumerates local candidate files. It abstracts the filesystem
// so the backup driver can be tested without touching disk.
type FileLister interface {
	// List returns one record per regular file under root. Path is relative
	// to root with forward slashes; Modified and Size are filled in.
	List(root string) ([]*FreezeFile, error)

	// Open opens the file at the relative path under root.
	Open(root, path string) (io.ReadCloser, error)
}
