package freeze

// Cache is the local index of what has been backed up. Implementations are
// safe for concurrent use.
type Cache interface {
	Recorder

	// Lookup returns a copy of the record stored for path.
	Lookup(path string) (*FreezeFile, bool)

	// Unchanged reports whether path is cached with exactly localHash.
	Unchanged(path string, localHash Hash) bool

	// Remove drops the record for path. Removing an unknown path is a no-op.
	Remove(path string)

	// All returns copies of every record, grouped by directory.
	All() []*FreezeFile
}
