package core

// IteratorInterface is the pull-style iterator shape shared by spill-file
// readers and store cursors.
type IteratorInterface[V any] interface {
	Next() bool
	// At returns the current element. It is only valid until the next call to Next().
	At() (V, error)
	Error() error
	Close() error
}

// Record is one (key, add-ids, delete-ids) tuple of an intermediate merge file.
type Record struct {
	Key  []byte
	Adds []uint64
	Dels []uint64
}
