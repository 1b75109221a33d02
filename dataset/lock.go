package dataset

// LockKind distinguishes a dataset lock from an iterator lock.
type LockKind int

const (
	LockDataset LockKind = iota
	LockIterator
)

func (k LockKind) String() string {
	if k == LockIterator {
		return "iterator"
	}
	return "dataset"
}

// Lock is a DatabaseLock: a declaration of intent to mutate a dataset or
// iterator, not a mutex over memory. Conflicts are resolved by the
// coordinator refusing overlapping grants, never by blocking on a shared
// memory primitive.
type Lock struct {
	Kind LockKind
	Name string
}
