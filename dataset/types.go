// Package dataset holds the data model shared by every executor: the
// immutable Dataset/Iterator records, the staged DBChange a task
// accumulates during execution, and the DatabaseSnapshot/lock façade
// executors use to read consistent state and request mutation rights.
package dataset

// Index describes one secondary structure built over a Dataset, enabling
// query evaluation of a given kind (e.g. "gram3").
type Index struct {
	Type string
	Size int64
}

// Dataset is an immutable collection of indexed content. Mutation always
// produces a new Dataset with a new ID; the old ID is replaced at commit,
// never edited in place.
type Dataset struct {
	ID        string
	FileCount int64
	Taints    map[string]struct{}
	Indexes   []Index

	// Files lists the indexed paths this dataset covers. The real index
	// formats (gram3, text4, wide8, hash4) resolve queries to file
	// offsets internally; Files is the minimal surface Select needs to
	// hand matches to a QueryEngine without this package depending on
	// any one index encoding.
	Files []string
}

// TotalSize sums the on-disk size of every index the dataset carries.
func (d Dataset) TotalSize() int64 {
	var total int64
	for _, idx := range d.Indexes {
		total += idx.Size
	}
	return total
}

// HasTaint reports whether the dataset already carries the given taint,
// used by the Taint executor to make ToggleTaint idempotent.
func (d Dataset) HasTaint(taint string) bool {
	_, ok := d.Taints[taint]
	return ok
}

// Iterator is a durable, single-consumer cursor over a query result set
// too large for one response. Position is monotonically non-decreasing;
// TotalFiles is fixed at creation. An iterator lock lasts only for the
// IteratorPop task that requested it and is released at that task's
// commit, so it serializes single pops, not a client's whole sequence of
// pops.
type Iterator struct {
	ID         string
	DataFile   string
	MetaFile   string
	Position   int64
	TotalFiles int64
}

// ChangeKind enumerates the DBChange variants a task can stage.
type ChangeKind int

const (
	ChangeNewIterator ChangeKind = iota
	ChangeIteratorAdvance
	ChangeConfig
	ChangeToggleTaint
	ChangeDrop
	ChangeDatasetMutation
)

// DBChange is one staged mutation recorded on a Task. Changes are
// append-only during execution and applied atomically, in insertion
// order, at commit.
type DBChange struct {
	Kind ChangeKind

	// ChangeNewIterator
	Iterator Iterator

	// ChangeIteratorAdvance
	IteratorID  string
	NewPosition int64

	// ChangeConfig
	ConfigKey   string
	ConfigValue string

	// ChangeToggleTaint
	DatasetID string
	Taint     string
	TaintAdd  bool

	// ChangeDrop: DatasetID above names the dropped dataset.

	// ChangeDatasetMutation: produced by index/reindex/compact. Replaces
	// every dataset in Replaces (empty for a brand new dataset) with New.
	Replaces []string
	New      Dataset
}
