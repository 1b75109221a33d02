package dataset

import (
	"context"
	"sort"

	"github.com/pkg/errors"
)

// ErrDatasetNotFound and ErrIteratorNotFound are recoverable: the
// executor reports them back to the client as an error Response without
// touching worker or coordinator state.
var (
	ErrDatasetNotFound  = errors.New("dataset: not found")
	ErrIteratorNotFound = errors.New("dataset: iterator not found")
	ErrLockDenied       = errors.New("dataset: lock denied")
)

// CoordinatorHandle is the sliver of coordinator behavior a snapshot
// needs while an executor runs: requesting locks mid-execution and
// reading the live task list for Status. Defining it here, rather than
// importing the coordinator package, is what lets a single worker goroutine
// call back into coordinator state without dataset depending on it.
type CoordinatorHandle interface {
	// RequestLocks asks the coordinator to grant every lock atomically;
	// it grants all or none.
	RequestLocks(locks []Lock) bool
	IsDatasetLocked(name string) bool
	IsIteratorLocked(name string) bool
	ActiveTasks() []TaskInfo
	WorkerCount() int
}

// nameAllocator is the Database-side capability Snapshot.AllocateName and
// DeriveName close over, kept private so nothing outside this package can
// mint names outside the shared counter.
type nameAllocator interface {
	allocateName(namespace string) string
	deriveName(dataName, namespace string) string
}

// Snapshot is the immutable, point-in-time view of dataset/iterator/config
// state an executor runs against; workers only ever operate on snapshots,
// never on the live maps. It is handed to exactly one task for the
// duration of one command and retired once no active task references it.
type Snapshot struct {
	id        SnapshotID
	datasets  map[string]Dataset
	iterators map[string]Iterator
	config    map[string]string

	coord   CoordinatorHandle
	indexer Indexer
	engine  QueryEngine
	names   nameAllocator
}

// ID reports the snapshot's identity, used by the coordinator to track
// which snapshots remain referenced by active tasks for GC.
func (s *Snapshot) ID() SnapshotID { return s.id }

// FindDataset looks up a dataset by id in this snapshot's immutable view.
func (s *Snapshot) FindDataset(id string) (Dataset, bool) {
	ds, ok := s.datasets[id]
	return ds, ok
}

// GetDatasets returns every dataset in this snapshot, sorted by id for
// deterministic Topology output and compaction candidate order.
func (s *Snapshot) GetDatasets() []Dataset {
	out := make([]Dataset, 0, len(s.datasets))
	for _, ds := range s.datasets {
		out = append(out, ds)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindIterator looks up an iterator by id in this snapshot's immutable view.
func (s *Snapshot) FindIterator(id string) (Iterator, bool) {
	it, ok := s.iterators[id]
	return it, ok
}

// GetConfig returns the current value of every requested key. A missing
// key is simply omitted, matching ConfigGet's "unknown keys are silently
// dropped" edge case.
func (s *Snapshot) GetConfig(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.config[k]; ok {
			out[k] = v
		}
	}
	return out
}

// GetAllConfig returns every recognized key's current value, used by
// Topology's config dump.
func (s *Snapshot) GetAllConfig() map[string]string {
	out := make(map[string]string, len(s.config))
	for k, v := range s.config {
		out[k] = v
	}
	return out
}

// GetTasks returns the live active-task list, used by the Status executor.
func (s *Snapshot) GetTasks() []TaskInfo {
	return s.coord.ActiveTasks()
}

// WorkerCount reports the size of the fixed worker pool, used by Topology.
func (s *Snapshot) WorkerCount() int {
	return s.coord.WorkerCount()
}

// LockDataset asks the coordinator to grant exclusive intent over a
// dataset name. The Reindex, Taint and DatasetDrop executors call it
// before staging their change; Compact locks its whole candidate set at
// once through RequestLocks.
func (s *Snapshot) LockDataset(name string) bool {
	return s.coord.RequestLocks([]Lock{{Kind: LockDataset, Name: name}})
}

// LockIterator asks the coordinator to grant exclusive intent over an
// iterator name, used by IteratorPop.
func (s *Snapshot) LockIterator(name string) bool {
	return s.coord.RequestLocks([]Lock{{Kind: LockIterator, Name: name}})
}

// RequestLocks grants every named lock atomically or none at all,
// forwarding directly to the coordinator.
func (s *Snapshot) RequestLocks(locks []Lock) bool {
	return s.coord.RequestLocks(locks)
}

// IsDatasetLocked/IsIteratorLocked let the worker fail a command fast with
// a recoverable error, before the executor runs, when a lock it will need
// is already held by another worker.
func (s *Snapshot) IsDatasetLocked(name string) bool  { return s.coord.IsDatasetLocked(name) }
func (s *Snapshot) IsIteratorLocked(name string) bool { return s.coord.IsIteratorLocked(name) }

// AllocateName mints a fresh on-disk data filename under namespace (e.g.
// "iterator" for a new iterator's result file).
func (s *Snapshot) AllocateName(namespace string) string {
	return s.names.allocateName(namespace)
}

// DeriveName produces a sibling metadata filename for an already-allocated
// data filename, e.g. turning an iterator's data path into its meta path.
func (s *Snapshot) DeriveName(dataName, namespace string) string {
	return s.names.deriveName(dataName, namespace)
}

// Execute runs a query against the named datasets (or every dataset, if
// datasetIDs is empty) restricted to the given taints, delegating match
// evaluation to the QueryEngine external collaborator.
func (s *Snapshot) Execute(ctx context.Context, query string, taints []string, datasetIDs []string, w ResultWriter) (Stats, error) {
	targets := s.GetDatasets()
	if len(datasetIDs) > 0 {
		targets = targets[:0]
		for _, id := range datasetIDs {
			ds, ok := s.datasets[id]
			if !ok {
				return Stats{}, errors.Wrapf(ErrDatasetNotFound, "dataset %q", id)
			}
			targets = append(targets, ds)
		}
	}

	var files []string
	var read int64
	for _, ds := range targets {
		if !datasetMatchesTaints(ds, taints) {
			continue
		}
		files = append(files, ds.Files...)
		read++
	}

	stats, err := s.engine.Execute(ctx, query, taints, files, w)
	stats.DatasetsRead = read
	return stats, err
}

func datasetMatchesTaints(ds Dataset, taints []string) bool {
	for _, t := range taints {
		if !ds.HasTaint(t) {
			return false
		}
	}
	return true
}

// RecursiveIndexPaths builds a new dataset from filesystem paths, routing
// through ForceRecursiveIndexPaths instead when ensureUnique is set. That
// detects duplicates by content among the files of this one request only;
// files already covered by a published dataset are not checked.
func (s *Snapshot) RecursiveIndexPaths(ctx context.Context, paths, indexTypes, taints []string, ensureUnique bool) (Dataset, error) {
	if ensureUnique {
		return s.indexer.ForceRecursiveIndexPaths(ctx, paths, indexTypes, taints)
	}
	return s.indexer.RecursiveIndexPaths(ctx, paths, indexTypes, taints)
}

// ReindexDataset rebuilds an existing dataset's indexes, producing a
// replacement dataset carrying the same files under a fresh id.
func (s *Snapshot) ReindexDataset(ctx context.Context, id string, indexTypes []string) (Dataset, error) {
	ds, ok := s.datasets[id]
	if !ok {
		return Dataset{}, errors.Wrapf(ErrDatasetNotFound, "dataset %q", id)
	}
	return s.indexer.ReindexDataset(ctx, ds, indexTypes)
}

// CompactDatasets merges the named datasets into one replacement dataset.
func (s *Snapshot) CompactDatasets(ctx context.Context, ids []string) (Dataset, error) {
	existing := make([]Dataset, 0, len(ids))
	for _, id := range ids {
		ds, ok := s.datasets[id]
		if !ok {
			return Dataset{}, errors.Wrapf(ErrDatasetNotFound, "dataset %q", id)
		}
		existing = append(existing, ds)
	}
	return s.indexer.CompactDatasets(ctx, existing)
}

// CompactSmartCandidates lists datasets worth merging opportunistically:
// every dataset holding at most 64 files, in id order. Index types are
// not compared, and a single small dataset is still listed.
func (s *Snapshot) CompactSmartCandidates() []string {
	return s.compactCandidates(64)
}

// CompactFullCandidates lists every dataset, empty ones included, for an
// operator-requested full compaction regardless of size.
func (s *Snapshot) CompactFullCandidates() []string {
	return s.compactCandidates(0)
}

func (s *Snapshot) compactCandidates(maxFiles int64) []string {
	all := s.GetDatasets()
	out := make([]string, 0, len(all))
	for _, ds := range all {
		if maxFiles > 0 && ds.FileCount > maxFiles {
			continue
		}
		out = append(out, ds.ID)
	}
	return out
}
