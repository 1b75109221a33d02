package dataset

import (
	"context"
	"encoding/json"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// SnapshotID tags a DatabaseSnapshot for garbage collection: the
// coordinator tells Database which ids are still referenced by an
// active task, and Database retires the rest.
type SnapshotID uint64

// TaskInfo is the read-only view of a Task exposed through a snapshot's
// GetTasks, used by the Status executor.
type TaskInfo struct {
	ID         TaskID
	ClientAddr string
	Request    string
	Age        time.Duration
}

// ErrCommitRejected means the staged changes were discarded; the caller
// must report the rejection to the client without terminating the
// worker.
var ErrCommitRejected = errors.New("dataset: commit rejected")

// ErrUnknownTask is returned by CommitTask/DiscardTask for an id that
// was never allocated or was already resolved.
var ErrUnknownTask = errors.New("dataset: unknown task")

// Database owns dataset/iterator/config metadata storage, task
// bookkeeping, and snapshot lifecycle. Index construction and query
// execution are delegated to Indexer/QueryEngine; the on-disk index
// bytes and query syntax never pass through this type.
type Database struct {
	mu sync.Mutex

	db   *pebble.DB
	root string
	log  Logger

	datasets  map[string]Dataset
	iterators map[string]Iterator
	config    map[string]string

	tasks map[TaskID]*Task

	snapshots      map[SnapshotID]snapshotState
	nextSnapshotID SnapshotID
	nextName       uint64

	indexer Indexer
	engine  QueryEngine

	// retired remembers recently GC'd snapshot ids so diagnostics can
	// answer "why was my snapshot collected" without keeping the
	// snapshot's data around.
	retired *lru.Cache[SnapshotID, time.Time]
}

// Logger is the narrow slice of utils.Logger this package depends on,
// kept local so dataset never imports the transport/coordinator layers.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type snapshotState struct {
	datasets  map[string]Dataset
	iterators map[string]Iterator
	config    map[string]string
}

// Open creates or opens the database rooted at dir: the pebble-backed
// metadata store lives under dir/meta, and allocated on-disk names
// (iterator data/meta files) live under per-namespace subdirectories of
// dir. Actual indexed content lives elsewhere; the store only durably
// records dataset/iterator/config metadata so a restart does not lose it.
func Open(dir string, indexer Indexer, engine QueryEngine, log Logger, defaultConfig map[string]string) (*Database, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "dataset: creating database directory")
	}
	pdb, err := pebble.Open(filepath.Join(dir, "meta"), &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "dataset: opening metadata store")
	}
	retired, err := lru.New[SnapshotID, time.Time](256)
	if err != nil {
		_ = pdb.Close()
		return nil, errors.Wrap(err, "dataset: allocating retired-snapshot cache")
	}
	d := &Database{
		db:        pdb,
		root:      dir,
		log:       log,
		datasets:  make(map[string]Dataset),
		iterators: make(map[string]Iterator),
		config:    make(map[string]string, len(defaultConfig)),
		tasks:     make(map[TaskID]*Task),
		snapshots: make(map[SnapshotID]snapshotState),
		indexer:   indexer,
		engine:    engine,
		retired:   retired,
	}
	for k, v := range defaultConfig {
		d.config[k] = v
	}
	if err := d.restore(); err != nil {
		_ = pdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// datasetKey/iteratorKey/configKey give the metadata store a flat,
// namespaced keyspace, the same "one leading literal byte per record
// kind" convention the storage layer uses for its own keys.
func datasetKey(id string) []byte  { return append([]byte("D"), id...) }
func iteratorKey(id string) []byte { return append([]byte("I"), id...) }
func configKey(k string) []byte    { return append([]byte("C"), k...) }

func (d *Database) restore() error {
	it, err := d.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		key := it.Key()
		if len(key) == 0 {
			continue
		}
		val := append([]byte(nil), it.Value()...)
		switch key[0] {
		case 'D':
			var ds Dataset
			if err := json.Unmarshal(val, &ds); err == nil {
				d.datasets[ds.ID] = ds
			}
		case 'I':
			var it2 Iterator
			if err := json.Unmarshal(val, &it2); err == nil {
				d.iterators[it2.ID] = it2
			}
		case 'C':
			d.config[string(key[1:])] = string(val)
		}
	}
	return it.Error()
}

// Snapshot takes an immutable copy of the current dataset/iterator/config
// state, retained until CollectGarbage retires its id, and tagged with a
// coordinator-mediated lock requester so executors can request locks
// mid-execution.
func (d *Database) Snapshot(coord CoordinatorHandle) *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextSnapshotID++
	id := d.nextSnapshotID

	state := snapshotState{
		datasets:  make(map[string]Dataset, len(d.datasets)),
		iterators: make(map[string]Iterator, len(d.iterators)),
		config:    make(map[string]string, len(d.config)),
	}
	for k, v := range d.datasets {
		state.datasets[k] = v
	}
	for k, v := range d.iterators {
		state.iterators[k] = v
	}
	for k, v := range d.config {
		state.config[k] = v
	}
	d.snapshots[id] = state

	return &Snapshot{
		id:        id,
		datasets:  state.datasets,
		iterators: state.iterators,
		config:    state.config,
		coord:     coord,
		indexer:   d.indexer,
		engine:    d.engine,
		names:     d,
	}
}

// allocateName is called by Snapshot.AllocateName; kept on Database
// because name allocation must be globally unique across
// concurrently-held snapshots, unlike the rest of a snapshot's state.
// The returned name is a real path under root/namespace, with the
// namespace directory created on first use.
func (d *Database) allocateName(namespace string) string {
	d.mu.Lock()
	d.nextName++
	n := d.nextName
	d.mu.Unlock()
	_ = os.MkdirAll(filepath.Join(d.root, namespace), 0o755)
	return filepath.Join(d.root, namespace, itoa(n))
}

// deriveName maps an allocated data name to its sibling in another
// namespace: root/iterator/7 derives to root/itermeta/7.
func (d *Database) deriveName(dataName, namespace string) string {
	_ = os.MkdirAll(filepath.Join(d.root, namespace), 0o755)
	return filepath.Join(d.root, namespace, filepath.Base(dataName))
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// AllocateTask creates and registers a task for an inbound request. The
// coordinator calls this exactly once per admitted frontend request.
func (d *Database) AllocateTask(request, clientAddr string, now time.Time) *Task {
	t := NewTask(clientAddr, request, now)
	d.mu.Lock()
	d.tasks[t.ID] = t
	d.mu.Unlock()
	return t
}

// DiscardTask drops a task without applying its staged changes, used
// when a commit is rejected or when the dispatch frame could not be sent
// to the worker.
func (d *Database) DiscardTask(id TaskID) {
	d.mu.Lock()
	delete(d.tasks, id)
	d.mu.Unlock()
}

// ActiveTasks returns every task not yet committed or discarded, used by
// the Status executor.
func (d *Database) ActiveTasks(now time.Time) []TaskInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TaskInfo, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, TaskInfo{ID: t.ID, ClientAddr: t.ClientAddr, Request: t.Request, Age: t.Age(now)})
	}
	return out
}

// CommitTask applies a task's staged DBChange list atomically, in
// insertion order, publishing the result so snapshots taken afterward
// observe it. It then removes the task from the active set.
//
// Changes are applied against a scratch copy of the published maps
// first: a change rejected halfway through the list must leave the
// published state untouched (staged changes land as an all-or-nothing
// unit), and a taint toggle must never mutate a taint set an older
// snapshot still shares.
func (d *Database) CommitTask(ctx context.Context, id TaskID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, ok := d.tasks[id]
	if !ok {
		return ErrUnknownTask
	}
	changes := t.Changes()

	pending := pendingState{
		datasets:  maps.Clone(d.datasets),
		iterators: maps.Clone(d.iterators),
		config:    maps.Clone(d.config),
	}
	batch := d.db.NewBatch()
	defer batch.Close()

	for _, ch := range changes {
		if err := pending.apply(batch, ch); err != nil {
			return errors.Wrap(ErrCommitRejected, err.Error())
		}
	}
	if err := d.db.Apply(batch, pebble.Sync); err != nil {
		return errors.Wrap(ErrCommitRejected, err.Error())
	}

	d.datasets = pending.datasets
	d.iterators = pending.iterators
	d.config = pending.config
	delete(d.tasks, id)
	return nil
}

// pendingState is the scratch copy CommitTask applies staged changes to
// before publishing them. Its maps start as clones of the published
// ones; value-level containers (a dataset's taint set) are copied before
// the first write touches them.
type pendingState struct {
	datasets  map[string]Dataset
	iterators map[string]Iterator
	config    map[string]string
}

func (p *pendingState) apply(batch *pebble.Batch, ch DBChange) error {
	switch ch.Kind {
	case ChangeNewIterator:
		p.iterators[ch.Iterator.ID] = ch.Iterator
		raw, err := json.Marshal(ch.Iterator)
		if err != nil {
			return err
		}
		return batch.Set(iteratorKey(ch.Iterator.ID), raw, nil)

	case ChangeIteratorAdvance:
		it, ok := p.iterators[ch.IteratorID]
		if !ok {
			return errors.Errorf("unknown iterator %q", ch.IteratorID)
		}
		it.Position = ch.NewPosition
		p.iterators[ch.IteratorID] = it
		raw, err := json.Marshal(it)
		if err != nil {
			return err
		}
		return batch.Set(iteratorKey(ch.IteratorID), raw, nil)

	case ChangeConfig:
		p.config[ch.ConfigKey] = ch.ConfigValue
		return batch.Set(configKey(ch.ConfigKey), []byte(ch.ConfigValue), nil)

	case ChangeToggleTaint:
		ds, ok := p.datasets[ch.DatasetID]
		if !ok {
			return errors.Errorf("unknown dataset %q", ch.DatasetID)
		}
		taints := make(map[string]struct{}, len(ds.Taints)+1)
		for t := range ds.Taints {
			taints[t] = struct{}{}
		}
		if ch.TaintAdd {
			taints[ch.Taint] = struct{}{}
		} else {
			delete(taints, ch.Taint)
		}
		ds.Taints = taints
		p.datasets[ch.DatasetID] = ds
		raw, err := json.Marshal(ds)
		if err != nil {
			return err
		}
		return batch.Set(datasetKey(ch.DatasetID), raw, nil)

	case ChangeDrop:
		delete(p.datasets, ch.DatasetID)
		return batch.Delete(datasetKey(ch.DatasetID), nil)

	case ChangeDatasetMutation:
		for _, old := range ch.Replaces {
			delete(p.datasets, old)
			if err := batch.Delete(datasetKey(old), nil); err != nil {
				return err
			}
		}
		p.datasets[ch.New.ID] = ch.New
		raw, err := json.Marshal(ch.New)
		if err != nil {
			return err
		}
		return batch.Set(datasetKey(ch.New.ID), raw, nil)

	default:
		return errors.Errorf("unknown change kind %d", ch.Kind)
	}
}

// CollectGarbage retires every retained snapshot not named in
// referenced — the set of snapshot ids still held by an active task, as
// computed by the coordinator after each commit.
func (d *Database) CollectGarbage(referenced map[SnapshotID]struct{}) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	collected := 0
	now := time.Now()
	for id := range d.snapshots {
		if _, ok := referenced[id]; !ok {
			delete(d.snapshots, id)
			d.retired.Add(id, now)
			collected++
		}
	}
	return collected
}

func (d *Database) RetainedSnapshotCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.snapshots)
}

// WasCollected reports whether id was recently retired by GC, and when,
// used to answer "why is my snapshot gone" without keeping every retired
// snapshot's data around indefinitely.
func (d *Database) WasCollected(id SnapshotID) (time.Time, bool) {
	return d.retired.Get(id)
}
