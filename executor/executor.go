package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chivay/ursadb/command"
	"github.com/chivay/ursadb/config"
	"github.com/chivay/ursadb/dataset"
)

// Run dispatches cmd against snap, staging any mutation on task, and never
// lets a recoverable error escape as anything but an error Response. The
// worker package calls it through Safe, which adds the panic boundary.
func Run(ctx context.Context, cmd command.Command, snap *dataset.Snapshot, task *dataset.Task) Response {
	switch cmd.Kind {
	case command.KindPing:
		return Response{Kind: KindPong}
	case command.KindSelect:
		return runSelect(ctx, cmd, snap, task)
	case command.KindIteratorPop:
		return runIteratorPop(cmd, snap, task)
	case command.KindIndex:
		return runIndex(ctx, cmd, snap, task)
	case command.KindIndexFrom:
		return runIndexFrom(ctx, cmd, snap, task)
	case command.KindReindex:
		return runReindex(ctx, cmd, snap, task)
	case command.KindCompact:
		return runCompact(ctx, cmd, snap, task)
	case command.KindStatus:
		return runStatus(snap)
	case command.KindTopology:
		return runTopology(snap)
	case command.KindConfigGet:
		return runConfigGet(cmd, snap)
	case command.KindConfigSet:
		return runConfigSet(cmd, task)
	case command.KindTaint:
		return runTaint(cmd, snap, task)
	case command.KindDatasetDrop:
		return runDatasetDrop(cmd, snap, task)
	default:
		return ErrorResponse(fmt.Errorf("executor: unhandled command kind %v", cmd.Kind))
	}
}

// Safe wraps Run with the recoverable-error boundary around every
// executor: a panicking executor must not take the worker down with it.
// Protocol and commit errors are raised above this layer, not caught
// here.
func Safe(ctx context.Context, cmd command.Command, snap *dataset.Snapshot, task *dataset.Task) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			resp = ErrorResponse(fmt.Errorf("executor: recovered panic: %v", r))
		}
	}()
	return Run(ctx, cmd, snap, task)
}

func runSelect(ctx context.Context, cmd command.Command, snap *dataset.Snapshot, task *dataset.Task) Response {
	if !cmd.IteratorRequested {
		w := dataset.NewMemoryResultWriter()
		stats, err := snap.Execute(ctx, cmd.Query, cmd.Taints, cmd.Datasets, w)
		if err != nil {
			return ErrorResponse(err)
		}
		return Response{Kind: KindSelectResult, Files: w.Files, Stats: stats}
	}

	dataName := snap.AllocateName("iterator")
	metaName := snap.DeriveName(dataName, "itermeta")
	w, err := dataset.NewFileResultWriter(dataName)
	if err != nil {
		return ErrorResponse(err)
	}
	stats, err := snap.Execute(ctx, cmd.Query, cmd.Taints, cmd.Datasets, w)
	if err != nil {
		return ErrorResponse(err)
	}
	if err := w.Finalize(); err != nil {
		return ErrorResponse(err)
	}

	it := dataset.Iterator{
		ID:         filepath.Base(dataName),
		DataFile:   dataName,
		MetaFile:   metaName,
		Position:   0,
		TotalFiles: w.GetFileCount(),
	}
	if err := writeIteratorMeta(it); err != nil {
		return ErrorResponse(err)
	}
	task.Stage(dataset.DBChange{Kind: dataset.ChangeNewIterator, Iterator: it})
	return Response{Kind: KindIteratorResult, IteratorID: it.ID, TotalFiles: it.TotalFiles, Stats: stats}
}

// writeIteratorMeta materializes the iterator's metadata file next to its
// data file: the data file reference plus the total file count, so the
// {data-file, meta-file} pair under iterator/ and itermeta/ is complete
// on disk before the NewIterator change is ever staged.
func writeIteratorMeta(it dataset.Iterator) error {
	raw, err := json.Marshal(struct {
		DataFile   string `json:"data_file"`
		TotalFiles int64  `json:"total_files"`
	}{DataFile: it.DataFile, TotalFiles: it.TotalFiles})
	if err != nil {
		return err
	}
	return os.WriteFile(it.MetaFile, raw, 0o644)
}

func runIteratorPop(cmd command.Command, snap *dataset.Snapshot, task *dataset.Task) Response {
	it, ok := snap.FindIterator(cmd.IteratorID)
	if !ok {
		return ErrorResponse(dataset.ErrIteratorNotFound)
	}
	if !snap.LockIterator(cmd.IteratorID) {
		return ErrorResponse(dataset.ErrLockDenied)
	}

	f, err := os.Open(it.DataFile)
	if err != nil {
		return ErrorResponse(err)
	}
	defer f.Close()

	files, newPos, err := readLines(f, it.Position, cmd.Count)
	if err != nil {
		return ErrorResponse(err)
	}

	task.Stage(dataset.DBChange{
		Kind:        dataset.ChangeIteratorAdvance,
		IteratorID:  it.ID,
		NewPosition: newPos,
	})
	return Response{
		Kind:       KindIteratorResult,
		IteratorID: it.ID,
		Files:      files,
		Position:   newPos,
		TotalFiles: it.TotalFiles,
	}
}

// readLines skips `from` newline-delimited entries and returns up to
// count of the following ones, along with the new position.
func readLines(f *os.File, from int64, count int) ([]string, int64, error) {
	sc := bufio.NewScanner(f)
	var i int64
	for i = 0; i < from && sc.Scan(); i++ {
	}
	if err := sc.Err(); err != nil {
		return nil, from, err
	}

	out := make([]string, 0, count)
	pos := from
	for len(out) < count && sc.Scan() {
		out = append(out, sc.Text())
		pos++
	}
	if err := sc.Err(); err != nil {
		return nil, pos, err
	}
	return out, pos, nil
}

func runIndex(ctx context.Context, cmd command.Command, snap *dataset.Snapshot, task *dataset.Task) Response {
	ds, err := snap.RecursiveIndexPaths(ctx, cmd.Paths, cmd.IndexTypes, cmd.Taints, cmd.EnsureUnique)
	if err != nil {
		return ErrorResponse(err)
	}
	task.Stage(dataset.DBChange{Kind: dataset.ChangeDatasetMutation, New: ds})
	return OK()
}

func runIndexFrom(ctx context.Context, cmd command.Command, snap *dataset.Snapshot, task *dataset.Task) Response {
	f, err := os.Open(cmd.PathListFile)
	if err != nil {
		return ErrorResponse(err)
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			paths = append(paths, line)
		}
	}
	if err := sc.Err(); err != nil {
		return ErrorResponse(err)
	}

	ds, err := snap.RecursiveIndexPaths(ctx, paths, cmd.IndexTypes, cmd.Taints, cmd.EnsureUnique)
	if err != nil {
		return ErrorResponse(err)
	}
	task.Stage(dataset.DBChange{Kind: dataset.ChangeDatasetMutation, New: ds})
	return OK()
}

func runReindex(ctx context.Context, cmd command.Command, snap *dataset.Snapshot, task *dataset.Task) Response {
	if !snap.LockDataset(cmd.DatasetID) {
		return ErrorResponse(dataset.ErrLockDenied)
	}
	ds, err := snap.ReindexDataset(ctx, cmd.DatasetID, cmd.IndexTypes)
	if err != nil {
		return ErrorResponse(err)
	}
	task.Stage(dataset.DBChange{Kind: dataset.ChangeDatasetMutation, Replaces: []string{cmd.DatasetID}, New: ds})
	return OK()
}

func runCompact(ctx context.Context, cmd command.Command, snap *dataset.Snapshot, task *dataset.Task) Response {
	var ids []string
	if cmd.Mode == command.CompactSmart {
		ids = snap.CompactSmartCandidates()
	} else {
		ids = snap.CompactFullCandidates()
	}
	if len(ids) == 0 {
		return OK()
	}
	if !snap.RequestLocks(lockDatasets(ids)) {
		return ErrorResponse(dataset.ErrLockDenied)
	}
	ds, err := snap.CompactDatasets(ctx, ids)
	if err != nil {
		return ErrorResponse(err)
	}
	task.Stage(dataset.DBChange{Kind: dataset.ChangeDatasetMutation, Replaces: ids, New: ds})
	return OK()
}

func lockDatasets(ids []string) []dataset.Lock {
	locks := make([]dataset.Lock, len(ids))
	for i, id := range ids {
		locks[i] = dataset.Lock{Kind: dataset.LockDataset, Name: id}
	}
	return locks
}

func runStatus(snap *dataset.Snapshot) Response {
	return Response{Kind: KindStatusResult, Tasks: snap.GetTasks()}
}

func runTopology(snap *dataset.Snapshot) Response {
	return Response{
		Kind:        KindTopologyResult,
		Datasets:    snap.GetDatasets(),
		WorkerCount: snap.WorkerCount(),
		Config:      snap.GetAllConfig(),
	}
}

func runConfigGet(cmd command.Command, snap *dataset.Snapshot) Response {
	return Response{Kind: KindConfigResult, ConfigValues: snap.GetConfig(cmd.Keys)}
}

func runConfigSet(cmd command.Command, task *dataset.Task) Response {
	value, err := config.Validate(cmd.Key, cmd.Value)
	if err != nil {
		return ErrorResponse(err)
	}
	task.Stage(dataset.DBChange{Kind: dataset.ChangeConfig, ConfigKey: cmd.Key, ConfigValue: value})
	return OK()
}

func runTaint(cmd command.Command, snap *dataset.Snapshot, task *dataset.Task) Response {
	ds, ok := snap.FindDataset(cmd.DatasetID)
	if !ok {
		return ErrorResponse(dataset.ErrDatasetNotFound)
	}
	if !snap.LockDataset(cmd.DatasetID) {
		return ErrorResponse(dataset.ErrLockDenied)
	}
	add := cmd.TaintMode == command.TaintAdd
	if ds.HasTaint(cmd.TaintName) == add {
		// already in the requested state: idempotent no-op, nothing to stage
		return OK()
	}
	task.Stage(dataset.DBChange{
		Kind:      dataset.ChangeToggleTaint,
		DatasetID: cmd.DatasetID,
		Taint:     cmd.TaintName,
		TaintAdd:  add,
	})
	return OK()
}

func runDatasetDrop(cmd command.Command, snap *dataset.Snapshot, task *dataset.Task) Response {
	if _, ok := snap.FindDataset(cmd.DatasetID); !ok {
		return ErrorResponse(dataset.ErrDatasetNotFound)
	}
	if !snap.LockDataset(cmd.DatasetID) {
		return ErrorResponse(dataset.ErrLockDenied)
	}
	task.Stage(dataset.DBChange{Kind: dataset.ChangeDrop, DatasetID: cmd.DatasetID})
	return OK()
}
