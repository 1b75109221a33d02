package executor_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chivay/ursadb/command"
	"github.com/chivay/ursadb/dataset"
	"github.com/chivay/ursadb/engine"
	"github.com/chivay/ursadb/executor"
	"github.com/chivay/ursadb/utils"
)

// grantHandle is a CoordinatorHandle that grants or denies every lock
// request wholesale, standing in for the coordinator's arbitration.
type grantHandle struct {
	deny      bool
	requested [][]dataset.Lock
}

func (h *grantHandle) RequestLocks(locks []dataset.Lock) bool {
	h.requested = append(h.requested, locks)
	return !h.deny
}
func (h *grantHandle) IsDatasetLocked(string) bool     { return false }
func (h *grantHandle) IsIteratorLocked(string) bool    { return false }
func (h *grantHandle) ActiveTasks() []dataset.TaskInfo { return nil }
func (h *grantHandle) WorkerCount() int                { return 1 }

type fixture struct {
	db     *dataset.Database
	handle *grantHandle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := utils.NewDefaultLogger(slog.LevelError)
	eng := engine.New()
	db, err := dataset.Open(t.TempDir(), eng, eng, log, map[string]string{"max_mem": "1073741824"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &fixture{db: db, handle: &grantHandle{}}
}

// run executes one command against a fresh snapshot and task, returning
// the response and the task for staged-change inspection.
func (f *fixture) run(t *testing.T, cmd command.Command) (executor.Response, *dataset.Task) {
	t.Helper()
	task := f.db.AllocateTask("test", "client", time.Now())
	snap := f.db.Snapshot(f.handle)
	resp := executor.Run(context.Background(), cmd, snap, task)
	return resp, task
}

// runCommitted runs a command and commits its staged changes, the way
// the coordinator resolves a successful task.
func (f *fixture) runCommitted(t *testing.T, cmd command.Command) executor.Response {
	t.Helper()
	resp, task := f.run(t, cmd)
	require.NoError(t, f.db.CommitTask(context.Background(), task.ID))
	return resp
}

// indexDir publishes a dataset over dir's files and returns its id. The
// index reply itself is a bare ok, so the fresh id is read back from a
// post-commit snapshot.
func (f *fixture) indexDir(t *testing.T, dir string) string {
	t.Helper()
	before := make(map[string]struct{})
	for _, ds := range f.db.Snapshot(f.handle).GetDatasets() {
		before[ds.ID] = struct{}{}
	}
	resp := f.runCommitted(t, command.Command{Kind: command.KindIndex, Paths: []string{dir}, IndexTypes: []string{"gram3"}})
	require.Equal(t, executor.KindOK, resp.Kind)
	for _, ds := range f.db.Snapshot(f.handle).GetDatasets() {
		if _, ok := before[ds.ID]; !ok {
			return ds.ID
		}
	}
	t.Fatal("index committed no new dataset")
	return ""
}

func writeFiles(t *testing.T, dir string, content map[string]string) {
	t.Helper()
	for name, body := range content {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.run(t, command.Command{Kind: command.KindPing})
	assert.Equal(t, executor.KindPong, resp.Kind)
}

func TestSelectInMemory(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a.bin": "hello world", "b.bin": "nothing"})
	f.indexDir(t, dir)

	resp, task := f.run(t, command.Command{Kind: command.KindSelect, Query: "hello"})
	require.Equal(t, executor.KindSelectResult, resp.Kind)
	assert.Equal(t, []string{filepath.Join(dir, "a.bin")}, resp.Files)
	assert.Empty(t, task.Changes())
}

func TestSelectIntoIteratorThenPop(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a": "x1", "b": "x2", "c": "x3"})
	f.indexDir(t, dir)

	resp := f.runCommitted(t, command.Command{Kind: command.KindSelect, Query: "x", IteratorRequested: true})
	require.Equal(t, executor.KindIteratorResult, resp.Kind)
	require.NotEmpty(t, resp.IteratorID)
	require.Equal(t, int64(3), resp.TotalFiles)

	pop1 := f.runCommitted(t, command.Command{Kind: command.KindIteratorPop, IteratorID: resp.IteratorID, Count: 2})
	require.Equal(t, executor.KindIteratorResult, pop1.Kind)
	assert.Len(t, pop1.Files, 2)
	assert.Equal(t, int64(2), pop1.Position)
	assert.Equal(t, int64(3), pop1.TotalFiles)

	pop2 := f.runCommitted(t, command.Command{Kind: command.KindIteratorPop, IteratorID: resp.IteratorID, Count: 2})
	assert.Len(t, pop2.Files, 1)
	assert.Equal(t, int64(3), pop2.Position)
	assert.GreaterOrEqual(t, pop2.Position, pop1.Position+int64(len(pop2.Files)))
}

func TestSelectIntoIteratorMaterializesMetaFile(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a": "x"})
	f.indexDir(t, dir)

	_, task := f.run(t, command.Command{Kind: command.KindSelect, Query: "x", IteratorRequested: true})
	changes := task.Changes()
	require.Len(t, changes, 1)
	require.Equal(t, dataset.ChangeNewIterator, changes[0].Kind)

	it := changes[0].Iterator
	_, err := os.Stat(it.DataFile)
	assert.NoError(t, err)
	_, err = os.Stat(it.MetaFile)
	assert.NoError(t, err)
}

func TestIteratorPopUnknownIterator(t *testing.T) {
	f := newFixture(t)
	resp, task := f.run(t, command.Command{Kind: command.KindIteratorPop, IteratorID: "nope", Count: 1})
	require.Equal(t, executor.KindError, resp.Kind)
	assert.ErrorIs(t, resp.Err, dataset.ErrIteratorNotFound)
	assert.Empty(t, task.Changes())
}

func TestIteratorPopLockDenied(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a": "x"})
	f.indexDir(t, dir)
	resp := f.runCommitted(t, command.Command{Kind: command.KindSelect, Query: "x", IteratorRequested: true})

	f.handle.deny = true
	pop, task := f.run(t, command.Command{Kind: command.KindIteratorPop, IteratorID: resp.IteratorID, Count: 1})
	require.Equal(t, executor.KindError, pop.Kind)
	assert.ErrorIs(t, pop.Err, dataset.ErrLockDenied)
	assert.Empty(t, task.Changes())
}

func TestIndexFromReadsPathList(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a": "first", "b": "second"})

	listFile := filepath.Join(t.TempDir(), "paths.txt")
	require.NoError(t, os.WriteFile(listFile,
		[]byte(filepath.Join(dir, "a")+"\n\n"+filepath.Join(dir, "b")+"\n"), 0o644))

	resp, task := f.run(t, command.Command{Kind: command.KindIndexFrom, PathListFile: listFile, IndexTypes: []string{"gram3"}})
	require.Equal(t, executor.KindOK, resp.Kind)
	changes := task.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, dataset.ChangeDatasetMutation, changes[0].Kind)
	assert.Equal(t, int64(2), changes[0].New.FileCount)
}

func TestIndexFromUnreadableFileIsRecoverable(t *testing.T) {
	f := newFixture(t)
	resp, task := f.run(t, command.Command{Kind: command.KindIndexFrom, PathListFile: "/does/not/exist", IndexTypes: []string{"gram3"}})
	require.Equal(t, executor.KindError, resp.Kind)
	assert.Empty(t, task.Changes())
}

func TestReindexStagesReplacement(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a": "x"})
	id := f.indexDir(t, dir)

	resp, task := f.run(t, command.Command{Kind: command.KindReindex, DatasetID: id, IndexTypes: []string{"text4"}})
	require.Equal(t, executor.KindOK, resp.Kind)

	changes := task.Changes()
	require.Len(t, changes, 1)
	assert.Equal(t, dataset.ChangeDatasetMutation, changes[0].Kind)
	assert.Equal(t, []string{id}, changes[0].Replaces)
	assert.NotEqual(t, id, changes[0].New.ID)
}

func TestReindexLockDenied(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a": "x"})
	id := f.indexDir(t, dir)

	f.handle.deny = true
	resp, task := f.run(t, command.Command{Kind: command.KindReindex, DatasetID: id})
	require.Equal(t, executor.KindError, resp.Kind)
	assert.ErrorIs(t, resp.Err, dataset.ErrLockDenied)
	assert.Empty(t, task.Changes())
}

func TestCompactFullMergesEverything(t *testing.T) {
	f := newFixture(t)
	dirA, dirB := t.TempDir(), t.TempDir()
	writeFiles(t, dirA, map[string]string{"a": "x"})
	writeFiles(t, dirB, map[string]string{"b": "y"})
	idA := f.indexDir(t, dirA)
	idB := f.indexDir(t, dirB)

	resp, task := f.run(t, command.Command{Kind: command.KindCompact, Mode: command.CompactFull})
	require.Equal(t, executor.KindOK, resp.Kind)

	changes := task.Changes()
	require.Len(t, changes, 1)
	assert.ElementsMatch(t, []string{idA, idB}, changes[0].Replaces)
	assert.Equal(t, int64(2), changes[0].New.FileCount)
}

func TestCompactWithNoCandidatesIsNoOp(t *testing.T) {
	f := newFixture(t)
	resp, task := f.run(t, command.Command{Kind: command.KindCompact, Mode: command.CompactSmart})
	assert.Equal(t, executor.KindOK, resp.Kind)
	assert.Empty(t, task.Changes())
	assert.Empty(t, f.handle.requested)
}

func TestTaintAddStagesChangeOnce(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a": "x"})
	id := f.indexDir(t, dir)

	resp := f.runCommitted(t, command.Command{Kind: command.KindTaint, DatasetID: id, TaintName: "evil", TaintMode: command.TaintAdd})
	require.Equal(t, executor.KindOK, resp.Kind)

	// already tainted: idempotent, nothing staged
	again, task := f.run(t, command.Command{Kind: command.KindTaint, DatasetID: id, TaintName: "evil", TaintMode: command.TaintAdd})
	assert.Equal(t, executor.KindOK, again.Kind)
	assert.Empty(t, task.Changes())
}

func TestTaintRemoveMissingIsNoOp(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a": "x"})
	id := f.indexDir(t, dir)

	resp, task := f.run(t, command.Command{Kind: command.KindTaint, DatasetID: id, TaintName: "never", TaintMode: command.TaintRemove})
	assert.Equal(t, executor.KindOK, resp.Kind)
	assert.Empty(t, task.Changes())
}

func TestTaintUnknownDataset(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.run(t, command.Command{Kind: command.KindTaint, DatasetID: "missing", TaintName: "evil", TaintMode: command.TaintAdd})
	require.Equal(t, executor.KindError, resp.Kind)
	assert.ErrorIs(t, resp.Err, dataset.ErrDatasetNotFound)
}

func TestDatasetDropStagesDrop(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"a": "x"})
	id := f.indexDir(t, dir)

	resp := f.runCommitted(t, command.Command{Kind: command.KindDatasetDrop, DatasetID: id})
	require.Equal(t, executor.KindOK, resp.Kind)

	_, ok := f.db.Snapshot(f.handle).FindDataset(id)
	assert.False(t, ok)
}

func TestConfigGetSubsetOmitsUnknownKeys(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.run(t, command.Command{Kind: command.KindConfigGet, Keys: []string{"max_mem", "bogus"}})
	require.Equal(t, executor.KindConfigResult, resp.Kind)
	assert.Equal(t, map[string]string{"max_mem": "1073741824"}, resp.ConfigValues)
}

func TestConfigSetOutOfRangeStagesNothing(t *testing.T) {
	f := newFixture(t)
	resp, task := f.run(t, command.Command{Kind: command.KindConfigSet, Key: "max_mem", Value: "99999999999999"})
	require.Equal(t, executor.KindError, resp.Kind)
	assert.EqualError(t, resp.Err, "Value specified is out of range")
	assert.Empty(t, task.Changes())
}

func TestConfigSetValidStagesChange(t *testing.T) {
	f := newFixture(t)
	resp := f.runCommitted(t, command.Command{Kind: command.KindConfigSet, Key: "max_mem", Value: "2097152"})
	require.Equal(t, executor.KindOK, resp.Kind)

	snap := f.db.Snapshot(f.handle)
	assert.Equal(t, map[string]string{"max_mem": "2097152"}, snap.GetConfig([]string{"max_mem"}))
}

func TestSafeConvertsPanicToErrorResponse(t *testing.T) {
	f := newFixture(t)
	task := f.db.AllocateTask("test", "client", time.Now())
	// a nil snapshot makes every executor that touches it panic
	resp := executor.Safe(context.Background(), command.Command{Kind: command.KindStatus}, nil, task)
	assert.Equal(t, executor.KindError, resp.Kind)
}
