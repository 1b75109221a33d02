// Package coordinator implements the LRU worker scheduler, frame-level
// backend routing, lock arbitration, and snapshot garbage collection: a
// single event loop owns every piece of cross-worker state, so lock
// conflicts are resolved by refusing a message rather than through a
// mutex shared with worker goroutines.
package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/learn-decentralized-systems/toyqueue"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/chivay/ursadb/dataset"
	"github.com/chivay/ursadb/metrics"
	"github.com/chivay/ursadb/transport"
	"github.com/chivay/ursadb/utils"
)

// backendQueueLimit bounds how many frames a worker's backend connection
// may have in flight before Drain blocks.
const backendQueueLimit = 64

// Logger is the narrow slice of utils.Logger the coordinator depends on.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// WorkerContext is the shared bookkeeping record for one worker. The
// coordinator's event loop writes Task and Snap before forwarding a
// dispatch frame, and the worker's own goroutine reads them after
// receiving that frame, with the backend connection's send/receive pair
// providing the happens-before edge between the two. No other field is
// read outside the coordinator's own goroutine.
type WorkerContext struct {
	ID     string
	conn   transport.BackendSocket
	Task   *dataset.Task
	Snap   *dataset.Snapshot
	Locks  map[dataset.Lock]struct{}
	handle dataset.CoordinatorHandle
}

// WorkerLink is everything a worker.Worker needs to run its loop: its own
// private backend connection and a read-only view onto the WorkerContext
// the coordinator assigns Task/Snap to at dispatch time.
type WorkerLink struct {
	ID      string
	Conn    transport.BackendSocket
	Context *WorkerContext
}

type backendEvent struct {
	workerID string
	action   transport.Action
	rest     transport.Records
}

type frontendRequest struct {
	clientAddr string
	request    string
}

// Coordinator is the single-threaded event loop at the center of the
// broker. Every exported method that touches scheduler state (idle queue,
// lock table, worker map) is only ever called from the goroutine running
// Run; other goroutines (per-worker readers, the frontend reader)
// communicate with it exclusively by channel.
type Coordinator struct {
	db          *dataset.Database
	log         Logger
	workerCount int

	workers   *xsync.MapOf[string, *WorkerContext]
	lockTable *xsync.MapOf[dataset.Lock, string]
	idle      []string

	frontend         transport.FrontendSocket
	clientConn       transport.FrontendSocket
	backendEvents    chan backendEvent
	frontendRequests chan frontendRequest
	fatal            chan error

	avgTaskDuration *utils.AvgVal
}

// New constructs a Coordinator for a fixed-size worker pool. workerCount
// is a deployment constant, read once at startup and never renegotiated.
func New(db *dataset.Database, log Logger, workerCount int) *Coordinator {
	coordEnd, clientEnd := toyqueue.BlockingRecordQueuePair(backendQueueLimit)
	return &Coordinator{
		db:               db,
		log:              log,
		workerCount:      workerCount,
		workers:          xsync.NewMapOf[string, *WorkerContext](),
		lockTable:        xsync.NewMapOf[dataset.Lock, string](),
		frontend:         coordEnd,
		clientConn:       clientEnd,
		backendEvents:    make(chan backendEvent, workerCount*4),
		frontendRequests: make(chan frontendRequest),
		fatal:            make(chan error, 1),
		avgTaskDuration:  utils.NewAvgVal(0),
	}
}

// ClientConn returns the client-facing end of the frontend socket pair.
// A transport.Client (or a real wire binding) reads and writes this end;
// the coordinator's event loop owns the other end exclusively.
func (c *Coordinator) ClientConn() transport.FrontendSocket {
	return c.clientConn
}

// Connect registers a new worker and returns the link it needs to run its
// loop. Called once per worker at pool startup.
func (c *Coordinator) Connect() *WorkerLink {
	id := uuid.Must(uuid.NewV7()).String()
	workerEnd, coordEnd := toyqueue.BlockingRecordQueuePair(backendQueueLimit)

	wctx := &WorkerContext{ID: id, conn: coordEnd, Locks: make(map[dataset.Lock]struct{})}
	wctx.handle = &workerHandle{
		id:          id,
		conn:        workerEnd,
		lockTable:   c.lockTable,
		db:          c.db,
		workerCount: c.workerCount,
	}
	c.workers.Store(id, wctx)

	go c.pumpBackend(id, coordEnd)

	return &WorkerLink{ID: id, Conn: workerEnd, Context: wctx}
}

// workerHandle is the dataset.CoordinatorHandle a snapshot dispatched to
// one worker carries. Its RequestLocks sends wire frames over that
// worker's own connection end — safe without extra locking because a
// worker is single-threaded: the same goroutine that would
// otherwise be blocked in conn.Feed waiting for the next dispatch is the
// one running the executor that calls RequestLocks.
type workerHandle struct {
	id          string
	conn        transport.BackendSocket
	lockTable   *xsync.MapOf[dataset.Lock, string]
	db          *dataset.Database
	workerCount int
}

func (h *workerHandle) RequestLocks(locks []dataset.Lock) bool {
	if len(locks) == 0 {
		return true
	}
	var names []string
	var iterName string
	haveIter := false
	for _, l := range locks {
		if l.Kind == dataset.LockDataset {
			names = append(names, l.Name)
		} else {
			iterName = l.Name
			haveIter = true
		}
	}
	ok := true
	if len(names) > 0 {
		ok = h.roundTrip(transport.DatasetLockReq(names)) && ok
	}
	if haveIter {
		ok = h.roundTrip(transport.IteratorLockReq(iterName)) && ok
	}
	return ok
}

func (h *workerHandle) roundTrip(req transport.Records) bool {
	if err := h.conn.Drain(req); err != nil {
		return false
	}
	reply, err := h.conn.Feed()
	if err != nil {
		return false
	}
	granted, err := transport.ParseLockReply(reply)
	return err == nil && granted
}

func (h *workerHandle) IsDatasetLocked(name string) bool {
	return h.isLocked(dataset.Lock{Kind: dataset.LockDataset, Name: name})
}

func (h *workerHandle) IsIteratorLocked(name string) bool {
	return h.isLocked(dataset.Lock{Kind: dataset.LockIterator, Name: name})
}

func (h *workerHandle) isLocked(l dataset.Lock) bool {
	holder, ok := h.lockTable.Load(l)
	return ok && holder != h.id
}

func (h *workerHandle) ActiveTasks() []dataset.TaskInfo {
	return h.db.ActiveTasks(time.Now())
}

func (h *workerHandle) WorkerCount() int {
	return h.workerCount
}

func (c *Coordinator) pumpBackend(id string, conn transport.BackendSocket) {
	r := transport.NewBackendReader(conn)
	for {
		recs, err := r.Next()
		if err != nil {
			if transport.IsProtocolError(err) {
				c.raiseFatal(err)
			}
			return
		}
		action, rest, err := transport.ParseAction(recs)
		if err != nil {
			c.raiseFatal(err)
			return
		}
		c.backendEvents <- backendEvent{workerID: id, action: action, rest: rest}
	}
}

func (c *Coordinator) pumpFrontend() {
	r := transport.NewFrontendReader(c.frontend)
	for {
		recs, err := r.Next()
		if err != nil {
			if transport.IsProtocolError(err) {
				c.raiseFatal(err)
			}
			return
		}
		clientAddr, request, err := transport.ParseDispatch(recs)
		if err != nil {
			c.raiseFatal(err)
			return
		}
		c.frontendRequests <- frontendRequest{clientAddr: clientAddr, request: request}
	}
}

func (c *Coordinator) raiseFatal(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// Run drives the event loop until ctx is done or a protocol violation
// terminates it. The frontend is polled only while c.idle is non-empty,
// so a request is never admitted without a worker to take it.
func (c *Coordinator) Run(ctx context.Context) error {
	go c.pumpFrontend()

	for {
		c.reportPoolState()

		var frontendCh chan frontendRequest
		if len(c.idle) > 0 {
			frontendCh = c.frontendRequests
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-c.fatal:
			c.log.Error("coordinator: protocol violation, terminating", "err", err)
			return err
		case ev := <-c.backendEvents:
			if err := c.handleBackend(ev); err != nil {
				c.log.Error("coordinator: protocol violation, terminating", "err", err)
				return err
			}
		case req := <-frontendCh:
			c.handleFrontend(req)
		}
	}
}

func (c *Coordinator) reportPoolState() {
	idleN := float64(len(c.idle))
	total := float64(c.workerCount)
	metrics.WorkerPoolState.WithLabelValues("idle").Set(idleN)
	metrics.WorkerPoolState.WithLabelValues("busy").Set(total - idleN)
}

func (c *Coordinator) handleBackend(ev backendEvent) error {
	wctx, ok := c.workers.Load(ev.workerID)
	if !ok {
		return nil
	}
	switch ev.action {
	case transport.ActionReady:
		c.enqueueIdle(ev.workerID)
		return nil

	case transport.ActionResponse:
		clientAddr, reply, err := transport.ParseResponse(ev.rest)
		if err != nil {
			return err
		}
		c.enqueueIdle(ev.workerID)
		if err := c.frontend.Drain(transport.Reply(clientAddr, reply)); err != nil {
			c.log.Error("coordinator: forwarding reply to client", "err", err)
		}
		c.commit(wctx)
		return nil

	case transport.ActionDatasetLockReq:
		names, err := transport.ParseDatasetLockReq(ev.rest)
		if err != nil {
			return err
		}
		locks := make([]dataset.Lock, len(names))
		for i, n := range names {
			locks[i] = dataset.Lock{Kind: dataset.LockDataset, Name: n}
		}
		c.resolveLockReq(wctx, "dataset", locks)
		return nil

	case transport.ActionIteratorLockReq:
		name, err := transport.ParseIteratorLockReq(ev.rest)
		if err != nil {
			return err
		}
		c.resolveLockReq(wctx, "iterator", []dataset.Lock{{Kind: dataset.LockIterator, Name: name}})
		return nil

	default:
		return &transport.ProtocolError{Msg: "unexpected backend action from worker " + ev.workerID}
	}
}

// resolveLockReq grants every requested lock or none at all — there is
// never a partial grant — denying whenever any requested name is already
// held by a DIFFERENT worker's in-flight task.
func (c *Coordinator) resolveLockReq(wctx *WorkerContext, kind string, locks []dataset.Lock) {
	conflict := false
	for _, l := range locks {
		if holder, ok := c.lockTable.Load(l); ok && holder != wctx.ID {
			conflict = true
			break
		}
	}

	verdict := "granted"
	if conflict {
		verdict = "denied"
	} else {
		for _, l := range locks {
			c.lockTable.Store(l, wctx.ID)
			wctx.Locks[l] = struct{}{}
		}
	}
	metrics.LockDecisions.WithLabelValues(kind, verdict).Inc()

	if err := wctx.conn.Drain(transport.LockReply(!conflict)); err != nil {
		c.log.Error("coordinator: sending lock reply", "worker", wctx.ID, "err", err)
	}
}

// commit applies wctx's task, releases every lock it held, and runs
// snapshot GC. The client reply was already forwarded before this runs;
// a commit rejection here can only be logged and counted, not un-sent to
// the client — see DESIGN.md.
func (c *Coordinator) commit(wctx *WorkerContext) {
	if wctx.Task == nil {
		return
	}
	taskID := wctx.Task.ID
	c.avgTaskDuration.Add(wctx.Task.Age(time.Now()).Seconds())
	metrics.TaskDurationAvg.WithLabelValues().Set(c.avgTaskDuration.Val())
	if err := c.db.CommitTask(context.Background(), taskID); err != nil {
		c.log.Error("coordinator: commit rejected", "task", taskID, "err", err)
		metrics.CommitRejected.WithLabelValues().Inc()
		c.db.DiscardTask(taskID)
	} else {
		metrics.TasksCommitted.WithLabelValues().Inc()
	}

	for l := range wctx.Locks {
		c.lockTable.Delete(l)
	}
	wctx.Locks = make(map[dataset.Lock]struct{})
	wctx.Task = nil
	wctx.Snap = nil

	c.collectGarbage()
}

func (c *Coordinator) collectGarbage() {
	referenced := make(map[dataset.SnapshotID]struct{})
	c.workers.Range(func(_ string, w *WorkerContext) bool {
		if w.Task != nil && w.Snap != nil {
			referenced[w.Snap.ID()] = struct{}{}
		}
		return true
	})
	collected := c.db.CollectGarbage(referenced)
	if collected > 0 {
		metrics.SnapshotsCollected.WithLabelValues().Add(float64(collected))
	}
	metrics.SnapshotsRetained.WithLabelValues().Set(float64(c.db.RetainedSnapshotCount()))
}

// handleFrontend pops the LRU-idle worker, allocates a task, and forwards
// the request. It is only ever invoked while c.idle is non-empty (Run's
// admission control guarantees this).
func (c *Coordinator) handleFrontend(req frontendRequest) {
	if len(c.idle) == 0 {
		return
	}
	workerID := c.idle[0]
	c.idle = c.idle[1:]

	wctx, ok := c.workers.Load(workerID)
	if !ok {
		return
	}

	task := c.db.AllocateTask(req.request, req.clientAddr, time.Now())
	wctx.Task = task
	wctx.Snap = c.db.Snapshot(wctx.handle)

	if err := wctx.conn.Drain(transport.Dispatch(req.clientAddr, req.request)); err != nil {
		c.log.Error("coordinator: dispatching to worker", "worker", workerID, "err", err)
		c.db.DiscardTask(task.ID)
		wctx.Task = nil
		wctx.Snap = nil
		c.enqueueIdle(workerID)
	}
}

// enqueueIdle appends workerID to the back of the LRU queue, so the
// least-recently-used idle worker (the one at the front) is always
// dispatched to next.
func (c *Coordinator) enqueueIdle(workerID string) {
	for _, id := range c.idle {
		if id == workerID {
			return
		}
	}
	c.idle = append(c.idle, workerID)
}

// ActiveTasks exposes the live task list (the same list the Status
// executor reads through its snapshot's handle), delegating straight to
// the Database (which is already safe for concurrent access) rather than
// round-tripping through the event loop.
func (c *Coordinator) ActiveTasks() []dataset.TaskInfo {
	return c.db.ActiveTasks(time.Now())
}

// WorkerCount reports the fixed pool size, the same value the Topology
// executor reads through its snapshot's handle.
func (c *Coordinator) WorkerCount() int {
	return c.workerCount
}
