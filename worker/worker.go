// Package worker implements the per-worker state machine: announce
// readiness, wait for one dispatched request, run it against the task
// and snapshot the coordinator already assigned, report back, repeat.
// Workers never talk to each other; the only state shared with the
// coordinator is the coordinator.WorkerContext one connection was
// registered with.
package worker

import (
	"context"
	"time"

	"github.com/chivay/ursadb/command"
	"github.com/chivay/ursadb/coordinator"
	"github.com/chivay/ursadb/dataset"
	"github.com/chivay/ursadb/executor"
	"github.com/chivay/ursadb/metrics"
	"github.com/chivay/ursadb/transport"
	"github.com/chivay/ursadb/utils"
)

// Worker runs the request/response loop for one backend connection. A
// deployment starts a fixed pool of these, one goroutine each.
type Worker struct {
	id   string
	conn transport.BackendSocket
	ctx  *coordinator.WorkerContext
	log  utils.Logger
}

// New builds a Worker from the link Coordinator.Connect returned.
func New(link *coordinator.WorkerLink, log utils.Logger) *Worker {
	return &Worker{id: link.ID, conn: link.Conn, ctx: link.Context, log: log}
}

// Run announces readiness and then processes dispatched requests until
// ctx is done or the connection closes. A protocol violation from the
// counterpart terminates the loop and is returned to the caller, which
// should bring the whole process down rather than limp on with
// desynchronized framing.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.conn.Drain(transport.Ready()); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		recs, err := w.conn.Feed()
		if err != nil {
			return nil
		}

		clientAddr, request, err := transport.ParseDispatch(recs)
		if err != nil {
			w.log.Error("worker: protocol violation from coordinator, terminating", "worker", w.id, "err", err)
			return err
		}

		reply := w.handleOne(ctx, clientAddr, request)

		if err := w.conn.Drain(transport.Response(clientAddr, reply)); err != nil {
			w.log.Error("worker: sending response", "worker", w.id, "err", err)
			return err
		}
	}
}

// handleOne runs the parsed command against the task and snapshot the
// coordinator already set on w.ctx before sending the dispatch frame,
// and returns the encoded reply. The connection's send/receive pair
// that carried that frame is what makes reading w.ctx.Task/w.ctx.Snap
// here safe without any lock of our own.
func (w *Worker) handleOne(ctx context.Context, clientAddr, request string) string {
	task := w.ctx.Task
	snap := w.ctx.Snap

	start := time.Now()
	cmd, perr := command.Parse(request)

	var resp executor.Response
	label := "parse_error"
	switch {
	case perr != nil:
		resp = executor.ErrorResponse(perr)
	default:
		label = cmd.Kind.String()
		if locks := command.Plan(cmd, snap); lockHeldByOther(snap, locks) {
			resp = executor.ErrorResponse(dataset.ErrLockDenied)
		} else {
			resp = executor.Safe(ctx, cmd, snap, task)
		}
	}
	metrics.CommandLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())

	if resp.Kind == executor.KindError {
		w.log.ErrorCtx(ctx, "worker: recoverable failure", "worker", w.id, "task", task.ID, "err", resp.Err)
	}

	return executor.Encode(resp, clientAddr)
}

// lockHeldByOther fails a command fast, before it even reaches the
// executor, when command.Plan already knows it needs a lock some other
// worker currently holds — the same pre-check dataset.Snapshot's
// IsDatasetLocked/IsIteratorLocked exist to support, just run once up
// front instead of scattered across each executor body.
func lockHeldByOther(snap *dataset.Snapshot, locks []dataset.Lock) bool {
	for _, l := range locks {
		switch l.Kind {
		case dataset.LockDataset:
			if snap.IsDatasetLocked(l.Name) {
				return true
			}
		case dataset.LockIterator:
			if snap.IsIteratorLocked(l.Name) {
				return true
			}
		}
	}
	return false
}
