package dataset

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskID identifies a task for its whole lifecycle, from allocation to
// commit or discard. IDs are time-ordered (UUIDv7), matching the
// coordinator's other identity-minting code — monotonic enough for
// ordering and logging without a shared counter across goroutines.
type TaskID string

// NewTaskID mints a fresh, time-ordered task id.
func NewTaskID() TaskID {
	return TaskID(uuid.Must(uuid.NewV7()).String())
}

// Task is a unit of execution: it is created by the coordinator when a
// frontend request is admitted, owned by exactly one worker while that
// worker's executor runs, and destroyed once the coordinator commits or
// discards its staged changes. Its staged change list is append-only
// during execution.
type Task struct {
	ID         TaskID
	ClientAddr string
	Request    string
	AllocAt    time.Time

	mu      sync.Mutex
	changes []DBChange
}

// NewTask allocates a task for an inbound request. The coordinator is
// the only caller: tasks are never self-allocated by a worker.
func NewTask(clientAddr, request string, allocAt time.Time) *Task {
	return &Task{
		ID:         NewTaskID(),
		ClientAddr: clientAddr,
		Request:    request,
		AllocAt:    allocAt,
	}
}

// Stage appends a DBChange to the task in execution order. Executors
// must call this for every mutation they intend to commit; nothing is
// applied to the live database until the coordinator commits the task.
func (t *Task) Stage(change DBChange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changes = append(t.changes, change)
}

// Changes returns the staged DBChange list in insertion order. Callers
// must not mutate the returned slice.
func (t *Task) Changes() []DBChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DBChange, len(t.changes))
	copy(out, t.changes)
	return out
}

// Age reports how long the task has been outstanding, used by the
// Status executor to surface stuck tasks.
func (t *Task) Age(now time.Time) time.Duration {
	return now.Sub(t.AllocAt)
}
