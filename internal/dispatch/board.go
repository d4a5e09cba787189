package dispatch

import (
	"sync"

	"github.com/forPelevin/unmark/internal/types"
)

// Board is the shared task list of one dispatch run. Every status change goes
// through a compare-and-swap on the task's status, so a task is never held
// by two workers.
type Board struct {
	mu      sync.Mutex
	tasks   []types.FrameTask
	order   map[types.TaskKind][]int
	next    map[types.TaskKind]int
	done    int
	changed chan struct{}
}

// NewBoard copies tasks, which must cover frames 0..N-1 in order so a task's
// index is its position. In-flight tasks from an earlier run are pending again.
func NewBoard(tasks []types.FrameTask) *Board {
	b := &Board{
		tasks:   make([]types.FrameTask, len(tasks)),
		order:   map[types.TaskKind][]int{},
		next:    map[types.TaskKind]int{},
		changed: make(chan struct{}),
	}
	for i, t := range tasks {
		if t.Status == "" || t.Status == types.TaskInFlight {
			t.Status = types.TaskPending
		}
		t.Worker = 0
		b.tasks[i] = t
		b.order[t.Kind] = append(b.order[t.Kind], i)
		if t.Status == types.TaskDone {
			b.done++
		}
	}
	return b
}

func (b *Board) cas(i int, from, to types.TaskStatus) bool {
	if b.tasks[i].Status != from {
		return false
	}
	b.tasks[i].Status = to
	return true
}

// Claim moves the next pending task of kind to in-flight and assigns it to
// port. Tasks that last failed on this port are taken only when nothing
// else is pending.
func (b *Board) Claim(kind types.TaskKind, port int) (types.FrameTask, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idxs := b.order[kind]
	n := b.next[kind]
	for n < len(idxs) && settled(b.tasks[idxs[n]].Status) {
		n++
	}
	b.next[kind] = n

	fallback := -1
	for _, i := range idxs[n:] {
		t := &b.tasks[i]
		if t.Status != types.TaskPending {
			continue
		}
		if port != 0 && t.LastWorker == port {
			if fallback < 0 {
				fallback = i
			}
			continue
		}
		if b.cas(i, types.TaskPending, types.TaskInFlight) {
			t.Worker = port
			return *t, true
		}
	}
	if fallback >= 0 && b.cas(fallback, types.TaskPending, types.TaskInFlight) {
		b.tasks[fallback].Worker = port
		return b.tasks[fallback], true
	}
	return types.FrameTask{}, false
}

// ClaimIndex claims one specific task, used by chunked dispatch.
func (b *Board) ClaimIndex(pos int, port int) (types.FrameTask, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cas(pos, types.TaskPending, types.TaskInFlight) {
		return types.FrameTask{}, false
	}
	b.tasks[pos].Worker = port
	return b.tasks[pos], true
}

func (b *Board) Complete(pos int) (done, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cas(pos, types.TaskInFlight, types.TaskDone) {
		b.done++
	}
	b.broadcastLocked()
	return b.done, len(b.tasks)
}

// Release returns a failed task to pending, counting the attempt against
// port. Once maxAttempts is reached the task is failed for good.
func (b *Board) Release(pos int, port int, maxAttempts int) (attempts int, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := &b.tasks[pos]
	t.Attempts++
	t.LastWorker = port
	t.Worker = 0
	if maxAttempts > 0 && t.Attempts >= maxAttempts {
		b.cas(pos, types.TaskInFlight, types.TaskFailed)
		failed = true
	} else {
		b.cas(pos, types.TaskInFlight, types.TaskPending)
	}
	b.rewindLocked(t.Kind, pos)
	b.broadcastLocked()
	return t.Attempts, failed
}

// Revert returns an in-flight task to pending without counting an attempt.
func (b *Board) Revert(pos int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cas(pos, types.TaskInFlight, types.TaskPending) {
		b.tasks[pos].Worker = 0
		b.rewindLocked(b.tasks[pos].Kind, pos)
	}
	b.broadcastLocked()
}

func (b *Board) rewindLocked(kind types.TaskKind, pos int) {
	idxs := b.order[kind]
	for k := b.next[kind] - 1; k >= 0; k-- {
		if idxs[k] < pos {
			break
		}
		b.next[kind] = k
	}
}

func (b *Board) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// Changed is closed on the next status change. Take it before Claim so a
// release between the two is not missed.
func (b *Board) Changed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

// Outstanding reports whether any task of kind is pending or in flight.
func (b *Board) Outstanding(kind types.TaskKind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, i := range b.order[kind][b.next[kind]:] {
		switch b.tasks[i].Status {
		case types.TaskPending, types.TaskInFlight:
			return true
		}
	}
	return false
}

// Pending returns the positions of pending tasks of kind, in order.
func (b *Board) Pending(kind types.TaskKind) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int
	for _, i := range b.order[kind] {
		if b.tasks[i].Status == types.TaskPending {
			out = append(out, i)
		}
	}
	return out
}

func (b *Board) Progress() (done, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, len(b.tasks)
}

func (b *Board) Snapshot() []types.FrameTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]types.FrameTask(nil), b.tasks...)
}

func (b *Board) Len() int { return len(b.tasks) }

func settled(s types.TaskStatus) bool {
	return s == types.TaskDone || s == types.TaskFailed
}
