package worker

import (
	"errors"
	"sync/atomic"

	"github.com/cryoetlab/tomothumb/preview"
	"github.com/cryoetlab/tomothumb/tomo"
)

// State tracks a task through its lifecycle.  Completed, Failed, and
// Cancelled are terminal.
type State uint32

const (
	Pending State = iota
	Running
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var (
	// ErrCancelled is delivered for tasks cancelled before completion.
	ErrCancelled = errors.New("thumbnail request cancelled")

	// ErrShutdown is returned by Submit after the pool has shut down.
	ErrShutdown = errors.New("thumbnail worker pool is shut down")

	// ErrQueueFull is returned by Submit when the task queue is full.
	ErrQueueFull = errors.New("thumbnail task queue is full")
)

// CompletionFunc receives a finished request.  Exactly one of img and err
// is non-nil, and it is called at most once per submitted id.
type CompletionFunc func(id string, img *tomo.Image, err error)

// Request identifies one thumbnail to produce.
type Request struct {
	// Run is previewed via its best tomogram when Tomogram is nil.
	Run preview.Run

	// Tomogram, if set, names the exact reconstruction to preview.
	Tomogram preview.Tomogram

	// Prefer overrides the reconstruction type preference order used
	// when selecting from Run.  Nil uses the pool's configured order.
	Prefer []string

	// TargetSize overrides the pool's thumbnail edge length.
	TargetSize int

	// Force regenerates even when a cache entry exists.
	Force bool
}

// Task tracks one submitted request through the state machine
// Pending -> Running -> {Completed, Failed, Cancelled}.  Callers can
// either pass a CompletionFunc at submit or wait on Done and read Result.
type Task struct {
	// ID is the caller-chosen identifier echoed to the callback.
	ID string

	// Token tags log lines for this task.
	Token tomo.UUID

	req      Request
	key      string // flight coalescing key
	callback CompletionFunc

	state  uint32
	cancel uint32

	done chan struct{} // closed on terminal state
	img  *tomo.Image
	err  error
}

func newTask(id string, req Request, cb CompletionFunc, key string) *Task {
	return &Task{
		ID:       id,
		Token:    tomo.NewUUID(),
		req:      req,
		key:      key,
		callback: cb,
		done:     make(chan struct{}),
	}
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	return State(atomic.LoadUint32(&t.state))
}

// Cancel requests cooperative cancellation.  It is idempotent and safe
// from any goroutine; an execution observes the flag at its next safe
// point.  Cancelling a finished task has no effect.
func (t *Task) Cancel() {
	atomic.StoreUint32(&t.cancel, 1)
}

func (t *Task) cancelled() bool {
	return atomic.LoadUint32(&t.cancel) == 1
}

// Done returns a channel closed once the task reaches a terminal state.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the outcome after Done is closed.  Before that it
// returns nil values.
func (t *Task) Result() (*tomo.Image, error) {
	select {
	case <-t.done:
		return t.img, t.err
	default:
		return nil, nil
	}
}

// toRunning moves Pending -> Running, failing if the task was finished
// through another path first.
func (t *Task) toRunning() bool {
	return atomic.CompareAndSwapUint32(&t.state, uint32(Pending), uint32(Running))
}

// toTerminal moves the task into a terminal state exactly once.
func (t *Task) toTerminal(s State) bool {
	for {
		old := atomic.LoadUint32(&t.state)
		switch State(old) {
		case Completed, Failed, Cancelled:
			return false
		}
		if atomic.CompareAndSwapUint32(&t.state, old, uint32(s)) {
			return true
		}
	}
}
