/*
	Package worker generates thumbnails off the caller's goroutine on a
	bounded pool.  Submitting never blocks on generation: cache hits
	complete immediately, and repeated requests for a key already being
	generated attach to the in-progress task instead of duplicating work.
	Cancellation is cooperative, checked at safe points between the
	pipeline stages.
*/
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cryoetlab/tomothumb/cache"
	"github.com/cryoetlab/tomothumb/preview"
	"github.com/cryoetlab/tomothumb/tomo"
)

const (
	// DefaultWorkers is the number of concurrent generation goroutines.
	DefaultWorkers = 16

	// DefaultQueueSize is how many submitted tasks can wait before
	// Submit starts returning ErrQueueFull.
	DefaultQueueSize = 256
)

// Options tunes a pool.  Zero values select the defaults.
type Options struct {
	Workers    int
	QueueSize  int
	Prefer     []string // reconstruction type preference order
	TargetSize int      // thumbnail edge length
}

// Pool generates thumbnails on a fixed set of worker goroutines, tracking
// each request as a Task and serving repeats from the cache.
type Pool struct {
	cache  *cache.Cache
	prefer []string
	target int

	ctx       context.Context
	ctxCancel context.CancelFunc

	queue chan *Task
	quit  chan struct{}
	wg    sync.WaitGroup

	suppress uint32 // once set, callbacks are no longer invoked

	mu      sync.Mutex
	tasks   map[string]*Task   // live tasks by caller id
	flights map[string]*flight // coalesced work by key
	stopped bool
}

// flight is one in-progress generation plus the later requests for the
// same key that attached to it.
type flight struct {
	leader    *Task
	followers []*Task
}

// New starts a pool writing thumbnails through the given cache.
func New(c *cache.Cache, opts Options) *Pool {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	target := opts.TargetSize
	if target <= 0 {
		target = preview.DefaultTargetSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cache:     c,
		prefer:    opts.Prefer,
		target:    target,
		ctx:       ctx,
		ctxCancel: cancel,
		queue:     make(chan *Task, queueSize),
		quit:      make(chan struct{}),
		tasks:     make(map[string]*Task),
		flights:   make(map[string]*flight),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	tomo.Infof("Started thumbnail pool with %d workers\n", workers)
	return p
}

func (p *Pool) preferFor(req Request) []string {
	if req.Prefer != nil {
		return req.Prefer
	}
	return p.prefer
}

// flightKey coalesces requests that would produce the same thumbnail.
// Tomogram requests key on the cache entry; run requests key on the run
// identity since the cache key is only known after selection.
func (p *Pool) flightKey(req Request) string {
	if req.Tomogram != nil {
		t := req.Tomogram
		return cache.Key(t.RunName(), t.Type(), t.Spacing(), req.TargetSize)
	}
	return fmt.Sprintf("run\x00%s\x00%d\x00%s",
		req.Run.Name(), req.TargetSize, strings.Join(p.preferFor(req), ","))
}

// Submit requests a thumbnail.  It never blocks on generation: an
// explicit tomogram request already in cache completes synchronously,
// anything else is queued or attached to an in-flight task for the same
// key.  The callback may be nil when the caller waits on Task.Done.
// Resubmitting a live id returns its existing task unchanged.
func (p *Pool) Submit(req Request, id string, cb CompletionFunc) (*Task, error) {
	if req.Run == nil && req.Tomogram == nil {
		return nil, fmt.Errorf("Request %q names neither a run nor a tomogram", id)
	}
	if req.TargetSize <= 0 {
		req.TargetSize = p.target
	}
	key := p.flightKey(req)

	// Cache hit fast path: no task is scheduled.
	if req.Tomogram != nil && !req.Force {
		t := req.Tomogram
		ckey := cache.Key(t.RunName(), t.Type(), t.Spacing(), req.TargetSize)
		if p.cache.Has(ckey) {
			img, err := p.cache.Load(ckey)
			if err == nil {
				task := newTask(id, req, cb, key)
				task.toTerminal(Completed)
				task.img = img
				close(task.done)
				if cb != nil && !p.suppressed() {
					cb(id, img, nil)
				}
				return task, nil
			}
			tomo.Warningf("Unable to load cached thumbnail %q, regenerating: %v\n", ckey, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil, ErrShutdown
	}
	if existing, found := p.tasks[id]; found {
		return existing, nil
	}
	task := newTask(id, req, cb, key)

	if !req.Force {
		if fl, inFlight := p.flights[key]; inFlight {
			fl.followers = append(fl.followers, task)
			p.tasks[id] = task
			tomo.Debugf("Task %s (%s) attached to in-flight generation\n", id, task.Token)
			return task, nil
		}
	}

	select {
	case p.queue <- task:
	default:
		return nil, ErrQueueFull
	}
	p.tasks[id] = task
	if !req.Force {
		p.flights[key] = &flight{leader: task}
	}
	return task, nil
}

// Task returns the live task with the given id.
func (p *Pool) Task(id string) (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, found := p.tasks[id]
	return t, found
}

// TaskCount returns the number of live tasks.
func (p *Pool) TaskCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tasks)
}

// Cancel flags the task with the given id.  Unknown ids are ignored and
// repeated cancels are no-ops.
func (p *Pool) Cancel(id string) {
	p.mu.Lock()
	task, found := p.tasks[id]
	p.mu.Unlock()
	if found {
		task.Cancel()
	}
}

// ClearTasks cancels every live task and forgets them.  It does not wait
// for running executions to observe the flag.
func (p *Pool) ClearTasks() {
	p.mu.Lock()
	tasks := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.tasks = make(map[string]*Task)
	p.flights = make(map[string]*flight)
	p.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
		p.resolve(t, nil, ErrCancelled)
	}
	tomo.Debugf("Cleared %d thumbnail tasks\n", len(tasks))
}

// Shutdown cancels all tasks and stops the workers, waiting up to timeout
// for running generations to observe cancellation and exit.  Once
// Shutdown begins, callbacks are no longer invoked; waiters on Task.Done
// are still unblocked with ErrCancelled.  Timing out is not an error.
func (p *Pool) Shutdown(timeout time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	atomic.StoreUint32(&p.suppress, 1)
	tasks := make([]*Task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.tasks = make(map[string]*Task)
	p.flights = make(map[string]*flight)
	p.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
		p.resolve(t, nil, ErrCancelled)
	}
	p.ctxCancel()
	close(p.quit)

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		tomo.Infof("Thumbnail pool shut down\n")
	case <-time.After(timeout):
		tomo.Warningf("Gave up waiting for thumbnail workers after %s\n", timeout)
	}
}

func (p *Pool) suppressed() bool {
	return atomic.LoadUint32(&p.suppress) == 1
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case task := <-p.queue:
			p.execute(task)
		case <-p.quit:
			return
		}
	}
}

// execute runs one task through the pipeline, checking the cancellation
// flag before selection, before generation, and before the encode and
// cache write.
func (p *Pool) execute(task *Task) {
	defer func() {
		if r := recover(); r != nil {
			tomo.Criticalf("Panic generating thumbnail for task %s: %v\n", task.ID, r)
			p.finish(task, nil, fmt.Errorf("panic during thumbnail generation: %v", r))
		}
	}()

	if p.suppressed() || task.cancelled() {
		p.finish(task, nil, ErrCancelled)
		return
	}
	if !task.toRunning() {
		return
	}
	timedLog := tomo.NewTimeLog()
	req := task.req

	tom := req.Tomogram
	if tom == nil {
		var err error
		tom, err = preview.Select(req.Run, p.preferFor(req))
		if err != nil {
			p.finish(task, nil, err)
			return
		}
	}
	key := cache.Key(tom.RunName(), tom.Type(), tom.Spacing(), req.TargetSize)

	if !req.Force && p.cache.Has(key) {
		img, err := p.cache.Load(key)
		if err == nil {
			timedLog.Debugf("Task %s (%s) served %q from cache", task.ID, task.Token, key)
			p.finish(task, img, nil)
			return
		}
		tomo.Warningf("Unable to load cached thumbnail %q, regenerating: %v\n", key, err)
	}

	if task.cancelled() {
		p.finish(task, nil, ErrCancelled)
		return
	}
	vol, err := tom.Volume(p.ctx)
	if err != nil {
		p.finish(task, nil, err)
		return
	}
	img, err := preview.Generate(p.ctx, vol, preview.GenOptions{TargetSize: req.TargetSize})
	if err != nil {
		p.finish(task, nil, err)
		return
	}

	if task.cancelled() {
		p.finish(task, nil, ErrCancelled)
		return
	}
	if err := p.cache.Save(key, img); err != nil {
		// The thumbnail is still usable; the cache just stays cold.
		tomo.Errorf("Unable to cache thumbnail %q: %v\n", key, err)
	}
	timedLog.Debugf("Task %s (%s) generated %q", task.ID, task.Token, key)
	p.finish(task, img, nil)
}

// finish resolves a leader task and everything attached to its flight.
func (p *Pool) finish(task *Task, img *tomo.Image, err error) {
	state := Completed
	switch {
	case err == ErrCancelled:
		state = Cancelled
	case err != nil:
		state = Failed
	}
	if !task.toTerminal(state) {
		return
	}

	p.mu.Lock()
	delete(p.tasks, task.ID)
	var followers []*Task
	if fl, found := p.flights[task.key]; found && fl.leader == task {
		delete(p.flights, task.key)
		followers = fl.followers

		// A cancelled leader must not drag down followers that nobody
		// cancelled: promote the first live follower and run it.
		if state == Cancelled && !p.stopped {
			var live, gone []*Task
			for _, f := range followers {
				if f.cancelled() {
					gone = append(gone, f)
				} else {
					live = append(live, f)
				}
			}
			if len(live) > 0 {
				next := live[0]
				select {
				case p.queue <- next:
					p.flights[task.key] = &flight{leader: next, followers: live[1:]}
					tomo.Debugf("Task %s promoted to leader after cancellation of task %s\n",
						next.ID, task.ID)
					followers = gone
				default:
					// No queue room to rerun; the group stays cancelled.
				}
			}
		}
	}
	p.mu.Unlock()

	p.deliver(task, img, err)
	for _, f := range followers {
		if f.cancelled() {
			p.resolve(f, nil, ErrCancelled)
		} else {
			p.resolve(f, img, err)
		}
	}
}

// resolve finishes a task that has no flight of its own.
func (p *Pool) resolve(task *Task, img *tomo.Image, err error) {
	state := Completed
	switch {
	case err == ErrCancelled:
		state = Cancelled
	case err != nil:
		state = Failed
	}
	if !task.toTerminal(state) {
		return
	}
	p.mu.Lock()
	delete(p.tasks, task.ID)
	p.mu.Unlock()
	p.deliver(task, img, err)
}

// deliver publishes the outcome on the task and invokes its callback
// unless the pool is suppressing callbacks for shutdown.
func (p *Pool) deliver(task *Task, img *tomo.Image, err error) {
	task.img = img
	task.err = err
	close(task.done)
	if task.callback != nil && !p.suppressed() {
		task.callback(task.ID, img, err)
	}
}
