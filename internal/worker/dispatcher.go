package worker

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDispatcherBusy is returned when the inbound job queue is full.
var ErrDispatcherBusy = errors.New("dispatcher queue is full")

// ErrDispatcherStopped is returned for jobs submitted after Stop.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// ErrJobPanicked is returned by Do when the job panicked.
var ErrJobPanicked = errors.New("job panicked")

type DispatcherConfig struct {
	MinWorkers        int
	MaxWorkers        int
	QueueSize         int
	WorkerIdleTimeout time.Duration
}

const (
	defaultMaxWorkers = 16
	defaultQueueSize  = 256
)

type userQueue struct {
	jobs     []Job
	enqueued bool // user is in the ready list
	running  bool // a job of this user is on a worker
}

// Dispatcher hands jobs to a bounded worker pool. Users are served
// round-robin and at most one job per user runs at a time.
type Dispatcher struct {
	pool     *workerPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher

	mu        sync.Mutex
	queues    map[string]*userQueue // job queue for each user
	ready     *list.List            // round-robin queue of user IDs
	positions map[string]*list.Element

	seq      atomic.Uint64
	wake     chan struct{}
	quit     chan struct{}
	stopOnce sync.Once
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = defaultMaxWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	pool := newWorkerPool(cfg.MinWorkers, maxWorkers, cfg.WorkerIdleTimeout)

	d := &Dispatcher{
		pool:      pool,
		JobQueue:  make(chan Job, queueSize),
		queues:    make(map[string]*userQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}

	d.pool.prestart(cfg.MinWorkers)

	go d.run()
	return d
}

// Submit queues a job without waiting for it to run.
func (d *Dispatcher) Submit(job Job) error {
	_, err := d.submit(job)
	return err
}

func (d *Dispatcher) submit(job Job) (uint64, error) {
	select {
	case <-d.quit:
		return 0, ErrDispatcherStopped
	default:
	}
	job.Type = Run
	job.UserID = strings.TrimSpace(job.UserID)
	job.seq = d.seq.Add(1)
	select {
	case d.JobQueue <- job:
		return job.seq, nil
	default:
		return 0, ErrDispatcherBusy
	}
}

type jobResult struct {
	skipped  bool
	panicked any
}

// Do runs fn as a job of userID and waits until it has finished. When ctx
// ends before fn has started, the job is dropped and ctx.Err() is returned;
// once fn is running Do waits for it.
func (d *Dispatcher) Do(ctx context.Context, userID string, fn func()) error {
	var cancelled atomic.Bool
	done := make(chan jobResult, 1)
	seq, err := d.submit(Job{UserID: userID, Fn: func() {
		if cancelled.Load() {
			done <- jobResult{skipped: true}
			return
		}
		defer func() {
			r := recover()
			done <- jobResult{panicked: r}
			if r != nil {
				// the worker logs it
				panic(r)
			}
		}()
		fn()
	}})
	if err != nil {
		return err
	}

	select {
	case res := <-done:
		return res.err(ctx)
	case <-ctx.Done():
		cancelled.Store(true)
		if d.dropQueued(strings.TrimSpace(userID), seq) {
			debugLog("dropped cancelled job", "user_id", userID)
			return ctx.Err()
		}
	case <-d.quit:
		return ErrDispatcherStopped
	}

	// fn may already be running
	select {
	case res := <-done:
		return res.err(ctx)
	case <-d.quit:
		return ErrDispatcherStopped
	}
}

func (r jobResult) err(ctx context.Context) error {
	switch {
	case r.skipped:
		return ctx.Err()
	case r.panicked != nil:
		return fmt.Errorf("%w: %v", ErrJobPanicked, r.panicked)
	}
	return nil
}

// Stop ends the dispatch loop and idle workers. Jobs already handed to a
// worker still complete.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.shutdown()
	})
}

func (d *Dispatcher) run() {
	for {
		// dispatch one job of the user in front of the ready list
		if d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			case <-d.quit:
				return
			default:
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.UserID]
	if q == nil {
		q = &userQueue{}
		d.queues[job.UserID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued || q.running {
		return
	}
	q.enqueued = true
	d.positions[job.UserID] = d.ready.PushBack(job.UserID)
}

// dispatchOne takes the first ready user's oldest job and hands it to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	userID := elem.Value.(string)
	q := d.queues[userID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.enqueued = false
	q.running = true
	d.ready.Remove(elem)
	delete(d.positions, userID)
	d.mu.Unlock()

	inner := job.Fn
	job.Fn = func() {
		defer d.finish(userID)
		if inner != nil {
			inner()
		}
	}

	workerChan := d.pool.checkout()
	debugLog("dispatch job", "user_id", userID, "worker", d.pool.idOf(workerChan))
	workerChan <- job
	return true
}

// finish marks the user's running job as done and requeues the user at the
// back of the ready list when more jobs are waiting.
func (d *Dispatcher) finish(userID string) {
	d.mu.Lock()
	q := d.queues[userID]
	if q != nil {
		q.running = false
		if len(q.jobs) > 0 {
			q.enqueued = true
			d.positions[userID] = d.ready.PushBack(userID)
		} else {
			delete(d.queues, userID)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// dropQueued removes the job seq of userID if it has not been handed to a
// worker yet. It reports whether the job was removed.
func (d *Dispatcher) dropQueued(userID string, seq uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[userID]
	if !ok {
		return false
	}
	idx := -1
	for i, job := range q.jobs {
		if job.seq == seq {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	q.jobs = append(q.jobs[:idx], q.jobs[idx+1:]...)
	if len(q.jobs) > 0 || q.running {
		return true
	}
	if elem, ok := d.positions[userID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, userID)
	}
	q.enqueued = false
	delete(d.queues, userID)
	return true
}
