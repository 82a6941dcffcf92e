package worker

import (
	"log/slog"
)

type JobType int

const (
	Run JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Run:
		return "run"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Job is one unit of work owned by a user. Jobs of the same user never run
// concurrently.
type Job struct {
	Type   JobType
	UserID string
	Fn     func()

	seq uint64
}

type Worker struct {
	id         int
	pool       *workerPool
	jobChannel chan Job
}

func NewWorker(id int, pool *workerPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		for job := range w.jobChannel {
			if job.Type == Stop {
				debugLog("worker stopped", "worker", w.id)
				w.pool.forget(w.jobChannel)
				return
			}
			w.execute(job)
			w.pool.checkin(w.jobChannel)
		}
	}()
}

func (w *Worker) execute(job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker job panicked", "worker", w.id, "user_id", job.UserID, "panic", r)
		}
	}()
	if job.Fn != nil {
		job.Fn()
	}
}
