package worker

import (
	"sync"
	"time"
)

const defaultWorkerIdle = 30 * time.Second

// slot tracks one worker goroutine owned by the pool.
type slot struct {
	id      int
	inbox   chan Job
	idleAt  time.Time
	parked  bool // waiting in the idle list
	retired bool // told to stop, never handed out again
}

// workerPool grows from min to max workers on demand and stops workers
// that stay idle longer than idleTimeout, never going below min.
type workerPool struct {
	mu          sync.Mutex
	freed       *sync.Cond
	parked      []*slot
	slots       map[chan Job]*slot
	min, max    int
	live        int
	lastID      int
	idleTimeout time.Duration
	done        chan struct{}
}

func newWorkerPool(minWorkers, maxWorkers int, idleTimeout time.Duration) *workerPool {
	if idleTimeout <= 0 {
		idleTimeout = defaultWorkerIdle
	}
	minWorkers = max(minWorkers, 0)
	maxWorkers = max(maxWorkers, minWorkers, 1)
	p := &workerPool{
		slots:       make(map[chan Job]*slot),
		min:         minWorkers,
		max:         maxWorkers,
		idleTimeout: idleTimeout,
		done:        make(chan struct{}),
	}
	p.freed = sync.NewCond(&p.mu)
	go p.reapLoop()
	return p
}

// startLocked launches a new worker; p.mu must be held.
func (p *workerPool) startLocked() *slot {
	p.lastID++
	w := NewWorker(p.lastID, p)
	s := &slot{id: p.lastID, inbox: w.jobChannel, idleAt: time.Now()}
	p.slots[s.inbox] = s
	p.live++
	w.Start()
	return s
}

// prestart launches n parked workers, bounded by max.
func (p *workerPool) prestart(n int) {
	p.mu.Lock()
	for i := 0; i < n && p.live < p.max; i++ {
		s := p.startLocked()
		s.parked = true
		p.parked = append(p.parked, s)
	}
	p.mu.Unlock()
	p.freed.Broadcast()
}

// checkout hands out a parked worker, starts one while below max, and
// blocks until a worker is freed otherwise.
func (p *workerPool) checkout() chan Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		for len(p.parked) > 0 {
			s := p.parked[0]
			p.parked = p.parked[1:]
			if s.retired {
				continue
			}
			s.parked = false
			return s.inbox
		}
		if p.live < p.max {
			return p.startLocked().inbox
		}
		p.freed.Wait()
	}
}

// checkin parks a worker that finished its job.
func (p *workerPool) checkin(inbox chan Job) {
	p.mu.Lock()
	s, ok := p.slots[inbox]
	if !ok || s.retired || s.parked {
		p.mu.Unlock()
		return
	}
	s.parked = true
	s.idleAt = time.Now()
	p.parked = append(p.parked, s)
	p.mu.Unlock()
	p.freed.Signal()
}

// forget drops a worker that has stopped.
func (p *workerPool) forget(inbox chan Job) {
	p.mu.Lock()
	if s, ok := p.slots[inbox]; ok {
		delete(p.slots, inbox)
		s.retired = true
		p.live--
	}
	p.mu.Unlock()
	p.freed.Broadcast()
}

func (p *workerPool) idOf(inbox chan Job) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.slots[inbox]; ok {
		return s.id
	}
	return 0
}

// stats returns the number of live and parked workers.
func (p *workerPool) stats() (live, parked int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live, len(p.parked)
}

func (p *workerPool) reapLoop() {
	ticker := time.NewTicker(p.idleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.reap(now)
		}
	}
}

// reap stops parked workers idle since before now-idleTimeout while more
// than min are live.
func (p *workerPool) reap(now time.Time) {
	var stopping []*slot

	p.mu.Lock()
	keep := p.parked[:0]
	for _, s := range p.parked {
		if s.retired {
			continue
		}
		if now.Sub(s.idleAt) >= p.idleTimeout && p.live-len(stopping) > p.min {
			s.retired = true
			s.parked = false
			stopping = append(stopping, s)
			continue
		}
		keep = append(keep, s)
	}
	p.parked = keep
	p.mu.Unlock()

	for _, s := range stopping {
		debugLog("stopping idle worker", "worker", s.id)
		s.inbox <- Job{Type: Stop}
	}
}

// shutdown stops the reaper and every parked worker. Busy workers stop
// receiving jobs once the dispatcher loop has exited.
func (p *workerPool) shutdown() {
	close(p.done)
	p.mu.Lock()
	parked := p.parked
	p.parked = nil
	for _, s := range parked {
		s.retired = true
		s.parked = false
	}
	p.mu.Unlock()
	for _, s := range parked {
		s.inbox <- Job{Type: Stop}
	}
}
