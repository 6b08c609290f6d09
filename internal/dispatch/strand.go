package dispatch

import "sync"

// Strand executes posted functions one at a time, in posting order, on
// its pool. Different strands run concurrently.
type Strand struct {
	pool    *Pool
	mu      sync.Mutex
	queue   []func()
	running bool
}

func NewStrand(p *Pool) *Strand { return &Strand{pool: p} }

// Post queues fn behind everything previously posted to s. Work posted
// after the pool is closed is dropped.
func (s *Strand) Post(fn func()) {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.schedule()
}

func (s *Strand) schedule() {
	if s.pool.Post(s.drain) {
		return
	}
	s.mu.Lock()
	s.queue = nil
	s.running = false
	s.mu.Unlock()
}

// drain runs the items queued when it started, then yields the worker and
// reschedules if more arrived meanwhile.
func (s *Strand) drain() {
	s.mu.Lock()
	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, fn := range batch {
		run(fn)
	}

	s.mu.Lock()
	if len(s.queue) == 0 {
		s.running = false
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.schedule()
}
