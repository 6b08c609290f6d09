// Package dispatch runs short units of work on a fixed set of workers that
// share one queue, and provides strands that serialize work per owner.
package dispatch

import (
	"sync"

	"github.com/matst80/rfbrelay/internal/obs"
)

const maxCores = 16

// Layout returns the core indices workers are laid out on for hw hardware
// threads: at most 16 cores, only even cores once there are 4 or more.
func Layout(hw int) []int {
	count, step := hw, 1
	if count == 3 {
		count = 2
	}
	if count < 1 {
		count = 1
	}
	if count > maxCores {
		count = maxCores
	}
	if count >= 4 {
		step = 2
	}
	var cores []int
	for core := 0; core < count; core += step {
		cores = append(cores, core)
	}
	return cores
}

// Workers returns the pool size for hw hardware threads.
func Workers(hw int) int { return len(Layout(hw)) }

// Pool is a fixed set of workers pumping one unbounded queue. Work items
// must not block on I/O.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	size   int
	wg     sync.WaitGroup
}

// New starts a pool with n workers (at least one).
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{size: n}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

// Size is the number of workers.
func (p *Pool) Size() int { return p.size }

// Post queues fn. It reports false if the pool is closed.
func (p *Pool) Post(fn func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, fn)
	p.mu.Unlock()
	p.cond.Signal()
	return true
}

// Pending is the number of queued, not yet started items.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops accepting work, lets workers finish what is queued and waits
// for them to exit.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		fn := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()
		run(fn)
	}
}

func run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			obs.Error("dispatch.panic", obs.Fields{"panic": r})
		}
	}()
	fn()
}
