package relay

import (
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/matst80/rfbrelay/internal/dispatch"
	"github.com/matst80/rfbrelay/internal/obs"
)

// Pair relays bytes between two matched endpoints. It is created by the
// Broker holding only its first endpoint; second is attached exactly once.
//
// All fields except released are confined to the pair's strand.
type Pair struct {
	strand *dispatch.Strand

	first  *Endpoint
	second *Endpoint

	bufFirst  []byte
	bufSecond []byte

	// ops counts outstanding reads and writes; the sockets are closed
	// when it drops to zero.
	ops      int
	matched  time.Time
	released atomic.Bool
	active   *atomic.Int64

	// requeue receives an endpoint attached after the pair was released.
	requeue func(*Endpoint)
	// onRelease runs in the strand once both sockets are closed.
	onRelease func(*Pair)
}

func newPair(pool *dispatch.Pool, first *Endpoint, bufferSize int, active *atomic.Int64) *Pair {
	return &Pair{
		strand:    dispatch.NewStrand(pool),
		first:     first,
		bufFirst:  make([]byte, bufferSize),
		bufSecond: make([]byte, bufferSize),
		active:    active,
	}
}

// First returns the endpoint the pair was created with.
func (p *Pair) First() *Endpoint { return p.first }

// Released reports whether the pair has closed its sockets.
func (p *Pair) Released() bool { return p.released.Load() }

// run starts reading the first endpoint while the pair waits for a match.
// Data arriving before the match is a failure and closes the pair.
func (p *Pair) run() {
	p.strand.Post(p.readFirst)
}

// attach completes the pair with ep and starts relaying.
func (p *Pair) attach(ep *Endpoint) {
	p.strand.Post(func() {
		if p.released.Load() {
			logConn(ep, "pair.attach", ErrPeerUnavailable, obs.Fields{"peer": p.first.ID.String()})
			if p.requeue != nil {
				p.requeue(ep)
				return
			}
			ep.ShutdownBoth()
			_ = ep.Close()
			return
		}
		p.second = ep
		p.matched = time.Now()
		p.active.Add(1)
		obs.ActivePairs.Inc()
		obs.PairsTotal.Inc()
		logConn(ep, "pair.matched", nil, obs.Fields{"peer": p.first.ID.String()})

		p.flushVersion()
		p.readSecond()
	})
}

// flushVersion forwards the version banner carried by one side to the
// other. Reads are already running; the two directions are independent.
func (p *Pair) flushVersion() {
	src, dst := p.first, p.second
	if src.Version == "" {
		src, dst = dst, src
	}
	if src.Version == "" {
		return
	}
	p.write(dst, []byte(src.Version), func(n int, err error) {
		if err == nil && n == 0 {
			err = ErrShortTransfer
		}
		if err != nil {
			logConn(dst, "pair.flush_version", err, nil)
			p.shutdown(dst, src)
		}
	})
}

func (p *Pair) readFirst() {
	p.read(p.first, p.bufFirst, func(n int, err error) {
		if err == nil && n == 0 {
			err = ErrShortTransfer
		}
		if err == nil && p.second == nil {
			err = ErrPeerUnavailable
		}
		if err != nil {
			logConn(p.first, "pair.read_first", err, nil)
			p.shutdown(p.first, p.second)
			return
		}
		p.forward(p.first, p.second, p.bufFirst[:n], p.readFirst)
	})
}

func (p *Pair) readSecond() {
	p.read(p.second, p.bufSecond, func(n int, err error) {
		if err == nil && n == 0 {
			err = ErrShortTransfer
		}
		if err != nil {
			logConn(p.second, "pair.read_second", err, nil)
			p.shutdown(p.second, p.first)
			return
		}
		p.forward(p.second, p.first, p.bufSecond[:n], p.readSecond)
	})
}

// forward writes data read from src to dst and continues with next once
// the write completed. A failed write closes dst and lets src linger.
func (p *Pair) forward(src, dst *Endpoint, data []byte, next func()) {
	dir := direction(src)
	p.write(dst, data, func(n int, err error) {
		if err == nil && n == 0 {
			err = ErrShortTransfer
		}
		if err != nil {
			logConn(dst, "pair.write", err, obs.Fields{"direction": dir})
			p.shutdown(dst, src)
			return
		}
		obs.RelayedBytesTotal.WithLabelValues(dir).Add(float64(n))
		next()
	})
}

// shutdown fully closes the failing side and shuts down only the receive
// direction of the other, so its in-flight outbound data still drains.
// Either side may be nil while the pair is waiting.
func (p *Pair) shutdown(closing, lingering *Endpoint) {
	if closing != nil {
		closing.ShutdownBoth()
	}
	if lingering != nil {
		lingering.ShutdownReceive()
	}
}

func (p *Pair) read(ep *Endpoint, buf []byte, done func(int, error)) {
	p.ops++
	go func() {
		n, err := ep.conn.Read(buf)
		p.strand.Post(func() { p.complete(done, n, err) })
	}()
}

func (p *Pair) write(ep *Endpoint, data []byte, done func(int, error)) {
	p.ops++
	go func() {
		n, err := ep.conn.Write(data)
		p.strand.Post(func() { p.complete(done, n, err) })
	}()
}

func (p *Pair) complete(done func(int, error), n int, err error) {
	done(n, err)
	p.ops--
	if p.ops == 0 {
		p.release()
	}
}

func (p *Pair) release() {
	if p.released.Swap(true) {
		return
	}
	err := p.first.Close()
	if p.second != nil {
		err = multierr.Append(err, p.second.Close())
		p.active.Add(-1)
		obs.ActivePairs.Dec()
		obs.PairDurationSeconds.Observe(time.Since(p.matched).Seconds())
	}
	f := p.first.Fields()
	if p.second != nil {
		f["peer"] = p.second.ID.String()
	}
	if err != nil {
		f["err"] = err.Error()
	}
	obs.Info("pair.closed", f)
	if p.onRelease != nil {
		p.onRelease(p)
	}
}

func direction(src *Endpoint) string {
	if src.Role == Producer {
		return "producer_to_consumer"
	}
	return "consumer_to_producer"
}
