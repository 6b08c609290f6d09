package relay

import (
	"context"
	"sync/atomic"
	"weak"

	"github.com/matst80/rfbrelay/internal/dispatch"
	"github.com/matst80/rfbrelay/internal/handshake"
	"github.com/matst80/rfbrelay/internal/obs"
	"github.com/matst80/rfbrelay/internal/presence"
)

// DefaultBufferSize is the per-direction forwarding buffer.
const DefaultBufferSize = 0x4000

// Broker pairs identified endpoints by match key. Each role has its own
// waiting table; an arrival is matched against the opposite role's table
// or parked in its own. Tables hold weak references only, so a waiting
// pair whose endpoint died is collected and reaped on the next lookup.
type Broker struct {
	pool       *dispatch.Pool
	strand     *dispatch.Strand
	bufferSize int
	presence   presence.Store

	waiting [2]map[string][]weak.Pointer[Pair]
	matched int64
	active  atomic.Int64
}

type BrokerOptions struct {
	BufferSize int
	// Presence is told about parked and withdrawn keys. Nil disables it.
	Presence presence.Store
}

func NewBroker(pool *dispatch.Pool, opts BrokerOptions) *Broker {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	b := &Broker{
		pool:       pool,
		strand:     dispatch.NewStrand(pool),
		bufferSize: opts.BufferSize,
		presence:   opts.Presence,
	}
	for i := range b.waiting {
		b.waiting[i] = make(map[string][]weak.Pointer[Pair])
	}
	return b
}

// Submit hands an identified endpoint to the broker. Ownership moves with it.
func (b *Broker) Submit(ep *Endpoint) {
	b.strand.Post(func() { b.match(ep) })
}

// match runs in the broker strand.
func (b *Broker) match(ep *Endpoint) {
	from := b.waiting[ep.Role.Opposite()]
	candidates := from[ep.Key]
	for len(candidates) > 0 {
		p := candidates[0].Value()
		candidates = candidates[1:]
		if p == nil || p.Released() {
			b.withdraw(ep.Role.Opposite(), ep.Key)
			continue
		}
		b.store(from, ep.Key, candidates)
		b.withdraw(ep.Role.Opposite(), ep.Key)
		b.matched++
		logConn(ep, "broker.matched", nil, obs.Fields{"peer": p.First().ID.String()})
		p.attach(ep)
		b.updateGauges()
		return
	}
	b.store(from, ep.Key, nil)

	p := newPair(b.pool, ep, b.bufferSize, &b.active)
	p.requeue = b.Submit
	p.onRelease = b.forget
	to := b.waiting[ep.Role]
	to[ep.Key] = append(to[ep.Key], weak.Make(p))
	if b.presence != nil {
		b.presence.Announce(ep.Role.String(), handshake.EscapeKey(ep.Key))
	}
	logConn(ep, "broker.waiting", nil, nil)
	b.updateGauges()
	p.run()
}

// forget drops a released, never matched pair from its table without
// waiting for a lookup on its key.
func (b *Broker) forget(p *Pair) {
	if p.second != nil {
		return
	}
	ep := p.First()
	b.strand.Post(func() {
		table := b.waiting[ep.Role]
		entries := table[ep.Key]
		kept := entries[:0]
		for _, wp := range entries {
			if v := wp.Value(); v == nil || v == p {
				b.withdraw(ep.Role, ep.Key)
				continue
			}
			kept = append(kept, wp)
		}
		b.store(table, ep.Key, kept)
		b.updateGauges()
	})
}

func (b *Broker) store(table map[string][]weak.Pointer[Pair], key string, entries []weak.Pointer[Pair]) {
	if len(entries) == 0 {
		delete(table, key)
		return
	}
	table[key] = entries
}

func (b *Broker) withdraw(role Role, key string) {
	if b.presence != nil {
		b.presence.Withdraw(role.String(), handshake.EscapeKey(key))
	}
}

func (b *Broker) updateGauges() {
	obs.Waiting.WithLabelValues(Producer.String()).Set(float64(b.count(Producer)))
	obs.Waiting.WithLabelValues(Consumer.String()).Set(float64(b.count(Consumer)))
}

// count returns waiting entries for role, stale references included.
func (b *Broker) count(role Role) int {
	n := 0
	for _, entries := range b.waiting[role] {
		n += len(entries)
	}
	return n
}

// BrokerStats is a snapshot of the waiting tables.
type BrokerStats struct {
	WaitingProducers int            `json:"waiting_producers"`
	WaitingConsumers int            `json:"waiting_consumers"`
	Keys             map[string]int `json:"keys"`
	Matched          int64          `json:"matched"`
	Active           int            `json:"active"`
}

// Stats reads a snapshot from inside the broker strand, counting only
// live waiters.
func (b *Broker) Stats(ctx context.Context) (BrokerStats, error) {
	ch := make(chan BrokerStats, 1)
	b.strand.Post(func() {
		st := BrokerStats{Keys: map[string]int{}, Matched: b.matched, Active: int(b.active.Load())}
		for role, table := range b.waiting {
			for key, entries := range table {
				for _, wp := range entries {
					p := wp.Value()
					if p == nil || p.Released() {
						continue
					}
					st.Keys[handshake.EscapeKey(key)]++
					if Role(role) == Producer {
						st.WaitingProducers++
					} else {
						st.WaitingConsumers++
					}
				}
			}
		}
		ch <- st
	})
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return BrokerStats{}, ctx.Err()
	}
}
