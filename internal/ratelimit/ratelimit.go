// Package ratelimit throttles accepted connections per remote host.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket is one host's limiter plus the last time the host was seen.
type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// Limiter combines an optional global bucket with one bucket per host.
// A zero rate disables the corresponding limit.
type Limiter struct {
	mu        sync.Mutex
	global    *rate.Limiter
	perHost   map[string]*bucket
	hostRate  int
	burstSize int
	now       func() time.Time
}

// NewLimiter creates a limiter with globalRate accepts per second overall
// and hostRate per remote host, each allowing burstSize at once.
func NewLimiter(globalRate, hostRate, burstSize int) *Limiter {
	return newLimiter(globalRate, hostRate, burstSize, time.Now)
}

func newLimiter(globalRate, hostRate, burstSize int, now func() time.Time) *Limiter {
	if burstSize < 1 {
		burstSize = 1
	}
	l := &Limiter{
		perHost:   make(map[string]*bucket),
		hostRate:  hostRate,
		burstSize: burstSize,
		now:       now,
	}
	if globalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalRate), burstSize)
	}
	return l
}

// Enabled reports whether any limit is active.
func (l *Limiter) Enabled() bool { return l != nil && (l.global != nil || l.hostRate > 0) }

// Allow reports whether a connection from host may proceed. A nil Limiter
// allows everything.
func (l *Limiter) Allow(host string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	if l.global != nil && !l.global.AllowN(now, 1) {
		return false
	}
	if l.hostRate <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.perHost[host]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(l.hostRate), l.burstSize)}
		l.perHost[host] = b
	}
	b.lastUsed = now
	return b.lim.AllowN(now, 1)
}

// Sweep drops host buckets unused for longer than idle and returns how
// many were removed.
func (l *Limiter) Sweep(idle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for host, b := range l.perHost {
		if b.lastUsed.Before(cutoff) {
			delete(l.perHost, host)
			removed++
		}
	}
	return removed
}

// Hosts is the number of tracked host buckets.
func (l *Limiter) Hosts() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perHost)
}
