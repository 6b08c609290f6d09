package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/matst80/rfbrelay/internal/dispatch"
	"github.com/matst80/rfbrelay/internal/handshake"
	"github.com/matst80/rfbrelay/internal/obs"
	"github.com/matst80/rfbrelay/internal/ratelimit"
)

// DefaultHandshakeTimeout bounds the time from accept to identification.
const DefaultHandshakeTimeout = 5 * time.Second

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Submitter receives identified endpoints.
type Submitter interface {
	Submit(ep *Endpoint)
}

type ListenerOptions struct {
	Role             Role
	HandshakeTimeout time.Duration
	KeepAlive        KeepAlive
	// Clock drives handshake deadlines; nil means the wall clock.
	Clock clock.Clock
	// Limiter throttles accepts per remote host; nil disables throttling.
	Limiter *ratelimit.Limiter
}

// Listener accepts connections for one role and drives each through that
// role's handshake before handing it to the broker. Handshake steps run on
// the listener's strand.
type Listener struct {
	ln      net.Listener
	strand  *dispatch.Strand
	broker  Submitter
	role    Role
	timeout time.Duration
	ka      KeepAlive
	clock   clock.Clock
	limiter *ratelimit.Limiter
	serving atomic.Bool
}

// Listen binds addr for opts.Role.
func Listen(addr string, pool *dispatch.Pool, broker Submitter, opts ListenerOptions) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", opts.Role, addr, err)
	}
	return NewListener(ln, pool, broker, opts), nil
}

func NewListener(ln net.Listener, pool *dispatch.Pool, broker Submitter, opts ListenerOptions) *Listener {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Listener{
		ln:      ln,
		strand:  dispatch.NewStrand(pool),
		broker:  broker,
		role:    opts.Role,
		timeout: opts.HandshakeTimeout,
		ka:      opts.KeepAlive,
		clock:   opts.Clock,
		limiter: opts.Limiter,
	}
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
func (l *Listener) Role() Role     { return l.role }

// Serving reports whether the accept loop is running.
func (l *Listener) Serving() bool { return l.serving.Load() }

func (l *Listener) Close() error { return l.ln.Close() }

// Serve runs the accept loop until ctx is done or the listener is closed.
// Each accepted socket is handed off immediately so a slow handshake never
// delays the next accept. Other accept errors are logged and retried.
func (l *Listener) Serve(ctx context.Context) error {
	l.serving.Store(true)
	defer l.serving.Store(false)
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()

	var delay time.Duration
	for {
		c, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// EMFILE, ECONNABORTED and the like: back off and re-arm.
			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			obs.Error(l.event("accept"), obs.Fields{"err": err.Error(), "retry_in": delay.String()})
			if !l.pause(ctx, delay) {
				return nil
			}
			continue
		}
		delay = 0
		l.strand.Post(func() { l.begin(c) })
	}
}

// pause waits d on the listener's clock and reports false if ctx ended first.
func (l *Listener) pause(ctx context.Context, d time.Duration) bool {
	t := l.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (l *Listener) event(name string) string { return l.role.String() + "." + name }

// begin runs in the strand for a freshly accepted socket.
func (l *Listener) begin(c net.Conn) {
	ep := NewEndpoint(c, l.role)
	if !l.limiter.Allow(remoteHost(ep.Remote)) {
		obs.RateLimitedTotal.WithLabelValues(l.role.String()).Inc()
		logConn(ep, l.event("rate_limited"), nil, nil)
		_ = ep.Close()
		return
	}
	if err := TuneConn(c, l.ka); err != nil {
		logConn(ep, l.event("tune"), err, nil)
	}
	obs.AcceptedTotal.WithLabelValues(l.role.String()).Inc()
	logConn(ep, l.event("accepted"), nil, nil)

	h := newPendingHandshake(ep)
	h.timer = l.clock.AfterFunc(l.timeout, func() {
		l.strand.Post(func() { l.expire(h) })
	})
	l.step(h, nil)
}

// expire force-closes a connection that has not identified in time. The
// outstanding read fails and step reports the timeout.
func (l *Listener) expire(h *PendingHandshake) {
	if h.done() {
		return
	}
	h.expired = true
	h.ep.ShutdownBoth()
}

// step consumes the result of the previous handshake operation and issues
// the next one. It always runs in the strand.
func (l *Listener) step(h *PendingHandshake, err error) {
	if h.done() {
		return
	}
	if h.expired {
		err = ErrHandshakeTimeout
	}
	if err != nil {
		l.fail(h, err)
		return
	}
	switch h.state {
	case StateAccepted:
		if l.role == Consumer {
			h.state = StateGreeting
			l.do(h, func(c net.Conn) error {
				_, err := io.WriteString(c, handshake.GenericVersion)
				return err
			})
			return
		}
		l.readInfo(h)
	case StateGreeting:
		l.readInfo(h)
	case StateAwaitingInfo:
		h.parseInfo()
		if h.ep.Key == "" {
			l.fail(h, ErrNoKey)
			return
		}
		logConn(h.ep, l.event("established"), nil, nil)
		if l.role == Producer {
			h.state = StateAwaitingVersion
			l.do(h, func(c net.Conn) error {
				_, err := io.ReadFull(c, h.version[:])
				return err
			})
			return
		}
		l.identify(h)
	case StateAwaitingVersion:
		h.parseVersion()
		l.identify(h)
	}
}

func (l *Listener) readInfo(h *PendingHandshake) {
	h.state = StateAwaitingInfo
	l.do(h, func(c net.Conn) error {
		_, err := io.ReadFull(c, h.info[:])
		return err
	})
}

// identify ends the handshake and moves the endpoint to the broker.
func (l *Listener) identify(h *PendingHandshake) {
	h.state = StateIdentified
	h.disarm()
	l.broker.Submit(h.ep)
}

func (l *Listener) fail(h *PendingHandshake, err error) {
	prev := h.state
	h.state = StateFailed
	h.disarm()
	obs.HandshakeFailuresTotal.WithLabelValues(l.role.String(), Classify(err)).Inc()
	logConn(h.ep, l.event("handshake"), err, obs.Fields{"state": prev.String()})
	h.ep.ShutdownBoth()
	_ = h.ep.Close()
}

// do runs a blocking handshake operation off the strand and posts its
// result back through step.
func (l *Listener) do(h *PendingHandshake, op func(net.Conn) error) {
	c := h.ep.conn
	go func() {
		err := op(c)
		l.strand.Post(func() { l.step(h, err) })
	}()
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
