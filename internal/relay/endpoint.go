package relay

import (
	"errors"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/matst80/rfbrelay/internal/handshake"
	"github.com/matst80/rfbrelay/internal/obs"
)

// KeepAlive configures TCP keep-alive probing on accepted sockets.
type KeepAlive struct {
	Idle     time.Duration
	Interval time.Duration
}

// TuneConn enables no-delay and keep-alive on TCP connections. Other
// connection types are left alone.
func TuneConn(c net.Conn, ka KeepAlive) error {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	return multierr.Combine(
		tc.SetNoDelay(true),
		tc.SetKeepAliveConfig(net.KeepAliveConfig{Enable: true, Idle: ka.Idle, Interval: ka.Interval}),
	)
}

type halfCloser interface {
	CloseRead() error
	CloseWrite() error
}

// Endpoint is one accepted connection and the identity it presented.
// Key, Meta and Version are written once, during the handshake, and only
// read afterwards.
type Endpoint struct {
	ID       uuid.UUID
	Role     Role
	Local    net.Addr
	Remote   net.Addr
	Accepted time.Time

	Key     string
	Meta    string
	Version string

	conn net.Conn
}

// NewEndpoint wraps c. Addresses are captured up front so they stay
// available for logging after the socket is shut down.
func NewEndpoint(c net.Conn, role Role) *Endpoint {
	return &Endpoint{
		ID:       uuid.New(),
		Role:     role,
		Local:    c.LocalAddr(),
		Remote:   c.RemoteAddr(),
		Accepted: time.Now(),
		conn:     c,
	}
}

// Conn returns the underlying connection.
func (e *Endpoint) Conn() net.Conn { return e.conn }

// Fields is the connection identity attached to every log line.
func (e *Endpoint) Fields() obs.Fields {
	f := obs.Fields{
		"conn": e.ID.String(),
		"role": e.Role.String(),
		"key":  handshake.Printable(e.Key),
		"meta": handshake.Printable(e.Meta),
	}
	if e.Remote != nil {
		f["remote"] = e.Remote.String()
	}
	return f
}

// ShutdownBoth stops both directions and wakes any blocked read or write.
func (e *Endpoint) ShutdownBoth() {
	if hc, ok := e.conn.(halfCloser); ok {
		_ = hc.CloseRead()
		_ = hc.CloseWrite()
		_ = e.conn.SetDeadline(time.Now())
		return
	}
	_ = e.conn.Close()
}

// ShutdownReceive stops the receive direction only. Data already handed to
// the socket for sending is still delivered.
func (e *Endpoint) ShutdownReceive() {
	if hc, ok := e.conn.(halfCloser); ok {
		_ = hc.CloseRead()
	}
	_ = e.conn.SetReadDeadline(time.Now())
}

// Close releases the socket. Closing an already closed connection is not an error.
func (e *Endpoint) Close() error {
	if err := e.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func logConn(ep *Endpoint, msg string, err error, extra obs.Fields) {
	f := ep.Fields()
	for k, v := range extra {
		f[k] = v
	}
	if err == nil {
		obs.Info(msg, f)
		return
	}
	f["err"] = err.Error()
	obs.Error(msg, f)
}
