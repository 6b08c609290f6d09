package relay

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matst80/rfbrelay/internal/dispatch"
	"github.com/matst80/rfbrelay/internal/handshake"
)

var errBrokenPipe = errors.New("write: broken pipe")

// tracedConn records shutdown calls and can be told to fail writes.
type tracedConn struct {
	*net.TCPConn
	failWrite   error
	zeroWrite   bool
	closeReads  atomic.Int32
	closeWrites atomic.Int32
	closed      atomic.Bool
}

func (c *tracedConn) Write(b []byte) (int, error) {
	if c.failWrite != nil {
		return 0, c.failWrite
	}
	if c.zeroWrite {
		return 0, nil
	}
	return c.TCPConn.Write(b)
}

func (c *tracedConn) CloseRead() error {
	c.closeReads.Add(1)
	return c.TCPConn.CloseRead()
}

func (c *tracedConn) CloseWrite() error {
	c.closeWrites.Add(1)
	return c.TCPConn.CloseWrite()
}

func (c *tracedConn) Close() error {
	c.closed.Store(true)
	return c.TCPConn.Close()
}

// tcpPair returns the accepted side wrapped in a tracedConn and the dialing side.
func tcpPair(t *testing.T) (*tracedConn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	server, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })
	return &tracedConn{TCPConn: server.(*net.TCPConn)}, client
}

func TestPairWriteFailureClosesPeerAndHalfClosesSource(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*tracedConn)
	}{
		{"error", func(c *tracedConn) { c.failWrite = errBrokenPipe }},
		{"zero_length", func(c *tracedConn) { c.zeroWrite = true }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pool := dispatch.New(2)
			defer pool.Close()

			srcConn, srcClient := tcpPair(t)
			dstConn, _ := tcpPair(t)
			tc.setup(dstConn)

			var active atomic.Int64
			p := newPair(pool, NewEndpoint(srcConn, Producer), 64, &active)
			p.run()
			p.attach(NewEndpoint(dstConn, Consumer))
			require.Eventually(t, func() bool { return active.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

			_, err := srcClient.Write([]byte("frame"))
			require.NoError(t, err)

			require.Eventually(t, func() bool {
				return p.Released() && active.Load() == 0
			}, 2*time.Second, 5*time.Millisecond)
			assert.GreaterOrEqual(t, srcConn.closeReads.Load(), int32(1), "source receive side shut down")
			assert.Zero(t, srcConn.closeWrites.Load(), "source send side left to drain")
			assert.GreaterOrEqual(t, dstConn.closeWrites.Load(), int32(1), "failing side fully shut down")
			assert.True(t, srcConn.closed.Load())
			assert.True(t, dstConn.closed.Load())
			expectClosed(t, srcClient, 2*time.Second)
		})
	}
}

func TestPairBannerFlushFailureReleases(t *testing.T) {
	pool := dispatch.New(2)
	defer pool.Close()

	srcConn, _ := tcpPair(t)
	dstConn, _ := tcpPair(t)
	dstConn.failWrite = errBrokenPipe

	first := NewEndpoint(srcConn, Producer)
	first.Version = "RFB 003.008\n"
	var active atomic.Int64
	p := newPair(pool, first, 64, &active)
	p.run()
	p.attach(NewEndpoint(dstConn, Consumer))

	require.Eventually(t, func() bool {
		return p.Released() && active.Load() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, dstConn.closeWrites.Load(), int32(1))
	assert.GreaterOrEqual(t, srcConn.closeReads.Load(), int32(1))
	assert.True(t, srcConn.closed.Load())
	assert.True(t, dstConn.closed.Load())
}

// flakyListener fails the first n accepts the way an exhausted fd table does.
type flakyListener struct {
	net.Listener
	failures atomic.Int32
}

func (f *flakyListener) Accept() (net.Conn, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("accept4: too many open files")
	}
	return f.Listener.Accept()
}

type recordingSubmitter struct{ got chan *Endpoint }

func (r *recordingSubmitter) Submit(ep *Endpoint) { r.got <- ep }

func TestServeKeepsAcceptingAfterTransientErrors(t *testing.T) {
	pool := dispatch.New(2)
	defer pool.Close()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fl := &flakyListener{Listener: ln}
	fl.failures.Store(3)

	sub := &recordingSubmitter{got: make(chan *Endpoint, 1)}
	l := NewListener(fl, pool, sub, ListenerOptions{Role: Producer})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write(padTo("ID:desk;", handshake.InfoSize))
	require.NoError(t, err)
	_, err = c.Write(padTo("RFB 003.008\n", handshake.VersionSize))
	require.NoError(t, err)

	select {
	case ep := <-sub.got:
		assert.Equal(t, "desk", ep.Key)
		_ = ep.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("connection after accept errors was never identified")
	}
	assert.True(t, l.Serving())
	assert.Less(t, fl.failures.Load(), int32(0))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop on cancel")
	}
}
