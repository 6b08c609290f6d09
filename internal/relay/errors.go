package relay

import (
	"errors"
	"io"
	"net"
	"os"
)

var (
	// ErrNoKey is returned for identification buffers without a match key.
	ErrNoKey = errors.New("no ID in handshake")
	// ErrHandshakeTimeout marks a connection that did not identify in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrPeerUnavailable marks data that arrived with no peer to forward it to.
	ErrPeerUnavailable = errors.New("other side not open")
	// ErrShortTransfer is a zero byte read or write.
	ErrShortTransfer = errors.New("0 byte op")
)

// Classify maps err to a short reason label used in metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrNoKey):
		return "invalid"
	case errors.Is(err, ErrHandshakeTimeout), errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrPeerUnavailable):
		return "peer"
	case errors.Is(err, ErrShortTransfer), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	return "transport"
}
