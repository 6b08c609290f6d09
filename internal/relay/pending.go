package relay

import (
	"github.com/benbjohnson/clock"

	"github.com/matst80/rfbrelay/internal/handshake"
)

// HandshakeState is where a PendingHandshake is in its role's sequence.
type HandshakeState int

const (
	StateAccepted HandshakeState = iota
	// StateGreeting: the generic version banner is being sent (consumer only).
	StateGreeting
	StateAwaitingInfo
	// StateAwaitingVersion: reading the producer's version banner.
	StateAwaitingVersion
	StateIdentified
	StateFailed
)

var stateNames = [...]string{"accepted", "greeting", "awaiting_info", "awaiting_version", "identified", "failed"}

func (s HandshakeState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// PendingHandshake owns a freshly accepted endpoint until it has identified
// itself. It is confined to its listener's strand.
type PendingHandshake struct {
	ep    *Endpoint
	state HandshakeState

	info    [handshake.InfoSize]byte
	version [handshake.VersionSize]byte

	timer   *clock.Timer
	expired bool
}

func newPendingHandshake(ep *Endpoint) *PendingHandshake {
	return &PendingHandshake{ep: ep, state: StateAccepted}
}

// State returns the current handshake state.
func (h *PendingHandshake) State() HandshakeState { return h.state }

func (h *PendingHandshake) done() bool {
	return h.state == StateIdentified || h.state == StateFailed
}

// disarm stops the deadline timer. A timer that already fired is handled
// by the expired flag.
func (h *PendingHandshake) disarm() {
	if h.timer != nil {
		h.timer.Stop()
	}
}

func (h *PendingHandshake) parseInfo() {
	h.ep.Key, h.ep.Meta = handshake.ParseInfo(h.info[:])
}

func (h *PendingHandshake) parseVersion() {
	h.ep.Version = handshake.ParseVersion(h.version[:])
}
