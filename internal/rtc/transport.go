// Package rtc maintains one negotiated transport per remote peer: a
// state machine per pair turns duplicated and out-of-order signaling
// into a single live connection, with bounded ICE-restart recovery.
package rtc

import (
	"github.com/meadow-game/meadow/internal/domain"
)

// ConnState is the transport-level connectivity signal.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	}
	return "unknown"
}

// Transport is one peer-to-peer connection attempt. Implemented by the
// pion-backed transport in production and by fakes in tests.
// Close must be safe to call more than once.
type Transport interface {
	// CreateOffer generates and installs a local offer. With
	// iceRestart set the offer renegotiates connectivity on the
	// existing session.
	CreateOffer(iceRestart bool) (domain.SessionDesc, error)
	// AcceptOffer installs a remote offer and returns the local answer.
	AcceptOffer(offer domain.SessionDesc) (domain.SessionDesc, error)
	// AcceptAnswer installs the remote answer to a local offer.
	AcceptAnswer(answer domain.SessionDesc) error
	// AddCandidate applies a remote ICE candidate. Callers must only
	// invoke it once a remote description is installed.
	AddCandidate(cand domain.ICECandidate) error
	HasRemoteDescription() bool

	// Send writes one payload to the peer's message channel. Dropped
	// silently when the channel is not open; that is not an error.
	Send(payload []byte) error

	OnCandidate(fn func(domain.ICECandidate))
	OnMessage(fn func([]byte))
	OnStateChange(fn func(ConnState))

	Close()
}

// TransportFactory builds a fresh transport for a remote peer.
type TransportFactory func(peerID string) (Transport, error)
