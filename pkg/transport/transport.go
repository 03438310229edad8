// Package transport abstracts the direct peer-to-peer channel a link runs on.
package transport

import (
	"errors"

	"github.com/tomaslejdung/meshchat/pkg/signal"
)

var (
	// ErrNotReady is returned by Send before the channel opens or after it closes
	ErrNotReady = errors.New("transport not ready")
	// ErrClosed is the reason reported when the channel goes away
	ErrClosed = errors.New("transport closed")
)

// Events are invoked from transport goroutines. Handlers must not block for
// long and must not call back into the session synchronously.
type Events struct {
	OnCandidate func(c signal.Candidate)
	OnOpen      func()
	OnMessage   func(data []byte)
	OnClose     func(reason error)
}

// Session is one direct channel to a remote peer. The initiating side owns the
// "chat" data channel; the responding side receives it.
type Session interface {
	// CreateOffer creates an offer, applies it locally and returns its SDP
	CreateOffer() (string, error)
	// CreateAnswer creates an answer to the applied offer, applies it locally
	// and returns its SDP
	CreateAnswer() (string, error)
	SetRemoteDescription(kind signal.Kind, sdp string) error
	AddCandidate(c signal.Candidate) error
	Send(data []byte) error
	// Ready reports whether Send can currently succeed
	Ready() bool
	// ConnectionType is "direct", "relay" or "unknown"
	ConnectionType() string
	// Close releases the session. OnClose is not invoked for a local close.
	Close() error
}

// Factory creates sessions
type Factory interface {
	NewSession(peer string, initiator bool, ev Events) (Session, error)
}
