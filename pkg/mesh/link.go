package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/tomaslejdung/meshchat/pkg/signal"
	"github.com/tomaslejdung/meshchat/pkg/transport"
)

// State of a link
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateIdle, StateNegotiating, StateOpen, StateClosed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown link state %q", text)
}

// Role of the local side, fixed when the link is created
type Role int

const (
	RoleResponder Role = iota
	RoleInitiator
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "initiator":
		*r = RoleInitiator
	case "responder":
		*r = RoleResponder
	default:
		return fmt.Errorf("unknown link role %q", text)
	}
	return nil
}

// Initiates reports whether local opens the link toward remote. Exactly one
// side of any pair initiates: the one with the greater identity.
func Initiates(local, remote string) bool {
	return local > remote
}

// maxPendingCandidates bounds buffered remote candidates per link
const maxPendingCandidates = 64

// Link is the local end of a direct connection to one remote peer
type Link struct {
	peer string
	role Role

	// ops serializes negotiation steps on the session
	ops sync.Mutex

	// guarded by Manager.mu
	session       transport.Session
	outbox        *outbox
	state         State
	since         time.Time
	remoteApplied bool
	localSent     bool
	pendingIn     []signal.Candidate
	pendingOut    []signal.Candidate
}

// LinkInfo is a snapshot of a link for status displays
type LinkInfo struct {
	Peer           string    `json:"peer"`
	Role           Role      `json:"role"`
	State          State     `json:"state"`
	Since          time.Time `json:"since"`
	ConnectionType string    `json:"connection_type,omitempty"`
}

func (l *Link) infoLocked() LinkInfo {
	return LinkInfo{
		Peer:  l.peer,
		Role:  l.role,
		State: l.state,
		Since: l.since,
	}
}
