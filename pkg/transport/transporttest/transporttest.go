// Package transporttest provides an in-memory transport for tests. Sessions
// created by factories on the same Network connect to each other once both
// sides have exchanged descriptions and at least one candidate.
package transporttest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tomaslejdung/meshchat/pkg/signal"
	"github.com/tomaslejdung/meshchat/pkg/transport"
)

// ErrState is returned for calls made in an order a real peer connection
// would reject.
var ErrState = errors.New("invalid session state")

// CandidatesPerSide is how many candidates each side gathers
const CandidatesPerSide = 2

type pairKey struct{ local, remote string }

// Network connects sessions by identity
type Network struct {
	mu       sync.Mutex
	sessions map[pairKey]*Session
	created  map[pairKey]int
	failNew  map[string]error
}

func NewNetwork() *Network {
	return &Network{
		sessions: make(map[pairKey]*Session),
		created:  make(map[pairKey]int),
		failNew:  make(map[string]error),
	}
}

// Factory returns the factory used by identity local
func (n *Network) Factory(local string) transport.Factory {
	return &factory{net: n, local: local}
}

// FailNewSession makes local's next session creation fail
func (n *Network) FailNewSession(local string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failNew[local] = err
}

// Session returns local's current session toward remote
func (n *Network) Session(local, remote string) (*Session, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.sessions[pairKey{local, remote}]
	return s, ok
}

// Created counts sessions local has created toward remote
func (n *Network) Created(local, remote string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.created[pairKey{local, remote}]
}

type factory struct {
	net   *Network
	local string
}

func (f *factory) NewSession(peer string, initiator bool, ev transport.Events) (transport.Session, error) {
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.failNew[f.local]; ok {
		delete(n.failNew, f.local)
		return nil, err
	}
	s := &Session{
		net:       n,
		local:     f.local,
		remote:    peer,
		initiator: initiator,
		ev:        ev,
	}
	key := pairKey{f.local, peer}
	n.sessions[key] = s
	n.created[key]++
	return s, nil
}

// Session is one side of an in-memory link
type Session struct {
	net       *Network
	local     string
	remote    string
	initiator bool
	ev        transport.Events

	// guarded by net.mu
	localSDP   string
	remoteSDP  string
	candidates []signal.Candidate
	open       bool
	closed     bool
}

// Initiator reports the role the session was created with
func (s *Session) Initiator() bool { return s.initiator }

// Candidates returns the candidates applied to this session, in order
func (s *Session) Candidates() []signal.Candidate {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	return append([]signal.Candidate(nil), s.candidates...)
}

func (s *Session) CreateOffer() (string, error) {
	return s.describe(signal.KindOffer)
}

func (s *Session) CreateAnswer() (string, error) {
	return s.describe(signal.KindAnswer)
}

func (s *Session) describe(kind signal.Kind) (string, error) {
	n := s.net
	n.mu.Lock()
	if s.closed {
		n.mu.Unlock()
		return "", ErrState
	}
	switch kind {
	case signal.KindOffer:
		if s.localSDP != "" || s.remoteSDP != "" {
			n.mu.Unlock()
			return "", fmt.Errorf("%w: offer after negotiation started", ErrState)
		}
	case signal.KindAnswer:
		if s.remoteSDP == "" || s.localSDP != "" {
			n.mu.Unlock()
			return "", fmt.Errorf("%w: answer without offer", ErrState)
		}
	}
	s.localSDP = fmt.Sprintf("%s %s->%s %p", kind, s.local, s.remote, s)
	sdp := s.localSDP
	gathered := make([]signal.Candidate, 0, CandidatesPerSide)
	for i := 0; i < CandidatesPerSide; i++ {
		gathered = append(gathered, signal.Candidate{
			Candidate: fmt.Sprintf("candidate:%d %s %p", i, s.local, s),
		})
	}
	opened := n.connectLocked(s)
	n.mu.Unlock()

	if s.ev.OnCandidate != nil {
		for _, c := range gathered {
			s.ev.OnCandidate(c)
		}
	}
	notifyOpen(opened)
	return sdp, nil
}

func (s *Session) SetRemoteDescription(kind signal.Kind, sdp string) error {
	n := s.net
	n.mu.Lock()
	if s.closed {
		n.mu.Unlock()
		return ErrState
	}
	if s.remoteSDP != "" {
		n.mu.Unlock()
		return fmt.Errorf("%w: remote description already set", ErrState)
	}
	if kind == signal.KindAnswer && s.localSDP == "" {
		n.mu.Unlock()
		return fmt.Errorf("%w: answer before offer", ErrState)
	}
	if kind == signal.KindOffer && s.localSDP != "" {
		n.mu.Unlock()
		return fmt.Errorf("%w: offer while offering", ErrState)
	}
	s.remoteSDP = sdp
	opened := n.connectLocked(s)
	n.mu.Unlock()
	notifyOpen(opened)
	return nil
}

func (s *Session) AddCandidate(c signal.Candidate) error {
	n := s.net
	n.mu.Lock()
	if s.closed {
		n.mu.Unlock()
		return ErrState
	}
	if s.remoteSDP == "" {
		n.mu.Unlock()
		return fmt.Errorf("%w: candidate before remote description", ErrState)
	}
	s.candidates = append(s.candidates, c)
	opened := n.connectLocked(s)
	n.mu.Unlock()
	notifyOpen(opened)
	return nil
}

// connectLocked opens s and its counterpart once they negotiated with each
// other. It returns the sessions that just opened.
func (n *Network) connectLocked(s *Session) []*Session {
	peer, ok := n.sessions[pairKey{s.remote, s.local}]
	if !ok || s.open || s.closed || peer.closed {
		return nil
	}
	if s.localSDP == "" || s.remoteSDP != peer.localSDP || peer.remoteSDP != s.localSDP {
		return nil
	}
	if len(s.candidates) == 0 || len(peer.candidates) == 0 {
		return nil
	}
	s.open, peer.open = true, true
	return []*Session{s, peer}
}

func notifyOpen(sessions []*Session) {
	for _, s := range sessions {
		if s.ev.OnOpen != nil {
			s.ev.OnOpen()
		}
	}
}

// Send delivers data to the counterpart synchronously
func (s *Session) Send(data []byte) error {
	n := s.net
	n.mu.Lock()
	peer, ok := n.sessions[pairKey{s.remote, s.local}]
	if !s.open || s.closed || !ok || !peer.open {
		n.mu.Unlock()
		return transport.ErrNotReady
	}
	n.mu.Unlock()
	if peer.ev.OnMessage != nil {
		peer.ev.OnMessage(append([]byte(nil), data...))
	}
	return nil
}

func (s *Session) Ready() bool {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	return s.open && !s.closed
}

func (s *Session) ConnectionType() string {
	if s.Ready() {
		return "direct"
	}
	return "unknown"
}

// Close tears the session down and reports the close to an open counterpart
func (s *Session) Close() error {
	n := s.net
	n.mu.Lock()
	if s.closed {
		n.mu.Unlock()
		return nil
	}
	s.closed = true
	key := pairKey{s.local, s.remote}
	if n.sessions[key] == s {
		delete(n.sessions, key)
	}
	var peer *Session
	if p, ok := n.sessions[pairKey{s.remote, s.local}]; ok && s.open && p.open && !p.closed {
		peer = p
	}
	n.mu.Unlock()

	if peer != nil {
		peer.Fail(fmt.Errorf("%w: remote closed", transport.ErrClosed))
	}
	return nil
}

// Fail simulates a transport failure: the session closes and OnClose fires
func (s *Session) Fail(reason error) {
	n := s.net
	n.mu.Lock()
	if s.closed {
		n.mu.Unlock()
		return
	}
	s.closed = true
	key := pairKey{s.local, s.remote}
	if n.sessions[key] == s {
		delete(n.sessions, key)
	}
	n.mu.Unlock()

	if s.ev.OnClose != nil {
		s.ev.OnClose(reason)
	}
}
