// Package mesh turns a channel roster into a full mesh of direct links: it
// owns the link registry, the signaling state machine of every link, the
// signal poller, the roster reconciliation loop and chat message routing.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/tomaslejdung/meshchat/pkg/signal"
	"github.com/tomaslejdung/meshchat/pkg/transport"
)

var (
	// ErrSignaling marks an offer, answer or candidate that cannot be applied
	ErrSignaling = errors.New("signaling error")
	// ErrTransport marks a link whose transport failed or closed
	ErrTransport = errors.New("transport error")
)

// errLocalClose is the reason recorded for links closed by this side
var errLocalClose = errors.New("closed locally")

// Manager owns the link registry. At most one link exists per remote identity.
type Manager struct {
	local   string
	factory transport.Factory
	sender  signal.Sender
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	links map[string]*Link

	onState   func(info LinkInfo, reason error)
	onMessage func(peer string, data []byte)
}

// NewManager creates a manager for the local identity. Signals are posted
// through sender.
func NewManager(local string, factory transport.Factory, sender signal.Sender, log zerolog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		local:   local,
		factory: factory,
		sender:  sender,
		log:     log.With().Str("component", "mesh").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		links:   make(map[string]*Link),
	}
}

// Local returns the local identity
func (m *Manager) Local() string { return m.local }

// SetStateCallback sets the hook called on every link state change. reason is
// set when a link closes.
func (m *Manager) SetStateCallback(fn func(info LinkInfo, reason error)) {
	m.onState = fn
}

// SetMessageCallback sets the hook receiving data from open links
func (m *Manager) SetMessageCallback(fn func(peer string, data []byte)) {
	m.onMessage = fn
}

// CreateLink starts a link to peer unless peer is the local identity or a link
// already exists. The initiating side sends its offer before returning; the
// responding side waits in Idle for the remote offer. It reports whether a
// link was created.
func (m *Manager) CreateLink(peer string) bool {
	if peer == "" || peer == m.local {
		return false
	}
	role := RoleResponder
	if Initiates(m.local, peer) {
		role = RoleInitiator
	}
	link, ok := m.register(peer, role)
	if !ok {
		return false
	}
	if role == RoleInitiator {
		m.offer(link)
	} else {
		link.ops.Unlock()
	}
	return true
}

// register inserts a new link and creates its session. The returned link's
// ops lock is held; the caller releases it.
func (m *Manager) register(peer string, role Role) (*Link, bool) {
	m.mu.Lock()
	if _, exists := m.links[peer]; exists {
		m.mu.Unlock()
		return nil, false
	}
	link := &Link{
		peer:  peer,
		role:  role,
		state: StateIdle,
		since: time.Now(),
	}
	link.ops.Lock()
	link.outbox = newOutbox(m.ctx, m.sender, m.log, func(env signal.Envelope, err error) {
		m.sendFailed(link, env, err)
	})
	m.links[peer] = link
	info := link.infoLocked()
	m.mu.Unlock()

	m.log.Debug().Str("peer", peer).Str("role", role.String()).Msg("link created")
	m.notify(info, nil)

	session, err := m.factory.NewSession(peer, role == RoleInitiator, m.events(link))
	if err != nil {
		link.ops.Unlock()
		m.closeLink(link, fmt.Errorf("%w: %v", ErrTransport, err))
		return nil, false
	}

	m.mu.Lock()
	current := m.currentLocked(link)
	if current {
		link.session = session
	}
	m.mu.Unlock()
	if !current {
		// purged while the session was being created
		session.Close()
		link.ops.Unlock()
		return nil, false
	}
	return link, true
}

func (m *Manager) events(link *Link) transport.Events {
	return transport.Events{
		OnCandidate: func(c signal.Candidate) { m.localCandidate(link, c) },
		OnOpen:      func() { m.opened(link) },
		OnMessage: func(data []byte) {
			if m.onMessage != nil {
				m.onMessage(link.peer, data)
			}
		},
		OnClose: func(reason error) {
			m.closeLink(link, fmt.Errorf("%w: %v", ErrTransport, reason))
		},
	}
}

// currentLocked reports whether link is still the registered link for its peer
func (m *Manager) currentLocked(link *Link) bool {
	return m.links[link.peer] == link
}

func (m *Manager) get(peer string) *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.links[peer]
}

// offer runs the initiator side up to posting the offer. Called with ops held.
func (m *Manager) offer(link *Link) {
	defer link.ops.Unlock()
	if !m.setState(link, StateNegotiating) {
		return
	}
	sdp, err := link.session.CreateOffer()
	if err != nil {
		m.closeLink(link, fmt.Errorf("%w: %v", ErrSignaling, err))
		return
	}
	m.postDescription(link, signal.Offer(sdp))
}

// postDescription queues the local description, then every candidate gathered
// while it was being created.
func (m *Manager) postDescription(link *Link, payload signal.Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(link) {
		return
	}
	link.outbox.push(m.envelope(link.peer, payload))
	link.localSent = true
	for _, c := range link.pendingOut {
		link.outbox.push(m.envelope(link.peer, signal.FromCandidate(c)))
	}
	link.pendingOut = nil
}

func (m *Manager) envelope(to string, payload signal.Payload) signal.Envelope {
	return signal.Envelope{From: m.local, To: to, Signal: payload}
}

func (m *Manager) localCandidate(link *Link, c signal.Candidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.currentLocked(link) {
		return
	}
	if !link.localSent {
		link.pendingOut = append(link.pendingOut, c)
		return
	}
	link.outbox.push(m.envelope(link.peer, signal.FromCandidate(c)))
}

// sendFailed handles a signal the rendezvous service did not accept. A lost
// description stalls the link, so it is aborted and the next reconciliation
// starts over; a lost candidate is only logged.
func (m *Manager) sendFailed(link *Link, env signal.Envelope, err error) {
	kind, _ := env.Signal.Kind()
	if kind == signal.KindCandidate {
		m.log.Warn().Err(err).Str("peer", link.peer).Msg("failed to post candidate")
		return
	}
	m.closeLink(link, fmt.Errorf("post %s: %w", kind, err))
}

func (m *Manager) opened(link *Link) {
	m.mu.Lock()
	if !m.currentLocked(link) || link.state == StateClosed {
		m.mu.Unlock()
		return
	}
	link.state = StateOpen
	link.since = time.Now()
	info := link.infoLocked()
	m.mu.Unlock()

	m.log.Info().Str("peer", link.peer).Str("role", link.role.String()).Msg("link open")
	m.notify(info, nil)
}

// setState moves a registered link to state. It reports false if the link was
// purged meanwhile.
func (m *Manager) setState(link *Link, state State) bool {
	m.mu.Lock()
	if !m.currentLocked(link) {
		m.mu.Unlock()
		return false
	}
	if link.state == state {
		m.mu.Unlock()
		return true
	}
	link.state = state
	link.since = time.Now()
	info := link.infoLocked()
	m.mu.Unlock()
	m.notify(info, nil)
	return true
}

// closeLink purges link from the registry and releases its session. Closing a
// link that is no longer registered does nothing.
func (m *Manager) closeLink(link *Link, reason error) {
	m.mu.Lock()
	if !m.currentLocked(link) {
		m.mu.Unlock()
		return
	}
	delete(m.links, link.peer)
	link.state = StateClosed
	link.since = time.Now()
	session := link.session
	ob := link.outbox
	info := link.infoLocked()
	m.mu.Unlock()

	ob.close()
	if session != nil {
		session.Close()
	}

	ev := m.log.Info()
	if reason != nil && !errors.Is(reason, errLocalClose) {
		ev = m.log.Warn().Err(reason)
	}
	ev.Str("peer", link.peer).Msg("link closed")
	m.notify(info, reason)
}

func (m *Manager) notify(info LinkInfo, reason error) {
	if m.onState != nil {
		m.onState(info, reason)
	}
}

// HandleSignal applies one signal from the rendezvous mailbox. Offers create a
// responder link when none exists; answers and candidates for unknown peers
// are dropped.
func (m *Manager) HandleSignal(env signal.Envelope) error {
	if env.From == "" || env.From == m.local {
		return fmt.Errorf("%w: signal from %q", ErrSignaling, env.From)
	}
	kind, err := env.Signal.Kind()
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrSignaling, err)
		if link := m.get(env.From); link != nil {
			m.closeLink(link, err)
		}
		return err
	}

	switch kind {
	case signal.KindOffer:
		return m.handleOffer(env)
	case signal.KindAnswer:
		return m.handleAnswer(env)
	default:
		return m.handleCandidate(env)
	}
}

func (m *Manager) handleOffer(env signal.Envelope) error {
	if Initiates(m.local, env.From) {
		err := fmt.Errorf("%w: offer from %s, which should answer", ErrSignaling, env.From)
		if link := m.get(env.From); link != nil {
			m.closeLink(link, err)
		}
		return err
	}
	link, err := m.responderFor(env.From)
	if err != nil {
		return err
	}
	defer link.ops.Unlock()

	if !m.setState(link, StateNegotiating) {
		return nil
	}
	if err := link.session.SetRemoteDescription(signal.KindOffer, env.Signal.SDP); err != nil {
		err = fmt.Errorf("%w: apply offer: %v", ErrSignaling, err)
		m.closeLink(link, err)
		return err
	}
	if err := m.replayCandidates(link); err != nil {
		return err
	}
	sdp, err := link.session.CreateAnswer()
	if err != nil {
		err = fmt.Errorf("%w: create answer: %v", ErrSignaling, err)
		m.closeLink(link, err)
		return err
	}
	m.postDescription(link, signal.Answer(sdp))
	return nil
}

// responderFor returns the responder link that should apply an offer from
// peer, with its ops lock held. A responder link that already applied an
// offer belongs to an abandoned negotiation and is replaced.
func (m *Manager) responderFor(peer string) (*Link, error) {
	for attempt := 0; attempt < 3; attempt++ {
		link := m.get(peer)
		if link == nil {
			if link, ok := m.register(peer, RoleResponder); ok {
				return link, nil
			}
			continue
		}

		link.ops.Lock()
		m.mu.Lock()
		current, applied := m.currentLocked(link), link.remoteApplied
		m.mu.Unlock()

		switch {
		case !current:
			link.ops.Unlock()
		case applied:
			link.ops.Unlock()
			m.closeLink(link, fmt.Errorf("%w: %s restarted negotiation", ErrSignaling, peer))
		default:
			return link, nil
		}
	}
	return nil, fmt.Errorf("%w: link to %s kept changing", ErrSignaling, peer)
}

func (m *Manager) handleAnswer(env signal.Envelope) error {
	link := m.get(env.From)
	if link == nil {
		m.log.Debug().Str("peer", env.From).Msg("dropping answer for unknown link")
		return nil
	}
	link.ops.Lock()
	defer link.ops.Unlock()

	m.mu.Lock()
	current, applied, sent := m.currentLocked(link), link.remoteApplied, link.localSent
	m.mu.Unlock()
	if !current {
		return nil
	}
	if link.role != RoleInitiator || applied || !sent {
		err := fmt.Errorf("%w: unexpected answer from %s", ErrSignaling, env.From)
		m.closeLink(link, err)
		return err
	}
	if err := link.session.SetRemoteDescription(signal.KindAnswer, env.Signal.SDP); err != nil {
		err = fmt.Errorf("%w: apply answer: %v", ErrSignaling, err)
		m.closeLink(link, err)
		return err
	}
	return m.replayCandidates(link)
}

func (m *Manager) handleCandidate(env signal.Envelope) error {
	link := m.get(env.From)
	if link == nil {
		m.log.Debug().Str("peer", env.From).Msg("dropping candidate for unknown link")
		return nil
	}
	link.ops.Lock()
	defer link.ops.Unlock()

	c := env.Signal.AsCandidate()
	m.mu.Lock()
	if !m.currentLocked(link) {
		m.mu.Unlock()
		return nil
	}
	if !link.remoteApplied {
		if len(link.pendingIn) >= maxPendingCandidates {
			m.mu.Unlock()
			m.log.Warn().Str("peer", env.From).Msg("too many early candidates, dropping")
			return nil
		}
		link.pendingIn = append(link.pendingIn, c)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := link.session.AddCandidate(c); err != nil {
		err = fmt.Errorf("%w: add candidate: %v", ErrSignaling, err)
		m.closeLink(link, err)
		return err
	}
	return nil
}

// replayCandidates marks the remote description applied and adds, in arrival
// order, the candidates buffered before it. Called with ops held.
func (m *Manager) replayCandidates(link *Link) error {
	m.mu.Lock()
	if !m.currentLocked(link) {
		m.mu.Unlock()
		return nil
	}
	link.remoteApplied = true
	pending := link.pendingIn
	link.pendingIn = nil
	m.mu.Unlock()

	for _, c := range pending {
		if err := link.session.AddCandidate(c); err != nil {
			err = fmt.Errorf("%w: add candidate: %v", ErrSignaling, err)
			m.closeLink(link, err)
			return err
		}
	}
	return nil
}

// CloseAll closes and purges every link. The registry is empty on return.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := lo.Values(m.links)
	m.mu.Unlock()

	for _, link := range links {
		m.closeLink(link, errLocalClose)
	}
}

// Close closes every link and stops the signal outboxes
func (m *Manager) Close() {
	m.CloseAll()
	m.cancel()
}

// Has reports whether a link to peer is registered
func (m *Manager) Has(peer string) bool {
	return m.get(peer) != nil
}

// Peers returns the identities with a registered link
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lo.Keys(m.links)
}

// Count returns the number of registered links
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// OpenCount returns the number of links whose transport is ready
func (m *Manager) OpenCount() int {
	return len(m.OpenSessions())
}

// OpenSessions returns the sessions of open links, keyed by peer
func (m *Manager) OpenSessions() map[string]transport.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]transport.Session)
	for peer, link := range m.links {
		if link.state == StateOpen && link.session != nil {
			out[peer] = link.session
		}
	}
	return out
}

// Links returns a snapshot of every registered link, sorted by peer
func (m *Manager) Links() []LinkInfo {
	m.mu.Lock()
	infos := make([]LinkInfo, 0, len(m.links))
	sessions := make([]transport.Session, 0, len(m.links))
	for _, link := range m.links {
		infos = append(infos, link.infoLocked())
		sessions = append(sessions, link.session)
	}
	m.mu.Unlock()

	for i, s := range sessions {
		if s != nil && infos[i].State == StateOpen {
			infos[i].ConnectionType = s.ConnectionType()
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Peer < infos[j].Peer })
	return infos
}
