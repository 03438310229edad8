package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/meshchat/pkg/rendezvous"
	"github.com/tomaslejdung/meshchat/pkg/signal"
	"github.com/tomaslejdung/meshchat/pkg/transport/transporttest"
)

var errUnavailable = errors.New("unavailable")

// fakeRendezvous is an in-memory mailbox and channel directory
type fakeRendezvous struct {
	mu       sync.Mutex
	boxes    map[string][]signal.Envelope
	sent     []signal.Envelope
	rosters  map[string][]string
	failSend func(env signal.Envelope) error
	failJoin error
	onRoster func(channel string)
	onLeave  func(channel string)
}

func newFakeRendezvous() *fakeRendezvous {
	return &fakeRendezvous{
		boxes:   make(map[string][]signal.Envelope),
		rosters: make(map[string][]string),
	}
}

func (f *fakeRendezvous) SendSignal(_ context.Context, env signal.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		if err := f.failSend(env); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, env)
	f.boxes[env.To] = append(f.boxes[env.To], env)
	return nil
}

func (f *fakeRendezvous) PollSignals(_ context.Context, username string) ([]signal.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	envs := f.boxes[username]
	delete(f.boxes, username)
	return envs, nil
}

func (f *fakeRendezvous) GetRoster(_ context.Context, channel string) ([]rendezvous.Peer, error) {
	f.mu.Lock()
	hook := f.onRoster
	names := append([]string(nil), f.rosters[channel]...)
	f.mu.Unlock()
	if hook != nil {
		hook(channel)
	}
	peers := make([]rendezvous.Peer, 0, len(names))
	for _, n := range names {
		peers = append(peers, rendezvous.Peer{Username: n})
	}
	return peers, nil
}

func (f *fakeRendezvous) JoinChannel(_ context.Context, username, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failJoin != nil {
		return f.failJoin
	}
	for _, n := range f.rosters[channel] {
		if n == username {
			return nil
		}
	}
	f.rosters[channel] = append(f.rosters[channel], username)
	return nil
}

func (f *fakeRendezvous) LeaveChannel(_ context.Context, username, channel string) error {
	f.mu.Lock()
	hook := f.onLeave
	f.mu.Unlock()
	if hook != nil {
		hook(channel)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rosters[channel] = lo.Without(f.rosters[channel], username)
	return nil
}

// sentBy returns the signals posted from one identity to another, in order
func (f *fakeRendezvous) sentBy(from, to string) []signal.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signal.Envelope
	for _, env := range f.sent {
		if env.From == from && env.To == to {
			out = append(out, env)
		}
	}
	return out
}

// take removes and returns the pending mailbox of username
func (f *fakeRendezvous) take(username string) []signal.Envelope {
	envs, _ := f.PollSignals(context.Background(), username)
	return envs
}

type testPeer struct {
	name    string
	manager *Manager
	poller  *Poller
	coord   *Coordinator
	router  *Router

	mu       sync.Mutex
	received []ChatEnvelope
}

func (p *testPeer) messages() []ChatEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChatEnvelope(nil), p.received...)
}

func newTestPeer(t *testing.T, name string, rv *fakeRendezvous, net *transporttest.Network, channel string) *testPeer {
	t.Helper()
	log := zerolog.Nop()
	p := &testPeer{name: name}
	p.manager = NewManager(name, net.Factory(name), rv, log)
	p.poller = NewPoller(name, rv, p.manager, time.Hour, log)
	p.coord = NewCoordinator(p.manager, rv, channel, time.Hour, log)
	p.router = NewRouter(name, p.manager, log)
	p.manager.SetMessageCallback(p.router.Receive)
	p.router.SetHandler(func(env ChatEnvelope) {
		p.mu.Lock()
		p.received = append(p.received, env)
		p.mu.Unlock()
	})
	t.Cleanup(p.manager.Close)
	return p
}

// settle polls every peer until each holds an open link to every other
func settle(t *testing.T, peers ...*testPeer) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range peers {
			p.poller.Tick(context.Background())
		}
		for _, p := range peers {
			if p.manager.OpenCount() != len(peers)-1 {
				return false
			}
		}
		return true
	}, 3*time.Second, 5*time.Millisecond)
}

func reconcileAll(t *testing.T, peers ...*testPeer) {
	t.Helper()
	for _, p := range peers {
		_, err := p.coord.Reconcile(context.Background())
		require.NoError(t, err)
	}
}

func stateOf(m *Manager, peer string) (State, bool) {
	for _, info := range m.Links() {
		if info.Peer == peer {
			return info.State, true
		}
	}
	return StateClosed, false
}
