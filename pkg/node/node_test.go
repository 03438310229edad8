package node

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/meshchat/pkg/rendezvous"
	"github.com/tomaslejdung/meshchat/pkg/tracker"
	"github.com/tomaslejdung/meshchat/pkg/transport/transporttest"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type harness struct {
	t      *testing.T
	url    string
	net    *transporttest.Network
	client *rendezvous.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := httptest.NewServer(tracker.NewServer(tracker.DefaultConfig(), zerolog.Nop()).Router())
	t.Cleanup(srv.Close)
	return &harness{t: t, url: srv.URL, net: transporttest.NewNetwork(), client: rendezvous.NewClient(srv.URL)}
}

func (h *harness) config(name string) Config {
	return Config{
		Username:          name,
		AdvertiseIP:       "127.0.0.1",
		AdvertisePort:     9000,
		HeartbeatInterval: 50 * time.Millisecond,
		PollInterval:      tick,
		ReconcileInterval: 30 * time.Millisecond,
	}
}

func (h *harness) start(name string, rv Rendezvous) *Node {
	h.t.Helper()
	if rv == nil {
		rv = rendezvous.NewClient(h.url)
	}
	n := New(h.config(name), rv, h.net.Factory(name), zerolog.Nop())
	require.NoError(h.t, n.Start(context.Background()))
	h.t.Cleanup(n.Stop)
	return n
}

// collector records every event a node emits
type collector struct {
	mu     sync.Mutex
	events []Event
}

func collect(n *Node) *collector {
	c := &collector{}
	ch := n.Subscribe()
	go func() {
		for ev := range ch {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) lines(kind EventKind) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.events {
		if ev.Kind == kind {
			out = append(out, ev.String())
		}
	}
	return out
}

func openTo(n *Node, peers ...string) bool {
	links := n.Links()
	if len(links) != len(peers) {
		return false
	}
	for i, info := range links {
		if info.Peer != peers[i] || info.State.String() != "open" {
			return false
		}
	}
	return true
}

func TestNode_AliceAndBobChat(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	// Given alice and bob join #general
	alice := h.start("alice", nil)
	aliceEvents := collect(alice)
	bob := h.start("bob", nil)

	// When the mesh settles
	req.Eventually(func() bool { return openTo(alice, "bob") && openTo(bob, "alice") }, waitFor, tick)

	// Then bob initiated
	req.Equal("initiator", bob.Links()[0].Role.String())
	req.Equal("responder", alice.Links()[0].Role.String())
	req.Equal(1, h.net.Created("bob", "alice"))

	// and bob's hi shows up in alice's UI once
	sent, err := bob.Send("hi")
	req.NoError(err)
	req.Equal(1, sent)
	req.Eventually(func() bool { return len(aliceEvents.lines(EventChat)) == 1 }, waitFor, tick)
	req.Equal([]string{"bob: hi"}, aliceEvents.lines(EventChat))
	req.Contains(aliceEvents.lines(EventLink), "[system] Connected P2P with bob")
}

func TestNode_LateJoinerCompletesMesh(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice := h.start("alice", nil)
	bob := h.start("bob", nil)
	req.Eventually(func() bool { return openTo(alice, "bob") && openTo(bob, "alice") }, waitFor, tick)

	// When carol joins
	carol := h.start("carol", nil)

	// Then every node holds exactly two open links
	req.Eventually(func() bool {
		return openTo(alice, "bob", "carol") && openTo(bob, "alice", "carol") && openTo(carol, "alice", "bob")
	}, waitFor, tick)

	// and alice-bob was never renegotiated
	time.Sleep(100 * time.Millisecond)
	req.Equal(1, h.net.Created("bob", "alice"))
	req.Equal(1, h.net.Created("alice", "bob"))
	for _, n := range []*Node{alice, bob, carol} {
		req.Len(n.Links(), 2)
	}
}

func TestNode_SwitchChannel(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice := h.start("alice", nil)
	bob := h.start("bob", nil)
	carol := h.start("carol", nil)
	req.Eventually(func() bool { return openTo(alice, "bob", "carol") }, waitFor, tick)

	// When alice creates and moves to #random
	req.NoError(alice.CreateChannel(context.Background(), "random"))

	// Then she has no links and the others mesh without her
	req.Equal("#random", alice.Channel())
	req.Empty(alice.Links())
	req.Eventually(func() bool { return openTo(bob, "carol") && openTo(carol, "bob") }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	req.Empty(alice.Links())

	// and a message from bob does not reach her
	aliceEvents := collect(alice)
	_, err := bob.Send("general only")
	req.NoError(err)
	time.Sleep(50 * time.Millisecond)
	req.Empty(aliceEvents.lines(EventChat))

	// until bob follows her
	req.NoError(bob.SwitchChannel(context.Background(), "#random"))
	req.Eventually(func() bool { return openTo(alice, "bob") && openTo(bob, "alice") }, waitFor, tick)
}

func TestNode_CreateChannel_SurfacesErrors(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice := h.start("alice", nil)
	events := collect(alice)

	err := alice.CreateChannel(context.Background(), "#general")

	req.ErrorIs(err, rendezvous.ErrNetwork)
	req.Equal("#general", alice.Channel())
	req.Eventually(func() bool { return len(events.lines(EventError)) == 1 }, waitFor, tick)

	err = alice.CreateChannel(context.Background(), "bad name")
	req.Error(err)

	channels, err := alice.ListChannels(context.Background())
	req.NoError(err)
	req.Equal([]string{"#general"}, channels)
}

// flakyRendezvous fails heartbeats on demand and counts registrations
type flakyRendezvous struct {
	*rendezvous.Client
	failHeartbeats atomic.Bool
	registrations  atomic.Int32
}

func (f *flakyRendezvous) Register(ctx context.Context, username, ip string, port int) error {
	f.registrations.Add(1)
	return f.Client.Register(ctx, username, ip, port)
}

func (f *flakyRendezvous) Heartbeat(ctx context.Context, username string) error {
	if f.failHeartbeats.Load() {
		return errors.New("tracker restarted")
	}
	return f.Client.Heartbeat(ctx, username)
}

func TestNode_ReregistersAfterHeartbeatFailure(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	rv := &flakyRendezvous{Client: rendezvous.NewClient(h.url)}
	alice := h.start("alice", rv)
	req.True(alice.Registered())
	req.EqualValues(1, rv.registrations.Load())

	// When a heartbeat fails
	rv.failHeartbeats.Store(true)
	req.Eventually(func() bool { return !alice.Registered() }, waitFor, tick)
	rv.failHeartbeats.Store(false)

	// Then the next tick registers and joins again
	req.Eventually(alice.Registered, waitFor, tick)
	req.GreaterOrEqual(rv.registrations.Load(), int32(2))
	peers, err := h.client.GetRoster(context.Background(), "#general")
	req.NoError(err)
	req.Equal("alice", peers[0].Username)
}

func TestNode_StartTwice(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice := h.start("alice", nil)

	req.ErrorIs(alice.Start(context.Background()), ErrAlreadyStarted)
}

func TestNode_SendWithoutPeers(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	alice := h.start("alice", nil)
	events := collect(alice)

	sent, err := alice.Send("anyone?")
	req.NoError(err)
	req.Zero(sent)
	req.Eventually(func() bool { return len(events.lines(EventChat)) == 1 }, waitFor, tick)
	req.Equal([]string{"alice: anyone?"}, events.lines(EventChat))
}
