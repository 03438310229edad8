package mesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tomaslejdung/meshchat/pkg/transport/transporttest"
)

func joinAll(t *testing.T, rv *fakeRendezvous, channel string, peers ...*testPeer) {
	t.Helper()
	for _, p := range peers {
		require.NoError(t, rv.JoinChannel(context.Background(), p.name, channel))
	}
}

func TestCoordinator_Reconcile_IsIdempotent(t *testing.T) {
	req := require.New(t)
	rv := newFakeRendezvous()
	net := transporttest.NewNetwork()
	alice := newTestPeer(t, "alice", rv, net, "#general")
	bob := newTestPeer(t, "bob", rv, net, "#general")
	joinAll(t, rv, "#general", alice, bob)

	// When bob reconciles twice with the same roster
	created, err := bob.coord.Reconcile(context.Background())
	req.NoError(err)
	req.Equal(1, created)
	created, err = bob.coord.Reconcile(context.Background())
	req.NoError(err)

	// Then the second pass changes nothing
	req.Zero(created)
	req.Equal(1, bob.manager.Count())
	req.Equal(1, net.Created("bob", "alice"))
	req.ElementsMatch([]string{"alice", "bob"}, bob.coord.Roster())
}

func TestCoordinator_FullMesh(t *testing.T) {
	req := require.New(t)
	rv := newFakeRendezvous()
	net := transporttest.NewNetwork()
	alice := newTestPeer(t, "alice", rv, net, "#general")
	bob := newTestPeer(t, "bob", rv, net, "#general")
	carol := newTestPeer(t, "carol", rv, net, "#general")
	joinAll(t, rv, "#general", alice, bob, carol)

	// When every node reconciles and signals settle
	reconcileAll(t, alice, bob, carol)
	settle(t, alice, bob, carol)
	reconcileAll(t, alice, bob, carol)

	// Then each holds exactly one link per other member
	for _, p := range []*testPeer{alice, bob, carol} {
		req.Equal(2, p.manager.Count(), p.name)
		req.Equal(2, p.manager.OpenCount(), p.name)
	}
	for _, pair := range [][2]string{{"alice", "bob"}, {"alice", "carol"}, {"bob", "carol"}} {
		req.Equal(1, net.Created(pair[0], pair[1]))
		req.Equal(1, net.Created(pair[1], pair[0]))
	}
}

func TestCoordinator_LateJoiner_AddsOnlyMissingLinks(t *testing.T) {
	req := require.New(t)
	rv := newFakeRendezvous()
	net := transporttest.NewNetwork()
	alice := newTestPeer(t, "alice", rv, net, "#general")
	bob := newTestPeer(t, "bob", rv, net, "#general")
	joinAll(t, rv, "#general", alice, bob)
	reconcileAll(t, alice, bob)
	settle(t, alice, bob)

	// Given carol joins later
	carol := newTestPeer(t, "carol", rv, net, "#general")
	joinAll(t, rv, "#general", carol)

	// When the next tick runs on each node
	reconcileAll(t, alice, bob, carol)
	settle(t, alice, bob, carol)

	// Then the two missing links exist and alice-bob was not renegotiated
	req.Equal(1, net.Created("alice", "bob"))
	req.Equal(1, net.Created("bob", "alice"))
	req.Equal(1, net.Created("carol", "alice"))
	req.Equal(1, net.Created("carol", "bob"))
	for _, p := range []*testPeer{alice, bob, carol} {
		req.Equal(2, p.manager.Count(), p.name)
	}
}

func TestCoordinator_KeepsLinksToAbsentMembers(t *testing.T) {
	req := require.New(t)
	rv := newFakeRendezvous()
	net := transporttest.NewNetwork()
	alice := newTestPeer(t, "alice", rv, net, "#general")
	bob := newTestPeer(t, "bob", rv, net, "#general")
	joinAll(t, rv, "#general", alice, bob)
	reconcileAll(t, alice, bob)
	settle(t, alice, bob)

	// When bob disappears from the roster
	rv.mu.Lock()
	rv.rosters["#general"] = []string{"alice"}
	rv.mu.Unlock()
	reconcileAll(t, alice)

	// Then alice keeps the working link
	req.Equal([]string{"alice"}, alice.coord.Roster())
	req.True(alice.manager.Has("bob"))
}

func TestCoordinator_SwitchChannel_PurgesBeforeRosterFetch(t *testing.T) {
	req := require.New(t)
	rv := newFakeRendezvous()
	net := transporttest.NewNetwork()
	alice := newTestPeer(t, "alice", rv, net, "#general")
	bob := newTestPeer(t, "bob", rv, net, "#general")
	carol := newTestPeer(t, "carol", rv, net, "#general")
	dave := newTestPeer(t, "dave", rv, net, "#random")
	joinAll(t, rv, "#general", alice, bob, carol)
	joinAll(t, rv, "#random", dave)
	reconcileAll(t, alice, bob, carol)
	settle(t, alice, bob, carol)

	// Given the roster fetch records how many links alice still has
	linksAtFetch := -1
	rv.onRoster = func(channel string) {
		if channel == "#random" {
			linksAtFetch = alice.manager.Count()
		}
	}

	// When alice switches
	req.NoError(alice.coord.SwitchChannel(context.Background(), "random"))

	// Then her old links were gone before the new roster was read
	req.Zero(linksAtFetch)
	req.Equal("#random", alice.coord.Channel())
	req.ElementsMatch([]string{"dave", "alice"}, alice.coord.Roster())
	req.NotContains(rv.rosters["#general"], "alice")

	// and after the tick she holds exactly one link per new-channel peer
	req.Equal(1, alice.manager.Count())
	req.True(alice.manager.Has("dave"))
	reconcileAll(t, dave)
	settle(t, alice, dave)
}

func TestCoordinator_SwitchChannel_PurgesBeforeLeaving(t *testing.T) {
	req := require.New(t)
	rv := newFakeRendezvous()
	net := transporttest.NewNetwork()
	alice := newTestPeer(t, "alice", rv, net, "#general")
	bob := newTestPeer(t, "bob", rv, net, "#general")
	joinAll(t, rv, "#general", alice, bob)
	reconcileAll(t, alice, bob)
	settle(t, alice, bob)

	// Given a tracker that stalls on the leave request
	entered := make(chan struct{})
	release := make(chan struct{})
	rv.onLeave = func(string) {
		close(entered)
		<-release
	}

	// When alice starts switching
	done := make(chan error, 1)
	go func() { done <- alice.coord.SwitchChannel(context.Background(), "#random") }()
	<-entered

	// Then while the leave is pending her registry is already empty and
	// nothing she says reaches the old channel
	req.Zero(alice.manager.Count())
	sent, err := alice.router.Send("still in general?")
	req.NoError(err)
	req.Zero(sent)
	req.Empty(bob.messages())
	req.Equal("#random", alice.coord.Channel())

	close(release)
	req.NoError(<-done)
	req.NotContains(rv.rosters["#general"], "alice")
}

func TestCoordinator_SwitchChannel_JoinRefused(t *testing.T) {
	req := require.New(t)
	rv := newFakeRendezvous()
	net := transporttest.NewNetwork()
	alice := newTestPeer(t, "alice", rv, net, "#general")
	bob := newTestPeer(t, "bob", rv, net, "#general")
	joinAll(t, rv, "#general", alice, bob)
	reconcileAll(t, alice, bob)
	settle(t, alice, bob)
	rv.failJoin = errUnavailable

	err := alice.coord.SwitchChannel(context.Background(), "#nowhere")

	req.ErrorIs(err, errUnavailable)
	req.Equal("#general", alice.coord.Channel())
	req.Zero(alice.manager.Count())

	// the next reconciliation rebuilds the old mesh
	rv.failJoin = nil
	reconcileAll(t, alice)
	req.True(alice.manager.Has("bob"))
}

func TestCoordinator_SwitchChannel_RejectsBadNames(t *testing.T) {
	req := require.New(t)
	rv := newFakeRendezvous()
	net := transporttest.NewNetwork()
	alice := newTestPeer(t, "alice", rv, net, "#general")

	req.Error(alice.coord.SwitchChannel(context.Background(), "two words"))
	req.NoError(alice.coord.SwitchChannel(context.Background(), "#general"))
	req.Equal("#general", alice.coord.Channel())
}
