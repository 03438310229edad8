// Package node runs one chat peer: registration and heartbeat with the
// rendezvous service, the signal poller, the mesh coordinator and message
// routing, with an event stream for user interfaces.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tomaslejdung/meshchat/pkg/mesh"
	"github.com/tomaslejdung/meshchat/pkg/signal"
	"github.com/tomaslejdung/meshchat/pkg/transport"
)

// DefaultHeartbeatInterval keeps registrations well inside the tracker's
// expiry window
const DefaultHeartbeatInterval = 30 * time.Second

const eventBuffer = 256

var ErrAlreadyStarted = errors.New("node already started")

// Rendezvous is the rendezvous service as seen by a node
type Rendezvous interface {
	signal.Sender
	signal.Source
	mesh.Directory
	Register(ctx context.Context, username, ip string, port int) error
	Heartbeat(ctx context.Context, username string) error
	CreateChannel(ctx context.Context, username, channel string) error
	ListChannels(ctx context.Context) ([]string, error)
}

// Config for one node
type Config struct {
	Username          string
	AdvertiseIP       string
	AdvertisePort     int
	Channel           string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ReconcileInterval time.Duration
}

// Node is one running chat peer
type Node struct {
	cfg Config
	rv  Rendezvous
	log zerolog.Logger

	manager *mesh.Manager
	poller  *mesh.Poller
	coord   *mesh.Coordinator
	router  *mesh.Router

	registered atomic.Bool

	mu        sync.Mutex
	listeners map[chan Event]struct{}
	cancel    context.CancelFunc
	group     *errgroup.Group
}

func New(cfg Config, rv Rendezvous, factory transport.Factory, log zerolog.Logger) *Node {
	if cfg.Channel == "" {
		cfg.Channel = signal.DefaultChannel
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	log = log.With().Str("user", cfg.Username).Logger()

	n := &Node{
		cfg:       cfg,
		rv:        rv,
		log:       log,
		listeners: make(map[chan Event]struct{}),
	}
	n.manager = mesh.NewManager(cfg.Username, factory, rv, log)
	n.poller = mesh.NewPoller(cfg.Username, rv, n.manager, cfg.PollInterval, log)
	n.coord = mesh.NewCoordinator(n.manager, rv, cfg.Channel, cfg.ReconcileInterval, log)
	n.router = mesh.NewRouter(cfg.Username, n.manager, log)

	n.manager.SetMessageCallback(n.router.Receive)
	n.manager.SetStateCallback(n.linkChanged)
	n.router.SetHandler(func(env mesh.ChatEnvelope) {
		n.emit(Event{Kind: EventChat, From: env.From, Text: env.Message, Channel: n.coord.Channel()})
	})
	return n
}

// Start registers, joins the configured channel and starts the background
// loops. A registration failure is reported as an event and retried by the
// heartbeat loop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.cancel != nil {
		n.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	n.cancel = cancel
	n.group = g
	n.mu.Unlock()

	if err := n.register(gctx); err != nil {
		n.emitError(fmt.Sprintf("registration failed, retrying: %v", err))
	}

	g.Go(func() error {
		n.heartbeatLoop(gctx)
		return nil
	})
	g.Go(func() error {
		n.poller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		n.coord.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if _, err := n.coord.Reconcile(gctx); err != nil {
			n.log.Debug().Err(err).Msg("initial reconcile failed")
		}
		return nil
	})
	return nil
}

// Stop ends the background loops and closes every link. Subscriber channels
// are closed.
func (n *Node) Stop() {
	n.mu.Lock()
	cancel, g := n.cancel, n.group
	n.mu.Unlock()
	if cancel != nil {
		cancel()
		g.Wait()
	}
	n.manager.Close()

	n.mu.Lock()
	for ch := range n.listeners {
		close(ch)
		delete(n.listeners, ch)
	}
	n.mu.Unlock()
}

func (n *Node) register(ctx context.Context) error {
	if err := n.rv.Register(ctx, n.cfg.Username, n.cfg.AdvertiseIP, n.cfg.AdvertisePort); err != nil {
		return err
	}
	channel := n.coord.Channel()
	if err := n.rv.JoinChannel(ctx, n.cfg.Username, channel); err != nil {
		return err
	}
	n.registered.Store(true)
	n.log.Info().Str("channel", channel).Msg("registered")
	n.emit(Event{Kind: EventSystem, Text: fmt.Sprintf("Registered as %s, joined %s", n.cfg.Username, channel), Channel: channel})
	return nil
}

// heartbeatLoop keeps the registration alive. After a failed heartbeat the
// next tick registers and joins again, which also recovers from the tracker
// expiring us.
func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !n.registered.Load() {
			if err := n.register(ctx); err != nil {
				n.log.Debug().Err(err).Msg("re-register failed")
			}
			continue
		}
		if err := n.rv.Heartbeat(ctx, n.cfg.Username); err != nil {
			n.log.Warn().Err(err).Msg("heartbeat failed")
			n.registered.Store(false)
		}
	}
}

// linkChanged runs inside manager calls the coordinator makes while holding
// its lock, so it must not query the coordinator.
func (n *Node) linkChanged(info mesh.LinkInfo, reason error) {
	ev := Event{Kind: EventLink, Link: &info}
	switch info.State {
	case mesh.StateOpen:
		ev.Text = fmt.Sprintf("Connected P2P with %s", info.Peer)
	case mesh.StateClosed:
		ev.Text = fmt.Sprintf("Connection with %s closed", info.Peer)
		if reason != nil && errors.Is(reason, mesh.ErrTransport) {
			ev.Text = fmt.Sprintf("Connection with %s lost", info.Peer)
		}
	default:
		ev.Text = fmt.Sprintf("%s: %s", info.Peer, info.State)
	}
	n.emit(ev)
}

// Send broadcasts text to every open link and echoes it locally. It returns
// the number of peers reached.
func (n *Node) Send(text string) (int, error) {
	sent, err := n.router.Send(text)
	if err != nil {
		return 0, err
	}
	n.emit(Event{Kind: EventChat, From: n.cfg.Username, Text: text, Channel: n.coord.Channel()})
	return sent, nil
}

// SwitchChannel moves to another channel, dropping every current link
func (n *Node) SwitchChannel(ctx context.Context, name string) error {
	if err := n.coord.SwitchChannel(ctx, name); err != nil {
		n.emitError(fmt.Sprintf("could not switch to %s: %v", signal.NormalizeChannel(name), err))
		return err
	}
	channel := n.coord.Channel()
	n.emit(Event{Kind: EventSystem, Text: "Switched to " + channel, Channel: channel})
	return nil
}

// CreateChannel creates a channel and switches to it
func (n *Node) CreateChannel(ctx context.Context, name string) error {
	name = signal.NormalizeChannel(name)
	if !signal.ValidateChannel(name) {
		err := fmt.Errorf("invalid channel name %q", name)
		n.emitError(err.Error())
		return err
	}
	if err := n.rv.CreateChannel(ctx, n.cfg.Username, name); err != nil {
		n.emitError(fmt.Sprintf("could not create %s: %v", name, err))
		return err
	}
	n.emit(Event{Kind: EventSystem, Text: "Created " + name, Channel: name})
	return n.SwitchChannel(ctx, name)
}

func (n *Node) ListChannels(ctx context.Context) ([]string, error) {
	return n.rv.ListChannels(ctx)
}

func (n *Node) Username() string { return n.cfg.Username }

func (n *Node) Channel() string { return n.coord.Channel() }

func (n *Node) Roster() []string { return n.coord.Roster() }

func (n *Node) Links() []mesh.LinkInfo { return n.manager.Links() }

// OpenCount is the number of peers a message would currently reach
func (n *Node) OpenCount() int { return n.manager.OpenCount() }

func (n *Node) Registered() bool { return n.registered.Load() }

// Subscribe returns a channel receiving every event from now on. Events are
// dropped for subscribers that fall behind.
func (n *Node) Subscribe() <-chan Event {
	ch := make(chan Event, eventBuffer)
	n.mu.Lock()
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

func (n *Node) Unsubscribe(ch <-chan Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for c := range n.listeners {
		if (<-chan Event)(c) == ch {
			close(c)
			delete(n.listeners, c)
			return
		}
	}
}

func (n *Node) emitError(text string) {
	n.emit(Event{Kind: EventError, Text: text, Channel: n.coord.Channel()})
}

func (n *Node) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}
