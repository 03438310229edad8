package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/tomaslejdung/meshchat/pkg/rendezvous"
	"github.com/tomaslejdung/meshchat/pkg/signal"
)

// DefaultReconcileInterval is how often the roster is re-read
const DefaultReconcileInterval = 10 * time.Second

// Directory is the part of the rendezvous service the coordinator uses
type Directory interface {
	GetRoster(ctx context.Context, channel string) ([]rendezvous.Peer, error)
	JoinChannel(ctx context.Context, username, channel string) error
	LeaveChannel(ctx context.Context, username, channel string) error
}

// Coordinator keeps a link to every member of the current channel
type Coordinator struct {
	manager  *Manager
	dir      Directory
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	channel string
	roster  []string
	// gen changes on every switch so a roster fetched for an older channel is discarded
	gen uint64
}

func NewCoordinator(manager *Manager, dir Directory, channel string, interval time.Duration, log zerolog.Logger) *Coordinator {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	return &Coordinator{
		manager:  manager,
		dir:      dir,
		interval: interval,
		log:      log.With().Str("component", "coordinator").Logger(),
		channel:  signal.NormalizeChannel(channel),
	}
}

// Channel returns the current channel
func (c *Coordinator) Channel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Roster returns the cached roster of the current channel
func (c *Coordinator) Roster() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.roster...)
}

// Run reconciles until ctx is cancelled
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.Reconcile(ctx); err != nil {
				c.log.Debug().Err(err).Msg("reconcile failed")
			}
		}
	}
}

// Reconcile fetches the roster of the current channel, replaces the cached
// copy and creates a link to every member that has none. Links to peers that
// left the roster are kept. It returns the number of links created.
func (c *Coordinator) Reconcile(ctx context.Context) (int, error) {
	c.mu.Lock()
	channel, gen := c.channel, c.gen
	c.mu.Unlock()

	peers, err := c.dir.GetRoster(ctx, channel)
	if err != nil {
		return 0, fmt.Errorf("roster %s: %w", channel, err)
	}
	names := lo.Uniq(lo.Map(peers, func(p rendezvous.Peer, _ int) string { return p.Username }))

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return 0, nil
	}
	c.roster = names

	missing := lo.Without(names, append(c.manager.Peers(), c.manager.Local())...)
	created := 0
	for _, peer := range missing {
		if c.manager.CreateLink(peer) {
			created++
		}
	}
	if created > 0 {
		c.log.Debug().Str("channel", channel).Int("created", created).Msg("reconciled")
	}
	return created, nil
}

// SwitchChannel leaves the current channel and joins another. Every link is
// closed and purged before the new roster is read. If the join is refused the
// previous channel is rejoined and its mesh rebuilt on the next
// reconciliation.
func (c *Coordinator) SwitchChannel(ctx context.Context, name string) error {
	name = signal.NormalizeChannel(name)
	if !signal.ValidateChannel(name) {
		return fmt.Errorf("invalid channel name %q", name)
	}

	c.mu.Lock()
	prev := c.channel
	if name == prev {
		c.mu.Unlock()
		return nil
	}
	c.gen++
	gen := c.gen
	c.channel = name
	c.roster = nil
	c.manager.CloseAll()
	c.mu.Unlock()

	// Old-channel members keep offering links to us until we leave.
	if err := c.dir.LeaveChannel(ctx, c.manager.Local(), prev); err != nil {
		c.log.Debug().Err(err).Str("channel", prev).Msg("leave failed")
	}

	c.log.Info().Str("from", prev).Str("to", name).Msg("switched channel")

	if err := c.dir.JoinChannel(ctx, c.manager.Local(), name); err != nil {
		c.mu.Lock()
		restore := c.gen == gen
		if restore {
			c.gen++
			c.channel = prev
		}
		c.mu.Unlock()
		if restore {
			if err := c.dir.JoinChannel(ctx, c.manager.Local(), prev); err != nil {
				c.log.Debug().Err(err).Str("channel", prev).Msg("rejoin failed")
			}
		}
		return fmt.Errorf("join %s: %w", name, err)
	}

	if _, err := c.Reconcile(ctx); err != nil {
		c.log.Debug().Err(err).Msg("reconcile after switch failed")
	}
	return nil
}
