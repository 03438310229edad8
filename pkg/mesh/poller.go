package mesh

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomaslejdung/meshchat/pkg/signal"
)

// DefaultPollInterval is how often the mailbox is drained
const DefaultPollInterval = 2 * time.Second

// SignalHandler applies one signal
type SignalHandler interface {
	HandleSignal(env signal.Envelope) error
}

// Poller drains the local mailbox on a fixed interval and hands every signal,
// in mailbox order, to the handler.
type Poller struct {
	local    string
	source   signal.Source
	handler  SignalHandler
	interval time.Duration
	log      zerolog.Logger
}

func NewPoller(local string, source signal.Source, handler SignalHandler, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		local:    local,
		source:   source,
		handler:  handler,
		interval: interval,
		log:      log.With().Str("component", "poller").Logger(),
	}
}

// Run polls until ctx is cancelled
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick performs one poll and returns the number of signals dispatched. A
// failed poll is logged and skipped; no signal is lost by it.
func (p *Poller) Tick(ctx context.Context) int {
	envs, err := p.source.PollSignals(ctx, p.local)
	if err != nil {
		p.log.Debug().Err(err).Msg("poll failed")
		return 0
	}
	for _, env := range envs {
		if err := p.handler.HandleSignal(env); err != nil {
			p.log.Warn().Err(err).Str("from", env.From).Msg("signal rejected")
		}
	}
	return len(envs)
}
