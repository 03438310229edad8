package mesh

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomaslejdung/meshchat/pkg/signal"
)

const outboxSize = 64

// outbox posts one link's signals in order from a single goroutine
type outbox struct {
	queue chan signal.Envelope
	done  chan struct{}
	once  sync.Once
	log   zerolog.Logger
}

func newOutbox(ctx context.Context, sender signal.Sender, log zerolog.Logger, onFail func(signal.Envelope, error)) *outbox {
	o := &outbox{
		queue: make(chan signal.Envelope, outboxSize),
		done:  make(chan struct{}),
		log:   log,
	}
	go o.run(ctx, sender, onFail)
	return o
}

func (o *outbox) run(ctx context.Context, sender signal.Sender, onFail func(signal.Envelope, error)) {
	for {
		select {
		case env := <-o.queue:
			if err := sender.SendSignal(ctx, env); err != nil {
				onFail(env, err)
			}
		case <-o.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (o *outbox) push(env signal.Envelope) {
	select {
	case <-o.done:
	case o.queue <- env:
	default:
		o.log.Warn().Str("to", env.To).Msg("signal outbox full, dropping")
	}
}

func (o *outbox) close() {
	o.once.Do(func() { close(o.done) })
}
