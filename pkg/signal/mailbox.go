package signal

import "context"

// Sender posts a signal to the rendezvous mailbox of env.To.
type Sender interface {
	SendSignal(ctx context.Context, env Envelope) error
}

// Source drains the signals queued for an identity, in mailbox order.
type Source interface {
	PollSignals(ctx context.Context, username string) ([]Envelope, error)
}
