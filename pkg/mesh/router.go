package mesh

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomaslejdung/meshchat/pkg/transport"
)

// ErrEmptyMessage is returned when sending blank text
var ErrEmptyMessage = errors.New("empty message")

// ChatEnvelope is one chat frame on a data channel
type ChatEnvelope struct {
	From    string `json:"from"`
	Message string `json:"msg"`
}

// SessionSource lists the sessions a message can be written to
type SessionSource interface {
	OpenSessions() map[string]transport.Session
}

// Router fans chat messages out to every open link and decodes incoming ones
type Router struct {
	local string
	links SessionSource
	log   zerolog.Logger

	mu      sync.RWMutex
	handler func(ChatEnvelope)
}

func NewRouter(local string, links SessionSource, log zerolog.Logger) *Router {
	return &Router{
		local: local,
		links: links,
		log:   log.With().Str("component", "router").Logger(),
	}
}

// SetHandler sets the receiver of decoded messages
func (r *Router) SetHandler(fn func(ChatEnvelope)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = fn
}

// Send writes text to every ready link and returns how many peers it reached.
// Links that are not ready are skipped.
func (r *Router) Send(text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, ErrEmptyMessage
	}
	data, err := json.Marshal(ChatEnvelope{From: r.local, Message: text})
	if err != nil {
		return 0, err
	}

	sent := 0
	for peer, session := range r.links.OpenSessions() {
		if !session.Ready() {
			continue
		}
		if err := session.Send(data); err != nil {
			r.log.Warn().Err(err).Str("peer", peer).Msg("send failed")
			continue
		}
		sent++
	}
	return sent, nil
}

// Receive decodes a frame from peer and forwards it. Frames that do not
// decode, or that claim another sender, are dropped.
func (r *Router) Receive(peer string, data []byte) {
	var env ChatEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.log.Warn().Err(err).Str("peer", peer).Msg("malformed chat frame")
		return
	}
	if env.From == "" {
		env.From = peer
	}
	if env.From != peer {
		r.log.Warn().Str("peer", peer).Str("claimed", env.From).Msg("chat frame with spoofed sender")
		return
	}

	r.mu.RLock()
	handler := r.handler
	r.mu.RUnlock()
	if handler != nil {
		handler(env)
	}
}
