package rendezvous

import "github.com/tomaslejdung/meshchat/pkg/signal"

// Response status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Paths served by the rendezvous service
const (
	PathRegister   = "/register-peer"
	PathHeartbeat  = "/heartbeat"
	PathCreate     = "/channels/create"
	PathJoin       = "/channels/join"
	PathLeave      = "/channels/leave"
	PathList       = "/channels/list"
	PathGetPeers   = "/channels/get-peers"
	PathSignal     = "/signal"
	PathGetSignals = "/get-signals"
)

// Envelope is the common part of every response
type Envelope struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type RegisterRequest struct {
	Username string `json:"username" validate:"required"`
	IP       string `json:"ip" validate:"required"`
	Port     int    `json:"port" validate:"required,min=1,max=65535"`
}

type HeartbeatRequest struct {
	Username string `json:"username" validate:"required"`
}

type ChannelRequest struct {
	Username    string `json:"username" validate:"required"`
	ChannelName string `json:"channel_name" validate:"required"`
}

type PeersRequest struct {
	ChannelName string `json:"channel_name" validate:"required"`
}

type SignalRequest struct {
	To     string         `json:"to" validate:"required"`
	From   string         `json:"from" validate:"required"`
	Signal signal.Payload `json:"signal"`
}

type SignalsRequest struct {
	Username string `json:"username" validate:"required"`
}

// Peer is a roster entry. Only Username is guaranteed.
type Peer struct {
	Username string `json:"username"`
	IP       string `json:"ip,omitempty"`
	Port     int    `json:"port,omitempty"`
}

type ChannelsResponse struct {
	Envelope
	Channels []string `json:"channels"`
}

type PeersResponse struct {
	Envelope
	Channel string `json:"channel,omitempty"`
	Peers   []Peer `json:"peers"`
}

// QueuedSignal is one mailbox entry
type QueuedSignal struct {
	From   string         `json:"from"`
	Signal signal.Payload `json:"signal"`
}

type SignalsResponse struct {
	Envelope
	Signals []QueuedSignal `json:"signals"`
}
