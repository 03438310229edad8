package tracker

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/samber/lo"

	"github.com/tomaslejdung/meshchat/pkg/rendezvous"
)

const maxRequestBody = 1 << 20

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
}

func (s *Server) ok(w http.ResponseWriter, message string) {
	s.writeJSON(w, http.StatusOK, rendezvous.Envelope{Status: rendezvous.StatusSuccess, Message: message})
}

func (s *Server) fail(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, rendezvous.Envelope{Status: rendezvous.StatusError, Message: message})
}

// decode reads and validates a request body. On failure the error reply has
// already been written.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		s.fail(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		s.fail(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return false
	}
	return true
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req rendezvous.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.peersMu.Lock()
	_, known := s.peers[req.Username]
	s.peers[req.Username] = &peerRecord{ip: req.IP, port: req.Port, lastSeen: s.now()}
	s.peersMu.Unlock()

	s.log.Info().Str("peer", req.Username).Str("ip", req.IP).Int("port", req.Port).Bool("again", known).Msg("peer registered")
	s.ok(w, fmt.Sprintf("Peer %s registered", req.Username))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req rendezvous.HeartbeatRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.peersMu.Lock()
	p, ok := s.peers[req.Username]
	if ok {
		p.lastSeen = s.now()
	}
	s.peersMu.Unlock()

	if !ok {
		s.fail(w, http.StatusNotFound, "Unknown peer, register first")
		return
	}
	s.ok(w, "Heartbeat recorded")
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req rendezvous.ChannelRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.channelsMu.Lock()
	if _, exists := s.channels[req.ChannelName]; exists {
		s.channelsMu.Unlock()
		s.fail(w, http.StatusConflict, fmt.Sprintf("Channel '%s' already exists", req.ChannelName))
		return
	}
	s.channels[req.ChannelName] = &channelRecord{owner: req.Username, members: []string{req.Username}}
	s.channelsMu.Unlock()

	s.log.Info().Str("channel", req.ChannelName).Str("owner", req.Username).Msg("channel created")
	s.ok(w, fmt.Sprintf("Channel '%s' created", req.ChannelName))
}

func (s *Server) handleJoinChannel(w http.ResponseWriter, r *http.Request) {
	var req rendezvous.ChannelRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.channelsMu.Lock()
	ch, exists := s.channels[req.ChannelName]
	joined := false
	if exists && !lo.Contains(ch.members, req.Username) {
		ch.members = append(ch.members, req.Username)
		joined = true
	}
	s.channelsMu.Unlock()

	if !exists {
		s.fail(w, http.StatusNotFound, fmt.Sprintf("Channel '%s' does not exist", req.ChannelName))
		return
	}
	if joined {
		s.log.Info().Str("channel", req.ChannelName).Str("peer", req.Username).Msg("joined channel")
	}
	s.ok(w, fmt.Sprintf("Joined channel '%s'", req.ChannelName))
}

func (s *Server) handleLeaveChannel(w http.ResponseWriter, r *http.Request) {
	var req rendezvous.ChannelRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.channelsMu.Lock()
	ch, exists := s.channels[req.ChannelName]
	if exists {
		ch.members = lo.Without(ch.members, req.Username)
	}
	s.channelsMu.Unlock()

	if !exists {
		s.fail(w, http.StatusNotFound, fmt.Sprintf("Channel '%s' does not exist", req.ChannelName))
		return
	}
	s.ok(w, fmt.Sprintf("Left channel '%s'", req.ChannelName))
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	s.channelsMu.RLock()
	names := lo.Keys(s.channels)
	s.channelsMu.RUnlock()
	sort.Strings(names)

	s.writeJSON(w, http.StatusOK, rendezvous.ChannelsResponse{
		Envelope: rendezvous.Envelope{Status: rendezvous.StatusSuccess},
		Channels: names,
	})
}

// handleGetPeers lists the members of a channel that are currently registered
func (s *Server) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	var req rendezvous.PeersRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.channelsMu.RLock()
	ch, exists := s.channels[req.ChannelName]
	var members []string
	if exists {
		members = append(members, ch.members...)
	}
	s.channelsMu.RUnlock()

	if !exists {
		s.fail(w, http.StatusNotFound, fmt.Sprintf("Channel '%s' does not exist", req.ChannelName))
		return
	}

	peers := make([]rendezvous.Peer, 0, len(members))
	s.peersMu.RLock()
	for _, name := range members {
		if p, ok := s.peers[name]; ok {
			peers = append(peers, rendezvous.Peer{Username: name, IP: p.ip, Port: p.port})
		}
	}
	s.peersMu.RUnlock()

	s.writeJSON(w, http.StatusOK, rendezvous.PeersResponse{
		Envelope: rendezvous.Envelope{Status: rendezvous.StatusSuccess},
		Channel:  req.ChannelName,
		Peers:    peers,
	})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req rendezvous.SignalRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := req.Signal.Kind(); err != nil {
		s.fail(w, http.StatusBadRequest, err.Error())
		return
	}

	// mailboxes live only as long as the recipient's registration
	s.peersMu.RLock()
	_, registered := s.peers[req.To]
	if registered {
		s.mailMu.Lock()
		s.mailboxes[req.To] = append(s.mailboxes[req.To], rendezvous.QueuedSignal{From: req.From, Signal: req.Signal})
		s.mailMu.Unlock()
	}
	s.peersMu.RUnlock()

	if !registered {
		s.fail(w, http.StatusNotFound, fmt.Sprintf("Unknown peer '%s'", req.To))
		return
	}
	s.ok(w, "")
}

// handleGetSignals drains the mailbox in one step
func (s *Server) handleGetSignals(w http.ResponseWriter, r *http.Request) {
	var req rendezvous.SignalsRequest
	if !s.decode(w, r, &req) {
		return
	}

	s.mailMu.Lock()
	queued := s.mailboxes[req.Username]
	delete(s.mailboxes, req.Username)
	s.mailMu.Unlock()

	if queued == nil {
		queued = []rendezvous.QueuedSignal{}
	}
	s.writeJSON(w, http.StatusOK, rendezvous.SignalsResponse{
		Envelope: rendezvous.Envelope{Status: rendezvous.StatusSuccess},
		Signals:  queued,
	})
}
