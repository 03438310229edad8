package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/tomaslejdung/meshchat/pkg/signal"
)

// ChannelLabel is the label of the data channel carrying chat frames
const ChannelLabel = "chat"

// PionFactory creates WebRTC data channel sessions
type PionFactory struct {
	config webrtc.Configuration
	log    zerolog.Logger
}

func NewPionFactory(ice ICEConfig, log zerolog.Logger) *PionFactory {
	return &PionFactory{
		config: ice.Configuration(),
		log:    log.With().Str("component", "transport").Logger(),
	}
}

type pionSession struct {
	peer string
	pc   *webrtc.PeerConnection
	ev   Events
	log  zerolog.Logger

	mu sync.Mutex
	dc *webrtc.DataChannel

	// done guards the single OnClose notification; a local Close consumes it
	done sync.Once
}

// NewSession creates a peer connection to peer. The initiator creates the chat
// data channel; the responder waits for it.
func (f *PionFactory) NewSession(peer string, initiator bool, ev Events) (Session, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	s := &pionSession{
		peer: peer,
		pc:   pc,
		ev:   ev,
		log:  f.log.With().Str("peer", peer).Logger(),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil || ev.OnCandidate == nil {
			return
		}
		init := candidate.ToJSON()
		ev.OnCandidate(signal.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug().Str("state", state.String()).Msg("connection state")
		switch state {
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.fail(fmt.Errorf("%w: connection %s", ErrClosed, state.String()))
		}
	})

	if initiator {
		dc, err := pc.CreateDataChannel(ChannelLabel, nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		s.attach(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != ChannelLabel {
				s.log.Warn().Str("label", dc.Label()).Msg("ignoring unexpected data channel")
				return
			}
			s.attach(dc)
		})
	}

	return s, nil
}

func (s *pionSession) attach(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.log.Debug().Msg("data channel open")
		if s.ev.OnOpen != nil {
			s.ev.OnOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if s.ev.OnMessage != nil {
			s.ev.OnMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		s.fail(fmt.Errorf("%w: data channel closed", ErrClosed))
	})
}

func (s *pionSession) fail(reason error) {
	s.done.Do(func() {
		if s.ev.OnClose != nil {
			s.ev.OnClose(reason)
		}
	})
}

func (s *pionSession) CreateOffer() (string, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

func (s *pionSession) CreateAnswer() (string, error) {
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

func (s *pionSession) SetRemoteDescription(kind signal.Kind, sdp string) error {
	var typ webrtc.SDPType
	switch kind {
	case signal.KindOffer:
		typ = webrtc.SDPTypeOffer
	case signal.KindAnswer:
		typ = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("not a session description: %s", kind)
	}
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp})
}

func (s *pionSession) AddCandidate(c signal.Candidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// Send writes one text frame so browser peers receive a string
func (s *pionSession) Send(data []byte) error {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotReady
	}
	return dc.SendText(string(data))
}

func (s *pionSession) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dc != nil && s.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// ConnectionType checks if the selected candidate pair is direct or relayed
func (s *pionSession) ConnectionType() string {
	stats := s.pc.GetStats()

	for _, stat := range stats {
		pair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		local, ok := stats[pair.LocalCandidateID].(webrtc.ICECandidateStats)
		if !ok {
			continue
		}
		switch local.CandidateType {
		case webrtc.ICECandidateTypeRelay:
			return "relay"
		case webrtc.ICECandidateTypeHost, webrtc.ICECandidateTypeSrflx, webrtc.ICECandidateTypePrflx:
			return "direct"
		}
	}
	return "unknown"
}

func (s *pionSession) Close() error {
	s.done.Do(func() {})
	return s.pc.Close()
}
